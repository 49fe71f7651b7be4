package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bluart/pkg/uart"
)

// FormatUserError turns internal errors into messages that make sense to a
// person at the terminal. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var reqErr *uart.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("request to the device failed: %v", reqErr.Err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out - is the device in range and advertising?"
	case errors.Is(err, uart.ErrQueueFull):
		return "the device cannot keep up - the outgoing request queue is full, retry shortly"
	case errors.Is(err, uart.ErrNotFound):
		return "the device does not expose the expected serial characteristics"
	case errors.Is(err, uart.ErrInvalidState):
		return fmt.Sprintf("operation not possible right now: %v", err)
	default:
		return err.Error()
	}
}
