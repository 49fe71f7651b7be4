package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/bluart/pkg/uart"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "timeout",
			err:  fmt.Errorf("dial: %w", context.DeadlineExceeded),
			want: "operation timed out - is the device in range and advertising?",
		},
		{
			name: "queue full",
			err:  uart.ErrQueueFull,
			want: "the device cannot keep up - the outgoing request queue is full, retry shortly",
		},
		{
			name: "missing characteristics",
			err:  fmt.Errorf("resolve: %w", uart.ErrNotFound),
			want: "the device does not expose the expected serial characteristics",
		},
		{
			name: "request error unwraps the cause",
			err: &uart.RequestError{
				Conn: 1,
				Err:  errors.New("ATT timeout"),
			},
			want: "request to the device failed: ATT timeout",
		},
		{
			name: "unknown error passes through",
			err:  errors.New("something else"),
			want: "something else",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
