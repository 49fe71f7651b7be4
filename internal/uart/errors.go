package uart

import (
	"errors"
	"fmt"
)

// Sentinel errors returned synchronously from driver operations.
var (
	// ErrInvalidArgument indicates a nil or malformed caller-supplied value,
	// such as an oversized payload. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates the operation was attempted while the
	// connection is not in a state that permits it.
	ErrInvalidState = errors.New("invalid state")

	// ErrQueueFull indicates the request queue has no free slot. The
	// caller's data is not buffered or truncated; it must be re-submitted.
	ErrQueueFull = errors.New("request queue full")

	// ErrNotFound indicates a handle table role that discovery has not
	// resolved, or an unknown connection id.
	ErrNotFound = errors.New("not found")

	// ErrTransportBusy is returned by a Transport when it temporarily
	// cannot accept the request. The queue absorbs it by retrying the head
	// request on the next trigger event; it is never surfaced to the
	// application.
	ErrTransportBusy = errors.New("transport busy")
)

// RequestError wraps a fatal transport error together with the request that
// failed. It is delivered to the application through an EventRequestFailed
// event rather than a return value, because the failure is observed
// asynchronously.
type RequestError struct {
	Conn   ConnID
	Handle AttrHandle
	Op     string // "read" or "write"
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request to handle 0x%04X on conn %d failed: %v", e.Op, uint16(e.Handle), e.Conn, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
