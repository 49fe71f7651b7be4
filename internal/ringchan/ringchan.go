// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics, for producers that must never block on a slow
// consumer (advertisement streams, progress events).
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel and ensures producers never block
// indefinitely: if the buffer is full, the oldest element is discarded.
//
// Writers use Send or TrySend; readers range over C() like a normal channel.
type Ring[T any] struct {
	ch          chan T
	written     atomic.Uint64
	overwritten atomic.Uint64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// this until it is closed.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts an item, discarding the oldest if the buffer is full. It
// always succeeds without blocking indefinitely.
func (r *Ring[T]) Send(v T) {
	select {
	case r.ch <- v:
		r.written.Add(1)
	default:
		select {
		case <-r.ch: // drop oldest
			r.overwritten.Add(1)
		default:
		}
		r.ch <- v
		r.written.Add(1)
	}
}

// TrySend attempts to insert without blocking or dropping. Returns false if
// the buffer is full.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		r.written.Add(1)
		return true
	default:
		return false
	}
}

// Close closes the channel. No Send may follow.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// Written returns the number of successfully inserted items.
func (r *Ring[T]) Written() uint64 { return r.written.Load() }

// Overwritten returns the number of items discarded to make room.
func (r *Ring[T]) Overwritten() uint64 { return r.overwritten.Load() }
