package uart

import "fmt"

// DefaultQueueCapacity is the number of request slots per connection unless
// overridden through ClientOptions.QueueCapacity.
const DefaultQueueCapacity = 8

// QueueStats provides runtime counters useful for monitoring/backpressure.
type QueueStats struct {
	Depth     int    // requests currently queued, including the in-flight one
	Capacity  int    // fixed slot count
	InFlight  bool   // a request has been accepted and awaits completion
	Submitted uint64 // total requests accepted by Submit
	Rejected  uint64 // total submissions refused with ErrQueueFull
	Retried   uint64 // transient transport rejections of the head request
	Completed uint64 // requests retired by a completion signal
	Failed    uint64 // requests retired by a fatal transport error
}

// txQueue is a fixed-capacity circular buffer of pending requests with two
// free-running cursors. insert is the next free slot; dispatch is the head
// request currently issued (or next to issue). insert == dispatch means
// empty; insert - dispatch == capacity means full. Capacity is a power of
// two so wraparound is a bitmask.
//
// The queue is not self-synchronizing: all access happens inside the owning
// connection's exclusive region (see conn.mu in client.go).
type txQueue struct {
	buf      []txRequest
	mask     uint32
	insert   uint32
	dispatch uint32

	// inFlight marks the head request as accepted by the transport and
	// awaiting its completion signal. At most one request is ever in this
	// condition per connection.
	inFlight bool

	stats QueueStats
}

func newTxQueue(capacity int) (*txQueue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: queue capacity %d must be a power of two", ErrInvalidArgument, capacity)
	}
	return &txQueue{
		buf:   make([]txRequest, capacity),
		mask:  uint32(capacity - 1),
		stats: QueueStats{Capacity: capacity},
	}, nil
}

func (q *txQueue) depth() int {
	return int(q.insert - q.dispatch)
}

func (q *txQueue) empty() bool {
	return q.insert == q.dispatch
}

func (q *txQueue) full() bool {
	return q.depth() == len(q.buf)
}

// push appends a request at the tail. A full queue is an observable error,
// never a silent overwrite: the existing entries are left untouched.
func (q *txQueue) push(r txRequest) error {
	if q.full() {
		q.stats.Rejected++
		return ErrQueueFull
	}
	q.buf[q.insert&q.mask] = r
	q.insert++
	q.stats.Submitted++
	return nil
}

// head returns the request at the dispatch cursor. Only valid when !empty().
func (q *txQueue) head() *txRequest {
	return &q.buf[q.dispatch&q.mask]
}

// retire advances the dispatch cursor past the head request and clears the
// in-flight mark. Only valid when !empty().
func (q *txQueue) retire() {
	q.dispatch++
	q.inFlight = false
}

func (q *txQueue) snapshot() QueueStats {
	s := q.stats
	s.Depth = q.depth()
	s.InFlight = q.inFlight
	return s
}
