// Package bridge pipes a serial-over-GATT peer into a local pseudo-terminal.
// Notification payloads from the peer come out on the tty slave; bytes typed
// into the slave are chunked to the attribute payload limit and queued on
// the driver's request queue.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/ptyio"
	"github.com/srg/bluart/internal/uart"
)

const (
	// DefaultRxBufferRecords is the capacity, in notification records, of
	// the ring between the event handler and the tty pump.
	DefaultRxBufferRecords = 256

	// DefaultRetryInterval is how long the tx path waits before resubmitting
	// a chunk that bounced off a full request queue.
	DefaultRetryInterval = 5 * time.Millisecond
)

// Writer is the slice of the driver the tx path needs.
type Writer interface {
	WriteBytes(id uart.ConnID, payload []byte) error
}

// Options tunes a Bridge. Zero values take defaults.
type Options struct {
	Logger          *logrus.Logger
	RxBufferRecords uint32
	RetryInterval   time.Duration
}

// Stats carries the bridge transfer counters.
type Stats struct {
	RecordsBridged     uint64 // notification records delivered to the tty
	RecordsOverwritten uint64 // records lost because the rx ring wrapped
	BytesToTTY         uint64
	BytesToPeer        uint64
	ChunksWritten      uint64
	QueueFullRetries   uint64
}

// rxRecord is one notification payload in flight towards the tty.
type rxRecord struct {
	conn uart.ConnID
	data []byte
}

// Bridge owns the two pump directions between one peer and one tty.
//
// Construction is staged because the pieces reference each other: New first,
// then BindDriver once the driver exists, AttachPort once the tty exists,
// and SetPeer once the connection id is known.
type Bridge struct {
	logger        *logrus.Logger
	retryInterval time.Duration

	mu     sync.Mutex
	driver Writer
	port   ptyio.Port

	peer atomic.Uint32 // uart.ConnID, or peerUnset

	rx       mpmc.RichOverlappedRingBuffer[rxRecord]
	rxNotify chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	recordsBridged     atomic.Uint64
	recordsOverwritten atomic.Uint64
	bytesToTTY         atomic.Uint64
	bytesToPeer        atomic.Uint64
	chunksWritten      atomic.Uint64
	queueFullRetries   atomic.Uint64
}

const peerUnset = uint32(uart.InvalidConn)

// New creates a Bridge and starts its tty pump.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	records := opts.RxBufferRecords
	if records == 0 {
		records = DefaultRxBufferRecords
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}

	b := &Bridge{
		logger:        logger,
		retryInterval: retry,
		rx:            mpmc.NewOverlappedRingBuffer[rxRecord](records),
		rxNotify:      make(chan struct{}, 1),
		done:          make(chan struct{}),
		stop:          make(chan struct{}),
	}
	b.peer.Store(peerUnset)

	b.wg.Add(1)
	go b.pumpToTTY()
	return b
}

// BindDriver attaches the driver used for the tx direction.
func (b *Bridge) BindDriver(w Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driver = w
}

// AttachPort attaches the tty endpoint used for the rx direction.
func (b *Bridge) AttachPort(p ptyio.Port) {
	b.mu.Lock()
	b.port = p
	b.mu.Unlock()

	// Wake the pump in case records queued up before the port existed.
	select {
	case b.rxNotify <- struct{}{}:
	default:
	}
}

// SetPeer records the connection the tx path writes to.
func (b *Bridge) SetPeer(id uart.ConnID) {
	b.peer.Store(uint32(id))
}

// TTYName returns the slave device path, or empty before AttachPort.
func (b *Bridge) TTYName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return ""
	}
	return b.port.Name()
}

// Done is closed when the peer disconnects.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close stops the pump. It does not close the attached port or driver.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bridge) Stats() Stats {
	return Stats{
		RecordsBridged:     b.recordsBridged.Load(),
		RecordsOverwritten: b.recordsOverwritten.Load(),
		BytesToTTY:         b.bytesToTTY.Load(),
		BytesToPeer:        b.bytesToPeer.Load(),
		ChunksWritten:      b.chunksWritten.Load(),
		QueueFullRetries:   b.queueFullRetries.Load(),
	}
}

// HandleEvent is the driver event handler. It must not block: notification
// payloads are parked in the rx ring and drained by the pump goroutine.
func (b *Bridge) HandleEvent(ev uart.Event) {
	switch ev.Type {
	case uart.EventDataReceived:
		data := make([]byte, len(ev.Data))
		copy(data, ev.Data)
		overwrites, err := b.rx.EnqueueM(rxRecord{conn: ev.Conn, data: data})
		if err != nil {
			b.logger.WithError(err).Warn("Failed to buffer notification record")
			return
		}
		if overwrites > 0 {
			b.recordsOverwritten.Add(uint64(overwrites))
			b.logger.WithField("overwritten", overwrites).Warn("Notification ring wrapped, records lost")
		}
		select {
		case b.rxNotify <- struct{}{}:
		default:
		}

	case uart.EventSubscribed:
		b.logger.WithField("conn", ev.Conn).Info("Serial stream active")

	case uart.EventDiscoveryComplete:
		b.logger.WithField("conn", ev.Conn).Debug("Serial service discovered")

	case uart.EventRequestFailed:
		b.logger.WithError(ev.Err).WithField("conn", ev.Conn).Warn("Request failed")

	case uart.EventDisconnected:
		b.logger.WithField("conn", ev.Conn).Info("Peer disconnected")
		b.doneOnce.Do(func() { close(b.done) })
	}
}

// PortData is the tty input callback: it chunks typed bytes to the
// attribute payload limit and queues them on the driver. A full queue is
// retried until it drains or the bridge stops; order is preserved because
// this is the only writer.
func (b *Bridge) PortData(data []byte) {
	peer := uart.ConnID(b.peer.Load())
	if peer == uart.InvalidConn {
		b.logger.Debug("Dropping tty input, no peer yet")
		return
	}

	b.mu.Lock()
	driver := b.driver
	b.mu.Unlock()
	if driver == nil {
		return
	}

	for offset := 0; offset < len(data); {
		end := offset + uart.MaxWriteLen
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		if err := b.submitChunk(driver, peer, chunk); err != nil {
			b.logger.WithError(err).Warn("Dropping tty input chunk")
			return
		}
		b.bytesToPeer.Add(uint64(len(chunk)))
		b.chunksWritten.Add(1)
		offset = end
	}
}

func (b *Bridge) submitChunk(driver Writer, peer uart.ConnID, chunk []byte) error {
	for {
		err := driver.WriteBytes(peer, chunk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, uart.ErrQueueFull) {
			return err
		}
		b.queueFullRetries.Add(1)
		select {
		case <-b.stop:
			return fmt.Errorf("bridge is shutting down")
		case <-b.done:
			return fmt.Errorf("peer disconnected")
		case <-time.After(b.retryInterval):
		}
	}
}

// pumpToTTY drains buffered notification records into the tty.
func (b *Bridge) pumpToTTY() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stop:
			return
		case <-b.rxNotify:
		}
		b.drainRx()
	}
}

func (b *Bridge) drainRx() {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return
	}

	for !b.rx.IsEmpty() {
		rec, err := b.rx.Dequeue()
		if err != nil {
			return
		}
		n, err := port.Write(rec.data)
		if err != nil {
			b.logger.WithError(err).Warn("Failed to write to tty")
			return
		}
		b.recordsBridged.Add(1)
		b.bytesToTTY.Add(uint64(n))
	}
}
