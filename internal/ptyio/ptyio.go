// Package ptyio provides the pseudo-terminal endpoint of the serial bridge.
// It opens a master/slave pair with github.com/creack/pty and wraps the
// master in non-blocking ring-buffered I/O, so the bridge can pump bytes in
// both directions without ever stalling on a slow or absent reader.
//
// Data written with Write appears on the slave device for whatever program
// has it open; bytes typed into the slave are delivered to the OnData
// callback in the background. Both directions drop the oldest bytes when
// their ring fills, which suits a serial link better than blocking.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// DefaultPollIntervalMs bounds how long the I/O loops wait for readiness
// before rechecking their context. It is the worst-case shutdown latency.
const DefaultPollIntervalMs = 50

// DataCallback receives bytes typed into the slave device. It runs on a
// background goroutine and must not retain the slice.
type DataCallback func(data []byte)

// ErrorCallback is invoked at most once when an I/O loop dies on an
// unrecoverable error. The port is degraded afterwards and should be closed.
type ErrorCallback func(err error)

// Options configures Open. Zero values take defaults.
type Options struct {
	ReadCap        int // ring capacity for bytes read from the slave
	WriteCap       int // ring capacity for bytes queued towards the slave
	PollIntervalMs int
	Logger         *logrus.Logger
	OnData         DataCallback
	OnError        ErrorCallback
}

// Port is a non-blocking pseudo-terminal endpoint.
type Port interface {
	io.ReadWriteCloser
	Name() string // slave device path, e.g. /dev/pts/5
	Stats() Stats
}

// Stats carries the port's transfer counters for monitoring.
type Stats struct {
	ReadQueueLen  int
	WriteQueueLen int

	ReadBytesTotal  uint64
	WriteBytesTotal uint64
	DroppedRead     uint64 // slave produced faster than consumed
	DroppedWrite    uint64 // Write called faster than drained
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPort struct {
	logger *logrus.Logger

	master *os.File
	slave  *os.File // kept open so the device node survives external closes
	name   string

	readBuf  *ringbuffer.RingBuffer
	writeBuf *ringbuffer.RingBuffer

	onData    DataCallback
	onError   ErrorCallback
	errorOnce sync.Once

	pollMs     int
	dataNotify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
	droppedRead  atomic.Uint64
	droppedWrite atomic.Uint64
}

// Open creates the pseudo-terminal pair, puts the slave into raw mode, and
// starts the background pump loops.
func Open(opts Options) (Port, error) {
	if opts.ReadCap <= 0 || opts.WriteCap <= 0 {
		return nil, fmt.Errorf("ring capacities must be positive (read=%d write=%d)", opts.ReadCap, opts.WriteCap)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty pair: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set master non-blocking: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollMs := opts.PollIntervalMs
	if pollMs <= 0 {
		pollMs = DefaultPollIntervalMs
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPort{
		logger:     logger,
		master:     master,
		slave:      slave,
		name:       slave.Name(),
		readBuf:    ringbuffer.New(opts.ReadCap),
		writeBuf:   ringbuffer.New(opts.WriteCap),
		onData:     opts.OnData,
		onError:    opts.OnError,
		pollMs:     pollMs,
		dataNotify: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	if p.onData != nil {
		p.wg.Add(1)
		go p.dispatchLoop()
	}

	logger.WithField("tty", p.name).Debug("pty opened")
	return p, nil
}

func (p *ringPort) Name() string { return p.name }

// Write queues data for the slave device. Never blocks; if the ring is
// full the oldest queued bytes survive and the overflow is dropped, with
// the returned count reflecting what was actually queued.
func (p *ringPort) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.name,
			"dropped": len(data) - n,
		}).Warn("pty write ring full, dropping bytes")
	}
	return n, nil
}

// Read drains buffered slave output without blocking. Returns
// syscall.EAGAIN when nothing is buffered. Most callers should prefer the
// OnData callback; Read exists for poll-style consumers.
func (p *ringPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// Close stops the pump loops and closes both ends of the pair.
func (p *ringPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()

	// Closing the FDs kicks any loop blocked in poll/read out with EBADF.
	if err := p.master.Close(); err != nil {
		p.logger.WithError(err).Warn("failed to close pty master")
	}
	if err := p.slave.Close(); err != nil {
		p.logger.WithError(err).Warn("failed to close pty slave")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(p.pollMs)*time.Millisecond*4 + time.Second):
		p.logger.WithField("tty", p.name).Error("pty loops did not exit in time")
	}
	return nil
}

func (p *ringPort) Stats() Stats {
	return Stats{
		ReadQueueLen:    p.readBuf.Length(),
		WriteQueueLen:   p.writeBuf.Length(),
		ReadBytesTotal:  p.readBytes.Load(),
		WriteBytesTotal: p.writeBytes.Load(),
		DroppedRead:     p.droppedRead.Load(),
		DroppedWrite:    p.droppedWrite.Load(),
	}
}

func (p *ringPort) fail(err error) {
	if p.onError == nil {
		return
	}
	p.errorOnce.Do(func() { p.onError(err) })
}

// readLoop moves bytes from the master FD into the read ring.
func (p *ringPort) readLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, p.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("pty read poll error")
			continue
		}
		if nReady == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			queued, wErr := p.readBuf.Write(buf[:n])
			if wErr != nil && !errors.Is(wErr, ringbuffer.ErrIsFull) {
				p.logger.WithError(wErr).Warn("pty read ring error")
				continue
			}
			if queued < n {
				p.droppedRead.Add(uint64(n - queued))
			}
			p.readBytes.Add(uint64(queued))
			if queued > 0 && p.onData != nil {
				select {
				case p.dataNotify <- struct{}{}:
				default:
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
				return
			default:
				p.logger.WithError(err).Warn("pty read loop exiting")
				p.fail(fmt.Errorf("pty read failed: %w", err))
				return
			}
		}
	}
}

// writeLoop drains the write ring into the master FD.
func (p *ringPort) writeLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.writeBuf.IsEmpty() {
			if _, err := unix.Poll(pollFd, p.pollMs); err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.WithError(err).Warn("pty write poll error")
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("pty write ring error")
			continue
		}

		offset := 0
		for offset < n {
			written, wErr := p.master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				p.writeBytes.Add(uint64(written))
			}
			if wErr == nil {
				continue
			}
			switch {
			case errors.Is(wErr, syscall.EINTR):
				continue
			case errors.Is(wErr, syscall.EAGAIN):
				if _, pErr := unix.Poll(pollFd, p.pollMs); pErr != nil && !errors.Is(pErr, syscall.EINTR) {
					p.logger.WithError(pErr).Warn("pty write poll error")
				}
				continue
			case errors.Is(wErr, syscall.EBADF), errors.Is(wErr, os.ErrClosed):
				return
			default:
				p.logger.WithError(wErr).Warn("pty write loop exiting")
				p.fail(fmt.Errorf("pty write failed: %w", wErr))
				return
			}
		}
	}
}

// dispatchLoop hands buffered slave output to the OnData callback.
func (p *ringPort) dispatchLoop() {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.dataNotify:
		}

		for {
			n, err := p.readBuf.TryRead(buf)
			if err != nil || n == 0 {
				break
			}
			p.onData(buf[:n])
		}
	}
}
