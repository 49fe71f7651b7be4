package bridge

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bluart/internal/ptyio"
	"github.com/srg/bluart/internal/uart"
)

// fakeWriter records WriteBytes calls and can simulate a full queue.
type fakeWriter struct {
	mu         sync.Mutex
	payloads   [][]byte
	rejectNext int
}

func (w *fakeWriter) WriteBytes(id uart.ConnID, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejectNext > 0 {
		w.rejectNext--
		return uart.ErrQueueFull
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	w.payloads = append(w.payloads, p)
	return nil
}

func (w *fakeWriter) written(t *testing.T) [][]byte {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.payloads))
	copy(out, w.payloads)
	return out
}

// fakePort captures bytes the bridge writes towards the tty.
type fakePort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(data)
}

func (p *fakePort) Read(b []byte) (int, error) { return 0, nil }
func (p *fakePort) Close() error               { return nil }
func (p *fakePort) Name() string               { return "/dev/pts/fake" }
func (p *fakePort) Stats() ptyio.Stats         { return ptyio.Stats{} }

func (p *fakePort) contents() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(Options{RetryInterval: time.Millisecond})
	t.Cleanup(b.Close)
	return b
}

func TestBridge_NotificationsReachTTY(t *testing.T) {
	b := newTestBridge(t)
	port := &fakePort{}
	b.AttachPort(port)

	b.HandleEvent(uart.Event{Type: uart.EventDataReceived, Conn: 1, Data: []byte("hello ")})
	b.HandleEvent(uart.Event{Type: uart.EventDataReceived, Conn: 1, Data: []byte("world")})

	require.Eventually(t, func() bool {
		return port.contents() == "hello world"
	}, 2*time.Second, 5*time.Millisecond)

	s := b.Stats()
	assert.Equal(t, uint64(2), s.RecordsBridged)
	assert.Equal(t, uint64(len("hello world")), s.BytesToTTY)
}

func TestBridge_BuffersUntilPortAttached(t *testing.T) {
	b := newTestBridge(t)

	b.HandleEvent(uart.Event{Type: uart.EventDataReceived, Conn: 1, Data: []byte("early")})

	port := &fakePort{}
	b.AttachPort(port)

	require.Eventually(t, func() bool {
		return port.contents() == "early"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_TTYInputIsChunked(t *testing.T) {
	b := newTestBridge(t)
	w := &fakeWriter{}
	b.BindDriver(w)
	b.SetPeer(1)

	data := bytes.Repeat([]byte("x"), uart.MaxWriteLen*2+5)
	b.PortData(data)

	got := w.written(t)
	require.Len(t, got, 3)
	assert.Len(t, got[0], uart.MaxWriteLen)
	assert.Len(t, got[1], uart.MaxWriteLen)
	assert.Len(t, got[2], 5)
	assert.Equal(t, data, bytes.Join(got, nil))
	assert.Equal(t, uint64(len(data)), b.Stats().BytesToPeer)
}

func TestBridge_TTYInputDroppedWithoutPeer(t *testing.T) {
	b := newTestBridge(t)
	w := &fakeWriter{}
	b.BindDriver(w)

	b.PortData([]byte("nobody listening"))
	assert.Empty(t, w.written(t))
}

func TestBridge_FullQueueIsRetried(t *testing.T) {
	b := newTestBridge(t)
	w := &fakeWriter{rejectNext: 3}
	b.BindDriver(w)
	b.SetPeer(1)

	b.PortData([]byte("persistent"))

	got := w.written(t)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("persistent"), got[0])
	assert.Equal(t, uint64(3), b.Stats().QueueFullRetries)
}

func TestBridge_DisconnectClosesDone(t *testing.T) {
	b := newTestBridge(t)

	select {
	case <-b.Done():
		t.Fatal("done closed before disconnect")
	default:
	}

	b.HandleEvent(uart.Event{Type: uart.EventDisconnected, Conn: 1})
	b.HandleEvent(uart.Event{Type: uart.EventDisconnected, Conn: 1})

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after disconnect")
	}
}
