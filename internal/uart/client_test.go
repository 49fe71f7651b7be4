package uart

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bluart/internal/bleuuid"
)

const (
	testConn         ConnID     = 1
	testWriteHandle  AttrHandle = 0x0020
	testNotifyHandle AttrHandle = 0x0022
	testCCCDHandle   AttrHandle = 0x0023
)

type issuedOp struct {
	kind    string
	conn    ConnID
	handle  AttrHandle
	payload []byte
}

// fakeTransport records accepted operations and can be programmed to return
// transient or fatal errors. It never delivers completions by itself; tests
// drive the Handle* signals explicitly.
type fakeTransport struct {
	mu         sync.Mutex
	issued     []issuedOp
	rejectNext int   // return ErrTransportBusy this many times
	failNext   error // return this fatal error once
}

func (f *fakeTransport) issue(op issuedOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectNext > 0 {
		f.rejectNext--
		return ErrTransportBusy
	}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.issued = append(f.issued, op)
	return nil
}

func (f *fakeTransport) IssueRead(conn ConnID, handle AttrHandle) error {
	return f.issue(issuedOp{kind: "read", conn: conn, handle: handle})
}

func (f *fakeTransport) IssueWrite(conn ConnID, handle AttrHandle, payload []byte, _ WriteMode) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	return f.issue(issuedOp{kind: "write", conn: conn, handle: handle, payload: data})
}

func (f *fakeTransport) ops() []issuedOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]issuedOp(nil), f.issued...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestClient(t *testing.T, tr *fakeTransport, rec *eventRecorder) *Client {
	t.Helper()
	c, err := NewClient(tr, rec.handle, nil)
	require.NoError(t, err)
	return c
}

func uartReport() *DiscoveryReport {
	report := NewDiscoveryReport(bleuuid.UARTService)
	report.Add(DiscoveredCharacteristic{
		UUID:        bleuuid.UARTWriteChar,
		ValueHandle: testWriteHandle,
	})
	report.Add(DiscoveredCharacteristic{
		UUID:        bleuuid.UARTNotifyChar,
		ValueHandle: testNotifyHandle,
		CCCDHandle:  testCCCDHandle,
	})
	return report
}

// connectAndDiscover brings the connection to StateDiscovered.
func connectAndDiscover(t *testing.T, c *Client) {
	t.Helper()
	c.HandleConnected(testConn)
	c.HandleDiscovery(testConn, uartReport())
	state, err := c.StateOf(testConn)
	require.NoError(t, err)
	require.Equal(t, StateDiscovered, state)
}

func TestNewClient_Validation(t *testing.T) {
	rec := &eventRecorder{}

	_, err := NewClient(nil, rec.handle, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewClient(&fakeTransport{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewClient(&fakeTransport{}, rec.handle, &ClientOptions{QueueCapacity: 3})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDiscovery(t *testing.T) {
	t.Run("matching service populates handles and emits event", func(t *testing.T) {
		tr := &fakeTransport{}
		rec := &eventRecorder{}
		c := newTestClient(t, tr, rec)

		connectAndDiscover(t, c)

		events := rec.byType(EventDiscoveryComplete)
		require.Len(t, events, 1)
		assert.Equal(t, testConn, events[0].Conn)
	})

	t.Run("mismatched service identity is ignored", func(t *testing.T) {
		tr := &fakeTransport{}
		rec := &eventRecorder{}
		c := newTestClient(t, tr, rec)

		c.HandleConnected(testConn)
		report := NewDiscoveryReport("180f")
		report.Add(DiscoveredCharacteristic{UUID: "2a19", ValueHandle: 0x0010})
		c.HandleDiscovery(testConn, report)

		assert.Empty(t, rec.byType(EventDiscoveryComplete))
		state, err := c.StateOf(testConn)
		require.NoError(t, err)
		assert.Equal(t, StateConnected, state)
		assert.ErrorIs(t, c.WriteBytes(testConn, []byte("x")), ErrInvalidState)
	})

	t.Run("partial profile does not half-populate the table", func(t *testing.T) {
		tr := &fakeTransport{}
		rec := &eventRecorder{}
		c := newTestClient(t, tr, rec)

		c.HandleConnected(testConn)
		report := NewDiscoveryReport(bleuuid.UARTService)
		report.Add(DiscoveredCharacteristic{UUID: bleuuid.UARTWriteChar, ValueHandle: testWriteHandle})
		c.HandleDiscovery(testConn, report)

		assert.Empty(t, rec.byType(EventDiscoveryComplete))
		assert.ErrorIs(t, c.WriteBytes(testConn, []byte("x")), ErrInvalidState)
	})
}

func TestWriteBytes_Validation(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)

	assert.ErrorIs(t, c.WriteBytes(testConn, []byte("x")), ErrInvalidState, "unknown connection")

	c.HandleConnected(testConn)
	assert.ErrorIs(t, c.WriteBytes(testConn, []byte("x")), ErrInvalidState, "before discovery")

	c.HandleDiscovery(testConn, uartReport())
	assert.ErrorIs(t, c.WriteBytes(testConn, nil), ErrInvalidArgument)
	assert.ErrorIs(t, c.WriteBytes(testConn, make([]byte, MaxWriteLen+1)), ErrInvalidArgument)
	assert.NoError(t, c.WriteBytes(testConn, make([]byte, MaxWriteLen)))
}

func TestWrite_SingleRequestLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.WriteBytes(testConn, []byte("hi")))

	ops := tr.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "write", ops[0].kind)
	assert.Equal(t, testWriteHandle, ops[0].handle)
	assert.Equal(t, []byte("hi"), ops[0].payload)

	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Depth)
	assert.True(t, stats.InFlight)

	c.HandleWriteCompleted(testConn)

	stats, err = c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
	assert.False(t, stats.InFlight)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestWrite_FIFOOrder(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	for _, p := range payloads {
		require.NoError(t, c.WriteBytes(testConn, p))
	}

	// Only the head is in flight; completions release the rest one by one.
	for i := 1; i <= len(payloads); i++ {
		require.Len(t, tr.ops(), i, "single-flight violated")
		c.HandleWriteCompleted(testConn)
	}

	ops := tr.ops()
	require.Len(t, ops, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p, ops[i].payload, "request %d out of order", i)
	}
}

func TestWrite_QueueFull(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	for i := 0; i < DefaultQueueCapacity; i++ {
		require.NoError(t, c.WriteBytes(testConn, []byte{byte(i)}))
	}

	err := c.WriteBytes(testConn, []byte("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)

	// The prior eight drain in submission order, untouched.
	for i := 0; i < DefaultQueueCapacity; i++ {
		c.HandleWriteCompleted(testConn)
	}
	ops := tr.ops()
	require.Len(t, ops, DefaultQueueCapacity)
	for i := 0; i < DefaultQueueCapacity; i++ {
		assert.Equal(t, []byte{byte(i)}, ops[i].payload)
	}
}

func TestWrite_RetryOnTransientRejection(t *testing.T) {
	tr := &fakeTransport{rejectNext: 3}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.WriteBytes(testConn, []byte("retry-me")))
	assert.Empty(t, tr.ops(), "rejected request must not count as issued")

	// Each completion-path trigger re-attempts the same head request.
	c.HandleWriteCompleted(testConn)
	c.HandleWriteCompleted(testConn)
	assert.Empty(t, tr.ops())

	c.HandleWriteCompleted(testConn)
	ops := tr.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, []byte("retry-me"), ops[0].payload, "payload changed across retries")
	assert.Equal(t, testWriteHandle, ops[0].handle, "handle changed across retries")

	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Retried)
	assert.True(t, stats.InFlight)
}

func TestWrite_AdvancementAfterCompletion(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.WriteBytes(testConn, []byte("first")))
	require.NoError(t, c.WriteBytes(testConn, []byte("second")))
	require.NoError(t, c.WriteBytes(testConn, []byte("third")))

	c.HandleWriteCompleted(testConn)

	ops := tr.ops()
	require.Len(t, ops, 2)
	assert.Equal(t, []byte("second"), ops[1].payload)
}

func TestWrite_FatalErrorEmitsRequestFailed(t *testing.T) {
	cause := errors.New("gatt: invalid handle")
	tr := &fakeTransport{failNext: cause}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.WriteBytes(testConn, []byte("doomed")))
	require.NoError(t, c.WriteBytes(testConn, []byte("survivor")))

	failures := rec.byType(EventRequestFailed)
	require.Len(t, failures, 1)
	var reqErr *RequestError
	require.ErrorAs(t, failures[0].Err, &reqErr)
	assert.ErrorIs(t, reqErr, cause)
	assert.Equal(t, testWriteHandle, reqErr.Handle)

	// The queue keeps dispatching past the poisoned request.
	ops := tr.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, []byte("survivor"), ops[0].payload)
}

func TestSubscriptionLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)

	assert.ErrorIs(t, c.EnableNotifications(testConn), ErrInvalidState)

	connectAndDiscover(t, c)
	require.NoError(t, c.EnableNotifications(testConn))

	state, err := c.StateOf(testConn)
	require.NoError(t, err)
	assert.Equal(t, StateSubscriptionPending, state)

	ops := tr.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, testCCCDHandle, ops[0].handle)
	assert.Equal(t, []byte{0x01, 0x00}, ops[0].payload)

	c.HandleWriteCompleted(testConn)
	state, err = c.StateOf(testConn)
	require.NoError(t, err)
	assert.Equal(t, StateSubscribed, state)
	assert.Len(t, rec.byType(EventSubscribed), 1)

	// Disable drops back to discovered once its write completes.
	require.NoError(t, c.DisableNotifications(testConn))
	c.HandleWriteCompleted(testConn)
	state, err = c.StateOf(testConn)
	require.NoError(t, err)
	assert.Equal(t, StateDiscovered, state)
}

func TestNotifications(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	t.Run("matching handle reaches the application", func(t *testing.T) {
		payload := []byte("stream data")
		c.HandleNotification(testConn, testNotifyHandle, payload)

		events := rec.byType(EventDataReceived)
		require.Len(t, events, 1)
		assert.Equal(t, []byte("stream data"), events[0].Data)

		// The delivered payload is an owned copy.
		payload[0] = 'X'
		assert.Equal(t, []byte("stream data"), events[0].Data)
	})

	t.Run("non-matching handle is dropped", func(t *testing.T) {
		c.HandleNotification(testConn, 0x0099, []byte("noise"))
		assert.Len(t, rec.byType(EventDataReceived), 1)
	})
}

func TestRead_Lifecycle(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.ReadCharacteristic(testConn, RoleNotifyValue))

	ops := tr.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "read", ops[0].kind)
	assert.Equal(t, testNotifyHandle, ops[0].handle)

	c.HandleReadCompleted(testConn, []byte("value"))

	events := rec.byType(EventReadResult)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("value"), events[0].Data)
	assert.Equal(t, testNotifyHandle, events[0].Handle)

	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
}

func TestDisconnect_RetainsQueuedRequests(t *testing.T) {
	tr := &fakeTransport{rejectNext: 100} // keep everything queued
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	require.NoError(t, c.WriteBytes(testConn, []byte("a")))
	require.NoError(t, c.WriteBytes(testConn, []byte("b")))
	require.NoError(t, c.WriteBytes(testConn, []byte("c")))

	c.HandleDisconnected(testConn)
	assert.Len(t, rec.byType(EventDisconnected), 1)

	// Handles are reset, so new writes are refused...
	assert.ErrorIs(t, c.WriteBytes(testConn, []byte("x")), ErrInvalidState)

	// ...but the three queued requests are retained, not silently cleared.
	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Depth)

	// Reconnect + rediscovery resumes dispatch of the retained requests.
	tr.mu.Lock()
	tr.rejectNext = 0
	tr.mu.Unlock()
	c.HandleConnected(testConn)
	c.HandleDiscovery(testConn, uartReport())
	c.HandleWriteCompleted(testConn)
	c.HandleWriteCompleted(testConn)
	c.HandleWriteCompleted(testConn)

	ops := tr.ops()
	require.Len(t, ops, 3)
	assert.Equal(t, []byte("a"), ops[0].payload)
	assert.Equal(t, []byte("c"), ops[2].payload)
}

func TestSpuriousCompletionIsHarmless(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c := newTestClient(t, tr, rec)
	connectAndDiscover(t, c)

	c.HandleWriteCompleted(testConn)

	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, uint64(0), stats.Completed)
}

func TestCustomServiceIdentity(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c, err := NewClient(tr, rec.handle, &ClientOptions{
		ServiceUUID:    "0000180D-0000-1000-8000-00805F9B34FB",
		WriteCharUUID:  "2a39",
		NotifyCharUUID: "2a37",
	})
	require.NoError(t, err)
	assert.Equal(t, "180d", c.ServiceUUID())

	c.HandleConnected(testConn)
	report := NewDiscoveryReport("180d")
	report.Add(DiscoveredCharacteristic{UUID: "2a37", ValueHandle: testNotifyHandle, CCCDHandle: testCCCDHandle})
	report.Add(DiscoveredCharacteristic{UUID: "2a39", ValueHandle: testWriteHandle})
	c.HandleDiscovery(testConn, report)

	assert.Len(t, rec.byType(EventDiscoveryComplete), 1)
}

func TestConcurrentSubmitters(t *testing.T) {
	tr := &fakeTransport{}
	rec := &eventRecorder{}
	c, err := NewClient(tr, rec.handle, &ClientOptions{QueueCapacity: 64})
	require.NoError(t, err)
	connectAndDiscover(t, c)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				if err := c.WriteBytes(testConn, []byte{byte(g), byte(i)}); err != nil {
					assert.ErrorIs(t, err, ErrQueueFull)
				}
			}
		}(g)
	}
	wg.Wait()

	// Drain; completions may interleave with nothing since submitters are done.
	for i := 0; i < 64; i++ {
		c.HandleWriteCompleted(testConn)
	}

	stats, err := c.Stats(testConn)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
	assert.False(t, stats.InFlight)
}
