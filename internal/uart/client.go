package uart

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/bleuuid"
)

// State tracks where a connection is in its lifecycle.
type State int

const (
	// StateDisconnected: no live connection.
	StateDisconnected State = iota
	// StateConnected: link up, handles unresolved.
	StateConnected
	// StateDiscovered: handle table populated.
	StateDiscovered
	// StateSubscriptionPending: subscription-control write queued.
	StateSubscriptionPending
	// StateSubscribed: notifications live.
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateDiscovered:
		return "discovered"
	case StateSubscriptionPending:
		return "subscription-pending"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscription-control payloads written to the CCCD (little endian).
var (
	cccdEnable  = []byte{0x01, 0x00}
	cccdDisable = []byte{0x00, 0x00}
)

// ClientOptions configures a Client. Zero values use the Nordic UART Service
// identity, DefaultQueueCapacity, and a no-op logger.
type ClientOptions struct {
	Logger         *logrus.Logger
	QueueCapacity  int    // per-connection request slots, power of two
	ServiceUUID    string // target service identity
	WriteCharUUID  string // outbound byte sink on the peer
	NotifyCharUUID string // inbound notification source on the peer
}

// noopLogger discards all output. Shared so each Client without a logger
// does not allocate its own.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// conn is the per-connection context: state machine position, handle table,
// and the request queue. mu is the single exclusive region covering all
// cursor updates; submission, accept/reject handling, and completion all
// serialize behind it.
type conn struct {
	mu      sync.Mutex
	id      ConnID
	state   State
	handles handleTable
	queue   *txQueue
}

// Client is the driver facade: it owns the per-connection request queues and
// routes transport signals to queue advancement or to the application
// callback. Connections are indexed by their opaque transport id; there is
// no global singleton state, so multiple clients and connections can
// coexist.
type Client struct {
	logger    *logrus.Logger
	transport Transport
	handler   EventHandler

	serviceUUID    string
	writeCharUUID  string
	notifyCharUUID string
	queueCapacity  int

	conns *hashmap.Map[uint16, *conn]
}

// NewClient creates a driver bound to the given transport. handler receives
// all application events and is required; transport issues the queued
// requests and is required.
func NewClient(transport Transport, handler EventHandler, opts *ClientOptions) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: event handler is required", ErrInvalidArgument)
	}
	if opts == nil {
		opts = &ClientOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	capacity := opts.QueueCapacity
	if capacity == 0 {
		capacity = DefaultQueueCapacity
	}
	// Validate once up front so per-connection queue creation cannot fail.
	if _, err := newTxQueue(capacity); err != nil {
		return nil, err
	}

	c := &Client{
		logger:         logger,
		transport:      transport,
		handler:        handler,
		serviceUUID:    bleuuid.UARTService,
		writeCharUUID:  bleuuid.UARTWriteChar,
		notifyCharUUID: bleuuid.UARTNotifyChar,
		queueCapacity:  capacity,
		conns:          hashmap.New[uint16, *conn](),
	}
	if opts.ServiceUUID != "" {
		c.serviceUUID = bleuuid.Normalize(opts.ServiceUUID)
	}
	if opts.WriteCharUUID != "" {
		c.writeCharUUID = bleuuid.Normalize(opts.WriteCharUUID)
	}
	if opts.NotifyCharUUID != "" {
		c.notifyCharUUID = bleuuid.Normalize(opts.NotifyCharUUID)
	}
	return c, nil
}

// ServiceUUID returns the normalized service identity this client matches
// discovery reports against.
func (c *Client) ServiceUUID() string {
	return c.serviceUUID
}

func (c *Client) lookup(id ConnID) (*conn, bool) {
	return c.conns.Get(uint16(id))
}

func (c *Client) emit(events []Event) {
	for _, ev := range events {
		c.handler(ev)
	}
}

// ----------------------------
// Application operations
// ----------------------------

// WriteBytes submits an acknowledged write of payload to the peer's write
// characteristic. It fails with ErrInvalidState before discovery resolved
// the write handle, ErrInvalidArgument for an empty or oversized payload,
// and ErrQueueFull when the queue has no free slot (the payload is not
// buffered; re-submit later).
func (c *Client) WriteBytes(id ConnID, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxWriteLen {
		return fmt.Errorf("%w: payload length %d exceeds limit %d", ErrInvalidArgument, len(payload), MaxWriteLen)
	}

	cn, ok := c.lookup(id)
	if !ok {
		return fmt.Errorf("%w: connection %d not established", ErrInvalidState, id)
	}

	cn.mu.Lock()
	if cn.state == StateDisconnected {
		cn.mu.Unlock()
		return fmt.Errorf("%w: connection %d is disconnected", ErrInvalidState, id)
	}
	handle, err := cn.handles.resolve(RoleWriteValue)
	if err != nil {
		cn.mu.Unlock()
		return fmt.Errorf("%w: write characteristic not discovered", ErrInvalidState)
	}
	req, err := newWriteRequest(id, handle, payload, WriteAcknowledged)
	if err != nil {
		cn.mu.Unlock()
		return err
	}
	events, err := c.submitLocked(cn, req)
	cn.mu.Unlock()

	c.emit(events)
	return err
}

// EnableNotifications submits the subscription-control write that turns on
// inbound notifications. Completion is reported as EventSubscribed.
func (c *Client) EnableNotifications(id ConnID) error {
	return c.writeCCCD(id, cccdEnable)
}

// DisableNotifications submits the subscription-control write that turns
// notifications off again.
func (c *Client) DisableNotifications(id ConnID) error {
	return c.writeCCCD(id, cccdDisable)
}

func (c *Client) writeCCCD(id ConnID, value []byte) error {
	cn, ok := c.lookup(id)
	if !ok {
		return fmt.Errorf("%w: connection %d not established", ErrInvalidState, id)
	}

	cn.mu.Lock()
	if cn.state == StateDisconnected || cn.state == StateConnected {
		state := cn.state
		cn.mu.Unlock()
		return fmt.Errorf("%w: cannot configure subscription in state %v", ErrInvalidState, state)
	}
	handle, err := cn.handles.resolve(RoleNotifyCCCD)
	if err != nil {
		cn.mu.Unlock()
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"conn":        id,
		"cccd_handle": fmt.Sprintf("0x%04X", uint16(handle)),
		"enable":      value[0] != 0,
	}).Debug("Configuring subscription control")

	req, err := newWriteRequest(id, handle, value, WriteAcknowledged)
	if err != nil {
		cn.mu.Unlock()
		return err
	}
	events, err := c.submitLocked(cn, req)
	if err == nil && value[0] != 0 && cn.state == StateDiscovered {
		cn.state = StateSubscriptionPending
	}
	cn.mu.Unlock()

	c.emit(events)
	return err
}

// ReadCharacteristic submits a read of the attribute behind the given role.
// The payload arrives asynchronously as an EventReadResult.
func (c *Client) ReadCharacteristic(id ConnID, role Role) error {
	cn, ok := c.lookup(id)
	if !ok {
		return fmt.Errorf("%w: connection %d not established", ErrInvalidState, id)
	}

	cn.mu.Lock()
	if cn.state == StateDisconnected {
		cn.mu.Unlock()
		return fmt.Errorf("%w: connection %d is disconnected", ErrInvalidState, id)
	}
	handle, err := cn.handles.resolve(role)
	if err != nil {
		cn.mu.Unlock()
		return err
	}
	events, err := c.submitLocked(cn, newReadRequest(id, handle))
	cn.mu.Unlock()

	c.emit(events)
	return err
}

// Stats returns a snapshot of the connection's queue counters.
func (c *Client) Stats(id ConnID) (QueueStats, error) {
	cn, ok := c.lookup(id)
	if !ok {
		return QueueStats{}, fmt.Errorf("%w: connection %d", ErrNotFound, id)
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.queue.snapshot(), nil
}

// StateOf returns the lifecycle state of the connection.
func (c *Client) StateOf(id ConnID) (State, error) {
	cn, ok := c.lookup(id)
	if !ok {
		return StateDisconnected, fmt.Errorf("%w: connection %d", ErrNotFound, id)
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.state, nil
}

// ----------------------------
// Transport signals
// ----------------------------

// HandleConnected records a new (or re-established) connection. A retained
// queue from a previous session resumes dispatching once discovery resolves
// the handles again.
func (c *Client) HandleConnected(id ConnID) {
	queue, _ := newTxQueue(c.queueCapacity) // capacity validated in NewClient
	fresh := &conn{id: id, state: StateConnected, queue: queue}
	fresh.handles.reset()

	cn, loaded := c.conns.GetOrInsert(uint16(id), fresh)
	if loaded {
		cn.mu.Lock()
		cn.state = StateConnected
		cn.handles.reset()
		cn.mu.Unlock()
	}

	c.logger.WithField("conn", id).Info("Connection established")
}

// HandleDisconnected invalidates the connection id and cached handles.
// Queued requests are retained for reconnect-and-resume; an in-flight
// request will never see its completion, so the in-flight mark is cleared to
// keep the queue dispatchable after reconnect.
func (c *Client) HandleDisconnected(id ConnID) {
	cn, ok := c.lookup(id)
	if !ok {
		c.logger.WithField("conn", id).Warn("Disconnect signal for unknown connection")
		return
	}

	cn.mu.Lock()
	cn.state = StateDisconnected
	cn.handles.reset()
	cn.queue.inFlight = false
	depth := cn.queue.depth()
	cn.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"conn":            id,
		"queued_requests": depth,
	}).Info("Connection dropped")

	c.emit([]Event{{Type: EventDisconnected, Conn: id}})
}

// HandleDiscovery consumes the one-shot discovery report. A report whose
// service identity does not match the target leaves the handle table
// untouched and emits nothing.
func (c *Client) HandleDiscovery(id ConnID, report *DiscoveryReport) {
	cn, ok := c.lookup(id)
	if !ok {
		c.logger.WithField("conn", id).Warn("Discovery report for unknown connection")
		return
	}
	if report == nil || report.Characteristics == nil {
		return
	}

	if bleuuid.Normalize(report.ServiceUUID) != c.serviceUUID {
		c.logger.WithFields(logrus.Fields{
			"conn":    id,
			"service": report.ServiceUUID,
		}).Debug("Ignoring discovery report for non-matching service")
		return
	}

	cn.mu.Lock()
	for pair := report.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
		ch := pair.Value
		switch bleuuid.Normalize(ch.UUID) {
		case c.notifyCharUUID:
			cn.handles.notifyValue = ch.ValueHandle
			cn.handles.notifyCCCD = ch.CCCDHandle
		case c.writeCharUUID:
			cn.handles.writeValue = ch.ValueHandle
		}
	}

	if !cn.handles.resolved() {
		// Partial profile: treat as not discovered rather than half-usable.
		cn.handles.reset()
		cn.mu.Unlock()
		c.logger.WithField("conn", id).Warn("Discovery matched service but required characteristics are missing")
		return
	}

	cn.state = StateDiscovered
	events := c.pumpLocked(cn)
	cn.mu.Unlock()

	c.logger.WithField("conn", id).Info("UART service discovered at peer")
	c.emit(append([]Event{{Type: EventDiscoveryComplete, Conn: id}}, events...))
}

// HandleWriteCompleted is the write-response signal: the in-flight request
// is retired and the next one, if any, is dispatched immediately.
func (c *Client) HandleWriteCompleted(id ConnID) {
	c.completion(id, nil, false)
}

// HandleReadCompleted is the read-response signal. It advances the queue
// through the same path as write completions (the transport serializes
// responses in submission order) and additionally carries the read payload.
func (c *Client) HandleReadCompleted(id ConnID, payload []byte) {
	c.completion(id, payload, true)
}

// HandleRequestFailed reports an asynchronous fatal failure of the in-flight
// request (e.g. the transport accepted it and later errored). The request is
// retired, the failure surfaces as EventRequestFailed, and dispatch
// continues with the next request.
func (c *Client) HandleRequestFailed(id ConnID, cause error) {
	cn, ok := c.lookup(id)
	if !ok {
		return
	}

	cn.mu.Lock()
	var events []Event
	if cn.queue.inFlight && !cn.queue.empty() {
		head := cn.queue.head()
		events = append(events, Event{
			Type:   EventRequestFailed,
			Conn:   id,
			Handle: head.handle,
			Err:    &RequestError{Conn: id, Handle: head.handle, Op: head.kind.String(), Err: cause},
		})
		cn.queue.retire()
		cn.queue.stats.Failed++
	}
	events = append(events, c.pumpLocked(cn)...)
	cn.mu.Unlock()

	c.emit(events)
}

// HandleNotification delivers an inbound notification. It bypasses the
// queue entirely: if the handle matches the notification source, the payload
// goes straight to the application callback, regardless of lifecycle state.
func (c *Client) HandleNotification(id ConnID, handle AttrHandle, payload []byte) {
	cn, ok := c.lookup(id)
	if !ok {
		return
	}

	cn.mu.Lock()
	match := cn.handles.notifyValue != InvalidAttrHandle && handle == cn.handles.notifyValue
	cn.mu.Unlock()
	if !match {
		return
	}

	// Copy: the transport may reuse its buffer after this call returns.
	data := make([]byte, len(payload))
	copy(data, payload)
	c.emit([]Event{{Type: EventDataReceived, Conn: id, Handle: handle, Data: data}})
}

// ----------------------------
// Queue engine
// ----------------------------

// submitLocked appends a request and immediately attempts dispatch if no
// request is in flight. Caller holds cn.mu; returned events are emitted
// after the region is released.
func (c *Client) submitLocked(cn *conn, req txRequest) ([]Event, error) {
	if err := cn.queue.push(req); err != nil {
		c.logger.WithFields(logrus.Fields{
			"conn":  cn.id,
			"depth": cn.queue.depth(),
		}).Debug("Request queue full, submission refused")
		return nil, err
	}
	return c.pumpLocked(cn), nil
}

// completion handles a write or read response: retire the head, run any
// state transition it implies, and dispatch the next request.
func (c *Client) completion(id ConnID, payload []byte, isRead bool) {
	cn, ok := c.lookup(id)
	if !ok {
		c.logger.WithField("conn", id).Warn("Completion signal for unknown connection")
		return
	}

	cn.mu.Lock()
	var events []Event
	if cn.queue.inFlight && !cn.queue.empty() {
		retired := *cn.queue.head()
		cn.queue.retire()
		cn.queue.stats.Completed++

		if isRead {
			data := make([]byte, len(payload))
			copy(data, payload)
			events = append(events, Event{Type: EventReadResult, Conn: id, Handle: retired.handle, Data: data})
		}

		// A completed subscription-control write moves the state machine.
		if retired.kind == writeRequest && retired.handle == cn.handles.notifyCCCD {
			if retired.payload[0] != 0 {
				cn.state = StateSubscribed
				events = append(events, Event{Type: EventSubscribed, Conn: id})
			} else if cn.state == StateSubscribed || cn.state == StateSubscriptionPending {
				cn.state = StateDiscovered
			}
		}
	} else {
		c.logger.WithField("conn", id).Warn("Completion signal with no request in flight")
	}
	events = append(events, c.pumpLocked(cn)...)
	cn.mu.Unlock()

	c.emit(events)
}

// pumpLocked passes the head request to the transport. Accepted: mark in
// flight and await completion. Transient rejection: leave the head in place
// unconsumed; the next submit or completion signal retries it (unbounded, no
// backoff — the transport eventually frees resources). Fatal: retire the
// request, report EventRequestFailed, and keep dispatching so one poisoned
// request cannot stall the stream. Caller holds cn.mu.
func (c *Client) pumpLocked(cn *conn) []Event {
	var events []Event
	q := cn.queue

	for !q.empty() && !q.inFlight {
		head := q.head()

		var err error
		if head.kind == readRequest {
			err = c.transport.IssueRead(head.conn, head.handle)
		} else {
			err = c.transport.IssueWrite(head.conn, head.handle, head.bytes(), head.mode)
		}

		if err == nil {
			q.inFlight = true
			c.logger.WithFields(logrus.Fields{
				"conn":   head.conn,
				"kind":   head.kind.String(),
				"handle": fmt.Sprintf("0x%04X", uint16(head.handle)),
			}).Debug("Request issued to transport")
			break
		}

		if errors.Is(err, ErrTransportBusy) {
			q.stats.Retried++
			c.logger.WithFields(logrus.Fields{
				"conn": head.conn,
				"kind": head.kind.String(),
			}).Debug("Transport busy, request will be attempted again")
			break
		}

		q.stats.Failed++
		c.logger.WithFields(logrus.Fields{
			"conn":  head.conn,
			"kind":  head.kind.String(),
			"error": err,
		}).Warn("Transport rejected request with fatal error")
		events = append(events, Event{
			Type:   EventRequestFailed,
			Conn:   cn.id,
			Handle: head.handle,
			Err:    &RequestError{Conn: cn.id, Handle: head.handle, Op: head.kind.String(), Err: err},
		})
		q.retire()
	}

	return events
}
