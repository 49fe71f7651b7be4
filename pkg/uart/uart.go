// Package uart is the public surface of the serial-over-GATT driver. It
// re-exports the driver types and wraps the go-ble transport wiring into a
// single-peer Session, which is what most applications want.
package uart

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/bleuuid"
	inner "github.com/srg/bluart/internal/uart"
	"github.com/srg/bluart/internal/uart/goble"
)

// Default serial service identity (Nordic UART Service), normalized form.
const (
	ServiceUUID    = bleuuid.UARTService
	WriteCharUUID  = bleuuid.UARTWriteChar
	NotifyCharUUID = bleuuid.UARTNotifyChar
)

// Driver types, re-exported so applications only import this package.
type (
	ConnID        = inner.ConnID
	AttrHandle    = inner.AttrHandle
	Event         = inner.Event
	EventType     = inner.EventType
	EventHandler  = inner.EventHandler
	QueueStats    = inner.QueueStats
	State         = inner.State
	Role          = inner.Role
	Client        = inner.Client
	ClientOptions = inner.ClientOptions
	Transport     = inner.Transport
	RequestError  = inner.RequestError
	WriteMode     = inner.WriteMode

	DiscoveryReport          = inner.DiscoveryReport
	DiscoveredCharacteristic = inner.DiscoveredCharacteristic
)

// NewDiscoveryReport creates an empty discovery report for a service. Used
// by custom Transport implementations.
func NewDiscoveryReport(serviceUUID string) *DiscoveryReport {
	return inner.NewDiscoveryReport(serviceUUID)
}

const (
	MaxWriteLen          = inner.MaxWriteLen
	DefaultQueueCapacity = inner.DefaultQueueCapacity
	InvalidConn          = inner.InvalidConn

	EventDiscoveryComplete = inner.EventDiscoveryComplete
	EventDataReceived      = inner.EventDataReceived
	EventReadResult        = inner.EventReadResult
	EventSubscribed        = inner.EventSubscribed
	EventRequestFailed     = inner.EventRequestFailed
	EventDisconnected      = inner.EventDisconnected

	StateDisconnected        = inner.StateDisconnected
	StateConnected           = inner.StateConnected
	StateDiscovered          = inner.StateDiscovered
	StateSubscriptionPending = inner.StateSubscriptionPending
	StateSubscribed          = inner.StateSubscribed

	RoleNotifyValue = inner.RoleNotifyValue
	RoleNotifyCCCD  = inner.RoleNotifyCCCD
	RoleWriteValue  = inner.RoleWriteValue

	WriteAcknowledged   = inner.WriteAcknowledged
	WriteUnacknowledged = inner.WriteUnacknowledged
)

// Driver sentinel errors.
var (
	ErrInvalidArgument = inner.ErrInvalidArgument
	ErrInvalidState    = inner.ErrInvalidState
	ErrQueueFull       = inner.ErrQueueFull
	ErrNotFound        = inner.ErrNotFound
	ErrTransportBusy   = inner.ErrTransportBusy
)

// NewClient creates a driver over a caller-supplied transport. Most
// applications should use NewSession instead.
func NewClient(transport Transport, handler EventHandler, opts ClientOptions) (*Client, error) {
	return inner.NewClient(transport, handler, &opts)
}

// Session is a driver bound to the go-ble transport and to one peer.
type Session struct {
	adapter *goble.Adapter
	client  *inner.Client
	conn    ConnID
}

// NewSession creates a session. The handler receives every driver event.
func NewSession(handler EventHandler, opts ClientOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	adapter := goble.New(logger)
	client, err := inner.NewClient(adapter, handler, &opts)
	if err != nil {
		return nil, err
	}
	adapter.Bind(client)

	return &Session{
		adapter: adapter,
		client:  client,
		conn:    InvalidConn,
	}, nil
}

// Client exposes the underlying driver for operations the Session does not
// wrap.
func (s *Session) Client() *Client {
	return s.client
}

// Connect dials the peer and runs service discovery. The session remembers
// the connection for the convenience methods below.
func (s *Session) Connect(ctx context.Context, address string) error {
	id, err := s.adapter.Connect(ctx, address)
	if err != nil {
		return err
	}
	s.conn = id
	return nil
}

// Disconnect tears the connection down.
func (s *Session) Disconnect() error {
	if s.conn == InvalidConn {
		return nil
	}
	return s.adapter.Disconnect(s.conn)
}

// Conn returns the live connection id, or InvalidConn before Connect.
func (s *Session) Conn() ConnID {
	return s.conn
}

// Write queues payload for transmission to the peer.
func (s *Session) Write(payload []byte) error {
	if err := s.requireConn(); err != nil {
		return err
	}
	return s.client.WriteBytes(s.conn, payload)
}

// EnableNotifications subscribes to the peer's serial output stream.
func (s *Session) EnableNotifications() error {
	if err := s.requireConn(); err != nil {
		return err
	}
	return s.client.EnableNotifications(s.conn)
}

// DisableNotifications unsubscribes from the peer's serial output stream.
func (s *Session) DisableNotifications() error {
	if err := s.requireConn(); err != nil {
		return err
	}
	return s.client.DisableNotifications(s.conn)
}

// Read queues a read of one of the serial characteristics. The payload
// arrives as an EventReadResult.
func (s *Session) Read(role Role) error {
	if err := s.requireConn(); err != nil {
		return err
	}
	return s.client.ReadCharacteristic(s.conn, role)
}

// Stats reports the request queue counters.
func (s *Session) Stats() (QueueStats, error) {
	if err := s.requireConn(); err != nil {
		return QueueStats{}, err
	}
	return s.client.Stats(s.conn)
}

// State reports the connection's protocol state.
func (s *Session) State() (State, error) {
	if err := s.requireConn(); err != nil {
		return StateDisconnected, err
	}
	return s.client.StateOf(s.conn)
}

func (s *Session) requireConn() error {
	if s.conn == InvalidConn {
		return fmt.Errorf("session is not connected: %w", ErrInvalidState)
	}
	return nil
}
