// Package goble adapts a go-ble central to the uart.Transport contract: it
// dials the peer, runs the discovery walk that feeds the driver's handle
// table, and translates the driver's single-outstanding read/write requests
// into go-ble calls whose blocking completions come back as asynchronous
// signals.
package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/bleuuid"
	"github.com/srg/bluart/internal/uart"
)

// DefaultConnectTimeout bounds the dial plus discovery walk.
const DefaultConnectTimeout = 30 * time.Second

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The default is set per platform in device_darwin.go / device_linux.go.
var DeviceFactory func() (ble.Device, error) = newDefaultDevice

// link is the adapter-side context of one dialed peer: the live go-ble
// client plus the handle-to-characteristic mapping the driver's requests
// are resolved against.
type link struct {
	id   uart.ConnID
	blec ble.Client

	// value/cccd handle -> owning characteristic. Populated once by the
	// discovery walk, read-only afterwards.
	chars map[uart.AttrHandle]*ble.Characteristic
	cccds map[uart.AttrHandle]*ble.Characteristic

	// busy models the transport's single-outstanding-operation constraint:
	// a second issue while one is pending gets a transient rejection.
	busy atomic.Bool
}

// Adapter implements uart.Transport over go-ble.
type Adapter struct {
	logger *logrus.Logger

	mu     sync.Mutex
	driver *uart.Client
	nextID uint32

	links *hashmap.Map[uint16, *link]
}

// New creates an adapter. Bind must be called before Connect.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		logger: logger,
		links:  hashmap.New[uint16, *link](),
	}
}

// Bind attaches the driver that receives this adapter's signals. Split from
// New because the uart.Client constructor needs the Transport first.
func (a *Adapter) Bind(driver *uart.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.driver = driver
}

func (a *Adapter) boundDriver() *uart.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver
}

// Connect dials the peer, discovers its profile, and reports the connection
// and one discovery report per service to the driver. Returns the opaque
// connection id used for all subsequent driver calls.
func (a *Adapter) Connect(ctx context.Context, address string) (uart.ConnID, error) {
	driver := a.boundDriver()
	if driver == nil {
		return uart.InvalidConn, fmt.Errorf("adapter is not bound to a driver")
	}
	if address == "" {
		return uart.InvalidConn, fmt.Errorf("device address is not set")
	}

	a.logger.WithField("address", address).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		return uart.InvalidConn, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	blec, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return uart.InvalidConn, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	profile, err := blec.DiscoverProfile(true)
	if err != nil {
		_ = blec.CancelConnection()
		return uart.InvalidConn, fmt.Errorf("failed to discover profile: %w", err)
	}

	a.mu.Lock()
	a.nextID++
	id := uart.ConnID(a.nextID)
	a.mu.Unlock()

	lk := &link{
		id:    id,
		blec:  blec,
		chars: make(map[uart.AttrHandle]*ble.Characteristic),
		cccds: make(map[uart.AttrHandle]*ble.Characteristic),
	}
	a.links.Set(uint16(id), lk)

	driver.HandleConnected(id)

	// Watch for the link dropping underneath us.
	go func() {
		<-blec.Disconnected()
		a.links.Del(uint16(id))
		driver.HandleDisconnected(id)
	}()

	// One report per discovered service; the driver ignores the ones that
	// do not match its target identity.
	for _, svc := range profile.Services {
		report := uart.NewDiscoveryReport(bleuuid.Normalize(svc.UUID.String()))
		for _, ch := range svc.Characteristics {
			value := uart.AttrHandle(ch.ValueHandle)
			cccd := uart.InvalidAttrHandle
			if ch.CCCD != nil {
				cccd = uart.AttrHandle(ch.CCCD.Handle)
				lk.cccds[cccd] = ch
			}
			lk.chars[value] = ch

			a.logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID.String(),
				"char_uuid":    ch.UUID.String(),
				"value_handle": fmt.Sprintf("0x%04X", ch.ValueHandle),
			}).Debug("Found characteristic")

			report.Add(uart.DiscoveredCharacteristic{
				UUID:        bleuuid.Normalize(ch.UUID.String()),
				ValueHandle: value,
				CCCDHandle:  cccd,
			})
		}
		driver.HandleDiscovery(id, report)
	}

	a.logger.WithFields(logrus.Fields{
		"conn":     id,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return id, nil
}

// Disconnect tears the link down. The driver's disconnect signal fires via
// the Disconnected watcher.
func (a *Adapter) Disconnect(id uart.ConnID) error {
	lk, ok := a.links.Get(uint16(id))
	if !ok {
		return nil
	}
	return lk.blec.CancelConnection()
}

// IssueRead hands a read request to go-ble. The call returns once the
// request is accepted; the payload arrives later via HandleReadCompleted.
func (a *Adapter) IssueRead(conn uart.ConnID, handle uart.AttrHandle) error {
	lk, ok := a.links.Get(uint16(conn))
	if !ok {
		return fmt.Errorf("unknown connection %d", conn)
	}
	ch, ok := lk.chars[handle]
	if !ok {
		return fmt.Errorf("no characteristic at handle 0x%04X", uint16(handle))
	}
	if !lk.busy.CompareAndSwap(false, true) {
		return uart.ErrTransportBusy
	}

	go func() {
		data, err := lk.blec.ReadCharacteristic(ch)
		lk.busy.Store(false)
		driver := a.boundDriver()
		if err != nil {
			driver.HandleRequestFailed(conn, err)
			return
		}
		driver.HandleReadCompleted(conn, data)
	}()
	return nil
}

// IssueWrite hands a write request to go-ble. Writes addressed to a CCCD
// are translated into go-ble subscribe/unsubscribe calls, because go-ble
// performs the subscription-control write itself and needs the notification
// handler registered at the same time.
func (a *Adapter) IssueWrite(conn uart.ConnID, handle uart.AttrHandle, payload []byte, mode uart.WriteMode) error {
	lk, ok := a.links.Get(uint16(conn))
	if !ok {
		return fmt.Errorf("unknown connection %d", conn)
	}

	if ch, isCCCD := lk.cccds[handle]; isCCCD {
		return a.issueSubscriptionControl(lk, ch, payload)
	}

	ch, ok := lk.chars[handle]
	if !ok {
		return fmt.Errorf("no characteristic at handle 0x%04X", uint16(handle))
	}
	if !lk.busy.CompareAndSwap(false, true) {
		return uart.ErrTransportBusy
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	noRsp := mode == uart.WriteUnacknowledged

	go func() {
		err := lk.blec.WriteCharacteristic(ch, data, noRsp)
		lk.busy.Store(false)
		driver := a.boundDriver()
		if err != nil {
			driver.HandleRequestFailed(conn, err)
			return
		}
		driver.HandleWriteCompleted(conn)
	}()
	return nil
}

func (a *Adapter) issueSubscriptionControl(lk *link, ch *ble.Characteristic, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty subscription-control payload")
	}
	if !lk.busy.CompareAndSwap(false, true) {
		return uart.ErrTransportBusy
	}

	enable := payload[0]&0x01 != 0
	conn := lk.id
	valueHandle := uart.AttrHandle(ch.ValueHandle)

	go func() {
		var err error
		if enable {
			err = lk.blec.Subscribe(ch, false, func(data []byte) {
				driver := a.boundDriver()
				driver.HandleNotification(conn, valueHandle, data)
			})
		} else {
			err = lk.blec.Unsubscribe(ch, false)
		}
		lk.busy.Store(false)
		driver := a.boundDriver()
		if err != nil {
			driver.HandleRequestFailed(conn, err)
			return
		}
		a.logger.WithFields(logrus.Fields{
			"conn":   conn,
			"enable": enable,
		}).Debug("Subscription control applied")
		driver.HandleWriteCompleted(conn)
	}()
	return nil
}
