// Package scanner discovers nearby peers and flags the ones advertising the
// serial service the bridge can attach to.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/bleuuid"
	"github.com/srg/bluart/internal/ringchan"
	"github.com/srg/bluart/internal/uart/goble"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type DeviceEventType
	Info DeviceInfo
}

// DeviceInfo is an immutable snapshot of one advertiser.
type DeviceInfo struct {
	Address          string
	Name             string
	RSSI             int
	TxPower          int
	Connectable      bool
	Services         []string // normalized UUIDs
	ManufacturerData []byte
	HasSerialService bool
	FirstSeen        time.Time
	LastSeen         time.Time
	Advertisements   uint64
}

// deviceRecord accumulates advertisements for one address.
type deviceRecord struct {
	mu   sync.Mutex
	info DeviceInfo
}

func (r *deviceRecord) snapshot() DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string // keep only advertisers of one of these services
	AllowList       []string // keep only these addresses (empty = all)
	BlockList       []string // always drop these addresses
	SerialOnly      bool     // keep only advertisers of the serial service
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles device discovery.
type Scanner struct {
	logger      *logrus.Logger
	serviceUUID string // normalized serial service identity

	devices *hashmap.Map[string, *deviceRecord]
	events  *ringchan.Ring[DeviceEvent]

	scanOptions *ScanOptions
}

// NewScanner creates a scanner that flags advertisers of serviceUUID
// (empty = the Nordic UART service).
func NewScanner(logger *logrus.Logger, serviceUUID string) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if serviceUUID == "" {
		serviceUUID = bleuuid.UARTService
	}
	normalized, err := bleuuid.Validate(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service uuid %q: %w", serviceUUID, err)
	}

	return &Scanner{
		logger:      logger,
		serviceUUID: normalized[0],
		events:      ringchan.New[DeviceEvent](100),
	}, nil
}

// Scan performs discovery with the provided options and returns the final
// device snapshots keyed by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceInfo, error) {
	s.devices = hashmap.New[string, *deviceRecord]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	result := make(map[string]DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, rec *deviceRecord) bool {
		result[key] = rec.snapshot()
		return true
	})
	return result, nil
}

// Events returns a read-only channel of device events. The channel never
// blocks the scan; old events are dropped if the consumer lags.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// handleAdvertisement updates existing or adds a new device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := adv.Addr().String()

	rec, existing := s.devices.Get(address)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		rec, existing = s.devices.GetOrInsert(address, &deviceRecord{})
	}

	now := time.Now()
	rec.mu.Lock()
	info := &rec.info
	if !existing {
		info.Address = address
		info.FirstSeen = now
	}
	if name := adv.LocalName(); name != "" {
		info.Name = name
	}
	info.RSSI = adv.RSSI()
	info.TxPower = adv.TxPowerLevel()
	info.Connectable = adv.Connectable()
	if md := adv.ManufacturerData(); len(md) > 0 {
		info.ManufacturerData = append(info.ManufacturerData[:0], md...)
	}
	info.Services = normalizedServices(adv)
	info.HasSerialService = contains(info.Services, s.serviceUUID)
	info.LastSeen = now
	info.Advertisements++
	snap := *info
	rec.mu.Unlock()

	event := DeviceEvent{Type: EventUpdated, Info: snap}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  snap.Name,
			"address": snap.Address,
			"rssi":    snap.RSSI,
			"serial":  snap.HasSerialService,
		}).Info("Discovered new device")
	}
	s.events.Send(event)
}

// shouldIncludeDevice applies the allow/block/service filters.
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}
	address := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if address == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if address == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	services := normalizedServices(adv)

	if opts.SerialOnly && !contains(services, s.serviceUUID) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			if contains(services, bleuuid.Normalize(required)) {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

func normalizedServices(adv blelib.Advertisement) []string {
	raw := adv.Services()
	services := make([]string, 0, len(raw))
	for _, u := range raw {
		services = append(services, bleuuid.Normalize(u.String()))
	}
	sort.Strings(services)
	return services
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
