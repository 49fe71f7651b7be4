package bridge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluart/internal/ptyio"
	"github.com/srg/bluart/internal/uart"
	"github.com/srg/bluart/internal/uart/goble"
)

const (
	// DefaultPtyReadBufferSize is the default capacity of the tty input ring.
	DefaultPtyReadBufferSize = 4096

	// DefaultPtyWriteBufferSize is the default capacity of the tty output ring.
	DefaultPtyWriteBufferSize = 4096
)

// RunOptions configures Run.
type RunOptions struct {
	Address         string         // peer address, required
	ConnectTimeout  time.Duration  // 0 = adapter default
	QueueCapacity   int            // request queue capacity, 0 = driver default
	TTYSymlinkPath  string         // optional stable symlink to the tty slave
	PtyReadBufSize  int            // tty input ring capacity (0 = default)
	PtyWriteBufSize int            // tty output ring capacity (0 = default)
	ServiceUUID     string         // override serial service identity (empty = NUS)
	WriteCharUUID   string
	NotifyCharUUID  string
	Logger          *logrus.Logger
}

// ProgressCallback is called as the bridge moves through its startup phases.
type ProgressCallback func(phase string)

// Callback runs with a live bridge and produces the final result.
type Callback[R any] func(*Bridge) (R, error)

// Run connects to the peer, stands up the tty, subscribes to the serial
// stream, and hands the running bridge to the callback. Everything is torn
// down when the callback returns.
func Run[R any](ctx context.Context, opts *RunOptions, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to run bridge: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to run bridge: device address is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	b := New(Options{Logger: logger})
	defer b.Close()

	adapter := goble.New(logger)
	client, err := uart.NewClient(adapter, b.HandleEvent, &uart.ClientOptions{
		Logger:         logger,
		QueueCapacity:  opts.QueueCapacity,
		ServiceUUID:    opts.ServiceUUID,
		WriteCharUUID:  opts.WriteCharUUID,
		NotifyCharUUID: opts.NotifyCharUUID,
	})
	if err != nil {
		return zero, err
	}
	adapter.Bind(client)
	b.BindDriver(client)

	progress("Setting up PTY")

	readBuf := opts.PtyReadBufSize
	if readBuf == 0 {
		readBuf = DefaultPtyReadBufferSize
	}
	writeBuf := opts.PtyWriteBufSize
	if writeBuf == 0 {
		writeBuf = DefaultPtyWriteBufferSize
	}

	port, err := ptyio.Open(ptyio.Options{
		ReadCap:  readBuf,
		WriteCap: writeBuf,
		Logger:   logger,
		OnData:   b.PortData,
	})
	if err != nil {
		return zero, err
	}
	defer func() { _ = port.Close() }()
	b.AttachPort(port)

	logger.WithField("tty", port.Name()).Info("Created PTY device")

	var symlinkPath string
	defer func() {
		if symlinkPath == "" {
			return
		}
		if err := os.Remove(symlinkPath); err != nil {
			logger.WithError(err).WithField("ttySymlink", symlinkPath).Warn("Failed to remove tty symlink")
		}
	}()
	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(port.Name(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, port.Name(), err)
		}
		symlinkPath = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlinkPath,
			"target":     port.Name(),
		}).Info("Created PTY symlink")
	}

	progress("Connecting")

	connectCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	id, err := adapter.Connect(connectCtx, opts.Address)
	if err != nil {
		progress("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}
	defer func() { _ = adapter.Disconnect(id) }()
	b.SetPeer(id)

	progress("Connected")

	state, err := client.StateOf(id)
	if err != nil {
		return zero, err
	}
	if state != uart.StateDiscovered {
		return zero, fmt.Errorf("device %s does not expose the serial service %s", opts.Address, client.ServiceUUID())
	}

	progress("Subscribing")

	if err := client.EnableNotifications(id); err != nil {
		return zero, fmt.Errorf("failed to enable notifications: %w", err)
	}

	progress("Running")

	return callback(b)
}
