package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bluart/bridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge a BLE device to a local PTY",
	Long: `Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
so applications that expect a serial port can talk to it.

The bridge creates a virtual serial device (e.g., /dev/pts/5). Bytes
written to it are sent to the device over the serial service's write
characteristic; notifications from the device come back out of it.

Example:
  bluart bridge AA:BB:CC:DD:EE:FF
  bluart bridge --symlink /tmp/my-device AA:BB:CC:DD:EE:FF`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID    string
	bridgeConnectTimeout time.Duration
	bridgeSymlink        string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", "", "Serial service UUID (default: Nordic UART Service)")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 0, "Connection timeout (0 = config default)")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	address := args[0]

	serviceUUID := cfg.ServiceUUID
	if bridgeServiceUUID != "" {
		serviceUUID = bridgeServiceUUID
	}
	connectTimeout := time.Duration(cfg.ConnectTimeout)
	if bridgeConnectTimeout > 0 {
		connectTimeout = bridgeConnectTimeout
	}
	symlink := cfg.TTYSymlink
	if bridgeSymlink != "" {
		symlink = bridgeSymlink
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", address), "Connecting", "Running")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.Run(ctx, &bridge.RunOptions{
		Address:         address,
		ConnectTimeout:  connectTimeout,
		QueueCapacity:   cfg.QueueCapacity,
		TTYSymlinkPath:  symlink,
		PtyReadBufSize:  cfg.PtyBufferSize,
		PtyWriteBufSize: cfg.PtyBufferSize,
		ServiceUUID:     serviceUUID,
		WriteCharUUID:   cfg.WriteCharUUID,
		NotifyCharUUID:  cfg.NotifyCharUUID,
		Logger:          logger,
	}, progress.Callback(), func(b *bridge.Bridge) (any, error) {
		ttyPath := b.TTYName()
		if symlink != "" {
			ttyPath = symlink
		}
		color.New(color.FgGreen).Printf("Bridge running: %s <-> %s\n", address, ttyPath)
		fmt.Println("Press Ctrl+C to stop.")

		select {
		case <-ctx.Done():
			logger.Info("Bridge shutting down...")
		case <-b.Done():
			fmt.Println("Device disconnected.")
		}

		s := b.Stats()
		fmt.Printf("Transferred %d bytes to device, %d bytes from device.\n",
			s.BytesToPeer, s.BytesToTTY)
		return nil, nil
	})
	return err
}
