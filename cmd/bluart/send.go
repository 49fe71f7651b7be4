package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bluart/pkg/uart"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device-address> <data>",
	Short: "Send a one-shot payload to a BLE device",
	Long: `Connects to a serial-over-BLE device, sends the payload through the
serial service, waits until every chunk is acknowledged, and disconnects.

Examples:
  # Send a string
  bluart send AA:BB:CC:DD:EE:FF "hello"

  # Send raw hex bytes
  bluart send AA:BB:CC:DD:EE:FF 01ff02 --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendHex     bool
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Parse input as a hex string (e.g., 'FF01'); raw bytes by default")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Overall operation timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	address := args[0]

	data, err := parseSendData(args[1])
	if err != nil {
		return err
	}

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

	failed := make(chan error, 1)
	handler := func(ev uart.Event) {
		if ev.Type == uart.EventRequestFailed && ev.Err != nil {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	}

	session, err := uart.NewSession(handler, cfg.ClientOptions(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Sending %d bytes to %s", len(data), address), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	if err := session.Connect(ctx, address); err != nil {
		return err
	}
	defer func() { _ = session.Disconnect() }()
	progress.Callback()("Sending")

	// Chunk to the attribute payload limit, re-submitting when the queue
	// is momentarily full.
	for offset := 0; offset < len(data); {
		end := offset + uart.MaxWriteLen
		if end > len(data) {
			end = len(data)
		}
		if err := submitWithRetry(ctx, session, data[offset:end]); err != nil {
			return err
		}
		offset = end
	}

	// Wait for the queue to drain.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for writes to complete: %w", ctx.Err())
		case err := <-failed:
			return err
		case <-ticker.C:
			stats, err := session.Stats()
			if err != nil {
				return err
			}
			if stats.Depth == 0 && !stats.InFlight {
				progress.Callback()("Done")
				fmt.Printf("Sent %d bytes in %d chunks.\n", len(data), stats.Completed)
				return nil
			}
		}
	}
}

func submitWithRetry(ctx context.Context, session *uart.Session, chunk []byte) error {
	for {
		err := session.Write(chunk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, uart.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func parseSendData(input string) ([]byte, error) {
	if !sendHex {
		if input == "" {
			return nil, fmt.Errorf("data must not be empty")
		}
		return []byte(input), nil
	}

	cleaned := strings.ReplaceAll(strings.TrimPrefix(input, "0x"), " ", "")
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", input, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data must not be empty")
	}
	return data, nil
}
