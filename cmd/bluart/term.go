package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/bluart/pkg/uart"
)

// termCmd represents the term command
var termCmd = &cobra.Command{
	Use:   "term <device-address>",
	Short: "Open an interactive terminal on a BLE device",
	Long: `Connects to a serial-over-BLE device and attaches it to the current
terminal: keystrokes are sent to the device, notifications are printed.

The terminal is switched to raw mode. Exit with Ctrl+] .

Example:
  bluart term AA:BB:CC:DD:EE:FF`,
	Args: cobra.ExactArgs(1),
	RunE: runTerm,
}

var termConnectTimeout time.Duration

// exitKey ends the interactive session (Ctrl+]).
const exitKey = 0x1d

func init() {
	termCmd.Flags().DurationVar(&termConnectTimeout, "connect-timeout", 0, "Connection timeout (0 = config default)")
}

func runTerm(cmd *cobra.Command, args []string) error {
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

	connectTimeout := time.Duration(cfg.ConnectTimeout)
	if termConnectTimeout > 0 {
		connectTimeout = termConnectTimeout
	}

	disconnected := make(chan struct{}, 1)
	handler := func(ev uart.Event) {
		switch ev.Type {
		case uart.EventDataReceived:
			os.Stdout.Write(ev.Data)
		case uart.EventRequestFailed:
			logger.WithError(ev.Err).Warn("Request failed")
		case uart.EventDisconnected:
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	}

	session, err := uart.NewSession(handler, cfg.ClientOptions(logger))
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address), "Connecting", "Connected")
	progress.Start()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := session.Connect(ctx, address); err != nil {
		progress.Stop()
		return err
	}
	defer func() { _ = session.Disconnect() }()
	progress.Callback()("Connected")

	if err := session.EnableNotifications(); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	color.New(color.FgGreen).Printf("Connected to %s. ", address)
	fmt.Println("Exit with Ctrl+].")

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("failed to set terminal to raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(stdinFd, oldState)
		fmt.Println()
	}()

	input := make(chan byte, 64)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			if n > 0 {
				input <- buf[0]
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return fmt.Errorf("device disconnected")
		case err := <-readErr:
			return err
		case b := <-input:
			if b == exitKey {
				return nil
			}
			if err := sendByte(session, b); err != nil {
				return err
			}
		}
	}
}

// sendByte forwards one keystroke, waiting out a momentarily full queue.
func sendByte(session *uart.Session, b byte) error {
	for {
		err := session.Write([]byte{b})
		if err == nil {
			return nil
		}
		if !errors.Is(err, uart.ErrQueueFull) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}
