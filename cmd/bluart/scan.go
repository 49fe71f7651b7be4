package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bluart/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices and display their names,
addresses, RSSI values, and advertised services.

Devices advertising the serial (Nordic UART) service are highlighted;
use --serial-only to hide everything else.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanSerialOnly  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 = config default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json, csv)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVar(&scanSerialOnly, "serial-only", false, "Only show devices advertising the serial service")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format := cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	switch format {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("invalid format '%s': must be table, json or csv", format)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := time.Duration(cfg.ScanTimeout)
	if scanDuration > 0 {
		duration = scanDuration
	}

	s, err := scanner.NewScanner(logger, cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	scanOpts := &scanner.ScanOptions{
		Duration:        duration,
		DuplicateFilter: scanNoDuplicate,
		ServiceUUIDs:    scanServices,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
		SerialOnly:      scanSerialOnly,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, scanOpts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	progress.Stop()
	return displayDevices(devices, format)
}

func displayDevices(devices map[string]scanner.DeviceInfo, format string) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	list := make([]scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	// Strongest signal first.
	sort.Slice(list, func(i, j int) bool {
		return list[i].RSSI > list[j].RSSI
	})

	switch format {
	case "json":
		return displayDevicesJSON(list)
	case "csv":
		return displayDevicesCSV(list)
	default:
		return displayDevicesTable(list)
	}
}

func displayDevicesTable(devices []scanner.DeviceInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERIAL\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	green := color.New(color.FgGreen)
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		serial := "-"
		if dev.HasSerialService {
			serial = green.Sprint("yes")
		}

		services := strings.Join(dev.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(dev.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, dev.Address, dev.RSSI, serial, services, lastSeen)
	}

	return w.Flush()
}

func displayDevicesJSON(devices []scanner.DeviceInfo) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func displayDevicesCSV(devices []scanner.DeviceInfo) error {
	var w io.Writer = os.Stdout
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "address", "rssi", "serial", "services"}); err != nil {
		return err
	}
	for _, dev := range devices {
		record := []string{
			dev.Name,
			dev.Address,
			strconv.Itoa(dev.RSSI),
			strconv.FormatBool(dev.HasSerialService),
			strings.Join(dev.Services, " "),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
