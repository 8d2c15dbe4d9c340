package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blepulse/internal/console"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices and list them in discovery order.

By default only devices whose advertised name contains the configured target
("BBC micro:bit") are shown; pass --name "" to list everything.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanName      string
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 5s)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only show devices whose name contains this text")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

// discoveredDevices keeps scan results in first-seen order.
type discoveredDevices = orderedmap.OrderedMap[string, device.Handle]

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := &scanner.ScanOptions{
		Duration:        cfg.Scan.Duration,
		DuplicateFilter: true,
		NameFilter:      cfg.Scan.TargetName,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}
	if cmd.Flags().Changed("duration") {
		opts.Duration = scanDuration
	}
	if cmd.Flags().Changed("name") {
		opts.NameFilter = scanName
	}
	if len(scanServices) > 0 {
		if opts.ServiceUUIDs, err = device.ValidateUUID(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	s, err := scanner.NewScanner(be.source, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := func(string) {}
	if console.IsTerminal(os.Stderr) {
		p := NewProgressPrinter(os.Stderr, "Scanning for BLE devices", opts.Duration, "Processing results")
		p.Start()
		defer p.Stop()
		progress = p.Callback()
	}

	devices, err := collect(ctx, s, opts, progress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return displayDevicesJSON(out, devices)
	}
	return displayDevicesTable(out, devices)
}

// collect runs the scan and orders its results by the discovery events seen
// along the way.
func collect(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, progress scanner.ProgressCallback) (*discoveredDevices, error) {
	ordered := orderedmap.New[string, device.Handle]()
	record := func(ev scanner.DeviceEvent) {
		ordered.Set(ev.Device.Address, ev.Device)
	}

	type result struct {
		devices map[string]device.Handle
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		devices, err := s.Scan(ctx, opts, progress)
		resCh <- result{devices, err}
	}()

	for {
		select {
		case ev := <-s.Events():
			record(ev)
		case res := <-resCh:
			if res.err != nil {
				return nil, res.err
			}
		drain:
			for {
				select {
				case ev := <-s.Events():
					record(ev)
				default:
					break drain
				}
			}
			// events may have been overwritten under load; the final map is authoritative
			for addr, h := range res.devices {
				ordered.Set(addr, h)
			}
			return ordered, nil
		}
	}
}

func displayDevicesTable(out io.Writer, devices *discoveredDevices) error {
	if devices.Len() == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(w, "----\t-------\t----")

	for pair := devices.Oldest(); pair != nil; pair = pair.Next() {
		dev := pair.Value
		name := dev.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 28 {
			name = name[:25] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, dev.Address, dev.RSSI)
	}

	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices *discoveredDevices) error {
	list := make([]device.Handle, 0, devices.Len())
	for pair := devices.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
