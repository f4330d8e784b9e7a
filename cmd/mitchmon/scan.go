package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/mitchmon/discovery"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for mitch units",
	Long: `Scan for mitch units advertising nearby and list them.

The scan runs for the configured duration (Ctrl+C stops it early) and
prints every matching unit once, with its advertised name, address, and
signal strength at first sight.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanPrefix   string
)

// scanEntry is one discovered unit as rendered by the scan command.
type scanEntry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanPrefix, "prefix", "p", "", "Advertised name prefix to match (default from config)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if scanPrefix != "" {
		cfg.NamePrefix = scanPrefix
	}
	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}

	task := discovery.NewTask(&discovery.Options{
		NamePrefix:     cfg.NamePrefix,
		ConnectTimeout: cfg.ConnectTimeout,
		IOTimeout:      cfg.CommandTimeout,
		TelemetryRing:  cfg.TelemetryRing,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	// Listen for Ctrl+C to stop the scan early
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, stopping scan...")
		cancel()
	}()

	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- task.Run(ctx)
	}()

	// collect folds one discovery event into the result set. A non-nil
	// return means the scan is over with that error.
	var entries []scanEntry
	collect := func(ev discovery.Event) error {
		switch ev.Type {
		case discovery.EventDiscovered:
			entries = append(entries, scanEntry{
				Name:    ev.Session.Name(),
				Address: ev.Session.Addr(),
				RSSI:    ev.RSSI,
			})
			// Sessions are display-only here; release them
			_ = ev.Session.Close()
		case discovery.EventNotActive:
			return ev.Err
		}
		return nil
	}

	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				if err := <-scanErrCh; err != nil {
					return err
				}
				return displayScanResults(entries)
			}
			if err := collect(ev); err != nil {
				<-scanErrCh
				return err
			}
		case err := <-scanErrCh:
			if err != nil {
				return err
			}
			// Drain whatever the scan buffered before it ended
			for {
				select {
				case ev, ok := <-task.Events():
					if !ok {
						return displayScanResults(entries)
					}
					if err := collect(ev); err != nil {
						return err
					}
				default:
					return displayScanResults(entries)
				}
			}
		}
	}
}

func displayScanResults(entries []scanEntry) error {
	if len(entries) == 0 {
		fmt.Println("No mitch units discovered")
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	fmt.Fprintln(w, header.Sprint("NAME\tADDRESS\tRSSI"))
	fmt.Fprintln(w, strings.Repeat("-", 48))
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", color.CyanString(e.Name), e.Address, e.RSSI)
	}
	return w.Flush()
}
