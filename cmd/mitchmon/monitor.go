package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/srg/mitchmon/discovery"
	"github.com/srg/mitchmon/internal/mitch"
	"golang.org/x/term"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor mitch units interactively",
	Long: `Discover mitch units and monitor them in an interactive terminal UI.

Units appear in the list as they are discovered. The operating state of
every connected unit is polled continuously. Keys:

  up/down  select unit
  c        connect to the selected unit
  d        disconnect from the selected unit
  r        start the telemetry stream
  s        stop the telemetry stream
  q        quit`,
	RunE: runMonitor,
}

var monitorPrefix string

func init() {
	monitorCmd.Flags().StringVarP(&monitorPrefix, "prefix", "p", "", "Advertised name prefix to match (default from config)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return ErrNoTTY
	}

	if monitorPrefix != "" {
		cfg.NamePrefix = monitorPrefix
	}

	task := discovery.NewTask(&discovery.Options{
		NamePrefix:     cfg.NamePrefix,
		ConnectTimeout: cfg.ConnectTimeout,
		IOTimeout:      cfg.CommandTimeout,
		TelemetryRing:  cfg.TelemetryRing,
	}, logger)

	registry := mitch.NewRegistry(logger)
	model := newMonitorModel(registry, cfg, logger)
	program := tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The scan runs for the whole session; discoveries flow into the UI
	// as messages.
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- task.Run(ctx)
	}()
	go func() {
		for ev := range task.Events() {
			switch ev.Type {
			case discovery.EventDiscovered:
				program.Send(discoveredMsg{session: ev.Session})
			case discovery.EventNotActive:
				program.Send(notActiveMsg{err: ev.Err})
			}
		}
	}()

	finalModel, err := program.Run()
	cancel()
	registry.Close()
	<-scanErrCh

	if err != nil {
		return fmt.Errorf("monitor UI failed: %w", err)
	}
	if m, ok := finalModel.(monitorModel); ok && m.fatalErr != nil {
		return m.fatalErr
	}
	return nil
}
