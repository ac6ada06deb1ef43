// Package console implements a dry-run output.
// Closed windows are printed to stdout instead of being sent as DNS queries.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
	"firestige.xyz/rzkeychange/internal/report"
	"firestige.xyz/rzkeychange/internal/window"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const pluginName = "console"

// Config represents console output configuration.
type Config struct {
	Zone            string `mapstructure:"zone"`
	Server          string `mapstructure:"server"`
	Node            string `mapstructure:"node"`
	Format          string `mapstructure:"format"` // "json" or "text", default "text"
	AddressCapacity int    `mapstructure:"address_capacity"`
}

// ConsoleOutput prints one line per closed window.
type ConsoleOutput struct {
	name          string
	config        Config
	out           io.Writer
	ctrl          *window.Controller
	reportedCount atomic.Uint64
}

// NewConsoleOutput creates a new console output.
func NewConsoleOutput() plugin.Output {
	return &ConsoleOutput{name: pluginName, out: os.Stdout}
}

// Name returns the plugin name.
func (o *ConsoleOutput) Name() string { return o.name }

// Init initializes the output with configuration.
func (o *ConsoleOutput) Init(cfg map[string]any) error {
	o.config = Config{Format: "text"}
	if err := plugin.DecodeOptions(cfg, &o.config); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if o.config.Format != "json" && o.config.Format != "text" {
		return fmt.Errorf("console: %w: invalid format %q, must be json or text",
			core.ErrConfigInvalid, o.config.Format)
	}
	o.ctrl = window.New(o.config.AddressCapacity, window.SinkFunc(o.print))
	return nil
}

// Start starts the output.
func (o *ConsoleOutput) Start(ctx context.Context) error {
	slog.Info("console output started", "format", o.config.Format)
	return nil
}

// Stop stops the output.
func (o *ConsoleOutput) Stop(ctx context.Context) error {
	slog.Info("console output stopped", "total_reported", o.reportedCount.Load())
	return nil
}

// Open starts a new measurement window.
func (o *ConsoleOutput) Open(ts time.Time) { o.ctrl.Open(ts) }

// Observe counts msg in the current window.
func (o *ConsoleOutput) Observe(msg *core.Message) { o.ctrl.Observe(msg) }

// Close ends the current window and prints it.
func (o *ConsoleOutput) Close(ts time.Time) error { return o.ctrl.Close(ts) }

func (o *ConsoleOutput) print(snap counter.Snapshot) error {
	o.reportedCount.Add(1)
	name := report.FormatName(snap, o.config.Node, o.config.Server, o.config.Zone)

	if o.config.Format == "json" {
		return o.printJSON(snap, name)
	}
	_, err := fmt.Fprintf(o.out, "[%s] %s distinct_sources=%d saturated=%t\n",
		snap.WindowStart.UTC().Format(time.RFC3339),
		name,
		snap.DistinctSources,
		snap.Saturated,
	)
	return err
}

func (o *ConsoleOutput) printJSON(snap counter.Snapshot, name string) error {
	data, err := json.Marshal(map[string]any{
		"name":             name,
		"start":            snap.WindowStart.Unix(),
		"end":              snap.WindowEnd.Unix(),
		"total":            snap.Total,
		"dnskey":           snap.DNSKEYQueries,
		"tcp":              snap.TCPMessages,
		"tc":               snap.TruncatedResponses,
		"distinct_sources": snap.DistinctSources,
		"saturated":        snap.Saturated,
		"malformed":        snap.Malformed,
		"dropped_sources":  snap.DroppedSources,
	})
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	_, err = fmt.Fprintln(o.out, string(data))
	return err
}
