// Package daemon wires configuration, capture, the measurement pipeline and
// the report output into one process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/rzkeychange/internal/config"
	"firestige.xyz/rzkeychange/internal/core/decoder"
	logpkg "firestige.xyz/rzkeychange/internal/log"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/internal/pipeline"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const stopTimeout = 5 * time.Second

// Daemon manages the rzkeychange process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	overrides  map[string]any

	metricsServer *metrics.Server // nil if metrics disabled
	output        plugin.Output
	capturer      plugin.Capturer
	pipeline      *pipeline.Pipeline

	pidWritten bool
	stopOnce   sync.Once
	sigChan    chan os.Signal
}

// New loads the configuration. Overrides take precedence over the file
// and the environment and are reapplied on reload.
func New(configPath string, overrides map[string]any) (*Daemon, error) {
	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &Daemon{
		config:     cfg,
		configPath: configPath,
		overrides:  overrides,
	}, nil
}

// Config returns the effective configuration.
func (d *Daemon) Config() *config.GlobalConfig { return d.config }

// Start brings components up in dependency order: logging, PID file,
// metrics, output (which probes the report zone), then capture. On error
// everything already started is stopped again.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting rzkeychange",
		"config", d.configPath,
		"zone", d.config.Report.Zone,
		"server", d.config.Report.Server,
		"node", d.config.Report.Node,
		"interval", d.config.Window.Interval)

	steps := []struct {
		what string
		fn   func(context.Context) error
	}{
		{"write PID file", d.writePIDFile},
		{"start metrics server", d.startMetrics},
		{"start output", d.startOutput},
		{"start capture", d.startCapture},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			d.Stop()
			return fmt.Errorf("failed to %s: %w", s.what, err)
		}
	}

	dec := decoder.NewStandardDecoder(decoder.Config{
		LinkType:   d.capturer.LinkType(),
		DefragIPv4: d.config.Capture.DefragIPv4,
		Reassembly: decoder.ReassemblyConfig{
			Timeout:           d.config.DefragTimeout(),
			MaxFragsPerSource: d.config.Capture.DefragMaxPerSource,
		},
	})

	d.pipeline = pipeline.NewBuilder().
		WithCapturer(d.capturer).
		WithDecoder(dec).
		WithOutput(d.output).
		WithInterval(d.config.Interval()).
		WithBufferSize(d.config.Capture.Channel).
		WithWallClock(d.config.Live()).
		Build()

	slog.Info("rzkeychange started")
	return nil
}

// Run drives the pipeline until capture ends (offline input), ctx is
// cancelled, or SIGTERM/SIGINT arrives. SIGHUP reloads logging settings.
// Components are stopped before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if d.pipeline == nil {
		return errors.New("daemon not started")
	}

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.pipeline.Run(runCtx) }()

	var err error
loop:
	for {
		select {
		case sig := <-d.sigChan:
			if sig == syscall.SIGHUP {
				if rerr := d.Reload(); rerr != nil {
					slog.Error("failed to reload config", "error", rerr)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			err = <-done
			break loop
		case err = <-done:
			if err == nil {
				slog.Info("capture finished")
			}
			break loop
		}
	}

	d.Stop()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Reload re-reads the configuration and applies the log settings.
// Everything else requires a restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	cfg, err := config.Load(d.configPath, d.overrides)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := logpkg.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	d.config.Log = cfg.Log

	slog.Info("configuration reloaded", "level", cfg.Log.Level, "format", cfg.Log.Format)
	return nil
}

// Stop shuts components down in reverse start order. Safe to call more
// than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if d.capturer != nil {
		if err := d.capturer.Stop(ctx); err != nil {
			slog.Error("error stopping capturer", "error", err)
		}
	}

	// The output waits up to report.shutdown_grace on its own.
	if d.output != nil {
		if err := d.output.Stop(context.Background()); err != nil {
			slog.Error("error stopping output", "error", err)
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("rzkeychange stopped")
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startMetrics(ctx context.Context) error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

// startOutput builds the configured output. The rzkeychange output probes
// the report zone in Start, so an unreachable zone aborts startup here.
func (d *Daemon) startOutput(ctx context.Context) error {
	factory, err := plugin.GetOutputFactory(d.config.Output.Type)
	if err != nil {
		return err
	}
	out := factory()
	if err := out.Init(d.config.OutputOptions()); err != nil {
		return err
	}
	if err := out.Start(ctx); err != nil {
		return err
	}
	d.output = out
	return nil
}

func (d *Daemon) startCapture(ctx context.Context) error {
	factory, err := plugin.GetCapturerFactory(d.config.Capture.Type)
	if err != nil {
		return err
	}
	c := factory()
	if err := c.Init(d.config.CaptureOptions()); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	d.capturer = c
	return nil
}

func (d *Daemon) writePIDFile(context.Context) error {
	path := d.config.Control.PIDFile
	if path == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	d.pidWritten = true
	slog.Debug("PID file written", "path", path, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if !d.pidWritten {
		return nil
	}
	path := d.config.Control.PIDFile
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	d.pidWritten = false
	slog.Debug("PID file removed", "path", path)
	return nil
}
