// Package rzkeychange implements the output plugin that counts DNS
// responses per measurement window and reports each window as a DNS query
// name under a collector zone.
package rzkeychange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
	"firestige.xyz/rzkeychange/internal/detach"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/internal/report"
	"firestige.xyz/rzkeychange/internal/window"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const pluginName = "rzkeychange"

// Options are the plugin options.
type Options struct {
	Zone            string        `mapstructure:"zone"`
	Server          string        `mapstructure:"server"`
	Node            string        `mapstructure:"node"`
	Resolvers       []string      `mapstructure:"resolvers"`
	ResolvConf      string        `mapstructure:"resolv_conf"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	FireAndForget   bool          `mapstructure:"fire_and_forget"`
	MaxInFlight     int           `mapstructure:"max_in_flight"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	SkipProbe       bool          `mapstructure:"skip_probe"`
	AddressCapacity int           `mapstructure:"address_capacity"`
}

// Validate checks the required labels form a valid domain name.
func (o *Options) Validate() error {
	for _, f := range []struct{ key, val string }{
		{"zone", o.Zone}, {"server", o.Server}, {"node", o.Node},
	} {
		if f.val == "" {
			return fmt.Errorf("%w: %s is required", core.ErrConfigInvalid, f.key)
		}
	}
	if err := report.ValidateNames(o.Node, o.Server, o.Zone); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

// Output wires the window controller to the DNS report emitter.
type Output struct {
	name    string
	opts    Options
	emitter *report.Emitter
	iso     *detach.Isolator
	ctrl    *window.Controller
}

// New creates an unconfigured output.
func New() plugin.Output {
	return &Output{name: pluginName}
}

// Name returns the plugin name.
func (o *Output) Name() string { return o.name }

// Init decodes options and builds the emitter, which resolves the
// resolver list.
func (o *Output) Init(cfg map[string]any) error {
	o.opts = Options{
		Timeout:      report.DefaultTimeout,
		ProbeTimeout: report.DefaultProbeTimeout,
		MaxInFlight:  detach.DefaultMaxInFlight,
	}
	if err := plugin.DecodeOptions(cfg, &o.opts); err != nil {
		return fmt.Errorf("rzkeychange: %w", err)
	}
	if err := o.opts.Validate(); err != nil {
		return err
	}

	emitter, err := report.NewEmitter(report.Config{
		Zone:          o.opts.Zone,
		Server:        o.opts.Server,
		Node:          o.opts.Node,
		Resolvers:     o.opts.Resolvers,
		ResolvConf:    o.opts.ResolvConf,
		Timeout:       o.opts.Timeout,
		ProbeTimeout:  o.opts.ProbeTimeout,
		FireAndForget: o.opts.FireAndForget,
	})
	if err != nil {
		return err
	}
	o.emitter = emitter
	o.iso = detach.New(detach.Config{
		MaxInFlight: o.opts.MaxInFlight,
		OnPanic: func(*panics.Recovered) {
			metrics.ReportsTotal.WithLabelValues(metrics.ReportPanic).Inc()
		},
	})
	o.ctrl = window.New(o.opts.AddressCapacity, &metricsSink{next: report.NewReporter(emitter, o.iso)})

	slog.Info("rzkeychange output configured",
		"zone", o.opts.Zone,
		"server", o.opts.Server,
		"node", o.opts.Node,
		"resolvers", emitter.Resolvers(),
		"timeout", o.opts.Timeout,
		"fire_and_forget", o.opts.FireAndForget)
	return nil
}

// Start probes the report zone and announces the name layout. A failed
// probe is fatal unless skip_probe is set; a failed announcement is not.
func (o *Output) Start(ctx context.Context) error {
	if !o.opts.SkipProbe {
		if err := o.emitter.Probe(ctx, o.opts.Zone); err != nil {
			return err
		}
		slog.Info("report zone reachable", "zone", o.opts.Zone)
	}
	if err := o.emitter.Announce(ctx); err != nil {
		slog.Warn("legend announcement failed", "error", err)
	}
	return nil
}

// Stop waits up to shutdown_grace for in-flight reports.
func (o *Output) Stop(ctx context.Context) error {
	if o.opts.ShutdownGrace <= 0 || o.iso == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ShutdownGrace)
	defer cancel()
	if err := o.iso.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Open starts a new measurement window.
func (o *Output) Open(ts time.Time) {
	o.ctrl.Open(ts)
	slog.Debug("window opened", "start", ts.Unix())
}

// Observe counts msg in the current window.
func (o *Output) Observe(msg *core.Message) { o.ctrl.Observe(msg) }

// Close ends the current window and submits its report.
func (o *Output) Close(ts time.Time) error { return o.ctrl.Close(ts) }

// metricsSink exports window counters before forwarding the snapshot.
type metricsSink struct {
	next window.Sink
}

func (s *metricsSink) Submit(snap counter.Snapshot) error {
	metrics.WindowsClosedTotal.Inc()
	metrics.MessagesTotal.WithLabelValues(metrics.KindTotal).Add(float64(snap.Total))
	metrics.MessagesTotal.WithLabelValues(metrics.KindDNSKEY).Add(float64(snap.DNSKEYQueries))
	metrics.MessagesTotal.WithLabelValues(metrics.KindTCP).Add(float64(snap.TCPMessages))
	metrics.MessagesTotal.WithLabelValues(metrics.KindTC).Add(float64(snap.TruncatedResponses))
	metrics.WindowDistinctSources.Set(float64(snap.DistinctSources))
	metrics.MalformedMessagesTotal.Add(float64(snap.Malformed))
	metrics.SourcesDroppedTotal.Add(float64(snap.DroppedSources))
	if snap.Saturated {
		metrics.WindowSaturatedTotal.Inc()
		slog.Warn("address set saturated, distinct source count is a lower bound",
			"window_start", snap.WindowStart.Unix(),
			"distinct_sources", snap.DistinctSources,
			"dropped_sources", snap.DroppedSources)
	}

	slog.Info("window closed",
		"start", snap.WindowStart.Unix(),
		"end", snap.WindowEnd.Unix(),
		"total", snap.Total,
		"dnskey", snap.DNSKEYQueries,
		"tcp", snap.TCPMessages,
		"tc", snap.TruncatedResponses,
		"distinct_sources", snap.DistinctSources,
		"malformed", snap.Malformed)

	return s.next.Submit(snap)
}
