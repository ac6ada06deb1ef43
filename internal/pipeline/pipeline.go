// Package pipeline drives packets from a capturer through the decoder into
// a windowed output on a single goroutine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/core/decoder"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const (
	defaultBufferSize = 1024
	defaultInterval   = 60 * time.Second
	maxTick           = time.Second
)

// Config contains pipeline configuration.
type Config struct {
	Capturer plugin.Capturer
	// Decoder defaults to a StandardDecoder for the capturer's link type.
	Decoder    decoder.Decoder
	Output     plugin.Output
	Interval   time.Duration
	BufferSize int // raw packet channel buffer size
	// WallClock also advances windows on a timer so that idle links still
	// report. Packet timestamps alone drive windows otherwise.
	WallClock bool
	// Now is the wall clock; defaults to time.Now.
	Now func() time.Time
}

// Pipeline owns the window boundaries. Windows are [start, start+interval);
// a packet at or past the end closes the window and opens the one
// containing it, so idle gaps yield no empty reports in packet-time mode.
type Pipeline struct {
	capturer  plugin.Capturer
	decoder   decoder.Decoder
	output    plugin.Output
	interval  time.Duration
	bufSize   int
	wallClock bool
	now       func() time.Time

	open    bool
	start   time.Time
	lastTS  time.Time
	metrics Metrics
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		capturer:  cfg.Capturer,
		decoder:   cfg.Decoder,
		output:    cfg.Output,
		interval:  cfg.Interval,
		bufSize:   cfg.BufferSize,
		wallClock: cfg.WallClock,
		now:       cfg.Now,
	}
}

// Run processes packets until the capturer finishes or ctx is cancelled,
// then closes the last window. The capturer and output must already be
// started.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.capturer == nil || p.output == nil {
		return fmt.Errorf("pipeline: capturer and output are required")
	}
	if p.decoder == nil {
		p.decoder = decoder.NewStandardDecoder(decoder.Config{LinkType: p.capturer.LinkType()})
	}

	packets := make(chan core.RawPacket, p.bufSize)
	captureErr := make(chan error, 1)
	go func() {
		defer close(packets)
		captureErr <- p.capturer.Capture(ctx, packets)
	}()

	var tick <-chan time.Time
	if p.wallClock {
		t := time.NewTicker(min(p.interval, maxTick))
		defer t.Stop()
		tick = t.C
		p.openWindow(p.now())
	}

	slog.Info("pipeline started",
		"capturer", p.capturer.Name(),
		"output", p.output.Name(),
		"interval", p.interval,
		"wall_clock", p.wallClock)

loop:
	for {
		select {
		case raw, ok := <-packets:
			if !ok {
				break loop
			}
			p.process(raw)
		case <-tick:
			p.advance(p.now())
		case <-ctx.Done():
			break loop
		}
	}

	end := p.lastTS
	if p.wallClock || end.IsZero() {
		end = p.now()
	}
	if p.open {
		p.closeWindow(end)
	}

	err := <-captureErr
	stats := p.Stats()
	slog.Info("pipeline stopped",
		"received", stats.Received,
		"decoded", stats.Decoded,
		"decode_errors", stats.DecodeErrors,
		"windows", stats.Windows)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	return nil
}

// process advances the window on the packet's timestamp, then decodes and
// observes it. Undecodable packets still move time forward.
func (p *Pipeline) process(raw core.RawPacket) {
	p.metrics.Received.Add(1)

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	if ts.After(p.lastTS) {
		p.lastTS = ts
	}
	p.advance(ts)

	msg, err := p.decoder.Decode(raw)
	if err != nil {
		p.metrics.DecodeErrors.Add(1)
		metrics.DecodeErrorsTotal.WithLabelValues(decoder.Reason(err)).Inc()
		return
	}
	p.metrics.Decoded.Add(1)
	p.output.Observe(&msg)
}

// advance opens the first window or rolls over expired ones. Timestamps
// earlier than the window start are counted in the current window.
func (p *Pipeline) advance(ts time.Time) {
	if !p.open {
		p.openWindow(ts)
		return
	}
	elapsed := ts.Sub(p.start)
	if elapsed < p.interval {
		return
	}
	p.closeWindow(p.start.Add(p.interval))
	p.openWindow(p.start.Add(elapsed / p.interval * p.interval))
}

func (p *Pipeline) openWindow(ts time.Time) {
	p.start = ts
	p.open = true
	p.output.Open(ts)
}

func (p *Pipeline) closeWindow(end time.Time) {
	p.open = false
	p.metrics.Windows.Add(1)
	if err := p.output.Close(end); err != nil {
		p.metrics.CloseErrors.Add(1)
		slog.Warn("window close failed", "start", p.start.Unix(), "error", err)
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}
