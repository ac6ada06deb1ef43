// Package window drives the measurement-window lifecycle: open a fresh
// aggregator, feed it messages, and hand a snapshot to a sink on close.
package window

import (
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
)

// State of a Controller.
type State uint8

const (
	StateIdle State = iota
	StateOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "idle"
}

// Sink receives the snapshot of every closed window. Submit must not block
// on network I/O; it is called from the packet-processing goroutine.
type Sink interface {
	Submit(snap counter.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(snap counter.Snapshot) error

// Submit implements Sink.
func (f SinkFunc) Submit(snap counter.Snapshot) error { return f(snap) }

// Controller owns the aggregator of the current window.
// It is driven by a single goroutine and is not safe for concurrent use.
type Controller struct {
	capacity int
	sink     Sink

	state State
	start time.Time
	agg   *counter.Aggregator
}

// New creates an idle controller. capacity bounds the distinct-source set
// of each window (<= 0 selects the default).
func New(capacity int, sink Sink) *Controller {
	return &Controller{capacity: capacity, sink: sink}
}

// Open starts a new window at ts. Any previous aggregator is discarded,
// including one left over from a window still open.
func (c *Controller) Open(ts time.Time) {
	c.agg = counter.New(c.capacity)
	c.start = ts
	c.state = StateOpen
}

// Observe records msg into the current window. It is a no-op while idle.
func (c *Controller) Observe(msg *core.Message) {
	if c.state != StateOpen || msg == nil {
		return
	}
	c.agg.Record(msg.Payload, msg.Transport, msg.Src)
}

// Close ends the current window at ts and submits its snapshot. It returns
// without waiting for the report to be delivered.
func (c *Controller) Close(ts time.Time) error {
	if c.state != StateOpen {
		return core.ErrWindowNotOpen
	}
	c.state = StateIdle

	snap := c.agg.Snapshot(c.start, ts)
	if c.sink == nil {
		return nil
	}
	if err := c.sink.Submit(snap); err != nil {
		slog.Warn("window report not submitted",
			"window_start", c.start.Unix(),
			"total", snap.Total,
			"error", err)
		return fmt.Errorf("submit window %d: %w", c.start.Unix(), err)
	}
	return nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }
