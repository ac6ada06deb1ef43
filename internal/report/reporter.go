package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
	"firestige.xyz/rzkeychange/internal/detach"
	"firestige.xyz/rzkeychange/internal/metrics"
)

// Sender emits one report query. *Emitter implements it.
type Sender interface {
	Emit(ctx context.Context, name string) error
	Name(snap counter.Snapshot) string
}

// Reporter hands window snapshots to detached emitter goroutines. It
// implements window.Sink.
type Reporter struct {
	sender Sender
	iso    *detach.Isolator
}

// NewReporter creates a Reporter.
func NewReporter(sender Sender, iso *detach.Isolator) *Reporter {
	return &Reporter{sender: sender, iso: iso}
}

// Submit formats the report name and starts the emission. It never waits
// for the network; emission errors are logged on the detached goroutine.
func (r *Reporter) Submit(snap counter.Snapshot) error {
	name := r.sender.Name(snap)
	err := r.iso.Go(func(ctx context.Context) {
		if err := r.sender.Emit(ctx, name); err != nil {
			metrics.ReportsTotal.WithLabelValues(metrics.ReportNoResponse).Inc()
			slog.Info("report not delivered", "name", name, "error", err)
			return
		}
		metrics.ReportsTotal.WithLabelValues(metrics.ReportSent).Inc()
	})
	if err != nil {
		if errors.Is(err, detach.ErrBusy) {
			metrics.ReportsTotal.WithLabelValues(metrics.ReportBusy).Inc()
			return fmt.Errorf("%w: %w", core.ErrEmitterBusy, err)
		}
		return err
	}
	return nil
}
