// Package detach runs work on goroutines fully isolated from the caller:
// the caller never waits, never sees a panic and is never blocked when the
// in-flight limit is reached.
package detach

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight bounds concurrently running detached tasks.
const DefaultMaxInFlight = 16

// ErrBusy is returned by Go when the in-flight limit is reached.
var ErrBusy = errors.New("rzkeychange: detached work limit reached")

// Config configures an Isolator.
type Config struct {
	// MaxInFlight bounds running tasks; <= 0 selects DefaultMaxInFlight.
	MaxInFlight int
	// OnPanic, if set, is called on the task goroutine after a panic was
	// recovered.
	OnPanic func(r *panics.Recovered)
}

// Isolator starts detached tasks.
type Isolator struct {
	sem     *semaphore.Weighted
	onPanic func(r *panics.Recovered)
	wg      sync.WaitGroup
}

// New creates an Isolator.
func New(cfg Config) *Isolator {
	n := cfg.MaxInFlight
	if n <= 0 {
		n = DefaultMaxInFlight
	}
	return &Isolator{
		sem:     semaphore.NewWeighted(int64(n)),
		onPanic: cfg.OnPanic,
	}
}

// Go runs fn on a new goroutine and returns immediately. fn receives a
// context that is never cancelled by the caller; fn must bound its own
// lifetime. Go returns ErrBusy without starting fn when the limit is
// reached.
func (i *Isolator) Go(fn func(ctx context.Context)) error {
	if !i.sem.TryAcquire(1) {
		return ErrBusy
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer i.sem.Release(1)

		var pc panics.Catcher
		pc.Try(func() { fn(context.Background()) })
		if r := pc.Recovered(); r != nil {
			slog.Error("detached task panicked", "error", r.AsError(), "stack", string(r.Stack))
			if i.onPanic != nil {
				i.onPanic(r)
			}
		}
	}()
	return nil
}

// Wait blocks until all started tasks finished or ctx is done.
func (i *Isolator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

