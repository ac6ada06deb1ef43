package plugin

import (
	"time"

	"firestige.xyz/rzkeychange/internal/core"
)

// Output consumes decoded DNS messages in measurement windows. All methods
// except Start and Stop are called from a single goroutine and must not
// block on I/O.
type Output interface {
	Plugin
	Open(ts time.Time)
	Observe(msg *core.Message)
	Close(ts time.Time) error
}
