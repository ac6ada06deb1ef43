// Package pipeline implements pipeline metrics.
package pipeline

import (
	"sync/atomic"
)

// Metrics contains pipeline counters.
type Metrics struct {
	Received     atomic.Uint64
	Decoded      atomic.Uint64
	DecodeErrors atomic.Uint64
	Windows      atomic.Uint64
	CloseErrors  atomic.Uint64
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Decoded.Store(0)
	m.DecodeErrors.Store(0)
	m.Windows.Store(0)
	m.CloseErrors.Store(0)
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64
	Decoded      uint64
	DecodeErrors uint64
	Windows      uint64
	CloseErrors  uint64
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		Decoded:      m.Decoded.Load(),
		DecodeErrors: m.DecodeErrors.Load(),
		Windows:      m.Windows.Load(),
		CloseErrors:  m.CloseErrors.Load(),
	}
}
