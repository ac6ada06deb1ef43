// Package plugin defines plugin interfaces.
package plugin

import (
	"context"

	"github.com/google/gopacket/layers"

	"firestige.xyz/rzkeychange/internal/core"
)

// Capturer captures raw packets from a network interface or a file.
type Capturer interface {
	Plugin
	// Capture blocks until ctx is cancelled, the source is exhausted or an
	// error occurs. It returns nil on a clean end of input.
	Capture(ctx context.Context, output chan<- core.RawPacket) error
	// LinkType is valid after Start.
	LinkType() layers.LinkType
	Stats() CaptureStats
}

// CaptureStats represents capture statistics.
type CaptureStats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	PacketsIfDropped uint64
}
