// Package pipeline implements pipeline construction.
package pipeline

import (
	"time"

	"firestige.xyz/rzkeychange/internal/core/decoder"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BufferSize: defaultBufferSize,
			Interval:   defaultInterval,
		},
	}
}

// WithCapturer sets the packet capturer.
func (b *Builder) WithCapturer(c plugin.Capturer) *Builder {
	b.config.Capturer = c
	return b
}

// WithDecoder sets the packet decoder.
func (b *Builder) WithDecoder(d decoder.Decoder) *Builder {
	b.config.Decoder = d
	return b
}

// WithOutput sets the windowed output.
func (b *Builder) WithOutput(o plugin.Output) *Builder {
	b.config.Output = o
	return b
}

// WithInterval sets the measurement window length.
func (b *Builder) WithInterval(d time.Duration) *Builder {
	b.config.Interval = d
	return b
}

// WithWallClock enables timer-driven window rollover.
func (b *Builder) WithWallClock(enabled bool) *Builder {
	b.config.WallClock = enabled
	return b
}

// WithBufferSize sets the raw packet channel buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
