// Package afpacket implements AF_PACKET_V3 capture plugin.
package afpacket

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/internal/utils"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const (
	pluginName = "afpacket"

	// Default configuration values
	defaultSnapLen   = 65535
	defaultBlockSize = 4 * 1024 * 1024 // 4MB
	defaultNumBlocks = 16
	defaultFilter    = "port 53"
	pollTimeout      = 100 * time.Millisecond
)

// Config represents afpacket-specific configuration.
type Config struct {
	Interface   string `mapstructure:"interface"`   // required
	BPFFilter   string `mapstructure:"bpf_filter"`  // optional, default "port 53"
	SnapLen     int    `mapstructure:"snap_len"`    // optional, default 65535
	BlockSize   int    `mapstructure:"block_size"`  // optional, default 4MB
	NumBlocks   int    `mapstructure:"num_blocks"`  // optional, default 16
	Promiscuous bool   `mapstructure:"promiscuous"` // accepted for parity with pcap; AF_PACKET sees all frames delivered to the host
}

// AFPacketCapturer implements the Capturer interface using AF_PACKET_V3.
type AFPacketCapturer struct {
	name   string
	config Config

	// Runtime state
	handle *afpacket.TPacket
	ctx    context.Context
	cancel context.CancelFunc

	captured prometheus.Counter
	dropped  prometheus.Counter

	// Statistics (atomic counters)
	packetsReceived  atomic.Uint64
	packetsDropped   atomic.Uint64
	packetsIfDropped atomic.Uint64
}

// NewAFPacketCapturer creates a new AF_PACKET capturer instance.
func NewAFPacketCapturer() plugin.Capturer {
	return &AFPacketCapturer{
		name: pluginName,
	}
}

// Name returns the plugin name.
func (c *AFPacketCapturer) Name() string {
	return c.name
}

// Init initializes the capturer with configuration.
func (c *AFPacketCapturer) Init(cfg map[string]any) error {
	c.config = Config{
		BPFFilter:   defaultFilter,
		SnapLen:     defaultSnapLen,
		BlockSize:   defaultBlockSize,
		NumBlocks:   defaultNumBlocks,
		Promiscuous: true,
	}
	if err := plugin.DecodeOptions(cfg, &c.config); err != nil {
		return fmt.Errorf("afpacket: %w", err)
	}
	if c.config.Interface == "" {
		return fmt.Errorf("afpacket: %w: interface is required", core.ErrConfigInvalid)
	}
	if c.config.SnapLen <= 0 {
		c.config.SnapLen = defaultSnapLen
	}

	slog.Debug("afpacket initialized",
		"interface", c.config.Interface,
		"bpf_filter", c.config.BPFFilter,
		"snap_len", c.config.SnapLen,
		"block_size", c.config.BlockSize,
		"num_blocks", c.config.NumBlocks)

	return nil
}

// Start prepares metrics; the socket is opened by Capture.
func (c *AFPacketCapturer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.captured = metrics.CapturePacketsTotal.WithLabelValues(c.config.Interface)
	c.dropped = metrics.CaptureDropsTotal.WithLabelValues(c.config.Interface, "kernel")
	return nil
}

// Stop cancels a running Capture.
//
// The TPacket handle is owned by Capture, which closes it once its read
// loop observes the cancellation. Closing it here would race with the
// reader and unmap the ring underneath it.
func (c *AFPacketCapturer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// LinkType returns the link type of captured frames.
func (c *AFPacketCapturer) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// Capture captures packets from the network interface.
// This is a blocking call that runs until ctx is cancelled or an error occurs.
func (c *AFPacketCapturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.ctx != nil {
		defer context.AfterFunc(c.ctx, cancel)()
	}

	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(c.config.Interface),
		afpacket.OptFrameSize(c.config.SnapLen),
		afpacket.OptBlockSize(c.config.BlockSize),
		afpacket.OptNumBlocks(c.config.NumBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return fmt.Errorf("failed to create TPacket handle on %s: %w", c.config.Interface, err)
	}
	c.handle = handle
	defer func() {
		c.handle.Close()
		c.handle = nil
	}()

	if c.config.BPFFilter != "" {
		raw, err := utils.CompileBPF(layers.LinkTypeEthernet, c.config.SnapLen, c.config.BPFFilter)
		if err != nil {
			return err
		}
		if err := c.handle.SetBPF(raw); err != nil {
			return fmt.Errorf("failed to set BPF: %w", err)
		}
		slog.Debug("BPF filter applied", "filter", c.config.BPFFilter, "program", utils.DisassembleBPF(raw))
	}

	if err := c.handle.InitSocketStats(); err != nil {
		slog.Warn("failed to init socket stats", "error", err)
	}

	slog.Info("afpacket capture started", "interface", c.config.Interface)

	// Direct read loop, no PacketSource: its hidden goroutine would keep
	// reading the ring after Close.
	for {
		select {
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "interface", c.config.Interface)
			return nil
		default:
		}

		// ReadPacketData copies out of the ring; packets outlive the next read.
		data, ci, err := c.handle.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("afpacket capture stopped", "interface", c.config.Interface)
				return nil
			}
			// poll timeout, EINTR: retry
			continue
		}

		c.packetsReceived.Add(1)
		c.captured.Inc()

		if stats, _, statsErr := c.handle.SocketStats(); statsErr == nil {
			drops := uint64(stats.Drops())
			if prev := c.packetsIfDropped.Swap(drops); drops > prev {
				c.dropped.Add(float64(drops - prev))
			}
		}

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}

		// Non-blocking send: prefer drop over blocking the read loop.
		select {
		case output <- raw:
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "interface", c.config.Interface)
			return nil
		default:
			c.packetsDropped.Add(1)
			metrics.CaptureDropsTotal.WithLabelValues(c.config.Interface, "channel").Inc()
		}
	}
}

// Stats returns capture statistics.
func (c *AFPacketCapturer) Stats() plugin.CaptureStats {
	return plugin.CaptureStats{
		PacketsReceived:  c.packetsReceived.Load(),
		PacketsDropped:   c.packetsDropped.Load(),
		PacketsIfDropped: c.packetsIfDropped.Load(),
	}
}
