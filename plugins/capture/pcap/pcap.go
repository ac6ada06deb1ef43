// Package pcap implements a libpcap capture plugin for live interfaces and
// offline capture files.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

const (
	pluginName = "pcap"

	defaultSnapLen    = 65535
	defaultBufferSize = 4096 // KiB
	defaultFilter     = "port 53"
	readTimeout       = 100 * time.Millisecond
)

// Config represents pcap-specific configuration. Exactly one of Interface
// and File must be set.
type Config struct {
	Interface   string `mapstructure:"interface"`
	File        string `mapstructure:"file"`
	BPFFilter   string `mapstructure:"bpf_filter"`
	SnapLen     int    `mapstructure:"snap_len"`
	Promiscuous bool   `mapstructure:"promiscuous"`
	BufferSize  int    `mapstructure:"buffer_size"` // KiB, live only
}

// PcapCapturer implements the Capturer interface on top of libpcap.
type PcapCapturer struct {
	name   string
	config Config

	handle    *pcap.Handle
	closeOnce sync.Once
	running   atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
}

// NewPcapCapturer creates a new pcap capturer instance.
func NewPcapCapturer() plugin.Capturer {
	return &PcapCapturer{name: pluginName}
}

// Name returns the plugin name.
func (c *PcapCapturer) Name() string { return c.name }

// Init initializes the capturer with configuration.
func (c *PcapCapturer) Init(cfg map[string]any) error {
	c.config = Config{
		BPFFilter:   defaultFilter,
		SnapLen:     defaultSnapLen,
		Promiscuous: true,
		BufferSize:  defaultBufferSize,
	}
	if err := plugin.DecodeOptions(cfg, &c.config); err != nil {
		return fmt.Errorf("pcap: %w", err)
	}
	switch {
	case c.config.Interface == "" && c.config.File == "":
		return fmt.Errorf("pcap: %w: interface or file is required", core.ErrConfigInvalid)
	case c.config.Interface != "" && c.config.File != "":
		return fmt.Errorf("pcap: %w: interface and file are mutually exclusive", core.ErrConfigInvalid)
	}
	if c.config.SnapLen <= 0 {
		c.config.SnapLen = defaultSnapLen
	}

	slog.Debug("pcap initialized",
		"interface", c.config.Interface,
		"file", c.config.File,
		"bpf_filter", c.config.BPFFilter,
		"snap_len", c.config.SnapLen)
	return nil
}

// Offline reports whether the capturer replays a file.
func (c *PcapCapturer) Offline() bool { return c.config.File != "" }

func (c *PcapCapturer) source() string {
	if c.Offline() {
		return c.config.File
	}
	return c.config.Interface
}

// Start opens the handle and applies the filter so LinkType is known
// before Capture runs.
func (c *PcapCapturer) Start(ctx context.Context) error {
	var (
		handle *pcap.Handle
		err    error
	)
	if c.Offline() {
		handle, err = pcap.OpenOffline(c.config.File)
		if err != nil {
			return fmt.Errorf("failed to open pcap file %s: %w", c.config.File, err)
		}
	} else {
		handle, err = c.openLive()
		if err != nil {
			return err
		}
	}

	if c.config.BPFFilter != "" {
		if err := handle.SetBPFFilter(c.config.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("failed to apply BPF filter %q: %w", c.config.BPFFilter, err)
		}
	}

	c.handle = handle
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	slog.Info("pcap handle opened", "source", c.source(), "link_type", handle.LinkType().String())
	return nil
}

func (c *PcapCapturer) openLive() (*pcap.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(c.config.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap handle on %s: %w", c.config.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(c.config.SnapLen); err != nil {
		return nil, fmt.Errorf("set snap_len: %w", err)
	}
	if err := inactive.SetPromisc(c.config.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promiscuous: %w", err)
	}
	if err := inactive.SetTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if c.config.BufferSize > 0 {
		if err := inactive.SetBufferSize(c.config.BufferSize * 1024); err != nil {
			return nil, fmt.Errorf("set buffer_size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate pcap handle on %s: %w", c.config.Interface, err)
	}
	return handle, nil
}

// LinkType returns the link type of the opened handle.
func (c *PcapCapturer) LinkType() layers.LinkType {
	if c.handle == nil {
		return layers.LinkTypeEthernet
	}
	return c.handle.LinkType()
}

func (c *PcapCapturer) closeHandle() {
	c.closeOnce.Do(func() {
		if c.handle != nil {
			c.closed.Store(true)
			c.handle.Close()
		}
	})
}

// Stop cancels a running Capture, or closes the handle if Capture never ran.
func (c *PcapCapturer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if !c.running.Load() {
		c.closeHandle()
	}
	return nil
}

// Capture reads packets until ctx is cancelled, Stop is called or, for
// offline files, the end of the file is reached. Live packets are dropped
// when output is full; file packets wait for room.
func (c *PcapCapturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	if c.handle == nil {
		return fmt.Errorf("pcap: capture before start")
	}
	c.running.Store(true)
	defer c.closeHandle()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.ctx != nil {
		defer context.AfterFunc(c.ctx, cancel)()
	}

	src := c.source()
	captured := metrics.CapturePacketsTotal.WithLabelValues(src)
	offline := c.Offline()

	slog.Info("pcap capture started", "source", src, "offline", offline)

	for {
		if ctx.Err() != nil {
			slog.Info("pcap capture stopped", "source", src)
			return nil
		}

		data, ci, err := c.handle.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			slog.Info("pcap file exhausted", "source", src, "packets", c.packetsReceived.Load())
			return nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		default:
			if ctx.Err() != nil {
				slog.Info("pcap capture stopped", "source", src)
				return nil
			}
			if offline {
				return fmt.Errorf("failed to read %s: %w", src, err)
			}
			slog.Debug("pcap read error", "source", src, "error", err)
			continue
		}

		c.packetsReceived.Add(1)
		captured.Inc()

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}

		if offline {
			select {
			case output <- raw:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case output <- raw:
		case <-ctx.Done():
			return nil
		default:
			c.packetsDropped.Add(1)
			metrics.CaptureDropsTotal.WithLabelValues(src, "channel").Inc()
		}
	}
}

// Stats returns capture statistics.
func (c *PcapCapturer) Stats() plugin.CaptureStats {
	s := plugin.CaptureStats{
		PacketsReceived: c.packetsReceived.Load(),
		PacketsDropped:  c.packetsDropped.Load(),
	}
	if c.handle != nil && !c.Offline() && !c.closed.Load() {
		if ps, err := c.handle.Stats(); err == nil {
			s.PacketsDropped += uint64(ps.PacketsDropped)
			s.PacketsIfDropped = uint64(ps.PacketsIfDropped)
		}
	}
	return s
}
