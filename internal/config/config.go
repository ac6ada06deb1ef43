// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/report"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `rzkeychange:` root key in YAML.
type GlobalConfig struct {
	Report  ReportConfig  `mapstructure:"report" yaml:"report"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Window  WindowConfig  `mapstructure:"window" yaml:"window"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
}

// ─── Report ───

// ReportConfig identifies this vantage point and where reports go.
// Report names are <counters>.<node>.<server>.<zone>.
type ReportConfig struct {
	Zone          string   `mapstructure:"zone" yaml:"zone"`
	Server        string   `mapstructure:"server" yaml:"server"`
	Node          string   `mapstructure:"node" yaml:"node"`
	Resolvers     []string `mapstructure:"resolvers" yaml:"resolvers"`     // empty = resolv_conf nameservers
	ResolvConf    string   `mapstructure:"resolv_conf" yaml:"resolv_conf"` // default /etc/resolv.conf
	Timeout       string   `mapstructure:"timeout" yaml:"timeout"`
	ProbeTimeout  string   `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	FireAndForget bool     `mapstructure:"fire_and_forget" yaml:"fire_and_forget"`
	MaxInFlight   int      `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	ShutdownGrace string   `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	SkipProbe     bool     `mapstructure:"skip_probe" yaml:"skip_probe"`
}

// OutputConfig selects what happens to a closed window: "rzkeychange"
// sends the report query, "console" only prints it.
type OutputConfig struct {
	Type   string `mapstructure:"type" yaml:"type"`
	Format string `mapstructure:"format" yaml:"format"` // console only: text / json
}

// ─── Window ───

// WindowConfig controls measurement windows.
type WindowConfig struct {
	Interval        string `mapstructure:"interval" yaml:"interval"`
	AddressCapacity int    `mapstructure:"address_capacity" yaml:"address_capacity"`
}

// ─── Capture ───

// CaptureConfig selects and configures the capture plugin.
type CaptureConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // pcap | afpacket
	Interface   string `mapstructure:"interface" yaml:"interface"`
	File        string `mapstructure:"file" yaml:"file"` // pcap only, offline replay
	BPFFilter   string `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	SnapLen     int    `mapstructure:"snap_len" yaml:"snap_len"`
	Promiscuous bool   `mapstructure:"promiscuous" yaml:"promiscuous"`
	BufferSize  int    `mapstructure:"buffer_size" yaml:"buffer_size"` // KiB, pcap only
	BlockSize   int    `mapstructure:"block_size" yaml:"block_size"`   // bytes, afpacket only
	NumBlocks   int    `mapstructure:"num_blocks" yaml:"num_blocks"`   // afpacket only
	Channel     int    `mapstructure:"channel" yaml:"channel"`         // pipeline channel capacity

	// IPv4 reassembly in the decoder; off by default like dnscap.
	DefragIPv4         bool   `mapstructure:"defrag_ipv4" yaml:"defrag_ipv4"`
	DefragTimeout      string `mapstructure:"defrag_timeout" yaml:"defrag_timeout"`
	DefragMaxPerSource int    `mapstructure:"defrag_max_per_source" yaml:"defrag_max_per_source"` // per 10s, 0 = unlimited
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Control ───

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"` // empty = no pid file
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// rootKey is the YAML root wrapper; env vars use the RZKEYCHANGE_ prefix.
const rootKey = "rzkeychange"

// configRoot is the top-level wrapper matching the YAML structure `rzkeychange: ...`.
type configRoot struct {
	Rzkeychange GlobalConfig `mapstructure:"rzkeychange"`
}

// Load loads configuration from path (optional) and applies overrides,
// keyed without the root prefix (e.g. "report.zone"). Precedence, highest
// first: overrides, environment, file, defaults.
func Load(path string, overrides map[string]any) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// "rzkeychange.log.level" -> RZKEYCHANGE_LOG_LEVEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for k, val := range overrides {
		v.Set(rootKey+"."+k, val)
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Rzkeychange

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the root prefix to match the YAML wrapper.
func setDefaults(v *viper.Viper) {
	d := func(key string, val any) { v.SetDefault(rootKey+"."+key, val) }

	// Report defaults; zone/server/node have no default but must be known
	// keys for environment lookup.
	d("report.zone", "")
	d("report.server", "")
	d("report.node", "")
	d("report.resolvers", []string{})
	d("report.resolv_conf", "/etc/resolv.conf")
	d("report.timeout", "500ms")
	d("report.probe_timeout", "5s")
	d("report.fire_and_forget", false)
	d("report.max_in_flight", 16)
	d("report.shutdown_grace", "0s")
	d("report.skip_probe", false)

	// Output defaults
	d("output.type", "rzkeychange")
	d("output.format", "text")

	// Window defaults
	d("window.interval", "60s")
	d("window.address_capacity", 2000000)

	// Capture defaults
	d("capture.type", "pcap")
	d("capture.interface", "")
	d("capture.file", "")
	d("capture.bpf_filter", "port 53")
	d("capture.snap_len", 65535)
	d("capture.promiscuous", true)
	d("capture.buffer_size", 4096)
	d("capture.block_size", 4*1024*1024)
	d("capture.num_blocks", 16)
	d("capture.channel", 4096)
	d("capture.defrag_ipv4", false)
	d("capture.defrag_timeout", "60s")
	d("capture.defrag_max_per_source", 0)

	// Log defaults
	d("log.level", "info")
	d("log.format", "text")
	d("log.outputs.file.enabled", false)
	d("log.outputs.file.path", "/var/log/rzkeychange/rzkeychange.log")
	d("log.outputs.file.rotation.max_size_mb", 100)
	d("log.outputs.file.rotation.max_age_days", 30)
	d("log.outputs.file.rotation.max_backups", 5)
	d("log.outputs.file.rotation.compress", true)

	// Metrics defaults
	d("metrics.enabled", false)
	d("metrics.listen", ":9153")
	d("metrics.path", "/metrics")

	// Control defaults
	d("control.pid_file", "")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Report ──
	r := &cfg.Report
	for _, f := range []struct{ key, val string }{
		{"report.zone", r.Zone}, {"report.server", r.Server}, {"report.node", r.Node},
	} {
		if f.val == "" {
			return fmt.Errorf("%w: %s is required", core.ErrConfigInvalid, f.key)
		}
	}
	r.Zone = strings.TrimSuffix(r.Zone, ".")
	if err := report.ValidateNames(r.Node, r.Server, r.Zone); err != nil {
		return fmt.Errorf("%w: report names: %v", core.ErrConfigInvalid, err)
	}
	for _, f := range []struct{ key, val string }{
		{"report.timeout", r.Timeout}, {"report.probe_timeout", r.ProbeTimeout},
	} {
		if err := positiveDuration(f.key, f.val); err != nil {
			return err
		}
	}
	if _, err := time.ParseDuration(r.ShutdownGrace); err != nil {
		return fmt.Errorf("%w: report.shutdown_grace: %v", core.ErrConfigInvalid, err)
	}
	if r.MaxInFlight <= 0 {
		r.MaxInFlight = 16
	}

	// ── Output ──
	switch cfg.Output.Type {
	case "rzkeychange":
	case "console":
		if cfg.Output.Format != "text" && cfg.Output.Format != "json" {
			return fmt.Errorf("%w: invalid output format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Output.Format)
		}
	default:
		return fmt.Errorf("%w: unsupported output.type: %s (must be rzkeychange/console)", core.ErrConfigInvalid, cfg.Output.Type)
	}

	// ── Window ──
	if err := positiveDuration("window.interval", cfg.Window.Interval); err != nil {
		return err
	}
	if iv, _ := time.ParseDuration(cfg.Window.Interval); iv < time.Second {
		return fmt.Errorf("%w: window.interval must be at least 1s", core.ErrConfigInvalid)
	}
	if cfg.Window.AddressCapacity <= 0 {
		cfg.Window.AddressCapacity = 2000000
	}

	// ── Capture ──
	c := &cfg.Capture
	switch c.Type {
	case "pcap":
		if (c.Interface == "") == (c.File == "") {
			return fmt.Errorf("%w: capture needs exactly one of interface or file", core.ErrConfigInvalid)
		}
	case "afpacket":
		if c.Interface == "" {
			return fmt.Errorf("%w: capture.interface is required for afpacket", core.ErrConfigInvalid)
		}
		if c.File != "" {
			return fmt.Errorf("%w: capture.file is only supported by pcap", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported capture.type: %s (must be pcap/afpacket)", core.ErrConfigInvalid, c.Type)
	}
	if c.Channel <= 0 {
		c.Channel = 4096
	}
	if err := positiveDuration("capture.defrag_timeout", c.DefragTimeout); err != nil {
		return err
	}
	if c.DefragMaxPerSource < 0 {
		return fmt.Errorf("%w: capture.defrag_max_per_source must not be negative", core.ErrConfigInvalid)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}

	return nil
}

func positiveDuration(key, val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrConfigInvalid, key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive", core.ErrConfigInvalid, key)
	}
	return nil
}

// Interval returns the parsed window interval. Valid after
// ValidateAndApplyDefaults.
func (cfg *GlobalConfig) Interval() time.Duration {
	d, _ := time.ParseDuration(cfg.Window.Interval)
	return d
}

// DefragTimeout returns the parsed reassembly timeout. Valid after
// ValidateAndApplyDefaults.
func (cfg *GlobalConfig) DefragTimeout() time.Duration {
	d, _ := time.ParseDuration(cfg.Capture.DefragTimeout)
	return d
}

// Live reports whether capture reads a network interface rather than a file.
func (cfg *GlobalConfig) Live() bool {
	return cfg.Capture.File == ""
}

// OutputOptions returns the options of the selected output plugin.
func (cfg *GlobalConfig) OutputOptions() map[string]any {
	r := cfg.Report
	if cfg.Output.Type == "console" {
		return map[string]any{
			"zone":             r.Zone,
			"server":           r.Server,
			"node":             r.Node,
			"format":           cfg.Output.Format,
			"address_capacity": cfg.Window.AddressCapacity,
		}
	}
	return map[string]any{
		"zone":             r.Zone,
		"server":           r.Server,
		"node":             r.Node,
		"resolvers":        r.Resolvers,
		"resolv_conf":      r.ResolvConf,
		"timeout":          r.Timeout,
		"probe_timeout":    r.ProbeTimeout,
		"fire_and_forget":  r.FireAndForget,
		"max_in_flight":    r.MaxInFlight,
		"shutdown_grace":   r.ShutdownGrace,
		"skip_probe":       r.SkipProbe,
		"address_capacity": cfg.Window.AddressCapacity,
	}
}

// nonFirstFragment matches IPv4 fragments past offset zero, which carry
// no ports and would otherwise fail a port filter.
const nonFirstFragment = "(ip[6:2] & 0x1fff != 0)"

// CaptureOptions returns the options of the selected capture plugin.
func (cfg *GlobalConfig) CaptureOptions() map[string]any {
	c := cfg.Capture
	filter := c.BPFFilter
	if c.DefragIPv4 && filter != "" {
		filter = "(" + filter + ") or " + nonFirstFragment
	}
	opts := map[string]any{
		"interface":   c.Interface,
		"bpf_filter":  filter,
		"snap_len":    c.SnapLen,
		"promiscuous": c.Promiscuous,
	}
	switch c.Type {
	case "afpacket":
		opts["block_size"] = c.BlockSize
		opts["num_blocks"] = c.NumBlocks
	default:
		opts["file"] = c.File
		opts["buffer_size"] = c.BufferSize
	}
	return opts
}
