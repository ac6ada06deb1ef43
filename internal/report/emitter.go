// Package report delivers window snapshots to a collector zone by
// encoding them in the name of a DNS TXT query.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
)

// Defaults.
const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultProbeTimeout = 5 * time.Second
	DefaultResolvConf   = "/etc/resolv.conf"
)

// Config configures an Emitter.
type Config struct {
	Zone   string
	Server string
	Node   string

	// Resolvers are host or host:port; empty loads ResolvConf.
	Resolvers  []string
	ResolvConf string

	Timeout       time.Duration
	ProbeTimeout  time.Duration
	FireAndForget bool
}

// Emitter sends report queries to a list of recursive resolvers.
// It is safe for concurrent use.
type Emitter struct {
	zone, server, node string
	resolvers          []string
	fireAndForget      bool

	client      *dns.Client
	probeClient *dns.Client
}

// NewEmitter validates cfg and resolves the resolver list.
func NewEmitter(cfg Config) (*Emitter, error) {
	resolvers, err := resolverAddrs(cfg.Resolvers, cfg.ResolvConf)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Emitter{
		zone:          cfg.Zone,
		server:        cfg.Server,
		node:          cfg.Node,
		resolvers:     resolvers,
		fireAndForget: cfg.FireAndForget,
		client:        &dns.Client{Net: "udp", Timeout: timeout},
		probeClient:   &dns.Client{Net: "udp", Timeout: probeTimeout},
	}, nil
}

// resolverAddrs normalises configured resolvers to host:port, falling back
// to the nameservers of a resolv.conf file.
func resolverAddrs(configured []string, resolvConf string) ([]string, error) {
	if len(configured) == 0 {
		if resolvConf == "" {
			resolvConf = DefaultResolvConf
		}
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", core.ErrNoResolvers, resolvConf, err)
		}
		for _, s := range cc.Servers {
			configured = append(configured, net.JoinHostPort(s, cc.Port))
		}
		if len(configured) == 0 {
			return nil, fmt.Errorf("%w: no nameserver in %s", core.ErrNoResolvers, resolvConf)
		}
		return configured, nil
	}

	addrs := make([]string, 0, len(configured))
	for _, r := range configured {
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, "53")
		}
		addrs = append(addrs, r)
	}
	return addrs, nil
}

// Resolvers returns the resolver addresses in the order they are tried.
func (e *Emitter) Resolvers() []string { return e.resolvers }

func txtQuery(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true
	return m
}

// Emit sends one TXT query for name. Resolvers are tried in order until one
// answers; the answer itself is discarded. In fire-and-forget mode the query
// goes to the first resolver that accepts the write and no reply is read.
func (e *Emitter) Emit(ctx context.Context, name string) error {
	m := txtQuery(name)
	if e.fireAndForget {
		return e.send(m)
	}

	var errs []error
	for _, addr := range e.resolvers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, rtt, err := e.client.ExchangeContext(ctx, m, addr)
		if err == nil {
			slog.Debug("report sent", "name", name, "resolver", addr, "rtt", rtt)
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return fmt.Errorf("emit %s: %w", name, errors.Join(errs...))
}

// send writes m over UDP to the first resolver that accepts it, without
// reading a reply. Later resolvers are only tried when dialing or writing
// fails.
func (e *Emitter) send(m *dns.Msg) error {
	var errs []error
	for _, addr := range e.resolvers {
		conn, err := e.client.Dial(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(e.client.Timeout))
		err = conn.WriteMsg(m)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Probe checks that zone is reachable: a TXT query for the zone must be
// answered with NOERROR. It uses the longer probe timeout.
func (e *Emitter) Probe(ctx context.Context, zone string) error {
	m := txtQuery(zone)

	var lastErr error
	for _, addr := range e.resolvers {
		resp, _, err := e.probeClient.ExchangeContext(ctx, m, addr)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", addr, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return fmt.Errorf("%w: %s: rcode %s from %s",
				core.ErrZoneProbe, zone, dns.RcodeToString[resp.Rcode], addr)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: no response: %w", core.ErrZoneProbe, zone, lastErr)
}

// Announce sends the legend query describing the report name layout.
func (e *Emitter) Announce(ctx context.Context) error {
	return e.Emit(ctx, LegendName(e.node, e.server, e.zone))
}

// Name formats the report name of snap for this emitter's node, server and zone.
func (e *Emitter) Name(snap counter.Snapshot) string {
	return FormatName(snap, e.node, e.server, e.zone)
}
