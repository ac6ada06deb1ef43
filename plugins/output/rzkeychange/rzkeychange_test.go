package rzkeychange

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
	"firestige.xyz/rzkeychange/internal/metrics"
	"firestige.xyz/rzkeychange/internal/window"
)

func startServer(t *testing.T, rcode int) (string, <-chan string) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	names := make(chan string, 16)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			names <- req.Question[0].Name
			resp := new(dns.Msg)
			resp.SetRcode(req, rcode)
			_ = w.WriteMsg(resp)
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), names
}

func next(t *testing.T, names <-chan string) string {
	t.Helper()
	select {
	case n := <-names:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no query received")
		return ""
	}
}

func options(resolver string) map[string]any {
	return map[string]any{
		"zone":          "rzkc.example.net",
		"server":        "a-root",
		"node":          "lax",
		"resolvers":     []string{resolver},
		"timeout":       "300ms",
		"probe_timeout": "500ms",
	}
}

func response(t *testing.T, src string, qtype uint16, proto core.Transport, tc bool) *core.Message {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(".", qtype)
	r := new(dns.Msg)
	r.SetReply(q)
	r.Truncated = tc
	raw, err := r.Pack()
	require.NoError(t, err)
	return &core.Message{Src: core.MustParseEndpoint(src), Transport: proto, Payload: raw}
}

// longZone leaves room for the legend label but not for a full report label.
var longZone = strings.Repeat("a", 63) + "." + strings.Repeat("b", 63) + "." + strings.Repeat("c", 63)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"ok", Options{Zone: "z.example", Server: "s", Node: "n"}, false},
		{"missing zone", Options{Server: "s", Node: "n"}, true},
		{"missing server", Options{Zone: "z", Node: "n"}, true},
		{"missing node", Options{Zone: "z", Server: "s"}, true},
		{"long label", Options{Zone: "z", Server: "s", Node: string(make([]byte, 70))}, true},
		{"no room for report label", Options{Zone: longZone, Server: "s", Node: "n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitRejectsBadOptions(t *testing.T) {
	o := New()
	assert.ErrorIs(t, o.Init(map[string]any{"zone": "z"}), core.ErrConfigInvalid)
	assert.ErrorIs(t, o.Init(map[string]any{"zone": "z", "server": "s", "node": "n", "bogus": 1}), core.ErrConfigInvalid)
}

func TestStartProbeAndAnnounce(t *testing.T) {
	addr, names := startServer(t, dns.RcodeSuccess)
	o := New()
	require.NoError(t, o.Init(options(addr)))
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, "rzkc.example.net.", next(t, names))
	assert.Equal(t, "timestamp-total-dnskey-tcp-tc.lax.a-root.rzkc.example.net.", next(t, names))
}

func TestStartProbeFails(t *testing.T) {
	addr, _ := startServer(t, dns.RcodeRefused)
	o := New()
	require.NoError(t, o.Init(options(addr)))

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrZoneProbe)
	assert.Contains(t, err.Error(), "REFUSED")
}

func TestSkipProbe(t *testing.T) {
	addr, names := startServer(t, dns.RcodeRefused)
	opts := options(addr)
	opts["skip_probe"] = true

	o := New()
	require.NoError(t, o.Init(opts))
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, "timestamp-total-dnskey-tcp-tc.lax.a-root.rzkc.example.net.", next(t, names))
}

func TestWindowReport(t *testing.T) {
	addr, names := startServer(t, dns.RcodeNameError)
	opts := options(addr)
	opts["skip_probe"] = true
	opts["shutdown_grace"] = "2s"

	o := New()
	require.NoError(t, o.Init(opts))
	require.NoError(t, o.Start(context.Background()))
	next(t, names) // legend

	start := time.Unix(1700000000, 0)
	o.Open(start)
	o.Observe(response(t, "192.0.2.1", dns.TypeDNSKEY, core.TransportUDP, false))
	o.Observe(response(t, "192.0.2.1", dns.TypeA, core.TransportUDP, true))
	o.Observe(response(t, "2001:db8::1", dns.TypeDNSKEY, core.TransportTCP, false))
	require.NoError(t, o.Close(start.Add(time.Minute)))

	assert.Equal(t, "1700000000-3-2-1-1.lax.a-root.rzkc.example.net.", next(t, names))
	require.NoError(t, o.Stop(context.Background()))
}

func TestMetricsSinkExportsWindowCounters(t *testing.T) {
	var forwarded []counter.Snapshot
	sink := &metricsSink{next: window.SinkFunc(func(s counter.Snapshot) error {
		forwarded = append(forwarded, s)
		return nil
	})}

	malformed := testutil.ToFloat64(metrics.MalformedMessagesTotal)
	dropped := testutil.ToFloat64(metrics.SourcesDroppedTotal)
	saturated := testutil.ToFloat64(metrics.WindowSaturatedTotal)

	snap := counter.Snapshot{
		WindowStart:     time.Unix(1700000000, 0),
		Total:           5,
		DistinctSources: 2,
		Saturated:       true,
		Malformed:       2,
		DroppedSources:  3,
	}
	require.NoError(t, sink.Submit(snap))

	assert.Equal(t, malformed+2, testutil.ToFloat64(metrics.MalformedMessagesTotal))
	assert.Equal(t, dropped+3, testutil.ToFloat64(metrics.SourcesDroppedTotal))
	assert.Equal(t, saturated+1, testutil.ToFloat64(metrics.WindowSaturatedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.WindowDistinctSources))
	assert.Equal(t, []counter.Snapshot{snap}, forwarded)
}

func TestCloseWithoutOpen(t *testing.T) {
	addr, _ := startServer(t, dns.RcodeSuccess)
	o := New()
	require.NoError(t, o.Init(options(addr)))
	assert.ErrorIs(t, o.Close(time.Now()), core.ErrWindowNotOpen)
}
