package report

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/counter"
	"firestige.xyz/rzkeychange/internal/detach"
)

// startServer runs a local UDP DNS server answering with rcode and
// forwarding every received question to the returned channel.
func startServer(t *testing.T, rcode int) (string, <-chan *dns.Msg) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	got := make(chan *dns.Msg, 16)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			got <- req
			resp := new(dns.Msg)
			resp.SetRcode(req, rcode)
			_ = w.WriteMsg(resp)
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), got
}

// silentResolver returns a UDP address that swallows queries.
func silentResolver(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().String()
}

func receive(t *testing.T, ch <-chan *dns.Msg) *dns.Msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no query received")
		return nil
	}
}

func snapshot() counter.Snapshot {
	return counter.Snapshot{
		WindowStart:        time.Unix(1700000000, 0),
		WindowEnd:          time.Unix(1700000060, 0),
		Total:              10,
		DNSKEYQueries:      2,
		TCPMessages:        3,
		TruncatedResponses: 1,
		DistinctSources:    7,
	}
}

func TestFormatName(t *testing.T) {
	tests := []struct {
		name string
		snap counter.Snapshot
		zone string
		want string
	}{
		{"counts", snapshot(), "rzkc.example.net",
			"1700000000-10-2-3-1.lax.a-root.rzkc.example.net."},
		{"fqdn zone", snapshot(), "rzkc.example.net.",
			"1700000000-10-2-3-1.lax.a-root.rzkc.example.net."},
		{"empty window", counter.Snapshot{WindowStart: time.Unix(1700000000, 0)}, "z",
			"1700000000-0-0-0-0.lax.a-root.z."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatName(tt.snap, "lax", "a-root", tt.zone)
			assert.Equal(t, tt.want, got)
			_, ok := dns.IsDomainName(got)
			assert.True(t, ok)
		})
	}
}

func TestLegendName(t *testing.T) {
	assert.Equal(t, "timestamp-total-dnskey-tcp-tc.lax.a-root.rzkc.example.net.",
		LegendName("lax", "a-root", "rzkc.example.net"))
}

func TestValidateNames(t *testing.T) {
	assert.NoError(t, ValidateNames("lax", "a-root", "rzkc.example.net"))
	assert.Error(t, ValidateNames("a..b", "a-root", "rzkc.example.net"))
	assert.Error(t, ValidateNames(strings.Repeat("n", 64), "a-root", "rzkc.example.net"))

	// short enough for the legend, too long once a report label is added
	long := strings.Repeat("a", 63) + "." + strings.Repeat("b", 63) + "." + strings.Repeat("c", 63)
	_, ok := dns.IsDomainName(LegendName("n", "s", long))
	require.True(t, ok)
	assert.Error(t, ValidateNames("n", "s", long))
}

func TestResolverAddrs(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		got, err := resolverAddrs([]string{"192.0.2.1", "192.0.2.2:5353", "2001:db8::1", "[2001:db8::2]:5300"}, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.1:53", "192.0.2.2:5353", "[2001:db8::1]:53", "[2001:db8::2]:5300"}, got)
	})

	t.Run("resolv.conf", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "resolv.conf")
		require.NoError(t, os.WriteFile(path, []byte("search example.net\nnameserver 127.0.0.1\nnameserver ::1\n"), 0o644))
		got, err := resolverAddrs(nil, path)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1:53", "[::1]:53"}, got)
	})

	t.Run("no nameservers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "resolv.conf")
		require.NoError(t, os.WriteFile(path, []byte("search example.net\n"), 0o644))
		_, err := resolverAddrs(nil, path)
		assert.ErrorIs(t, err, core.ErrNoResolvers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := resolverAddrs(nil, filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, core.ErrNoResolvers)
	})
}

func newEmitter(t *testing.T, resolvers []string, ff bool) *Emitter {
	t.Helper()
	e, err := NewEmitter(Config{
		Zone:          "rzkc.example.net",
		Server:        "a-root",
		Node:          "lax",
		Resolvers:     resolvers,
		Timeout:       200 * time.Millisecond,
		ProbeTimeout:  300 * time.Millisecond,
		FireAndForget: ff,
	})
	require.NoError(t, err)
	return e
}

func TestEmit(t *testing.T) {
	addr, got := startServer(t, dns.RcodeNameError)
	e := newEmitter(t, []string{addr}, false)

	name := e.Name(snapshot())
	require.NoError(t, e.Emit(context.Background(), name))

	q := receive(t, got)
	require.Len(t, q.Question, 1)
	assert.Equal(t, "1700000000-10-2-3-1.lax.a-root.rzkc.example.net.", q.Question[0].Name)
	assert.Equal(t, dns.TypeTXT, q.Question[0].Qtype)
	assert.Equal(t, uint16(dns.ClassINET), q.Question[0].Qclass)
	assert.True(t, q.RecursionDesired)
}

func TestEmitFallsBackToNextResolver(t *testing.T) {
	addr, got := startServer(t, dns.RcodeSuccess)
	e := newEmitter(t, []string{silentResolver(t), addr}, false)

	require.NoError(t, e.Emit(context.Background(), "x.lax.a-root.rzkc.example.net."))
	assert.Equal(t, "x.lax.a-root.rzkc.example.net.", receive(t, got).Question[0].Name)
}

func TestEmitNoResponse(t *testing.T) {
	e := newEmitter(t, []string{silentResolver(t)}, false)

	start := time.Now()
	err := e.Emit(context.Background(), "x.lax.a-root.rzkc.example.net.")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEmitFireAndForget(t *testing.T) {
	addr, got := startServer(t, dns.RcodeSuccess)
	e := newEmitter(t, []string{addr}, true)

	require.NoError(t, e.Emit(context.Background(), "ff.lax.a-root.rzkc.example.net."))
	assert.Equal(t, "ff.lax.a-root.rzkc.example.net.", receive(t, got).Question[0].Name)
}

func TestEmitFireAndForgetStopsAtFirstWrite(t *testing.T) {
	first, gotFirst := startServer(t, dns.RcodeSuccess)
	second, gotSecond := startServer(t, dns.RcodeSuccess)
	e := newEmitter(t, []string{first, second}, true)

	require.NoError(t, e.Emit(context.Background(), "ff.lax.a-root.rzkc.example.net."))
	assert.Equal(t, "ff.lax.a-root.rzkc.example.net.", receive(t, gotFirst).Question[0].Name)

	select {
	case q := <-gotSecond:
		t.Fatalf("second resolver received %s", q.Question[0].Name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProbe(t *testing.T) {
	t.Run("noerror", func(t *testing.T) {
		addr, got := startServer(t, dns.RcodeSuccess)
		e := newEmitter(t, []string{addr}, false)
		require.NoError(t, e.Probe(context.Background(), "rzkc.example.net"))
		q := receive(t, got)
		assert.Equal(t, "rzkc.example.net.", q.Question[0].Name)
		assert.Equal(t, dns.TypeTXT, q.Question[0].Qtype)
	})

	t.Run("nxdomain", func(t *testing.T) {
		addr, _ := startServer(t, dns.RcodeNameError)
		e := newEmitter(t, []string{addr}, false)
		err := e.Probe(context.Background(), "rzkc.example.net")
		assert.ErrorIs(t, err, core.ErrZoneProbe)
		assert.Contains(t, err.Error(), "NXDOMAIN")
		assert.Contains(t, err.Error(), "rzkc.example.net")
	})

	t.Run("no response", func(t *testing.T) {
		e := newEmitter(t, []string{silentResolver(t)}, false)
		err := e.Probe(context.Background(), "rzkc.example.net")
		assert.ErrorIs(t, err, core.ErrZoneProbe)
	})
}

func TestAnnounce(t *testing.T) {
	addr, got := startServer(t, dns.RcodeSuccess)
	e := newEmitter(t, []string{addr}, false)

	require.NoError(t, e.Announce(context.Background()))
	assert.Equal(t, "timestamp-total-dnskey-tcp-tc.lax.a-root.rzkc.example.net.", receive(t, got).Question[0].Name)
}

type mockSender struct {
	mock.Mock
	wg sync.WaitGroup
}

func (m *mockSender) Emit(ctx context.Context, name string) error {
	defer m.wg.Done()
	return m.Called(name).Error(0)
}

func (m *mockSender) Name(snap counter.Snapshot) string {
	return FormatName(snap, "lax", "a-root", "rzkc.example.net")
}

func TestReporterSubmit(t *testing.T) {
	sender := &mockSender{}
	sender.On("Emit", "1700000000-10-2-3-1.lax.a-root.rzkc.example.net.").Return(nil).Once()
	sender.wg.Add(1)

	r := NewReporter(sender, detach.New(detach.Config{}))
	require.NoError(t, r.Submit(snapshot()))

	sender.wg.Wait()
	sender.AssertExpectations(t)
}

func TestReporterSubmitBusy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	iso := detach.New(detach.Config{MaxInFlight: 1})
	require.NoError(t, iso.Go(func(context.Context) { <-release }))

	r := NewReporter(&mockSender{}, iso)
	err := r.Submit(snapshot())
	assert.ErrorIs(t, err, core.ErrEmitterBusy)
	assert.ErrorIs(t, err, detach.ErrBusy)
}

func TestReporterSubmitDoesNotWait(t *testing.T) {
	e := newEmitter(t, []string{silentResolver(t)}, false)
	r := NewReporter(e, detach.New(detach.Config{}))

	start := time.Now()
	require.NoError(t, r.Submit(snapshot()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
