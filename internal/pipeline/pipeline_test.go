package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/pkg/plugin"
)

// MockCapturer replays packets and then returns err, or blocks until ctx
// is cancelled when hold is set.
type MockCapturer struct {
	packets []core.RawPacket
	hold    bool
	err     error
}

func (m *MockCapturer) Name() string                    { return "mock" }
func (m *MockCapturer) Init(cfg map[string]any) error   { return nil }
func (m *MockCapturer) Start(ctx context.Context) error { return nil }
func (m *MockCapturer) Stop(ctx context.Context) error  { return nil }
func (m *MockCapturer) LinkType() layers.LinkType       { return layers.LinkTypeEthernet }
func (m *MockCapturer) Stats() plugin.CaptureStats      { return plugin.CaptureStats{} }

func (m *MockCapturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	for _, p := range m.packets {
		select {
		case output <- p:
		case <-ctx.Done():
			return nil
		}
	}
	if m.hold {
		<-ctx.Done()
	}
	return m.err
}

// MockDecoder treats the first payload byte as a failure marker.
type MockDecoder struct{}

func (MockDecoder) Decode(raw core.RawPacket) (core.Message, error) {
	if len(raw.Data) > 0 && raw.Data[0] == 0xff {
		return core.Message{}, core.ErrNotDNS
	}
	return core.Message{Timestamp: raw.Timestamp, Transport: core.TransportUDP, Payload: raw.Data}, nil
}

type event struct {
	kind string
	ts   time.Time
	n    int
}

// MockOutput records the window lifecycle.
type MockOutput struct {
	mu       sync.Mutex
	events   []event
	observed int
	closeErr error
}

func (m *MockOutput) Name() string                    { return "mock" }
func (m *MockOutput) Init(cfg map[string]any) error   { return nil }
func (m *MockOutput) Start(ctx context.Context) error { return nil }
func (m *MockOutput) Stop(ctx context.Context) error  { return nil }

func (m *MockOutput) Open(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = 0
	m.events = append(m.events, event{kind: "open", ts: ts})
}

func (m *MockOutput) Observe(msg *core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed++
}

func (m *MockOutput) Close(ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event{kind: "close", ts: ts, n: m.observed})
	return m.closeErr
}

func (m *MockOutput) Events() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event(nil), m.events...)
}

var base = time.Unix(1700000000, 0)

func at(sec int) core.RawPacket {
	return core.RawPacket{Data: []byte{0}, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func TestRunPacketTimeWindows(t *testing.T) {
	out := &MockOutput{}
	p := NewBuilder().
		WithCapturer(&MockCapturer{packets: []core.RawPacket{at(0), at(10), at(59), at(60), at(61), at(200)}}).
		WithDecoder(MockDecoder{}).
		WithOutput(out).
		WithInterval(time.Minute).
		Build()

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []event{
		{kind: "open", ts: base},
		{kind: "close", ts: base.Add(60 * time.Second), n: 3},
		{kind: "open", ts: base.Add(60 * time.Second)},
		{kind: "close", ts: base.Add(120 * time.Second), n: 2},
		{kind: "open", ts: base.Add(180 * time.Second)},
		{kind: "close", ts: base.Add(200 * time.Second), n: 1},
	}, out.Events())

	stats := p.Stats()
	assert.Equal(t, uint64(6), stats.Received)
	assert.Equal(t, uint64(6), stats.Decoded)
	assert.Equal(t, uint64(3), stats.Windows)
}

func TestRunDecodeErrorsAdvanceTime(t *testing.T) {
	bad := at(90)
	bad.Data = []byte{0xff}

	out := &MockOutput{}
	p := New(Config{
		Capturer: &MockCapturer{packets: []core.RawPacket{at(0), bad}},
		Decoder:  MockDecoder{},
		Output:   out,
		Interval: time.Minute,
	})
	require.NoError(t, p.Run(context.Background()))

	events := out.Events()
	require.Len(t, events, 4)
	assert.Equal(t, 1, events[1].n)
	assert.Equal(t, base.Add(60*time.Second), events[2].ts)
	assert.Equal(t, 0, events[3].n)
	assert.Equal(t, uint64(1), p.Stats().DecodeErrors)
}

func TestRunNoPackets(t *testing.T) {
	out := &MockOutput{}
	p := New(Config{Capturer: &MockCapturer{}, Decoder: MockDecoder{}, Output: out})
	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, out.Events())
}

func TestRunCaptureError(t *testing.T) {
	boom := errors.New("boom")
	out := &MockOutput{}
	p := New(Config{Capturer: &MockCapturer{packets: []core.RawPacket{at(0)}, err: boom}, Decoder: MockDecoder{}, Output: out})

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	// the open window is still closed and reported
	events := out.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "close", events[1].kind)
}

func TestRunCloseErrorIsCounted(t *testing.T) {
	out := &MockOutput{closeErr: core.ErrEmitterBusy}
	p := New(Config{Capturer: &MockCapturer{packets: []core.RawPacket{at(0), at(61)}}, Decoder: MockDecoder{}, Output: out, Interval: time.Minute})
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, uint64(2), p.Stats().CloseErrors)
}

func TestRunWallClock(t *testing.T) {
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	out := &MockOutput{}
	p := New(Config{
		Capturer:  &MockCapturer{hold: true},
		Decoder:   MockDecoder{},
		Output:    out,
		Interval:  20 * time.Millisecond,
		WallClock: true,
		Now:       clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.Events()) >= 1 }, 2*time.Second, time.Millisecond)
	mu.Lock()
	now = base.Add(50 * time.Millisecond)
	mu.Unlock()

	require.Eventually(t, func() bool { return len(out.Events()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := out.Events()
	assert.Equal(t, event{kind: "open", ts: base}, events[0])
	assert.Equal(t, event{kind: "close", ts: base.Add(20 * time.Millisecond)}, events[1])
	assert.Equal(t, event{kind: "open", ts: base.Add(40 * time.Millisecond)}, events[2])
	assert.Equal(t, "close", events[len(events)-1].kind)
}

func TestRunRequiresPlugins(t *testing.T) {
	assert.Error(t, New(Config{}).Run(context.Background()))
}

func TestMetricsReset(t *testing.T) {
	var m Metrics
	m.Received.Add(3)
	m.Windows.Add(1)
	m.Reset()
	assert.Equal(t, Stats{}, m.snapshot())
}
