package decoder

import (
	"container/list"
	"fmt"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/rzkeychange/internal/core"
	"firestige.xyz/rzkeychange/internal/metrics"
)

// Limits from RFC 791 applied to every fragment.
const (
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183 // in 8-byte units
	ipv4MaxFragListLen = 8192
)

// ReassemblyConfig configures IPv4 fragment reassembly.
type ReassemblyConfig struct {
	// MaxFragments per datagram; <= 0 selects 100.
	MaxFragments int
	// MaxReassembleSize bounds the rebuilt payload; <= 0 selects 65535.
	MaxReassembleSize int
	// Timeout after which an incomplete datagram is dropped; <= 0 selects 60s.
	Timeout time.Duration
	// MaxFragsPerSource per RateLimitWindow; 0 disables the limit.
	MaxFragsPerSource int
	// RateLimitWindow; <= 0 selects 10s.
	RateLimitWindow time.Duration
}

// fragmentKey identifies a fragmented IPv4 datagram.
type fragmentKey struct {
	src, dst [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset  uint16 // bytes
	length  uint16
	payload []byte
}

// fragmentList keeps fragments sorted by offset. On overlap the data that
// arrived first wins and the newcomer is trimmed (BSD-Right).
type fragmentList struct {
	list          list.List
	highest       uint16 // max(offset + length)
	current       uint16 // unique bytes held
	finalReceived bool
	lastSeen      time.Time
}

// Reassembler rebuilds IPv4 datagrams from their fragments. Time is taken
// from packet timestamps so offline replays expire flows the same way a
// live capture does. It is not safe for concurrent use; the decoder owns it.
type Reassembler struct {
	flows       map[fragmentKey]*fragmentList
	config      ReassemblyConfig
	rateLimiter *FragmentRateLimiter // nil when disabled
	lastSweep   time.Time
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxReassembleSize <= 0 {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Reassembler{
		flows:  make(map[fragmentKey]*fragmentList),
		config: cfg,
		rateLimiter: NewFragmentRateLimiter(FragmentRateLimiterConfig{
			MaxFragsPerSource: cfg.MaxFragsPerSource,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
	}
}

// Process adds the fragment carried by ip. It returns the transport
// payload once the datagram is complete, nil while more fragments are
// needed, and an error wrapping core.ErrFragmented when the fragment is
// rejected. The returned slice does not alias ip.Payload.
func (r *Reassembler) Process(ip *layers.IPv4, ts time.Time) ([]byte, error) {
	r.expire(ts)

	fragLen := len(ip.Payload)
	if err := securityChecks(fragLen, ip.FragOffset); err != nil {
		return nil, err
	}

	var key fragmentKey
	copy(key.src[:], ip.SrcIP.To4())
	copy(key.dst[:], ip.DstIP.To4())
	key.protocol = uint8(ip.Protocol)
	key.id = ip.Id

	if r.rateLimiter != nil && !r.rateLimiter.Allow(key.src, ts) {
		return nil, fmt.Errorf("%w: rate limit exceeded for %d.%d.%d.%d",
			core.ErrFragmented, key.src[0], key.src[1], key.src[2], key.src[3])
	}

	fl, ok := r.flows[key]
	if !ok {
		fl = &fragmentList{}
		r.flows[key] = fl
		metrics.ReassemblyActiveFlows.Inc()
	}

	if fl.list.Len() >= ipv4MaxFragListLen || fl.list.Len() >= r.config.MaxFragments {
		r.evict(key)
		return nil, fmt.Errorf("%w: more than %d fragments", core.ErrFragmented, fl.list.Len())
	}
	fl.lastSeen = ts

	offset := ip.FragOffset * 8
	length := uint16(fragLen)
	if ip.Flags&layers.IPv4MoreFragments == 0 {
		fl.finalReceived = true
		if offset+length > fl.highest {
			fl.highest = offset + length
		}
	}

	// The capture source may reuse its buffer.
	payload := make([]byte, fragLen)
	copy(payload, ip.Payload)
	fl.insert(&fragment{offset: offset, length: length, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest {
		return nil, nil
	}
	r.evict(key)
	return r.build(fl)
}

func securityChecks(size int, fragOffset uint16) error {
	if size < ipv4MinFragSize {
		return fmt.Errorf("%w: empty fragment", core.ErrFragmented)
	}
	if fragOffset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: offset %d too large", core.ErrFragmented, fragOffset)
	}
	if end := int(fragOffset)*8 + size; end > ipv4MaxSize {
		return fmt.Errorf("%w: fragment ends at %d", core.ErrFragmented, end)
	}
	return nil
}

// insert places frag by offset, trimming whatever overlaps fragments
// already held.
func (fl *fragmentList) insert(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	var next *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			next = e
			break
		}
	}

	start := frag.offset
	var prev *list.Element
	if next != nil {
		prev = next.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > start {
			start = end
		}
	}

	end := fragEnd
	if next != nil {
		if n := next.Value.(*fragment); n.offset < end {
			end = n.offset
		}
	}
	if start >= end {
		return
	}

	trimmed := &fragment{
		offset:  start,
		length:  end - start,
		payload: frag.payload[start-frag.offset : end-frag.offset],
	}
	if next != nil {
		fl.list.InsertBefore(trimmed, next)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

func (r *Reassembler) build(fl *fragmentList) ([]byte, error) {
	size := int(fl.highest)
	if size > r.config.MaxReassembleSize {
		return nil, fmt.Errorf("%w: reassembled size %d exceeds %d",
			core.ErrFragmented, size, r.config.MaxReassembleSize)
	}
	out := make([]byte, size)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		if int(f.offset) >= size {
			break
		}
		copy(out[f.offset:], f.payload)
	}
	return out, nil
}

func (r *Reassembler) evict(key fragmentKey) {
	if _, ok := r.flows[key]; ok {
		delete(r.flows, key)
		metrics.ReassemblyActiveFlows.Dec()
	}
}

// expire drops incomplete datagrams idle for longer than the timeout. The
// map is swept at most every tenth of the timeout.
func (r *Reassembler) expire(now time.Time) {
	if now.Sub(r.lastSweep) < r.config.Timeout/10 {
		return
	}
	r.lastSweep = now
	for key, fl := range r.flows {
		if now.Sub(fl.lastSeen) > r.config.Timeout {
			r.evict(key)
		}
	}
}
