// Package counter classifies DNS responses and accumulates the per-window
// counters reported by rzkeychange.
package counter

import (
	"time"

	"github.com/miekg/dns"

	"firestige.xyz/rzkeychange/internal/addrset"
	"firestige.xyz/rzkeychange/internal/core"
)

// Snapshot is an immutable copy of the counters of one window.
type Snapshot struct {
	WindowStart        time.Time
	WindowEnd          time.Time
	Total              uint64
	DNSKEYQueries      uint64
	TCPMessages        uint64
	TruncatedResponses uint64
	DistinctSources    uint64
	Saturated          bool

	// Malformed payloads that did not parse as DNS and sources refused by
	// a saturated address set. Neither is part of the report name.
	Malformed      uint64
	DroppedSources uint64
}

// Aggregator accumulates counters for one measurement window. It owns the
// address set of distinct sources. Not safe for concurrent use.
type Aggregator struct {
	total     uint64
	tcBit     uint64
	tcp       uint64
	dnskey    uint64
	malformed uint64
	sources   *addrset.Set
}

// New returns an empty aggregator whose address set holds at most
// capacity endpoints (<= 0 selects addrset.DefaultCapacity).
func New(capacity int) *Aggregator {
	return &Aggregator{sources: addrset.New(capacity)}
}

// Record parses raw as a DNS message and classifies it. Malformed payloads
// are counted as malformed and otherwise ignored.
func (a *Aggregator) Record(raw []byte, proto core.Transport, src core.Endpoint) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		a.malformed++
		return
	}
	a.RecordMessage(msg, proto, src)
}

// RecordMessage classifies an already parsed message. Queries (QR clear)
// are ignored: only responses are counted.
func (a *Aggregator) RecordMessage(msg *dns.Msg, proto core.Transport, src core.Endpoint) {
	if msg == nil || !msg.Response {
		return
	}
	a.total++
	a.sources.InsertIfAbsent(src)

	switch proto {
	case core.TransportUDP:
		if msg.Truncated {
			a.tcBit++
		}
	case core.TransportTCP:
		a.tcp++
	}

	if isDNSKEYQuery(msg) {
		a.dnskey++
	}
}

func isDNSKEYQuery(msg *dns.Msg) bool {
	if msg.Opcode != dns.OpcodeQuery || len(msg.Question) != 1 {
		return false
	}
	q := msg.Question[0]
	return q.Qclass == dns.ClassINET && q.Qtype == dns.TypeDNSKEY
}

// Snapshot copies the current counters. The aggregator is left untouched.
func (a *Aggregator) Snapshot(start, end time.Time) Snapshot {
	return Snapshot{
		WindowStart:        start,
		WindowEnd:          end,
		Total:              a.total,
		DNSKEYQueries:      a.dnskey,
		TCPMessages:        a.tcp,
		TruncatedResponses: a.tcBit,
		DistinctSources:    uint64(a.sources.Size()),
		Saturated:          a.sources.Saturated(),
		Malformed:          a.malformed,
		DroppedSources:     a.sources.Dropped(),
	}
}
