package core

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
)

// Family is the address family of an Endpoint.
type Family uint8

// Family values are ordered: IPv4 sorts before IPv6.
const (
	FamilyNone Family = iota
	FamilyIPv4
	FamilyIPv6
)

// String implements fmt.Stringer.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "none"
	}
}

// width returns the number of significant address bytes for the family.
func (f Family) width() int {
	switch f {
	case FamilyIPv4:
		return net.IPv4len
	case FamilyIPv6:
		return net.IPv6len
	default:
		return 0
	}
}

// Endpoint is a network address identifying the source of a message.
// Ports and zones are not part of its identity. The zero value is an
// invalid endpoint of FamilyNone.
type Endpoint struct {
	family Family
	addr   [16]byte
}

// EndpointFromAddr converts a netip.Addr. IPv4-mapped IPv6 addresses
// become IPv4 endpoints.
func EndpointFromAddr(a netip.Addr) Endpoint {
	a = a.Unmap()
	switch {
	case a.Is4():
		e := Endpoint{family: FamilyIPv4}
		v4 := a.As4()
		copy(e.addr[:], v4[:])
		return e
	case a.Is6():
		return Endpoint{family: FamilyIPv6, addr: a.As16()}
	default:
		return Endpoint{}
	}
}

// EndpointFromIP converts a net.IP as produced by gopacket layers.
func EndpointFromIP(ip net.IP) Endpoint {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Endpoint{}
	}
	return EndpointFromAddr(a)
}

// MustParseEndpoint parses s and panics on failure. Intended for tests and
// constants.
func MustParseEndpoint(s string) Endpoint {
	return EndpointFromAddr(netip.MustParseAddr(s))
}

// Family returns the address family.
func (e Endpoint) Family() Family { return e.family }

// IsValid reports whether e holds an IPv4 or IPv6 address.
func (e Endpoint) IsValid() bool { return e.family != FamilyNone }

// Bytes returns the significant address bytes: 4 for IPv4, 16 for IPv6.
func (e Endpoint) Bytes() []byte {
	return e.addr[:e.family.width()]
}

// Addr converts e back to a netip.Addr.
func (e Endpoint) Addr() netip.Addr {
	switch e.family {
	case FamilyIPv4:
		return netip.AddrFrom4([4]byte(e.addr[:4]))
	case FamilyIPv6:
		return netip.AddrFrom16(e.addr)
	default:
		return netip.Addr{}
	}
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "invalid"
	}
	return e.Addr().String()
}

// Hash spreads endpoints over index buckets. It is deliberately cheap:
// for IPv4 the address word as it sits in memory on little-endian hosts,
// shifted right by 8; for IPv6 the sum of 16-bit words 2, 3 and 4.
// Collisions are expected and resolved by Compare.
func (e Endpoint) Hash() uint32 {
	switch e.family {
	case FamilyIPv4:
		return binary.LittleEndian.Uint32(e.addr[:4]) >> 8
	case FamilyIPv6:
		return uint32(binary.LittleEndian.Uint16(e.addr[4:6])) +
			uint32(binary.LittleEndian.Uint16(e.addr[6:8])) +
			uint32(binary.LittleEndian.Uint16(e.addr[8:10]))
	default:
		return 0
	}
}

// Compare orders endpoints by family first, then by raw address bytes.
// It returns -1, 0 or +1; only equality matters to set membership.
func Compare(a, b Endpoint) int {
	if a.family != b.family {
		if a.family < b.family {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Bytes(), b.Bytes())
}
