package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointFromAddr(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		family Family
		want   string
		width  int
	}{
		{"ipv4", "192.0.2.10", FamilyIPv4, "192.0.2.10", 4},
		{"ipv6", "2001:db8::1", FamilyIPv6, "2001:db8::1", 16},
		{"ipv4 mapped", "::ffff:198.51.100.7", FamilyIPv4, "198.51.100.7", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EndpointFromAddr(netip.MustParseAddr(tt.in))
			assert.True(t, e.IsValid())
			assert.Equal(t, tt.family, e.Family())
			assert.Equal(t, tt.want, e.String())
			assert.Len(t, e.Bytes(), tt.width)
			assert.Equal(t, tt.want, e.Addr().String())
		})
	}
}

func TestEndpointFromIP(t *testing.T) {
	e := EndpointFromIP(net.ParseIP("10.1.2.3"))
	assert.Equal(t, FamilyIPv4, e.Family())
	assert.Equal(t, MustParseEndpoint("10.1.2.3"), e)

	assert.False(t, EndpointFromIP(nil).IsValid())
	assert.False(t, EndpointFromIP(net.IP{1, 2, 3}).IsValid())
	assert.Equal(t, "invalid", Endpoint{}.String())
}

func TestEndpointZoneIgnored(t *testing.T) {
	a := EndpointFromAddr(netip.MustParseAddr("fe80::1%eth0"))
	b := EndpointFromAddr(netip.MustParseAddr("fe80::1"))
	assert.Equal(t, 0, Compare(a, b))
	assert.Equal(t, a, b)
}

func TestCompare(t *testing.T) {
	v4a := MustParseEndpoint("10.0.0.1")
	v4b := MustParseEndpoint("10.0.0.2")
	v6 := MustParseEndpoint("::1")

	assert.Equal(t, 0, Compare(v4a, MustParseEndpoint("10.0.0.1")))
	assert.Equal(t, -1, Compare(v4a, v4b))
	assert.Equal(t, 1, Compare(v4b, v4a))

	// family dominates byte order
	assert.Equal(t, -1, Compare(MustParseEndpoint("255.255.255.255"), v6))
	assert.Equal(t, 1, Compare(v6, v4a))
}

func TestCompareTotalOrder(t *testing.T) {
	eps := []Endpoint{
		MustParseEndpoint("10.0.0.1"),
		MustParseEndpoint("10.0.0.2"),
		MustParseEndpoint("192.168.1.1"),
		MustParseEndpoint("::1"),
		MustParseEndpoint("2001:db8::1"),
	}
	for i, a := range eps {
		for j, b := range eps {
			t.Run(fmt.Sprintf("%d_%d", i, j), func(t *testing.T) {
				ab, ba := Compare(a, b), Compare(b, a)
				assert.Equal(t, -ab, ba)
				assert.Equal(t, i == j, ab == 0)
			})
		}
	}
}

func TestHash(t *testing.T) {
	t.Run("ipv4 drops first octet", func(t *testing.T) {
		a := MustParseEndpoint("10.1.2.3")
		b := MustParseEndpoint("11.1.2.3")
		assert.Equal(t, a.Hash(), b.Hash())
		assert.Equal(t, uint32(0x030201), a.Hash())
		assert.NotEqual(t, a.Hash(), MustParseEndpoint("10.1.2.4").Hash())
	})

	t.Run("ipv6 sums words 2-4", func(t *testing.T) {
		a := MustParseEndpoint("2001:db8:0:1:2::")
		b := MustParseEndpoint("ffff:ffff:0:1:2::9")
		assert.Equal(t, a.Hash(), b.Hash())
		// little-endian words 0x0000, 0x0100, 0x0200
		assert.Equal(t, uint32(0x0300), a.Hash())
	})

	t.Run("invalid", func(t *testing.T) {
		assert.Zero(t, Endpoint{}.Hash())
	})
}

func TestEndpointComparable(t *testing.T) {
	m := map[Endpoint]int{}
	m[MustParseEndpoint("192.0.2.1")]++
	m[EndpointFromIP(net.ParseIP("192.0.2.1"))]++
	require.Len(t, m, 1)
	assert.Equal(t, 2, m[MustParseEndpoint("192.0.2.1")])
}

func TestTransportString(t *testing.T) {
	assert.Equal(t, "udp", TransportUDP.String())
	assert.Equal(t, "tcp", TransportTCP.String())
	assert.Equal(t, "unknown", TransportUnknown.String())
	assert.Equal(t, "ipv4", FamilyIPv4.String())
	assert.Equal(t, "ipv6", FamilyIPv6.String())
	assert.Equal(t, "none", FamilyNone.String())
}

func TestErrorsWrap(t *testing.T) {
	err := fmt.Errorf("close window at %d: %w", 42, ErrWindowNotOpen)
	assert.True(t, errors.Is(err, ErrWindowNotOpen))
	assert.False(t, errors.Is(err, ErrZoneProbe))
	assert.Contains(t, ErrZoneProbe.Error(), "rzkeychange:")
}
