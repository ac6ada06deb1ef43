// Package core defines core types with zero external dependencies.
package core

// Transport is the L4 protocol a message travelled on.
type Transport uint8

// IANA protocol numbers.
const (
	TransportUnknown Transport = 0
	TransportTCP     Transport = 6
	TransportUDP     Transport = 17
)

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}
