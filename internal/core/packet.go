// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawPacket is captured from the network interface, zero-copy reference to ring buffer.
type RawPacket struct {
	Data           []byte    // Raw frame data, zero-copy slice
	Timestamp      time.Time // Capture timestamp (kernel timestamp preferred)
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int       // Network interface index
}

// Message is one DNS message lifted out of a decoded packet.
// Payload is the DNS wire message without the TCP length prefix.
type Message struct {
	Timestamp time.Time
	Src       Endpoint
	Dst       Endpoint
	SrcPort   uint16
	DstPort   uint16
	Transport Transport
	Payload   []byte
}
