// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared across packages; wrap with %w and match with errors.Is.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("rzkeychange: packet too short")
	ErrUnsupportedProto = errors.New("rzkeychange: unsupported protocol")
	ErrNotDNS           = errors.New("rzkeychange: payload is not a dns message")
	ErrPartialSegment   = errors.New("rzkeychange: incomplete dns-over-tcp segment")
	ErrFragmented       = errors.New("rzkeychange: fragmented ip packet")
	ErrFragmentHeld     = errors.New("rzkeychange: fragment held for reassembly")

	// Window errors
	ErrWindowNotOpen = errors.New("rzkeychange: window not open")

	// Report errors
	ErrNoResolvers = errors.New("rzkeychange: no resolvers configured")
	ErrZoneProbe   = errors.New("rzkeychange: report zone unreachable")
	ErrEmitterBusy = errors.New("rzkeychange: too many reports in flight")

	// Plugin errors
	ErrPluginNotFound = errors.New("rzkeychange: plugin not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("rzkeychange: invalid configuration")
)
