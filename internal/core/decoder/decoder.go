// Package decoder lifts DNS messages out of captured link-layer frames.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rzkeychange/internal/core"
)

// dnsHeaderLen is the fixed size of a DNS message header.
const dnsHeaderLen = 12

// Decoder decodes raw packets into DNS messages.
type Decoder interface {
	Decode(raw core.RawPacket) (core.Message, error)
}

// Config configures a StandardDecoder.
type Config struct {
	// LinkType of the capture source; zero means Ethernet.
	LinkType layers.LinkType
	// DefragIPv4 reassembles fragmented IPv4 datagrams instead of
	// skipping them.
	DefragIPv4 bool
	Reassembly ReassemblyConfig
}

// StandardDecoder decodes Ethernet, Linux SLL and raw IP frames carrying
// IPv4 or IPv6 and UDP or TCP. It reuses its layer structs between calls
// and is not safe for concurrent use.
type StandardDecoder struct {
	linkType layers.LinkType
	parsers  map[gopacket.LayerType]*gopacket.DecodingLayerParser

	eth  layers.Ethernet
	sll  layers.LinuxSLL
	vlan layers.Dot1Q
	ip4  layers.IPv4
	ip6  layers.IPv6
	tcp  layers.TCP
	udp  layers.UDP

	decoded     []gopacket.LayerType
	reassembler *Reassembler // nil unless DefragIPv4
}

// NewStandardDecoder creates a decoder for the given link type.
func NewStandardDecoder(cfg Config) *StandardDecoder {
	d := &StandardDecoder{
		linkType: cfg.LinkType,
		parsers:  make(map[gopacket.LayerType]*gopacket.DecodingLayerParser, 4),
		decoded:  make([]gopacket.LayerType, 0, 8),
	}
	if d.linkType == layers.LinkTypeNull {
		d.linkType = layers.LinkTypeEthernet
	}
	if cfg.DefragIPv4 {
		d.reassembler = NewReassembler(cfg.Reassembly)
	}
	return d
}

func (d *StandardDecoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	if p, ok := d.parsers[first]; ok {
		return p
	}
	p := gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.vlan, &d.ip4, &d.ip6, &d.tcp, &d.udp)
	p.IgnoreUnsupported = true
	d.parsers[first] = p
	return p
}

// firstLayer picks the layer decoding starts at. Raw IP captures carry no
// link header, so the IP version nibble decides.
func (d *StandardDecoder) firstLayer(data []byte) (gopacket.LayerType, error) {
	switch d.linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		if len(data) == 0 {
			return 0, core.ErrPacketTooShort
		}
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, nil
		case 6:
			return layers.LayerTypeIPv6, nil
		}
	}
	return 0, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, d.linkType)
}

// Decode extracts the DNS message carried by raw. The returned payload
// aliases raw.Data unless it was rebuilt from IPv4 fragments.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.Message, error) {
	var msg core.Message

	first, err := d.firstLayer(raw.Data)
	if err != nil {
		return msg, err
	}
	d.decoded = d.decoded[:0]
	if err := d.parser(first).DecodeLayers(raw.Data, &d.decoded); err != nil {
		return msg, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}

	msg.Timestamp = raw.Timestamp
	var haveIP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			msg.Src = core.EndpointFromIP(d.ip4.SrcIP)
			msg.Dst = core.EndpointFromIP(d.ip4.DstIP)
			if d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0 {
				return d.defragment(msg)
			}
			haveIP = true
		case layers.LayerTypeIPv6:
			msg.Src = core.EndpointFromIP(d.ip6.SrcIP)
			msg.Dst = core.EndpointFromIP(d.ip6.DstIP)
			haveIP = true
		case layers.LayerTypeUDP, layers.LayerTypeTCP:
			if !haveIP {
				break
			}
			if err := d.transport(&msg, lt); err != nil {
				return msg, err
			}
		}
	}
	return finish(msg)
}

// defragment feeds the current IPv4 fragment to the reassembler and, once
// the datagram is whole, decodes its transport header.
func (d *StandardDecoder) defragment(msg core.Message) (core.Message, error) {
	if d.reassembler == nil {
		return msg, core.ErrFragmented
	}
	datagram, err := d.reassembler.Process(&d.ip4, msg.Timestamp)
	if err != nil {
		return msg, err
	}
	if datagram == nil {
		return msg, core.ErrFragmentHeld
	}

	var first gopacket.LayerType
	switch d.ip4.Protocol {
	case layers.IPProtocolUDP:
		first = layers.LayerTypeUDP
	case layers.IPProtocolTCP:
		first = layers.LayerTypeTCP
	default:
		return msg, fmt.Errorf("%w: ip protocol %s", core.ErrUnsupportedProto, d.ip4.Protocol)
	}
	d.decoded = d.decoded[:0]
	if err := d.parser(first).DecodeLayers(datagram, &d.decoded); err != nil {
		return msg, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}
	for _, lt := range d.decoded {
		if err := d.transport(&msg, lt); err != nil {
			return msg, err
		}
	}
	return finish(msg)
}

// transport copies ports and payload from the decoded UDP or TCP layer.
func (d *StandardDecoder) transport(msg *core.Message, lt gopacket.LayerType) error {
	switch lt {
	case layers.LayerTypeUDP:
		msg.Transport = core.TransportUDP
		msg.SrcPort = uint16(d.udp.SrcPort)
		msg.DstPort = uint16(d.udp.DstPort)
		msg.Payload = d.udp.Payload
	case layers.LayerTypeTCP:
		msg.Transport = core.TransportTCP
		msg.SrcPort = uint16(d.tcp.SrcPort)
		msg.DstPort = uint16(d.tcp.DstPort)
		payload, err := unframeTCP(d.tcp.Payload)
		if err != nil {
			return err
		}
		msg.Payload = payload
	}
	return nil
}

func finish(msg core.Message) (core.Message, error) {
	if msg.Transport == core.TransportUnknown {
		return msg, core.ErrUnsupportedProto
	}
	if len(msg.Payload) < dnsHeaderLen {
		return msg, core.ErrNotDNS
	}
	return msg, nil
}

// unframeTCP strips the two-byte length prefix of DNS over TCP. Only a
// segment holding exactly one complete message is accepted; there is no
// stream reassembly.
func unframeTCP(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, core.ErrNotDNS
	}
	if len(payload) < 2 {
		return nil, core.ErrPartialSegment
	}
	n := int(binary.BigEndian.Uint16(payload))
	if len(payload)-2 != n {
		return nil, core.ErrPartialSegment
	}
	return payload[2:], nil
}

// Reason maps a Decode error to a short metrics label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrNotDNS):
		return "not_dns"
	case errors.Is(err, core.ErrPartialSegment):
		return "partial_segment"
	case errors.Is(err, core.ErrFragmentHeld):
		return "fragment_held"
	case errors.Is(err, core.ErrFragmented):
		return "fragmented"
	case errors.Is(err, core.ErrUnsupportedProto):
		return "unsupported"
	case errors.Is(err, core.ErrPacketTooShort):
		return "truncated"
	default:
		return "other"
	}
}
