// Package ipv4 parses and builds IPv4 datagrams (RFC 791), the outer
// frame every other protocol package in this module rides inside.
package ipv4

import (
	"encoding/binary"
	"fmt"

	"github.com/sfdex/tun2socks/internal/checksum"
)

// Protocol is the closed set of IP protocol numbers this module
// understands. Anything else classifies as Unknown.
type Protocol byte

const (
	ProtoICMP    Protocol = 1
	ProtoTCP     Protocol = 6
	ProtoUDP     Protocol = 17
	ProtoUnknown Protocol = 0xFF
)

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// ClassifyProtocol maps a raw IP protocol number to the closed set.
func ClassifyProtocol(b byte) Protocol {
	switch b {
	case byte(ProtoICMP):
		return ProtoICMP
	case byte(ProtoTCP):
		return ProtoTCP
	case byte(ProtoUDP):
		return ProtoUDP
	default:
		return ProtoUnknown
	}
}

// Header is the fixed 20-byte IPv4 header plus any options.
type Header struct {
	VersionIHL          byte
	DSCPECN             byte
	TotalLength         uint16
	Identification      uint16
	FlagsFragmentOffset uint16
	TTL                 byte
	ProtocolByte        byte
	Checksum            uint16
	SrcIP               [4]byte
	DstIP               [4]byte
	Options             []byte
}

// IHL returns the header length in 32-bit words.
func (h Header) IHL() int { return int(h.VersionIHL & 0x0F) }

// PseudoHeader is the 12-byte synthetic prefix TCP/UDP checksums are
// computed over. It is never stored persistently with a length; the
// length is filled in by the caller at send time for exactly the
// bytes being checksummed.
type PseudoHeader struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	Protocol byte
}

// Bytes renders the pseudo-header for a payload of the given length.
func (p PseudoHeader) Bytes(length int) []byte {
	b := make([]byte, 12)
	copy(b[0:4], p.SrcIP[:])
	copy(b[4:8], p.DstIP[:])
	b[8] = 0
	b[9] = p.Protocol
	binary.BigEndian.PutUint16(b[10:12], uint16(length))
	return b
}

// Datagram is an immutable, parsed IPv4 frame. Payload holds the raw
// transport-layer bytes; callers parse it further with the tcp/udp/icmp
// packages based on Protocol().
type Datagram struct {
	Header  Header
	Payload []byte
}

// Parse parses a raw IPv4 datagram. It requires IHL >= 5 and tolerates
// a payload shorter than the header's declared TotalLength (the
// transport layer is free to reject a truncated segment).
func Parse(b []byte) (*Datagram, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("ipv4: frame too short (%d bytes)", len(b))
	}

	ihl := int(b[0] & 0x0F)
	if ihl < 5 {
		return nil, fmt.Errorf("ipv4: invalid IHL %d", ihl)
	}
	optionsEnd := ihl * 4
	if len(b) < optionsEnd {
		return nil, fmt.Errorf("ipv4: frame shorter than header (IHL=%d, len=%d)", ihl, len(b))
	}

	h := Header{
		VersionIHL:          b[0],
		DSCPECN:             b[1],
		TotalLength:         binary.BigEndian.Uint16(b[2:4]),
		Identification:      binary.BigEndian.Uint16(b[4:6]),
		FlagsFragmentOffset: binary.BigEndian.Uint16(b[6:8]),
		TTL:                 b[8],
		ProtocolByte:        b[9],
		Checksum:            binary.BigEndian.Uint16(b[10:12]),
		Options:             append([]byte(nil), b[20:optionsEnd]...),
	}
	copy(h.SrcIP[:], b[12:16])
	copy(h.DstIP[:], b[16:20])

	return &Datagram{
		Header:  h,
		Payload: append([]byte(nil), b[optionsEnd:]...),
	}, nil
}

// ProtocolType classifies the datagram's protocol number.
func (d *Datagram) ProtocolType() Protocol {
	return ClassifyProtocol(d.Header.ProtocolByte)
}

// PseudoHeader returns the pseudo-header matching this datagram's
// direction of travel (src -> dst as received).
func (d *Datagram) PseudoHeader() PseudoHeader {
	return PseudoHeader{SrcIP: d.Header.SrcIP, DstIP: d.Header.DstIP, Protocol: d.Header.ProtocolByte}
}

// ResponsePseudoHeader returns the pseudo-header for a reply traveling
// back to the original sender (addresses swapped).
func (d *Datagram) ResponsePseudoHeader() PseudoHeader {
	return PseudoHeader{SrcIP: d.Header.DstIP, DstIP: d.Header.SrcIP, Protocol: d.Header.ProtocolByte}
}

// responseHeader builds the response header template: version/IHL,
// DSCP/ECN, identification, flags/fragment-offset, TTL, protocol and
// options carried over; addresses swapped; length and checksum zeroed
// pending Respond.
func (d *Datagram) responseHeader() []byte {
	h := d.Header
	packet := make([]byte, 0, 20+len(h.Options))
	packet = append(packet, h.VersionIHL, h.DSCPECN, 0, 0)
	var id [2]byte
	binary.BigEndian.PutUint16(id[:], h.Identification)
	packet = append(packet, id[0], id[1])
	var ffo [2]byte
	binary.BigEndian.PutUint16(ffo[:], h.FlagsFragmentOffset)
	packet = append(packet, ffo[0], ffo[1])
	packet = append(packet, h.TTL, h.ProtocolByte, 0, 0)
	packet = append(packet, h.DstIP[:]...)
	packet = append(packet, h.SrcIP[:]...)
	packet = append(packet, h.Options...)
	return packet
}

// BuildTarget selects the TUN wire framing a response is built for.
type BuildTarget int

const (
	// TargetLinux emits a bare IPv4 datagram.
	TargetLinux BuildTarget = iota
	// TargetBSD prepends the 4-byte address-family preamble BSD-style
	// TUN devices (macOS/iOS) require.
	TargetBSD
)

// bsdPreamble is the 4-byte address-family preamble for IPv4.
var bsdPreamble = [4]byte{0, 0, 0, 2}

// Respond builds a full IPv4 frame carrying payload: it reuses the
// response header template, fills in total length and header
// checksum, and optionally prepends the BSD preamble.
func Respond(header []byte, payload []byte, target BuildTarget) []byte {
	packet := make([]byte, 0, len(header)+len(payload))
	packet = append(packet, header...)
	packet = append(packet, payload...)

	binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))

	headerLen := len(header)
	packet[10], packet[11] = 0, 0
	c := checksum.Calculate(packet[:headerLen])
	binary.BigEndian.PutUint16(packet[10:12], c)

	if target == TargetBSD {
		out := make([]byte, 0, 4+len(packet))
		out = append(out, bsdPreamble[:]...)
		out = append(out, packet...)
		return out
	}
	return packet
}

// Respond builds a response IPv4 frame around payload (already a
// complete transport-layer segment/datagram), reusing this datagram's
// header template.
func (d *Datagram) Respond(payload []byte, target BuildTarget) []byte {
	return Respond(d.responseHeader(), payload, target)
}
