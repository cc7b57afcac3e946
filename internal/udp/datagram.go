// Package udp parses and builds UDP datagrams (RFC 768) carried
// inside an IPv4 datagram.
package udp

import (
	"encoding/binary"
	"fmt"

	"github.com/sfdex/tun2socks/internal/checksum"
	"github.com/sfdex/tun2socks/internal/ipv4"
)

// Header holds the fixed 8-byte UDP header fields.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Datagram is a parsed UDP datagram.
type Datagram struct {
	Header       Header
	Payload      []byte
	PseudoHeader ipv4.PseudoHeader
}

// Parse parses a UDP datagram. pseudo carries the addresses the
// enclosing IPv4 datagram supplied, for later checksum computation.
func Parse(b []byte, pseudo ipv4.PseudoHeader) (*Datagram, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("udp: datagram too short (%d bytes)", len(b))
	}

	h := Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}

	return &Datagram{
		Header:       h,
		Payload:      append([]byte(nil), b[8:]...),
		PseudoHeader: pseudo,
	}, nil
}

func (d *Datagram) SrcPort() uint16 { return d.Header.SrcPort }
func (d *Datagram) DstPort() uint16 { return d.Header.DstPort }

// Pack builds a response UDP datagram carrying payload: ports swapped,
// length recomputed, checksum computed over pseudo-header + header +
// payload.
func (d *Datagram) Pack(payload []byte) []byte {
	packet := make([]byte, 0, 8+len(payload))
	packet = appendUint16(packet, d.Header.DstPort)
	packet = appendUint16(packet, d.Header.SrcPort)

	length := uint16(8 + len(payload))
	packet = appendUint16(packet, length)
	packet = append(packet, 0, 0) // checksum placeholder
	packet = append(packet, payload...)

	pseudo := d.PseudoHeader.Bytes(int(length))
	full := append(pseudo, packet...)
	if len(full)%2 != 0 {
		full = append(full, 0)
	}
	c := checksum.Calculate(full)
	binary.BigEndian.PutUint16(packet[6:8], c)

	return packet
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

// String renders a diagnostic dump of the parsed datagram.
func (d *Datagram) String() string {
	return fmt.Sprintf("UDP %d->%d len=%d", d.Header.SrcPort, d.Header.DstPort, len(d.Payload))
}
