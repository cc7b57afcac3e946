// Package tcp parses and builds TCP segments (RFC 793) carried inside
// an IPv4 datagram, including the option vector and the partial
// responder arithmetic described by spec.md §4.3.
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/sfdex/tun2socks/internal/checksum"
	"github.com/sfdex/tun2socks/internal/ipv4"
)

// Option is a single TCP option kind/length/data triple. Kind 0 (end
// of options) and kind 1 (no-op) carry no length/data.
type Option struct {
	Kind   byte
	Length byte
	Data   []byte
}

const (
	optEndOfOptions = 0
	optNoOp         = 1
	optTimestamp    = 8
)

// Header holds the parsed fixed TCP fields plus the option vector.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset byte // header length in 32-bit words
	Flags      byte
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []Option
}

// Packet is a parsed TCP segment.
type Packet struct {
	Header       Header
	Payload      []byte
	PseudoHeader ipv4.PseudoHeader
}

// Parse parses a TCP segment. pseudo carries the addresses the
// enclosing IPv4 datagram supplied, for later checksum computation.
func Parse(b []byte, pseudo ipv4.PseudoHeader) (*Packet, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("tcp: segment too short (%d bytes)", len(b))
	}

	dataOffset := int((b[12] >> 4) & 0x0F)
	dataBegin := dataOffset * 4
	if dataBegin < 20 || dataBegin > len(b) {
		return nil, fmt.Errorf("tcp: invalid data offset %d for length %d", dataOffset, len(b))
	}

	options := parseOptions(b[20:dataBegin])

	h := Header{
		SrcPort:    binary.BigEndian.Uint16(b[0:2]),
		DstPort:    binary.BigEndian.Uint16(b[2:4]),
		Seq:        binary.BigEndian.Uint32(b[4:8]),
		Ack:        binary.BigEndian.Uint32(b[8:12]),
		DataOffset: byte(dataOffset),
		Flags:      b[13],
		Window:     binary.BigEndian.Uint16(b[14:16]),
		Checksum:   binary.BigEndian.Uint16(b[16:18]),
		Urgent:     binary.BigEndian.Uint16(b[18:20]),
		Options:    options,
	}

	return &Packet{
		Header:       h,
		Payload:      append([]byte(nil), b[dataBegin:]...),
		PseudoHeader: pseudo,
	}, nil
}

func parseOptions(b []byte) []Option {
	var options []Option
	i := 0
	for i < len(b) {
		kind := b[i]
		if kind == optEndOfOptions || kind == optNoOp {
			options = append(options, Option{Kind: kind})
			i++
			continue
		}
		if i+1 >= len(b) {
			break
		}
		length := b[i+1]
		if length < 2 || i+int(length) > len(b) {
			break
		}
		data := append([]byte(nil), b[i+2:i+int(length)]...)
		options = append(options, Option{Kind: kind, Length: length, Data: data})
		i += int(length)
	}
	return options
}

// SrcPort/DstPort report the (ip-less) ports; callers combine
// them with the enclosing datagram's addresses.
func (p *Packet) SrcPort() uint16 { return p.Header.SrcPort }
func (p *Packet) DstPort() uint16 { return p.Header.DstPort }

// Pack builds a response TCP segment with the given flag class and
// payload, reflecting this segment's options (rewriting TCP timestamp
// TSval/TSecr per spec.md §4.3), and computes its checksum over the
// pseudo-header + header + payload.
//
// isn is the sequence number to use when the incoming ack number is
// zero (the initial SYN case); callers pick a configured or random
// value instead of a hardcoded constant.
func (p *Packet) Pack(class FlagClass, payload []byte, isn uint32) []byte {
	h := &p.Header

	seqNo := h.Ack
	if seqNo == 0 {
		seqNo = isn
	}

	var ackNo uint32
	if len(p.Payload) > 0 {
		ackNo = h.Seq + uint32(len(p.Payload))
	} else {
		ackNo = h.Seq + 1
	}

	pack := make([]byte, 0, 20+len(payload))
	pack = appendUint16(pack, h.DstPort)
	pack = appendUint16(pack, h.SrcPort)
	pack = appendUint32(pack, seqNo)
	pack = appendUint32(pack, ackNo)
	pack = append(pack, 0, byte(class))
	pack = appendUint16(pack, h.Window)
	pack = append(pack, 0, 0) // checksum placeholder
	pack = appendUint16(pack, h.Urgent)

	for _, opt := range h.Options {
		if opt.Kind == optEndOfOptions || opt.Kind == optNoOp {
			pack = append(pack, opt.Kind)
			continue
		}
		pack = append(pack, opt.Kind, opt.Length)
		if opt.Kind == optTimestamp && len(opt.Data) >= 4 {
			pack = appendUint32(pack, seqNo)
			pack = append(pack, opt.Data[0:4]...)
		} else {
			pack = append(pack, opt.Data...)
		}
	}

	// Data offset is recomputed from the header+options length so far.
	offset := byte(len(pack) / 4)
	pack[12] = offset << 4

	pack = append(pack, payload...)

	pseudo := p.PseudoHeader.Bytes(len(pack))
	full := append(pseudo, pack...)
	if len(full)%2 != 0 {
		full = append(full, 0)
	}
	c := checksum.Calculate(full)
	binary.BigEndian.PutUint16(pack[16:18], c)

	return pack
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// String renders a diagnostic dump of the parsed segment, the Go
// analogue of the original implementation's Packet::info.
func (p *Packet) String() string {
	h := p.Header
	return fmt.Sprintf(
		"TCP %d->%d seq=%d ack=%d off=%d flags=%s win=%d len=%d",
		h.SrcPort, h.DstPort, h.Seq, h.Ack, h.DataOffset, Classify(h.Flags), h.Window, len(p.Payload),
	)
}
