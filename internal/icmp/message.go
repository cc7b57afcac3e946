// Package icmp parses and builds ICMP messages (RFC 792) carried
// inside an IPv4 datagram. Only the echo request/reply pair is acted
// on; every other type is parsed far enough to be logged and dropped.
package icmp

import (
	"encoding/binary"
	"fmt"

	"github.com/sfdex/tun2socks/internal/checksum"
)

// Type is the closed set of ICMP message types this module names.
// Anything else classifies as TypeUnknown.
type Type byte

const (
	TypeEchoReply              Type = 0
	TypeDestinationUnreachable Type = 3
	TypeSourceQuench           Type = 4
	TypeRedirect               Type = 5
	TypeEchoRequest            Type = 8
	TypeRouterAdvertisement    Type = 9
	TypeRouterSolicitation     Type = 10
	TypeTimeExceeded           Type = 11
	TypeParameterProblem       Type = 12
	TypeTimestampRequest       Type = 13
	TypeTimestampReply         Type = 14
	TypeInformationRequest     Type = 15
	TypeInformationReply       Type = 16
	TypeAddressMaskRequest     Type = 17
	TypeAddressMaskReply       Type = 18
	TypeUnknown                Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeEchoReply:
		return "ECHO_REPLY"
	case TypeDestinationUnreachable:
		return "DESTINATION_UNREACHABLE"
	case TypeSourceQuench:
		return "SOURCE_QUENCH"
	case TypeRedirect:
		return "REDIRECT"
	case TypeEchoRequest:
		return "ECHO_REQUEST"
	case TypeRouterAdvertisement:
		return "ROUTER_ADVERTISEMENT"
	case TypeRouterSolicitation:
		return "ROUTER_SOLICITATION"
	case TypeTimeExceeded:
		return "TIME_EXCEEDED"
	case TypeParameterProblem:
		return "PARAMETER_PROBLEM"
	case TypeTimestampRequest:
		return "TIMESTAMP_REQUEST"
	case TypeTimestampReply:
		return "TIMESTAMP_REPLY"
	case TypeInformationRequest:
		return "INFORMATION_REQUEST"
	case TypeInformationReply:
		return "INFORMATION_REPLY"
	case TypeAddressMaskRequest:
		return "ADDRESS_MASK_REQUEST"
	case TypeAddressMaskReply:
		return "ADDRESS_MASK_REPLY"
	default:
		return "UNKNOWN"
	}
}

// ClassifyType maps a raw ICMP type byte to the closed set.
func ClassifyType(b byte) Type {
	switch Type(b) {
	case TypeEchoReply, TypeDestinationUnreachable, TypeSourceQuench, TypeRedirect,
		TypeEchoRequest, TypeRouterAdvertisement, TypeRouterSolicitation, TypeTimeExceeded,
		TypeParameterProblem, TypeTimestampRequest, TypeTimestampReply, TypeInformationRequest,
		TypeInformationReply, TypeAddressMaskRequest, TypeAddressMaskReply:
		return Type(b)
	default:
		return TypeUnknown
	}
}

// Echo is the identifier/sequence/data body of an echo request or
// reply message.
type Echo struct {
	ID   uint16
	Seq  uint16
	Data []byte
}

// Message is a parsed ICMP message. Echo is non-nil only when Type is
// TypeEchoRequest or TypeEchoReply.
type Message struct {
	Type     Type
	Code     byte
	Checksum uint16
	Echo     *Echo
	Payload  []byte
}

// Parse parses an ICMP message.
func Parse(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("icmp: message too short (%d bytes)", len(b))
	}

	m := &Message{
		Type:     ClassifyType(b[0]),
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		Payload:  append([]byte(nil), b[4:]...),
	}

	if (m.Type == TypeEchoRequest || m.Type == TypeEchoReply) && len(b) >= 8 {
		m.Echo = &Echo{
			ID:   binary.BigEndian.Uint16(b[4:6]),
			Seq:  binary.BigEndian.Uint16(b[6:8]),
			Data: append([]byte(nil), b[8:]...),
		}
	}

	return m, nil
}

// Reply builds an echo reply message mirroring this message's echo
// identifier, sequence number and data. Callers must only call this
// when Type == TypeEchoRequest.
func (m *Message) Reply() []byte {
	packet := make([]byte, 0, 8+len(m.Echo.Data))
	packet = append(packet, byte(TypeEchoReply), m.Code, 0, 0)
	packet = appendUint16(packet, m.Echo.ID)
	packet = appendUint16(packet, m.Echo.Seq)
	packet = append(packet, m.Echo.Data...)

	toSum := packet
	if len(toSum)%2 != 0 {
		toSum = append(append([]byte(nil), packet...), 0)
	}
	c := checksum.Calculate(toSum)
	binary.BigEndian.PutUint16(packet[2:4], c)

	return packet
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func (m *Message) String() string {
	if m.Echo != nil {
		return fmt.Sprintf("ICMP %s code=%d id=%d seq=%d len=%d", m.Type, m.Code, m.Echo.ID, m.Echo.Seq, len(m.Echo.Data))
	}
	return fmt.Sprintf("ICMP %s code=%d len=%d", m.Type, m.Code, len(m.Payload))
}
