package relay

import (
	"github.com/sfdex/tun2socks/internal/icmp"
	"github.com/sfdex/tun2socks/internal/tcp"
	"github.com/sfdex/tun2socks/internal/udp"
)

// payload is the closed set of transport-layer bodies a slot's current
// datagram can carry. It replaces a dynamic-dispatch capability
// interface with a small, closed set of inherent implementations.
type payload interface {
	// pack builds the transport segment/datagram to carry bytes back
	// to the peer. flag is a tcp.FlagClass byte for TCP flows and is
	// ignored otherwise. isn is the sequence number to use when the
	// flow has not yet seen a non-zero ack (the initial SYN case).
	pack(flag byte, bytes []byte, isn uint32) []byte
}

type tcpPayload struct{ seg *tcp.Packet }

func (p tcpPayload) pack(flag byte, bytes []byte, isn uint32) []byte {
	return p.seg.Pack(tcp.FlagClass(flag), bytes, isn)
}

type udpPayload struct{ dg *udp.Datagram }

func (p udpPayload) pack(_ byte, bytes []byte, _ uint32) []byte {
	return p.dg.Pack(bytes)
}

// icmpPayload's pack is a no-op passthrough: a worker computes a full
// echo reply synchronously and emits it as the message's bytes, so
// there is nothing left for the pump to assemble.
type icmpPayload struct{ msg *icmp.Message }

func (p icmpPayload) pack(_ byte, bytes []byte, _ uint32) []byte {
	return bytes
}
