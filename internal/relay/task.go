package relay

import (
	"fmt"
	"net"

	"github.com/sfdex/tun2socks/internal/icmp"
	"github.com/sfdex/tun2socks/internal/ipv4"
	"github.com/sfdex/tun2socks/internal/tcp"
	"github.com/sfdex/tun2socks/internal/udp"
)

// task is a flow's current datagram, parsed once at dispatch time:
// both the slot (for later packing) and the worker (for dialing and
// relaying) read from it without re-parsing the transport layer.
type task struct {
	datagram *ipv4.Datagram
	proto    ipv4.Protocol
	payload  payload

	tcp  *tcp.Packet
	udp  *udp.Datagram
	icmp *icmp.Message
}

// dstAddr is the upstream target this task's flow should connect to.
// Only meaningful for TCP and UDP.
func (t *task) dstAddr() string {
	switch t.proto {
	case ipv4.ProtoTCP:
		ip := t.datagram.Header.DstIP
		return fmt.Sprintf("%s:%d", net.IP(ip[:]).String(), t.tcp.DstPort())
	case ipv4.ProtoUDP:
		ip := t.datagram.Header.DstIP
		return fmt.Sprintf("%s:%d", net.IP(ip[:]).String(), t.udp.DstPort())
	default:
		return ""
	}
}

// data is the application payload this task carries upstream.
func (t *task) data() []byte {
	switch t.proto {
	case ipv4.ProtoTCP:
		return t.tcp.Payload
	case ipv4.ProtoUDP:
		return t.udp.Payload
	default:
		return nil
	}
}

// parseTask parses d's transport layer once, producing both its
// fingerprint and a task ready to hand to a worker.
func parseTask(d *ipv4.Datagram) (Fingerprint, *task, error) {
	proto := d.ProtocolType()
	pseudo := d.PseudoHeader()

	switch proto {
	case ipv4.ProtoTCP:
		seg, err := tcp.Parse(d.Payload, pseudo)
		if err != nil {
			return "", nil, fmt.Errorf("relay: parse TCP: %w", err)
		}
		fp := fingerprint(proto, d.Header.SrcIP, seg.SrcPort(), d.Header.DstIP, seg.DstPort())
		return fp, &task{datagram: d, proto: proto, payload: tcpPayload{seg: seg}, tcp: seg}, nil

	case ipv4.ProtoUDP:
		dg, err := udp.Parse(d.Payload, pseudo)
		if err != nil {
			return "", nil, fmt.Errorf("relay: parse UDP: %w", err)
		}
		fp := fingerprint(proto, d.Header.SrcIP, dg.SrcPort(), d.Header.DstIP, dg.DstPort())
		return fp, &task{datagram: d, proto: proto, payload: udpPayload{dg: dg}, udp: dg}, nil

	case ipv4.ProtoICMP:
		msg, err := icmp.Parse(d.Payload)
		if err != nil {
			return "", nil, fmt.Errorf("relay: parse ICMP: %w", err)
		}
		var id uint16
		if msg.Echo != nil {
			id = msg.Echo.ID
		}
		fp := fingerprint(proto, d.Header.SrcIP, id, d.Header.DstIP, id)
		return fp, &task{datagram: d, proto: proto, payload: icmpPayload{msg: msg}, icmp: msg}, nil

	default:
		return "", nil, fmt.Errorf("relay: unsupported protocol %s", proto)
	}
}
