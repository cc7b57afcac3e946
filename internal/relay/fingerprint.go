// Package relay dispatches parsed IPv4 datagrams to a fixed pool of
// per-flow workers and turns worker events back into outbound TUN
// frames.
package relay

import (
	"fmt"

	"github.com/sfdex/tun2socks/internal/ipv4"
)

// Fingerprint identifies one flow: protocol plus the peer and local
// address/port pair extracted from the parsed payload. Two datagrams
// with the same fingerprint belong to the same flow.
type Fingerprint string

func fingerprint(proto ipv4.Protocol, srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16) Fingerprint {
	return Fingerprint(fmt.Sprintf("%s:%d.%d.%d.%d:%d-%d.%d.%d.%d:%d",
		proto,
		srcIP[0], srcIP[1], srcIP[2], srcIP[3], srcPort,
		dstIP[0], dstIP[1], dstIP[2], dstIP[3], dstPort,
	))
}
