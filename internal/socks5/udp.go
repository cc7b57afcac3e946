package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/proxy"
)

const (
	version = 0x05

	authNone         = 0x00
	authUserPassword = 0x02
	authNoAcceptable = 0xFF

	cmdConnect     = 0x01
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00

	userPassVersion   = 0x01
	userPassSucceeded = 0x00
)

// UDPAssociate wraps a UDP socket bound via a SOCKS5 UDP ASSOCIATE
// session. Reads and writes transparently add/remove the SOCKS5 UDP
// request header (RFC 1928 §7). The TCP control connection must stay
// open for the relay to remain alive.
type UDPAssociate struct {
	udpConn    *net.UDPConn
	tcpCtrl    net.Conn
	targetHost string
	targetPort uint16
}

// DialUDPAssociate performs the SOCKS5 UDP ASSOCIATE handshake against
// the configured server and returns a socket ready to exchange
// datagrams with target.
func DialUDPAssociate(ctx context.Context, cfg Config, target string) (*UDPAssociate, error) {
	d := net.Dialer{Timeout: cfg.timeout()}
	tcpConn, err := d.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5: connect to %s: %w", cfg.ServerAddr, err)
	}

	if err := handshake(tcpConn, cfg.auth()); err != nil {
		tcpConn.Close()
		return nil, err
	}

	req := []byte{version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5: send UDP ASSOCIATE: %w", err)
	}

	relayAddr, err := readReply(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5: UDP ASSOCIATE reply: %w", err)
	}
	if relayAddr.IP.IsUnspecified() {
		host, _, _ := net.SplitHostPort(cfg.ServerAddr)
		relayAddr.IP = net.ParseIP(host)
	}

	udpConn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5: connect to UDP relay %s: %w", relayAddr, err)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		udpConn.Close()
		tcpConn.Close()
		return nil, fmt.Errorf("socks5: invalid target %q: %w", target, err)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	return &UDPAssociate{
		udpConn:    udpConn,
		tcpCtrl:    tcpConn,
		targetHost: host,
		targetPort: port,
	}, nil
}

func handshake(conn net.Conn, auth *proxy.Auth) error {
	var methods []byte
	if auth != nil {
		methods = []byte{authNone, authUserPassword}
	} else {
		methods = []byte{authNone}
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = version
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)

	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5: send greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks5: read method reply: %w", err)
	}
	if reply[0] != version {
		return fmt.Errorf("socks5: unexpected version %d", reply[0])
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if auth == nil {
			return fmt.Errorf("socks5: server requires auth, none configured")
		}
		return userPassAuth(conn, auth)
	case authNoAcceptable:
		return fmt.Errorf("socks5: no acceptable auth method")
	default:
		return fmt.Errorf("socks5: unsupported auth method %d", reply[1])
	}
}

func userPassAuth(conn net.Conn, auth *proxy.Auth) error {
	uLen, pLen := len(auth.User), len(auth.Password)
	msg := make([]byte, 3+uLen+pLen)
	msg[0] = userPassVersion
	msg[1] = byte(uLen)
	copy(msg[2:], auth.User)
	msg[2+uLen] = byte(pLen)
	copy(msg[3+uLen:], auth.Password)

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("socks5: send credentials: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks5: read auth reply: %w", err)
	}
	if reply[1] != userPassSucceeded {
		return fmt.Errorf("socks5: authentication failed (status %d)", reply[1])
	}
	return nil
}

func readReply(conn net.Conn) (*net.UDPAddr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	if header[1] != repSucceeded {
		return nil, fmt.Errorf("server returned reply code %d", header[1])
	}

	var ip net.IP
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		addr, err := net.ResolveIPAddr("ip", string(domain))
		if err != nil {
			return nil, fmt.Errorf("resolve relay domain %q: %w", domain, err)
		}
		ip = addr.IP
	default:
		return nil, fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(portBuf))}, nil
}

// Write sends a datagram through the relay, prefixed with the SOCKS5
// UDP request header for the target address.
func (c *UDPAssociate) Write(b []byte) (int, error) {
	header := buildUDPHeader(c.targetHost, c.targetPort)
	pkt := make([]byte, 0, len(header)+len(b))
	pkt = append(pkt, header...)
	pkt = append(pkt, b...)

	if _, err := c.udpConn.Write(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read receives one datagram from the relay, stripping the SOCKS5 UDP
// header.
func (c *UDPAssociate) Read(b []byte) (int, error) {
	buf := make([]byte, 65535)
	n, err := c.udpConn.Read(buf)
	if err != nil {
		return 0, err
	}

	offset, err := udpHeaderLen(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("socks5: parse relay header: %w", err)
	}

	payload := buf[offset:n]
	copy(b, payload)
	if len(payload) > len(b) {
		return len(b), nil
	}
	return len(payload), nil
}

// Close tears down both the UDP socket and the TCP control connection;
// per RFC 1928 closing the control connection alone already ends the
// relay, but closing both leaves nothing dangling.
func (c *UDPAssociate) Close() error {
	c.udpConn.Close()
	return c.tcpCtrl.Close()
}

func buildUDPHeader(host string, port uint16) []byte {
	header := []byte{0x00, 0x00, 0x00} // RSV, RSV, FRAG

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			a4 := addr.As4()
			header = append(header, atypIPv4)
			header = append(header, a4[:]...)
		} else {
			a16 := addr.As16()
			header = append(header, atypIPv6)
			header = append(header, a16[:]...)
		}
	} else {
		header = append(header, atypDomain, byte(len(host)))
		header = append(header, host...)
	}

	return append(header, byte(port>>8), byte(port))
}

func udpHeaderLen(pkt []byte) (int, error) {
	if len(pkt) < 4 {
		return 0, fmt.Errorf("packet too short")
	}
	switch pkt[3] {
	case atypIPv4:
		if len(pkt) < 10 {
			return 0, fmt.Errorf("packet too short for IPv4")
		}
		return 10, nil
	case atypIPv6:
		if len(pkt) < 22 {
			return 0, fmt.Errorf("packet too short for IPv6")
		}
		return 22, nil
	case atypDomain:
		if len(pkt) < 5 {
			return 0, fmt.Errorf("packet too short for domain")
		}
		total := 4 + 1 + int(pkt[4]) + 2
		if len(pkt) < total {
			return 0, fmt.Errorf("packet too short for domain name")
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unsupported address type %d", pkt[3])
	}
}
