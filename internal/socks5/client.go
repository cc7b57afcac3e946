// Package socks5 implements a SOCKS5 client (RFC 1928): method
// negotiation plus CONNECT for TCP flows and UDP ASSOCIATE framing for
// UDP flows, used to hand a parsed TUN flow to an upstream proxy.
package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"
)

// Config holds the upstream SOCKS5 server's address and credentials.
type Config struct {
	ServerAddr     string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

func (c Config) auth() *proxy.Auth {
	if c.Username == "" {
		return nil
	}
	return &proxy.Auth{User: c.Username, Password: c.Password}
}

// TCPClient is a SOCKS5 CONNECT session: negotiation and connect happen
// in Dial, after which Conn carries the relayed byte stream in both
// directions for the lifetime of the flow. ID tags this session's
// error messages so a flow's upstream connection can be told apart
// from another one reusing the same worker slot later.
type TCPClient struct {
	Conn net.Conn
	ID   string
}

// DialTCP negotiates with the SOCKS5 server and issues a CONNECT
// request for dst, returning a client whose Conn is ready to carry
// the flow's bytes in both directions.
func DialTCP(ctx context.Context, cfg Config, dst string) (*TCPClient, error) {
	id := uuid.NewString()[:8]

	dialer, err := proxy.SOCKS5("tcp", cfg.ServerAddr, cfg.auth(), &net.Dialer{Timeout: cfg.timeout()})
	if err != nil {
		return nil, fmt.Errorf("socks5[%s]: build dialer for %s: %w", id, cfg.ServerAddr, err)
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", dst)
	} else {
		conn, err = dialer.Dial("tcp", dst)
	}
	if err != nil {
		return nil, fmt.Errorf("socks5[%s]: connect to %s via %s: %w", id, dst, cfg.ServerAddr, err)
	}

	return &TCPClient{Conn: conn, ID: id}, nil
}

// Send writes data to the relayed connection.
func (c *TCPClient) Send(data []byte) error {
	_, err := c.Conn.Write(data)
	if err != nil {
		return fmt.Errorf("socks5[%s]: write: %w", c.ID, err)
	}
	return nil
}

// Recv runs a blocking read loop, invoking onData for every chunk read
// until the connection closes or ctx is cancelled, then calling
// onClose. Callers run this in its own goroutine, mirroring the
// per-flow worker's single-reader-per-connection model.
func (c *TCPClient) Recv(ctx context.Context, onData func([]byte), onClose func(error)) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			onClose(ctx.Err())
			return
		}
		n, err := c.Conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			onClose(err)
			return
		}
	}
}

// Close tears down the relayed connection.
func (c *TCPClient) Close() error {
	return c.Conn.Close()
}
