package tun2socks

import (
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sfdex/tun2socks/internal/checksum"
	"github.com/sfdex/tun2socks/internal/ipv4"
)

// fdConn is a thin *os.File wrapper standing in for the test's end of
// the socketpair used in place of a real TUN descriptor.
type fdConn struct {
	*os.File
}

func newFDConn(t *testing.T, fd int) *fdConn {
	t.Helper()
	return &fdConn{File: os.NewFile(uintptr(fd), "peer")}
}

func (c *fdConn) readFrame(t *testing.T) []byte {
	t.Helper()
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, err := c.Read(buf)
		ch <- result{b: buf[:n], err: err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply frame")
		return nil
	}
}

func buildICMPEchoFrame(src, dst [4]byte, id, seq uint16, data []byte) []byte {
	msg := make([]byte, 0, 8+len(data))
	msg = append(msg, 8, 0, 0, 0)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], id)
	msg = append(msg, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], seq)
	msg = append(msg, tmp[:]...)
	msg = append(msg, data...)

	toSum := msg
	if len(toSum)%2 != 0 {
		toSum = append(append([]byte(nil), msg...), 0)
	}
	c := checksum.Calculate(toSum)
	binary.BigEndian.PutUint16(msg[2:4], c)

	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], uint16(20+len(msg)))
	h[8] = 64
	h[9] = byte(ipv4.ProtoICMP)
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	hc := checksum.Calculate(h)
	binary.BigEndian.PutUint16(h[10:12], hc)

	return append(h, msg...)
}

// TestRun_EchoesICMPOverSocketpair drives the full ingress/pool/pump
// stack over a socketpair standing in for the TUN descriptor: a frame
// written to the peer end is read by ingress, answered by the ICMP
// worker path, and the reply is written back by the pump onto the
// same descriptor.
func TestRun_EchoesICMPOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	tunFd, peerFd := fds[0], fds[1]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, tunFd, WithPoolSize(1), WithBuildTarget(ipv4.TargetLinux)) }()

	peer := newFDConn(t, peerFd)
	defer peer.Close()

	src, dst := [4]byte{10, 0, 2, 16}, [4]byte{1, 1, 1, 1}
	frame := buildICMPEchoFrame(src, dst, 7, 1, []byte("hi"))
	_, err = peer.Write(frame)
	require.NoError(t, err)

	reply := peer.readFrame(t)
	d, err := ipv4.Parse(reply)
	require.NoError(t, err)
	assert.Equal(t, dst, d.Header.SrcIP)
	assert.Equal(t, src, d.Header.DstIP)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
