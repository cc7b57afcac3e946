package relay

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfdex/tun2socks/internal/checksum"
	"github.com/sfdex/tun2socks/internal/ipv4"
	"github.com/sfdex/tun2socks/internal/tcp"
	"github.com/sfdex/tun2socks/internal/udp"
)

// collectWriter records every frame written to it, standing in for
// the TUN descriptor.
type collectWriter struct {
	frames chan []byte
}

func newCollectWriter() *collectWriter {
	return &collectWriter{frames: make(chan []byte, 16)}
}

func (w *collectWriter) Write(b []byte) (int, error) {
	out := append([]byte(nil), b...)
	w.frames <- out
	return len(b), nil
}

func (w *collectWriter) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return nil
	}
}

func buildTCPFrame(src, dst [4]byte, srcPort, dstPort uint16, flags byte, seq, ack uint32, payload []byte) []byte {
	seg := make([]byte, 0, 20+len(payload))
	seg = appendUint16Test(seg, srcPort)
	seg = appendUint16Test(seg, dstPort)
	seg = appendUint32Test(seg, seq)
	seg = appendUint32Test(seg, ack)
	seg = append(seg, 5<<4, flags)
	seg = appendUint16Test(seg, 0xFFFF)
	seg = append(seg, 0, 0) // checksum placeholder
	seg = append(seg, 0, 0) // urgent
	seg = append(seg, payload...)

	pseudo := ipv4.PseudoHeader{SrcIP: src, DstIP: dst, Protocol: byte(ipv4.ProtoTCP)}
	full := append(pseudo.Bytes(len(seg)), seg...)
	if len(full)%2 != 0 {
		full = append(full, 0)
	}
	c := checksum.Calculate(full)
	binary.BigEndian.PutUint16(seg[16:18], c)

	return buildIPv4Frame(src, dst, byte(ipv4.ProtoTCP), seg)
}

func buildUDPFrame(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	dg := make([]byte, 0, 8+len(payload))
	dg = appendUint16Test(dg, srcPort)
	dg = appendUint16Test(dg, dstPort)
	dg = appendUint16Test(dg, uint16(8+len(payload)))
	dg = append(dg, 0, 0) // checksum placeholder
	dg = append(dg, payload...)

	pseudo := ipv4.PseudoHeader{SrcIP: src, DstIP: dst, Protocol: byte(ipv4.ProtoUDP)}
	full := append(pseudo.Bytes(len(dg)), dg...)
	if len(full)%2 != 0 {
		full = append(full, 0)
	}
	c := checksum.Calculate(full)
	binary.BigEndian.PutUint16(dg[6:8], c)

	return buildIPv4Frame(src, dst, byte(ipv4.ProtoUDP), dg)
}

func buildIPv4Frame(src, dst [4]byte, proto byte, l4 []byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], uint16(20+len(l4)))
	h[8] = 64
	h[9] = proto
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	c := checksum.Calculate(h)
	binary.BigEndian.PutUint16(h[10:12], c)
	return append(h, l4...)
}

func appendUint16Test(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32Test(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func TestPool_RoutesSameFingerprintToSameSlot(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 3})

	src, dst := [4]byte{10, 0, 2, 16}, [4]byte{93, 184, 216, 34}
	first := buildTCPFrame(src, dst, 51000, 80, byte(tcp.ClassSYN), 1000, 0, nil)
	d1, err := ipv4.Parse(first)
	require.NoError(t, err)
	p.Execute(d1)

	bound := -1
	for i, s := range p.slots {
		if !s.idle() {
			bound = i
			break
		}
	}
	require.NotEqual(t, -1, bound, "expected exactly one bound slot after the first datagram")

	second := buildTCPFrame(src, dst, 51000, 80, byte(tcp.ClassACK), 1001, 5000, []byte("hi"))
	d2, err := ipv4.Parse(second)
	require.NoError(t, err)
	p.Execute(d2)

	boundCount := 0
	for i, s := range p.slots {
		if !s.idle() {
			boundCount++
			assert.Equal(t, bound, i, "a new datagram sharing a fingerprint must not displace the existing binding")
		}
	}
	assert.Equal(t, 1, boundCount)
}

func TestPool_NewFingerprintTakesFreeSlotWithoutDisplacing(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 2})

	srcA, dst := [4]byte{10, 0, 2, 16}, [4]byte{93, 184, 216, 34}
	srcB := [4]byte{10, 0, 2, 17}

	dA, err := ipv4.Parse(buildTCPFrame(srcA, dst, 51000, 80, byte(tcp.ClassSYN), 1000, 0, nil))
	require.NoError(t, err)
	p.Execute(dA)

	dB, err := ipv4.Parse(buildTCPFrame(srcB, dst, 52000, 80, byte(tcp.ClassSYN), 2000, 0, nil))
	require.NoError(t, err)
	p.Execute(dB)

	fpA, _, err := parseTask(dA)
	require.NoError(t, err)
	fpB, _, err := parseTask(dB)
	require.NoError(t, err)

	var sawA, sawB bool
	for _, s := range p.slots {
		if s.fingerprint == fpA {
			sawA = true
		}
		if s.fingerprint == fpB {
			sawB = true
		}
	}
	assert.True(t, sawA)
	assert.True(t, sawB)
}

func TestPool_DropsWhenExhausted(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 1})

	dst := [4]byte{93, 184, 216, 34}
	d1, err := ipv4.Parse(buildTCPFrame([4]byte{10, 0, 2, 16}, dst, 51000, 80, byte(tcp.ClassSYN), 1000, 0, nil))
	require.NoError(t, err)
	p.Execute(d1)

	d2, err := ipv4.Parse(buildTCPFrame([4]byte{10, 0, 2, 17}, dst, 52000, 80, byte(tcp.ClassSYN), 2000, 0, nil))
	require.NoError(t, err)
	p.Execute(d2) // no free slot; must be dropped, not displace slot 0

	fp1, _, err := parseTask(d1)
	require.NoError(t, err)
	assert.Equal(t, fp1, p.slots[0].fingerprint)
}

// TestPool_SYNHandshakeArithmetic reproduces Scenario C at the pool
// level: given a bound SYN flow and a worker-emitted SYN_ACK message,
// the pump's packed response has seq = InitialSeq and ack = S+1.
func TestPool_SYNHandshakeArithmetic(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 1, InitialSeq: 3001})

	src, dst := [4]byte{10, 0, 2, 16}, [4]byte{192, 168, 1, 1}
	d, err := ipv4.Parse(buildTCPFrame(src, dst, 51000, 80, byte(tcp.ClassSYN), 5000, 0, nil))
	require.NoError(t, err)
	p.Execute(d)

	p.handle(messageEvent(0, byte(tcp.ClassSYNACK), nil))

	frame := out.next(t)
	respDatagram, err := ipv4.Parse(frame)
	require.NoError(t, err)
	seg, err := tcp.Parse(respDatagram.Payload, respDatagram.PseudoHeader())
	require.NoError(t, err)

	assert.Equal(t, uint32(3001), seg.Header.Seq)
	assert.Equal(t, uint32(5001), seg.Header.Ack)
	assert.Equal(t, tcp.ClassSYNACK, seg.Classify())
}

// TestPool_UDPReplySynthesis reproduces Scenario F: a worker-emitted
// Message(0, "Hello " ++ P) packs into a UDP datagram with swapped
// ports, length = 8 + 6 + |P|, a valid checksum, and the original
// source as its destination.
func TestPool_UDPReplySynthesis(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 1})

	src, dst := [4]byte{10, 0, 2, 16}, [4]byte{8, 8, 8, 8}
	payload := []byte("ping")
	d, err := ipv4.Parse(buildUDPFrame(src, dst, 51000, 53, payload))
	require.NoError(t, err)
	p.Execute(d)

	reply := append([]byte("Hello "), payload...)
	p.handle(messageEvent(0, 0, reply))

	frame := out.next(t)
	respDatagram, err := ipv4.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, src, respDatagram.Header.DstIP)
	assert.Equal(t, dst, respDatagram.Header.SrcIP)

	respUDP, err := udp.Parse(respDatagram.Payload, respDatagram.PseudoHeader())
	require.NoError(t, err)
	assert.Equal(t, uint16(53), respUDP.Header.SrcPort)
	assert.Equal(t, uint16(51000), respUDP.Header.DstPort)
	assert.Equal(t, uint16(8+len(reply)), respUDP.Header.Length)
	assert.Equal(t, reply, respUDP.Payload)
	assert.True(t, checksum.Verify(append(respDatagram.PseudoHeader().Bytes(len(respDatagram.Payload)), respDatagram.Payload...)))
}

// TestPool_ShutdownDrainsWithoutPanic covers Testable Property 7: once
// Close is called the pool's goroutines exit cleanly.
func TestPool_ShutdownDrainsWithoutPanic(t *testing.T) {
	out := newCollectWriter()
	p := NewPool(out, Options{Size: 2})

	g := p.Start(context.Background())

	d, err := ipv4.Parse(buildICMPEchoFrame([4]byte{10, 0, 2, 16}, [4]byte{1, 1, 1, 1}, 7, 1, []byte("x")))
	require.NoError(t, err)
	p.Execute(d)
	out.next(t) // echo reply written by the pump

	p.Close()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func buildICMPEchoFrame(src, dst [4]byte, id, seq uint16, data []byte) []byte {
	msg := make([]byte, 0, 8+len(data))
	msg = append(msg, 8, 0, 0, 0) // type=echo request, code=0, checksum placeholder
	msg = appendUint16Test(msg, id)
	msg = appendUint16Test(msg, seq)
	msg = append(msg, data...)

	toSum := msg
	if len(toSum)%2 != 0 {
		toSum = append(append([]byte(nil), msg...), 0)
	}
	c := checksum.Calculate(toSum)
	binary.BigEndian.PutUint16(msg[2:4], c)

	return buildIPv4Frame(src, dst, byte(ipv4.ProtoICMP), msg)
}
