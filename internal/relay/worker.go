package relay

import (
	"context"
	"time"

	"github.com/sfdex/tun2socks/internal/icmp"
	"github.com/sfdex/tun2socks/internal/ipv4"
	"github.com/sfdex/tun2socks/internal/socks5"
	"github.com/sfdex/tun2socks/internal/tcp"
)

const defaultConnectTimeout = 5 * time.Second

// submission is one payload handed from the pool to a worker. The
// sequence number a flow should use is tracked by the pool's slot and
// applied when the pump packs a response, not by the worker.
type submission struct {
	t *task
}

// worker owns at most one upstream socket at a time and runs the flow
// state machine for whichever fingerprint the pool currently has bound
// to its slot. It never touches slot or pool state directly — every
// observation it makes is reported as an event.
type worker struct {
	id     int
	inbox  chan submission
	events chan<- workerEvent
	socks  socks5.Config

	tcp            *socks5.TCPClient
	tcpEstablished bool
	udp            *socks5.UDPAssociate
}

func newWorker(id int, events chan<- workerEvent, socks socks5.Config) *worker {
	return &worker{
		id:     id,
		inbox:  make(chan submission, 64),
		events: events,
		socks:  socks,
	}
}

// submit hands a payload to this worker, blocking if its inbound queue
// is full. Called only from Pool.Execute.
func (w *worker) submit(t *task) {
	w.inbox <- submission{t: t}
}

func (w *worker) connectTimeout() time.Duration {
	if w.socks.ConnectTimeout > 0 {
		return w.socks.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (w *worker) report(e workerEvent) {
	select {
	case w.events <- e:
	default:
		// Pump has stopped consuming (shutdown in progress); drop
		// rather than leak this goroutine on a blocked send.
	}
}

// run is the worker's dedicated loop: one payload at a time, polling
// ctx between them as the running flag the original implementation
// checked.
func (w *worker) run(ctx context.Context) error {
	defer w.closeUpstream()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub := <-w.inbox:
			w.handle(ctx, sub)
		}
	}
}

func (w *worker) handle(ctx context.Context, sub submission) {
	switch sub.t.proto {
	case ipv4.ProtoTCP:
		w.handleTCP(ctx, sub.t)
	case ipv4.ProtoUDP:
		w.handleUDP(ctx, sub.t)
	case ipv4.ProtoICMP:
		w.handleICMP(sub.t)
	}
}

func (w *worker) closeUpstream() {
	if w.tcp != nil {
		w.tcp.Close()
		w.tcp = nil
		w.tcpEstablished = false
	}
	if w.udp != nil {
		w.udp.Close()
		w.udp = nil
	}
}

// handleTCP implements the TCP half of §4.8: the first payload for a
// fingerprint opens the upstream connection and reports SYN_ACK; every
// later payload is written to the existing connection and reports ACK.
func (w *worker) handleTCP(ctx context.Context, t *task) {
	switch t.tcp.Classify() {
	case tcp.ClassFIN:
		w.closeUpstream()
		w.report(tcpStateEvent(w.id, TCPFinWait))
		w.report(idleEvent(w.id))
		return
	case tcp.ClassFINACK:
		w.report(messageEvent(w.id, byte(tcp.ClassACK), nil))
		w.report(messageEvent(w.id, byte(tcp.ClassFINACK), nil))
		w.closeUpstream()
		w.report(tcpStateEvent(w.id, TCPFinWait))
		w.report(idleEvent(w.id))
		return
	case tcp.ClassRST, tcp.ClassRSTACK:
		w.closeUpstream()
		w.report(tcpStateEvent(w.id, TCPRstWait))
		w.report(idleEvent(w.id))
		return
	}

	if w.tcp != nil {
		if err := w.tcp.Send(t.data()); err != nil {
			w.report(logEvent(w.id, "send to upstream failed: %v", err))
			w.report(messageEvent(w.id, byte(tcp.ClassRST), nil))
			w.report(idleEvent(w.id))
			w.tcp.Close()
			w.tcp = nil
			w.tcpEstablished = false
			return
		}
		if !w.tcpEstablished {
			w.tcpEstablished = true
			w.report(tcpStateEvent(w.id, TCPCommunication))
		}
		w.report(messageEvent(w.id, byte(tcp.ClassACK), nil))
		return
	}

	dst := t.dstAddr()
	w.report(logEvent(w.id, "connecting to %s", dst))

	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout())
	client, err := socks5.DialTCP(dialCtx, w.socks, dst)
	cancel()
	if err != nil {
		w.report(logEvent(w.id, "connect failed: %v", err))
		w.report(messageEvent(w.id, byte(tcp.ClassRST), nil))
		w.report(idleEvent(w.id))
		return
	}
	w.tcp = client
	w.report(logEvent(w.id, "connected as %s", client.ID))

	w.report(messageEvent(w.id, byte(tcp.ClassSYNACK), nil))
	w.report(tcpStateEvent(w.id, TCPSynAckWait))

	id, events := w.id, w.events
	go func(c *socks5.TCPClient) {
		c.Recv(context.Background(),
			func(b []byte) { reportTo(events, messageEvent(id, byte(tcp.ClassPSHACK), b)) },
			func(error) {
				reportTo(events, messageEvent(id, byte(tcp.ClassRST), nil))
				reportTo(events, idleEvent(id))
			},
		)
	}(client)
}

// handleUDP implements §4.8's UDP flow: first payload opens an
// ephemeral UDP ASSOCIATE session and sends it, later payloads reuse
// it. flag is always 0, signalling the pump to emit a UDP datagram.
func (w *worker) handleUDP(ctx context.Context, t *task) {
	if w.udp != nil {
		if _, err := w.udp.Write(t.data()); err != nil {
			w.report(logEvent(w.id, "send to upstream failed: %v", err))
			w.report(idleEvent(w.id))
			w.udp.Close()
			w.udp = nil
		}
		return
	}

	dst := t.dstAddr()
	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout())
	assoc, err := socks5.DialUDPAssociate(dialCtx, w.socks, dst)
	cancel()
	if err != nil {
		w.report(logEvent(w.id, "UDP associate failed: %v", err))
		w.report(idleEvent(w.id))
		return
	}

	if _, err := assoc.Write(t.data()); err != nil {
		w.report(logEvent(w.id, "send to upstream failed: %v", err))
		w.report(idleEvent(w.id))
		assoc.Close()
		return
	}
	w.udp = assoc

	w.report(udpStateEvent(w.id, UDPCommunication))

	id, events := w.id, w.events
	go func(a *socks5.UDPAssociate) {
		buf := make([]byte, 65535)
		for {
			n, err := a.Read(buf)
			if err != nil {
				reportTo(events, idleEvent(id))
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			reportTo(events, messageEvent(id, 0, chunk))
		}
	}(assoc)
}

// handleICMP implements §4.5/§4.8: an echo request is answered
// synchronously with no upstream contact.
func (w *worker) handleICMP(t *task) {
	if t.icmp.Type != icmp.TypeEchoRequest || t.icmp.Echo == nil {
		w.report(logEvent(w.id, "drop: unsupported ICMP %s", t.icmp.Type))
		w.report(idleEvent(w.id))
		return
	}
	w.report(icmpStateEvent(w.id, ICMPCommunication))
	reply := t.icmp.Reply()
	w.report(messageEvent(w.id, 0, reply))
	w.report(icmpStateEvent(w.id, ICMPDestroy))
	w.report(idleEvent(w.id))
}

// reportTo is report for a reader goroutine, which does not hold
// a *worker (the worker itself may have already moved on to a new
// flow by the time a read completes).
func reportTo(events chan<- workerEvent, e workerEvent) {
	select {
	case events <- e:
	default:
	}
}
