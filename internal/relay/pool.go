package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sfdex/tun2socks/internal/core"
	"github.com/sfdex/tun2socks/internal/ipv4"
	"github.com/sfdex/tun2socks/internal/socks5"
)

const logTag = "RELAY"

// Writer is the single destination pump events are re-encapsulated
// to. The TUN descriptor wrapper in internal/tunio satisfies this.
type Writer interface {
	Write(b []byte) (int, error)
}

// Options configures a Pool.
type Options struct {
	Size        int
	InitialSeq  uint32
	SOCKS5      socks5.Config
	BuildTarget ipv4.BuildTarget
	Logger      *core.Logger
}

// Pool holds a fixed-size vector of worker slots and the single
// ordered event channel every worker reports through. The vector is
// written only at construction; during steady state Execute (called
// from the ingress goroutine) binds slots and the pump goroutine
// records state on them and clears them, both under mu.
type Pool struct {
	mu    sync.Mutex
	slots []*slot

	events  chan workerEvent
	workers []*worker

	out           Writer
	target        ipv4.BuildTarget
	log           *core.Logger
	configuredISN uint32

	cancel context.CancelFunc
}

// NewPool constructs a pool of opts.Size idle slots (default 10) and
// their workers. Workers do not start consuming until Start is called.
func NewPool(out Writer, opts Options) *Pool {
	size := opts.Size
	if size <= 0 {
		size = 10
	}
	log := opts.Logger
	if log == nil {
		log = core.Log
	}

	p := &Pool{
		slots:         make([]*slot, size),
		events:        make(chan workerEvent, size*4),
		out:           out,
		target:        opts.BuildTarget,
		log:           log,
		configuredISN: opts.InitialSeq,
	}

	p.workers = make([]*worker, size)
	for i := 0; i < size; i++ {
		p.slots[i] = &slot{id: i}
		p.workers[i] = newWorker(i, p.events, opts.SOCKS5)
	}
	return p
}

// Start launches every worker goroutine and the pump goroutine under a
// shared errgroup derived from ctx. Close cancels that derived context,
// which ends the pump's channel receive, each idle worker's wait for
// its next payload, and any upstream dial in progress; a write already
// blocked on an upstream socket is not interrupted. Callers still wait
// on the returned group to confirm they have all exited.
func (p *Pool) Start(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	p.cancel = cancel

	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	g.Go(func() error { return p.run(gctx) })
	return g
}

// Execute routes a parsed datagram to the worker slot matching its
// fingerprint, binding a free slot on first sight. A datagram that
// cannot be parsed, or that finds no matching and no free slot, is
// dropped and logged.
func (p *Pool) Execute(d *ipv4.Datagram) {
	fp, t, err := parseTask(d)
	if err != nil {
		p.log.Debugf(logTag, "drop: %v", err)
		return
	}

	p.mu.Lock()
	id, ok := p.routeLocked(fp)
	if !ok {
		p.mu.Unlock()
		p.log.Warnf(logTag, "pool exhausted, dropping flow %s", fp)
		return
	}
	s := p.slots[id]
	if s.idle() {
		s.fingerprint = fp
		s.isn = p.initialSeq()
	}
	s.task = t
	p.mu.Unlock()

	p.workers[id].submit(t)
}

// routeLocked finds the slot bound to fp, or else the first free slot.
// Caller holds p.mu.
func (p *Pool) routeLocked(fp Fingerprint) (int, bool) {
	free := -1
	for i, s := range p.slots {
		if s.fingerprint == fp {
			return i, true
		}
		if free == -1 && s.idle() {
			free = i
		}
	}
	if free == -1 {
		return 0, false
	}
	return free, true
}

func (p *Pool) initialSeq() uint32 {
	if p.configuredISN != 0 {
		return p.configuredISN
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 3001
	}
	return binary.BigEndian.Uint32(b[:])
}

// run is the output pump: the single consumer of the event channel and
// the only goroutine that writes to out.
func (p *Pool) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case we, ok := <-p.events:
			if !ok {
				return nil
			}
			p.handle(we)
		}
	}
}

func (p *Pool) handle(we workerEvent) {
	p.mu.Lock()
	s := p.slots[we.id]

	switch we.event.Kind {
	case EventIdle:
		s.reset()
		p.mu.Unlock()
		return
	case EventTCPState:
		s.tcpState = we.event.TCP
		p.mu.Unlock()
		return
	case EventUDPState:
		s.udpState = we.event.UDP
		p.mu.Unlock()
		return
	case EventICMPState:
		s.icmpState = we.event.ICMP
		p.mu.Unlock()
		return
	case EventLog:
		p.mu.Unlock()
		p.log.Infof(fmt.Sprintf("%s-%d", logTag, we.id), "%s", we.event.Log)
		return
	}

	t := s.task
	isn := s.isn
	p.mu.Unlock()

	if t == nil {
		return
	}

	segment := t.payload.pack(we.event.Flag, we.event.Bytes, isn)
	frame := t.datagram.Respond(segment, p.target)
	if _, err := p.out.Write(frame); err != nil {
		p.log.Warnf(logTag, "write to TUN failed: %v", err)
	}
}

// Close cancels the pool's run context. Each worker observes this
// between payloads (or immediately, if blocked in upstream I/O once
// that I/O unblocks), closes its upstream socket, and exits; the pump
// exits on the same cancellation. Callers wait on the *errgroup.Group
// returned by Start to know the pool has fully drained.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}
