// Package tun2socks relays IPv4 traffic read from a TUN file
// descriptor through a SOCKS5 upstream, synthesizing TCP/UDP/ICMP
// responses back onto the same descriptor.
package tun2socks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/sfdex/tun2socks/internal/core"
	"github.com/sfdex/tun2socks/internal/ipv4"
	"github.com/sfdex/tun2socks/internal/relay"
	"github.com/sfdex/tun2socks/internal/socks5"
	"github.com/sfdex/tun2socks/internal/tunio"
)

const logTag = "TUN2SOCKS"

// Option configures a Run invocation.
type Option func(*settings)

type settings struct {
	poolSize   int
	initialSeq uint32
	socks      socks5.Config
	target     ipv4.BuildTarget
	logger     *core.Logger
}

// WithPoolSize overrides the default worker pool size (10).
func WithPoolSize(n int) Option {
	return func(s *settings) { s.poolSize = n }
}

// WithInitialSeq pins the TCP initial sequence number the pool's
// responses use, instead of one drawn from crypto/rand per flow.
func WithInitialSeq(isn uint32) Option {
	return func(s *settings) { s.initialSeq = isn }
}

// WithSOCKS5 sets the upstream SOCKS5 proxy every flow is relayed
// through.
func WithSOCKS5(cfg socks5.Config) Option {
	return func(s *settings) { s.socks = cfg }
}

// WithBuildTarget overrides the TUN wire framing (BSD preamble vs bare
// Linux framing). Run defaults this from runtime.GOOS.
func WithBuildTarget(target ipv4.BuildTarget) Option {
	return func(s *settings) { s.target = target }
}

// WithLogger overrides the logger every component logs through.
func WithLogger(l *core.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func defaultBuildTarget() ipv4.BuildTarget {
	switch runtime.GOOS {
	case "darwin", "ios", "freebsd", "netbsd", "openbsd", "dragonfly":
		return ipv4.TargetBSD
	default:
		return ipv4.TargetLinux
	}
}

// Run opens fd as a TUN descriptor, starts the worker pool and output
// pump, and drives the ingress loop until ctx is cancelled or the
// descriptor reaches end of file. It always closes the pool and waits
// for every worker and the pump to exit before returning.
func Run(ctx context.Context, fd int, opts ...Option) error {
	s := settings{
		poolSize: 10,
		target:   defaultBuildTarget(),
		logger:   core.Log,
	}
	for _, opt := range opts {
		opt(&s)
	}

	dev, err := tunio.Open(fd, s.target)
	if err != nil {
		return fmt.Errorf("[%s] open tun: %w", logTag, err)
	}
	defer dev.Close()

	pool := relay.NewPool(dev, relay.Options{
		Size:        s.poolSize,
		InitialSeq:  s.initialSeq,
		SOCKS5:      s.socks,
		BuildTarget: s.target,
		Logger:      s.logger,
	})

	g := pool.Start(ctx)

	// ctx cancellation alone cannot unblock a read already parked in
	// the kernel; closing the descriptor is what actually wakes it, so
	// this goroutine closes it as soon as ctx is done.
	unblock := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			dev.Close()
		case <-unblock:
		}
	}()

	ingressErr := runIngress(ctx, dev, pool, s.logger, s.target)
	close(unblock)

	pool.Close()
	waitErr := g.Wait()

	if ingressErr != nil {
		return ingressErr
	}
	return waitErr
}

// runIngress is the ingress loop: read an MTU-sized frame, strip the
// BSD preamble if present, drop anything too short or non-IPv4, and
// hand the rest to the pool.
func runIngress(ctx context.Context, dev *tunio.Device, pool *relay.Pool, log *core.Logger, target ipv4.BuildTarget) error {
	buf := make([]byte, tunio.MTU)
	var lastErrText string

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := dev.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Infof(logTag, "tun reached end of file")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if text := err.Error(); text != lastErrText {
				lastErrText = text
				log.Warnf(logTag, "tun read error: %v", err)
			}
			continue
		}

		frame := tunio.StripPreamble(buf[:n], target)
		if len(frame) < 20 {
			log.Debugf(logTag, "drop: short frame (%d bytes)", len(frame))
			continue
		}
		if version := frame[0] >> 4; version != 4 {
			log.Warnf(logTag, "drop: unsupported IP version %d", version)
			continue
		}

		datagram, err := ipv4.Parse(frame)
		if err != nil {
			log.Debugf(logTag, "drop: %v", err)
			continue
		}
		pool.Execute(datagram)
	}
}
