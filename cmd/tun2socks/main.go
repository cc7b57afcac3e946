// Command tun2socks relays a TUN file descriptor through a SOCKS5
// upstream. It expects the descriptor to already be open (created and
// configured by the caller, e.g. a wrapper process or test harness)
// and passed by number on the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tun2socks "github.com/sfdex/tun2socks"
	"github.com/sfdex/tun2socks/internal/config"
	"github.com/sfdex/tun2socks/internal/core"
)

func main() {
	fd := flag.Int("fd", -1, "open TUN file descriptor")
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if *fd < 0 {
		fmt.Fprintln(os.Stderr, "tun2socks: -fd is required")
		os.Exit(2)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "tun2socks: -config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tun2socks: %v\n", err)
		os.Exit(1)
	}
	core.Init(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = tun2socks.Run(ctx, *fd,
		tun2socks.WithPoolSize(cfg.PoolSize),
		tun2socks.WithInitialSeq(cfg.InitialSeq),
		tun2socks.WithSOCKS5(cfg.SOCKS5.ToClientConfig(cfg.ConnectTimeout)),
		tun2socks.WithLogger(core.Log),
	)
	if err != nil {
		core.Log.Errorf("MAIN", "run exited with error: %v", err)
		os.Exit(1)
	}
}
