// Command tun2socksffi builds as a C shared library exposing the
// foreign-callable tun2socks entry point, mirroring the original
// `#[no_mangle] extern "C" fn tun2socks` symbol: the host hands over an
// open TUN file descriptor and a log path, and control returns only
// once the process-wide stop has been requested and ingress exits.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"sync"

	tun2socks "github.com/sfdex/tun2socks"
	"github.com/sfdex/tun2socks/internal/config"
	"github.com/sfdex/tun2socks/internal/core"
)

var (
	mu     sync.Mutex
	cancel context.CancelFunc
)

//export Tun2socks
func Tun2socks(fd C.int, logPath *C.char, configPath *C.char) {
	path := C.GoString(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		core.Log.Errorf("FFI", "config load failed: %v", err)
		return
	}

	logCfg := cfg.Log
	if p := C.GoString(logPath); p != "" {
		logCfg.Path = p
	}
	core.Init(logCfg)

	ctx, stop := context.WithCancel(context.Background())
	mu.Lock()
	cancel = stop
	mu.Unlock()

	err = tun2socks.Run(ctx, int(fd),
		tun2socks.WithPoolSize(cfg.PoolSize),
		tun2socks.WithInitialSeq(cfg.InitialSeq),
		tun2socks.WithSOCKS5(cfg.SOCKS5.ToClientConfig(cfg.ConnectTimeout)),
		tun2socks.WithLogger(core.Log),
	)
	if err != nil {
		core.Log.Errorf("FFI", "run exited with error: %v", err)
	}
}

//export Tun2socksStop
func Tun2socksStop() {
	mu.Lock()
	defer mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func main() {}
