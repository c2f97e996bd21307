// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bechat-go/corenet/metrics"
)

// installSigHandler mirrors client/signal.go's pattern but dumps this
// program's own Stats instead of kcp.DefaultSnmp.
func installSigHandler(stats *metrics.Stats) {
	go sigHandler(stats)
}

func sigHandler(stats *metrics.Stats) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	for range ch {
		sn := stats.Snapshot()
		log.Printf("bechat stats: %+v", sn)
	}
}
