//go:build linux

// File: cmd/coroserve/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// coroserve is a demonstration echo server on top of the coroio runtime:
// one I/O scheduler carries both the accept loop and connection handlers.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/coroio/control"
	"github.com/momentics/coroio/coro"
	"github.com/momentics/coroio/netaddr"
	"github.com/momentics/coroio/reactor"
	"github.com/momentics/coroio/server"
	"github.com/momentics/coroio/socket"
	"github.com/momentics/coroio/thread"
)

var (
	flagConfig  string
	flagListen  string
	flagThreads int
	flagTimeout uint64
)

func main() {
	root := &cobra.Command{
		Use:   "coroserve",
		Short: "Coroutine-scheduled TCP echo server",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	root.Flags().StringVarP(&flagListen, "listen", "l", "0.0.0.0:8040", "listen address (host:port)")
	root.Flags().IntVarP(&flagThreads, "threads", "t", 2, "scheduler thread count")
	root.Flags().Uint64Var(&flagTimeout, "read-timeout", 0, "per-connection read timeout in ms (0 = configured default)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagConfig != "" {
		if err := control.Default().LoadYAMLFile(flagConfig); err != nil {
			return err
		}
	}
	control.Default().LoadEnv("COROIO")

	addr, err := netaddr.FromString(flagListen)
	if err != nil {
		return err
	}

	sched, err := reactor.New(flagThreads, true, "coroserve")
	if err != nil {
		return err
	}

	srv := server.New(sched, sched, "echo")
	if flagTimeout > 0 {
		srv.SetReadTimeoutMs(flagTimeout)
	}
	srv.SetHandler(echoHandler)
	if err := srv.Bind(addr); err != nil {
		return err
	}

	metrics := control.NewMetricsRegistry()
	metrics.Register("coroutines.live", func() any { return coro.Live() })
	metrics.Register("threads.live", func() any { return thread.Live() })
	metrics.Register("reactor.pending_events", func() any { return sched.PendingEvents() })
	metrics.Register("reactor.idle_workers", func() any { return sched.IdleWorkers() })

	if err := sched.Start(); err != nil {
		return err
	}
	srv.Start()
	slog.Info("coroserve running", "listen", addr.String(), "threads", flagThreads)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("coroserve shutting down", "metrics", metrics.GetSnapshot())
	srv.Stop()
	sched.Stop()
	return nil
}

func echoHandler(client *socket.Socket) {
	defer client.Close()
	buf := make([]byte, 4096)
	for {
		n, err := client.Recv(buf, 0)
		if err != nil || n == 0 {
			return
		}
		off := 0
		for off < n {
			w, err := client.Send(buf[off:n], 0)
			if err != nil {
				return
			}
			off += w
		}
	}
}
