//go:build linux

// File: server/tcpserver_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server_test

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/momentics/coroio/netaddr"
	"github.com/momentics/coroio/reactor"
	"github.com/momentics/coroio/server"
	"github.com/momentics/coroio/socket"
)

func TestEchoHandshake(t *testing.T) {
	sched, err := reactor.New(2, false, "echo_sched")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}

	srv := server.New(sched, sched, "handshake")
	srv.SetHandler(func(client *socket.Socket) {
		defer client.Close()
		buf := make([]byte, 16)
		n, err := client.Recv(buf, 0)
		if err != nil || string(buf[:n]) != "PING" {
			return
		}
		client.Send([]byte("PONG"), 0)
	})
	if err := srv.Bind(netaddr.IPv4Loopback(0)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	addr := srv.Listeners()[0].LocalAddress()
	srv.Start()

	got := make(chan string, 1)
	fail := make(chan error, 1)
	sched.SubmitFunc(func() {
		client, err := socket.NewTCP(addr)
		if err != nil {
			fail <- err
			return
		}
		defer client.Close()
		if err := client.ConnectWithTimeout(addr, 2000); err != nil {
			fail <- err
			return
		}
		if _, err := client.Send([]byte("PING"), 0); err != nil {
			fail <- err
			return
		}
		// Read until orderly close so nothing trails the PONG.
		var all []byte
		buf := make([]byte, 16)
		for {
			n, err := client.Recv(buf, 0)
			if n > 0 {
				all = append(all, buf[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}
		got <- string(all)
	}, -1)

	var eg errgroup.Group
	eg.Go(func() error {
		select {
		case s := <-got:
			if s != "PONG" {
				return fmt.Errorf("client read %q, want PONG", s)
			}
			return nil
		case err := <-fail:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("handshake timed out")
		}
	})
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	srv.Stop()
	sched.Stop()
	if got := sched.PendingEvents(); got != 0 {
		t.Errorf("pending events = %d after shutdown", got)
	}
}

func TestServerStopWakesAcceptLoop(t *testing.T) {
	sched, err := reactor.New(1, false, "stop_sched")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}

	srv := server.New(sched, sched, "stopper")
	if err := srv.Bind(netaddr.IPv4Loopback(0)); err != nil {
		t.Fatal(err)
	}
	srv.Start()
	// Give the accept coroutine time to park in its accept wait.
	time.Sleep(50 * time.Millisecond)

	srv.Stop()
	sched.Stop()

	if !srv.IsStopped() {
		t.Error("server does not report stopped")
	}
	if got := sched.PendingEvents(); got != 0 {
		t.Errorf("pending events = %d after stop", got)
	}
}

func TestBindManyAllOrNothing(t *testing.T) {
	sched, err := reactor.New(1, false, "bind_sched")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(sched, sched, "binder")

	occupied, err := socket.NewTCP(netaddr.IPv4Loopback(0))
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()
	if err := occupied.Bind(netaddr.IPv4Loopback(0)); err != nil {
		t.Fatal(err)
	}
	if err := occupied.Listen(0); err != nil {
		t.Fatal(err)
	}
	takenPort := occupied.LocalAddress().(*netaddr.IPv4Addr).Port

	fails := srv.BindMany([]netaddr.Address{
		netaddr.IPv4Loopback(0),
		netaddr.IPv4Loopback(takenPort),
	})
	if len(fails) != 1 {
		t.Fatalf("fails = %v, want the occupied address only", fails)
	}
	if got := len(srv.Listeners()); got != 0 {
		t.Errorf("partial bind kept %d listeners, want 0", got)
	}
}
