//go:build linux

// File: server/tcpserver.go
// Package server provides the accept-loop TCP server skeleton.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A TCPServer composes two I/O schedulers: one runs the accept loops, the
// other runs connection handlers. They are commonly the same instance.

package server

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/momentics/coroio/control"
	"github.com/momentics/coroio/netaddr"
	"github.com/momentics/coroio/reactor"
	"github.com/momentics/coroio/socket"
)

var sysLogger = slog.With("logger", "system")

// ReadTimeoutItem is the receive timeout installed on accepted sockets.
var ReadTimeoutItem = control.GetOrAdd(control.Default(), "tcp_server.read_timeout", uint64(2*60*1000), "tcp server read timeout")

// Handler processes one accepted connection. It runs inside a coroutine on
// the I/O scheduler and owns the socket for its duration.
type Handler func(client *socket.Socket)

// TCPServer drives accept loops over a set of listening sockets.
type TCPServer struct {
	name        string
	ioSched     *reactor.IOScheduler
	acceptSched *reactor.IOScheduler

	mu        sync.Mutex
	listeners []*socket.Socket

	readTimeoutMs atomic.Uint64
	stopped       atomic.Bool
	handler       Handler
}

// New creates a server dispatching handlers on ioSched and accept loops on
// acceptSched. Both may be the same scheduler.
func New(ioSched, acceptSched *reactor.IOScheduler, name string) *TCPServer {
	srv := &TCPServer{
		name:        name,
		ioSched:     ioSched,
		acceptSched: acceptSched,
	}
	srv.stopped.Store(true)
	srv.readTimeoutMs.Store(ReadTimeoutItem.Value())
	srv.handler = srv.defaultHandle
	return srv
}

// SetHandler installs the per-connection handler. Must be called before
// Start.
func (srv *TCPServer) SetHandler(h Handler) { srv.handler = h }

// Name returns the server name.
func (srv *TCPServer) Name() string { return srv.name }

// ReadTimeoutMs returns the receive timeout applied to accepted sockets.
func (srv *TCPServer) ReadTimeoutMs() uint64 { return srv.readTimeoutMs.Load() }

// SetReadTimeoutMs overrides the receive timeout for accepted sockets.
func (srv *TCPServer) SetReadTimeoutMs(ms uint64) { srv.readTimeoutMs.Store(ms) }

// IsStopped reports whether the server is not accepting.
func (srv *TCPServer) IsStopped() bool { return srv.stopped.Load() }

// Bind creates, binds and listens a socket on addr.
func (srv *TCPServer) Bind(addr netaddr.Address) error {
	fails := srv.BindMany([]netaddr.Address{addr})
	if len(fails) != 0 {
		return fmt.Errorf("server: bind %s failed", addr)
	}
	return nil
}

// BindMany binds every address, returning the ones that failed. Any failure
// releases all listeners so the server binds all-or-nothing.
func (srv *TCPServer) BindMany(addrs []netaddr.Address) []netaddr.Address {
	var fails []netaddr.Address
	var bound []*socket.Socket
	for _, addr := range addrs {
		sock, err := socket.NewTCP(addr)
		if err != nil {
			sysLogger.Error("listener create failed", "addr", addr.String(), "error", err)
			fails = append(fails, addr)
			continue
		}
		if err := sock.Bind(addr); err != nil {
			sysLogger.Error("listener bind failed", "addr", addr.String(), "error", err)
			sock.Close()
			fails = append(fails, addr)
			continue
		}
		if err := sock.Listen(0); err != nil {
			sysLogger.Error("listener listen failed", "addr", addr.String(), "error", err)
			sock.Close()
			fails = append(fails, addr)
			continue
		}
		bound = append(bound, sock)
	}
	if len(fails) != 0 {
		for _, sock := range bound {
			sock.Close()
		}
		return fails
	}
	srv.mu.Lock()
	srv.listeners = append(srv.listeners, bound...)
	srv.mu.Unlock()
	for _, sock := range bound {
		sysLogger.Info("server listening", "name", srv.name, "addr", sock.LocalAddress().String())
	}
	return nil
}

// Listeners returns the bound listening sockets.
func (srv *TCPServer) Listeners() []*socket.Socket {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*socket.Socket, len(srv.listeners))
	copy(out, srv.listeners)
	return out
}

// Start submits one accept loop per listener to the accept scheduler.
func (srv *TCPServer) Start() {
	if !srv.stopped.Swap(false) {
		return
	}
	for _, listener := range srv.Listeners() {
		l := listener
		srv.acceptSched.SubmitFunc(func() { srv.acceptLoop(l) }, -1)
	}
}

// Stop wakes every accept coroutine with a failing accept and closes the
// listeners.
func (srv *TCPServer) Stop() {
	if srv.stopped.Swap(true) {
		return
	}
	srv.acceptSched.SubmitFunc(func() {
		for _, listener := range srv.Listeners() {
			listener.CancelPending()
			listener.Close()
		}
	}, -1)
}

func (srv *TCPServer) acceptLoop(listener *socket.Socket) {
	for !srv.IsStopped() {
		client, err := listener.Accept()
		if err != nil {
			if srv.IsStopped() {
				return
			}
			sysLogger.Error("accept failed", "name", srv.name, "error", err)
			continue
		}
		sysLogger.Info("connection accepted",
			"name", srv.name,
			"local", listener.LocalAddress().String(),
			"remote", client.RemoteAddress().String())
		if err := client.SetReadTimeout(srv.readTimeoutMs.Load()); err != nil {
			sysLogger.Error("read timeout install failed", "error", err)
		}
		srv.ioSched.SubmitFunc(func() { srv.handler(client) }, -1)
	}
}

// defaultHandle logs and closes; real servers install their own handler.
func (srv *TCPServer) defaultHandle(client *socket.Socket) {
	sysLogger.Info("connection dropped by default handler", "name", srv.name, "socket", client.String())
	client.Close()
}

// String describes the server and its listeners.
func (srv *TCPServer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TcpServer[%s] read_timeout=%dms stopped=%v\n",
		srv.name, srv.readTimeoutMs.Load(), srv.stopped.Load())
	for _, l := range srv.Listeners() {
		fmt.Fprintf(&sb, "  %s\n", l.String())
	}
	return sb.String()
}
