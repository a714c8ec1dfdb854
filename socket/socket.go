//go:build linux

// File: socket/socket.go
// Package socket is a thin state-carrying facade over raw descriptors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every I/O method goes through the hook layer, so a blocking API is
// presented to the caller while the coroutine underneath suspends
// cooperatively. The wrapper remembers family, bound and peer addresses and
// connection state; it does not own any protocol logic.

package socket

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/hook"
	"github.com/momentics/coroio/netaddr"
)

var sysLogger = slog.With("logger", "system")

// Socket wraps one descriptor with its endpoint state.
type Socket struct {
	fd     int
	family int
	typ    int
	proto  int

	local     netaddr.Address
	remote    netaddr.Address
	connected bool
	closed    atomic.Bool
}

// NewTCP creates a TCP socket for the family of addr.
func NewTCP(addr netaddr.Address) (*Socket, error) {
	return create(addr.Family(), unix.SOCK_STREAM, 0)
}

// NewUDP creates a UDP socket for the family of addr.
func NewUDP(addr netaddr.Address) (*Socket, error) {
	s, err := create(addr.Family(), unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	// Datagram sockets are usable without connect.
	s.connected = true
	return s, nil
}

// NewUnixStream creates a stream socket in the unix domain.
func NewUnixStream() (*Socket, error) {
	return create(unix.AF_UNIX, unix.SOCK_STREAM, 0)
}

func create(family, typ, proto int) (*Socket, error) {
	fd, err := hook.Socket(family, typ|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	s := &Socket{fd: fd, family: family, typ: typ, proto: proto}
	s.initOptions()
	return s, nil
}

// fromFD wraps an accepted descriptor.
func fromFD(fd, family, typ, proto int, remote netaddr.Address) *Socket {
	s := &Socket{
		fd:        fd,
		family:    family,
		typ:       typ,
		proto:     proto,
		remote:    remote,
		connected: true,
	}
	s.initOptions()
	return s
}

func (s *Socket) initOptions() {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if s.typ == unix.SOCK_STREAM && s.family != unix.AF_UNIX {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
}

// FD returns the wrapped descriptor.
func (s *Socket) FD() int { return s.fd }

// LocalAddress returns the bound address, if any.
func (s *Socket) LocalAddress() netaddr.Address { return s.local }

// RemoteAddress returns the peer address, if any.
func (s *Socket) RemoteAddress() netaddr.Address { return s.remote }

// IsConnected reports whether the socket has a live peer.
func (s *Socket) IsConnected() bool { return s.connected && !s.closed.Load() }

// Bind binds the socket to addr.
func (s *Socket) Bind(addr netaddr.Address) error {
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		sysLogger.Error("bind failed", "addr", addr.String(), "error", err)
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.refreshLocal()
	return nil
}

// Listen marks the socket as accepting. A non-positive backlog takes the
// system maximum.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		sysLogger.Error("listen failed", "addr", addrString(s.local), "error", err)
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Accept waits for one connection and returns the wrapped peer socket.
func (s *Socket) Accept() (*Socket, error) {
	nfd, sa, err := hook.Accept(s.fd)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	peer := fromFD(nfd, s.family, s.typ, s.proto, netaddr.FromSockaddr(sa))
	peer.refreshLocal()
	return peer, nil
}

// Connect establishes a connection with the configured default timeout.
func (s *Socket) Connect(addr netaddr.Address) error {
	return s.connect(addr, func() error {
		return hook.Connect(s.fd, addr.Sockaddr())
	})
}

// ConnectWithTimeout establishes a connection within timeoutMs.
func (s *Socket) ConnectWithTimeout(addr netaddr.Address, timeoutMs uint64) error {
	return s.connect(addr, func() error {
		return hook.ConnectWithTimeout(s.fd, addr.Sockaddr(), timeoutMs)
	})
}

func (s *Socket) connect(addr netaddr.Address, dial func() error) error {
	if err := dial(); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	s.remote = addr
	s.connected = true
	s.refreshLocal()
	return nil
}

// Send writes p to the connected peer as a one-element gather write.
func (s *Socket) Send(p []byte, flags int) (int, error) {
	if !s.IsConnected() {
		return -1, unix.ENOTCONN
	}
	return hook.Sendmsg(s.fd, [][]byte{p}, nil, nil, flags)
}

// SendBuffers gather-writes iovs to the connected peer.
func (s *Socket) SendBuffers(iovs [][]byte) (int, error) {
	if !s.IsConnected() {
		return -1, unix.ENOTCONN
	}
	return hook.Writev(s.fd, iovs)
}

// SendTo writes p to an explicit destination.
func (s *Socket) SendTo(p []byte, flags int, to netaddr.Address) (int, error) {
	return hook.Sendto(s.fd, p, flags, to.Sockaddr())
}

// Recv reads into p from the connected peer as a one-element scatter read.
func (s *Socket) Recv(p []byte, flags int) (int, error) {
	if !s.IsConnected() {
		return -1, unix.ENOTCONN
	}
	n, _, _, err := hook.Recvmsg(s.fd, [][]byte{p}, nil, flags)
	return n, err
}

// RecvBuffers scatter-reads into iovs from the connected peer.
func (s *Socket) RecvBuffers(iovs [][]byte) (int, error) {
	if !s.IsConnected() {
		return -1, unix.ENOTCONN
	}
	return hook.Readv(s.fd, iovs)
}

// RecvFrom reads into p, reporting the sender.
func (s *Socket) RecvFrom(p []byte, flags int) (int, netaddr.Address, error) {
	n, sa, err := hook.Recvfrom(s.fd, p, flags)
	if err != nil {
		return n, nil, err
	}
	return n, netaddr.FromSockaddr(sa), nil
}

// SetReadTimeout installs a millisecond receive timeout.
func (s *Socket) SetReadTimeout(ms uint64) error {
	return hook.SetTimeout(s.fd, unix.SO_RCVTIMEO, ms)
}

// SetWriteTimeout installs a millisecond send timeout.
func (s *Socket) SetWriteTimeout(ms uint64) error {
	return hook.SetTimeout(s.fd, unix.SO_SNDTIMEO, ms)
}

// LastError drains the socket's pending error state.
func (s *Socket) LastError() error {
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// CancelPending wakes any coroutine suspended on this socket so it observes
// a failing retry. Used by server shutdown before Close.
func (s *Socket) CancelPending() {
	hook.CancelPending(s.fd)
}

// Close shuts the descriptor down once; repeated calls are no-ops.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.connected = false
	return hook.Close(s.fd)
}

func (s *Socket) refreshLocal() {
	if sa, err := unix.Getsockname(s.fd); err == nil {
		s.local = netaddr.FromSockaddr(sa)
	}
}

// String describes the socket state.
func (s *Socket) String() string {
	return fmt.Sprintf("Socket[fd=%d family=%d connected=%v local=%s remote=%s]",
		s.fd, s.family, s.connected, addrString(s.local), addrString(s.remote))
}

func addrString(a netaddr.Address) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
