//go:build linux

// File: netaddr/address.go
// Package netaddr wraps socket addresses for IPv4, IPv6 and unix domains.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netaddr

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Address is a bindable or connectable endpoint.
type Address interface {
	// Family returns the address family (unix.AF_INET, AF_INET6, AF_UNIX).
	Family() int
	// Sockaddr converts to the raw form syscalls take.
	Sockaddr() unix.Sockaddr
	// String renders host:port or the socket path.
	String() string
}

// IPv4Addr is an AF_INET endpoint.
type IPv4Addr struct {
	IP   [4]byte
	Port int
}

// NewIPv4 parses a dotted-quad address.
func NewIPv4(host string, port int) (*IPv4Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("netaddr: parse %q: invalid address", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("netaddr: %q is not an IPv4 address", host)
	}
	a := &IPv4Addr{Port: port}
	copy(a.IP[:], v4)
	return a, nil
}

// IPv4Loopback returns 127.0.0.1 on the given port.
func IPv4Loopback(port int) *IPv4Addr {
	return &IPv4Addr{IP: [4]byte{127, 0, 0, 1}, Port: port}
}

// IPv4Any returns 0.0.0.0 on the given port.
func IPv4Any(port int) *IPv4Addr {
	return &IPv4Addr{Port: port}
}

func (a *IPv4Addr) Family() int { return unix.AF_INET }

func (a *IPv4Addr) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrInet4{Port: a.Port, Addr: a.IP}
}

func (a *IPv4Addr) String() string {
	return net.JoinHostPort(net.IP(a.IP[:]).String(), strconv.Itoa(a.Port))
}

// IPv6Addr is an AF_INET6 endpoint.
type IPv6Addr struct {
	IP   [16]byte
	Port int
	Zone uint32
}

// NewIPv6 parses a textual IPv6 address.
func NewIPv6(host string, port int) (*IPv6Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil || ip.To16() == nil {
		return nil, fmt.Errorf("netaddr: parse %q: invalid address", host)
	}
	a := &IPv6Addr{Port: port}
	copy(a.IP[:], ip.To16())
	return a, nil
}

// IPv6Loopback returns ::1 on the given port.
func IPv6Loopback(port int) *IPv6Addr {
	a := &IPv6Addr{Port: port}
	copy(a.IP[:], net.IPv6loopback)
	return a
}

func (a *IPv6Addr) Family() int { return unix.AF_INET6 }

func (a *IPv6Addr) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrInet6{Port: a.Port, Addr: a.IP, ZoneId: a.Zone}
}

func (a *IPv6Addr) String() string {
	return net.JoinHostPort(net.IP(a.IP[:]).String(), strconv.Itoa(a.Port))
}

// UnixAddr is an AF_UNIX endpoint.
type UnixAddr struct {
	Path string
}

// NewUnix wraps a filesystem socket path.
func NewUnix(path string) *UnixAddr { return &UnixAddr{Path: path} }

func (a *UnixAddr) Family() int { return unix.AF_UNIX }

func (a *UnixAddr) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrUnix{Name: a.Path}
}

func (a *UnixAddr) String() string { return a.Path }

// FromString parses "host:port" into an IPv4 or IPv6 address.
func FromString(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("netaddr: parse %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("netaddr: parse port %q: %w", portStr, err)
	}
	if host == "" {
		return IPv4Any(port), nil
	}
	if v4, err := NewIPv4(host, port); err == nil {
		return v4, nil
	}
	return NewIPv6(host, port)
}

// FromSockaddr converts a raw sockaddr back into an Address.
func FromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &IPv4Addr{IP: v.Addr, Port: v.Port}
	case *unix.SockaddrInet6:
		return &IPv6Addr{IP: v.Addr, Port: v.Port, Zone: v.ZoneId}
	case *unix.SockaddrUnix:
		return &UnixAddr{Path: v.Name}
	}
	return nil
}
