//go:build linux

// File: fdinfo/fdinfo.go
// Package fdinfo tracks per-descriptor state for the cooperative I/O layer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every descriptor the hook layer registers (sockets it creates or accepts,
// and descriptors passed to its Track or SetTimeout) gets an Info record;
// the data-path wrappers only look records up and never create them.
// Sockets are put into non-blocking mode at the system level the first time
// they are observed; the user-level flag keeps the mode the application
// asked for, so flag queries keep answering what the user expects.

package fdinfo

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// NoTimeout is the sentinel for "wait forever".
const NoTimeout = ^uint64(0)

// Info is the runtime bookkeeping for one file descriptor.
type Info struct {
	fd int

	isSocket bool
	closed   atomic.Bool

	mu           sync.Mutex
	userNonblock bool
	sysNonblock  bool

	readTimeoutMs  atomic.Uint64
	writeTimeoutMs atomic.Uint64
}

// newInfo probes the descriptor and, for sockets, forces system-level
// non-blocking mode.
func newInfo(fd int) *Info {
	fi := &Info{fd: fd}
	fi.readTimeoutMs.Store(NoTimeout)
	fi.writeTimeoutMs.Store(NoTimeout)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil {
		fi.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	if fi.isSocket {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		fi.sysNonblock = true
	}
	return fi
}

// FD returns the descriptor number.
func (fi *Info) FD() int { return fi.fd }

// IsSocket reports whether the descriptor is a socket.
func (fi *Info) IsSocket() bool { return fi.isSocket }

// IsClosed reports whether the descriptor was closed through the hook layer.
func (fi *Info) IsClosed() bool { return fi.closed.Load() }

// MarkClosed records hook-level closure.
func (fi *Info) MarkClosed() { fi.closed.Store(true) }

// UserNonblock reports the application-requested non-blocking flag.
func (fi *Info) UserNonblock() bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.userNonblock
}

// SetUserNonblock records the application-requested non-blocking flag.
func (fi *Info) SetUserNonblock(v bool) {
	fi.mu.Lock()
	fi.userNonblock = v
	fi.mu.Unlock()
}

// SysNonblock reports whether the runtime holds the fd in O_NONBLOCK.
func (fi *Info) SysNonblock() bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.sysNonblock
}

// SetTimeout stores the timeout for unix.SO_RCVTIMEO or unix.SO_SNDTIMEO.
func (fi *Info) SetTimeout(opt int, ms uint64) {
	switch opt {
	case unix.SO_RCVTIMEO:
		fi.readTimeoutMs.Store(ms)
	case unix.SO_SNDTIMEO:
		fi.writeTimeoutMs.Store(ms)
	}
}

// Timeout returns the timeout for unix.SO_RCVTIMEO or unix.SO_SNDTIMEO.
func (fi *Info) Timeout(opt int) uint64 {
	if opt == unix.SO_RCVTIMEO {
		return fi.readTimeoutMs.Load()
	}
	return fi.writeTimeoutMs.Load()
}

// initialRegistrySize is the slot count a fresh registry starts with.
const initialRegistrySize = 64

// Registry maps descriptors to their Info records.
type Registry struct {
	mu    sync.RWMutex
	infos []*Info
}

// NewRegistry creates a registry with the initial capacity.
func NewRegistry() *Registry {
	return &Registry{infos: make([]*Info, initialRegistrySize)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Get returns the Info for fd. With autoCreate the record is created on
// first observation; concurrent creation is coalesced under the write lock.
func (r *Registry) Get(fd int, autoCreate bool) *Info {
	if fd < 0 {
		return nil
	}
	r.mu.RLock()
	if fd < len(r.infos) {
		if fi := r.infos[fd]; fi != nil || !autoCreate {
			r.mu.RUnlock()
			return fi
		}
	} else if !autoCreate {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.infos) {
		grown := make([]*Info, max(fd*3/2, initialRegistrySize))
		copy(grown, r.infos)
		r.infos = grown
	}
	if fi := r.infos[fd]; fi != nil {
		return fi
	}
	fi := newInfo(fd)
	r.infos[fd] = fi
	return fi
}

// Remove clears the slot for fd. The vector never shrinks.
func (r *Registry) Remove(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < 0 || fd >= len(r.infos) {
		return
	}
	r.infos[fd] = nil
}
