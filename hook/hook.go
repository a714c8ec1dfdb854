//go:build linux

// File: hook/hook.go
// Package hook converts blocking socket syscalls into cooperative
// suspension points.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Symbol interposition is not available to a Go runtime, so the hooked
// entry points are explicit wrappers with the same contract: EINTR retries,
// EAGAIN suspends the calling coroutine until readiness or timeout, expiry
// surfaces as ETIMEDOUT. Descriptors the registry does not know, non-sockets
// and user-requested non-blocking fds fall through to the raw syscall
// (Connect reports EBADF for an unknown descriptor instead). A tracked socket
// used outside a hooking worker is still held non-blocking, so its calls wait
// with poll(2) to keep blocking semantics.

package hook

import (
	"log/slog"
	"time"

	"fortio.org/safecast"
	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/control"
	"github.com/momentics/coroio/coro"
	"github.com/momentics/coroio/fdinfo"
	"github.com/momentics/coroio/reactor"
	"github.com/momentics/coroio/timer"
)

var sysLogger = slog.With("logger", "system")

// ConnectTimeoutItem is the default connect timeout applied when the caller
// has not set a send timeout on the socket.
var ConnectTimeoutItem = control.GetOrAdd(control.Default(), "tcp.connect.timeout", uint64(5000), "tcp connect timeout")

func init() {
	ConnectTimeoutItem.AddListener(func(oldV, newV uint64) {
		sysLogger.Info("tcp connect timeout changed", "old", oldV, "new", newV)
	})
}

// enabled reports whether the calling coroutine runs on a worker that
// opted into hooking, and returns it.
func enabled() (*coro.Coroutine, *reactor.IOScheduler) {
	cur := coro.Current()
	if cur == nil || !cur.Slot().HookEnabled() {
		return nil, nil
	}
	io, _ := cur.Slot().Scheduler().(*reactor.IOScheduler)
	if io == nil {
		return nil, nil
	}
	return cur, io
}

// doIO is the shared suspension loop for data-path syscalls. call performs
// the raw non-blocking syscall; kind and timeoutOpt select the readiness
// direction and which per-fd timeout applies.
func doIO(fd int, kind reactor.EventKind, timeoutOpt int, call func() (int, error)) (int, error) {
	cur, io := enabled()
	fi := fdinfo.Default().Get(fd, false)
	if fi == nil {
		return callRetryEINTR(call)
	}
	if fi.IsClosed() {
		return -1, unix.EBADF
	}
	if !fi.IsSocket() || fi.UserNonblock() {
		return callRetryEINTR(call)
	}
	timeoutMs := fi.Timeout(timeoutOpt)
	if io == nil {
		// Tracked socket used outside a runtime worker: the descriptor is
		// already non-blocking at the system level, so blocking semantics
		// are restored with a plain poll.
		return pollBlocking(fd, kind, timeoutMs, call)
	}

	for {
		n, err := callRetryEINTR(call)
		if err != unix.EAGAIN {
			return n, err
		}

		token := timer.NewConditionToken()
		var tm *timer.Timer
		if timeoutMs != fdinfo.NoTimeout {
			tm = io.AddConditionTimer(timeoutMs, func() {
				io.RemoveAndTrigger(fd, kind)
			}, token, false)
		}
		if err := io.AddEvent(fd, kind, nil); err != nil {
			sysLogger.Error("event registration failed", "fd", fd, "kind", kind.String(), "error", err)
			if tm != nil {
				tm.Cancel()
			}
			return -1, err
		}
		cur.Yield()

		if tm != nil {
			tm.Cancel()
		}
		token.Cancel()
		if token.Fired() {
			return -1, unix.ETIMEDOUT
		}
	}
}

func callRetryEINTR(call func() (int, error)) (int, error) {
	for {
		n, err := call()
		if err != unix.EINTR {
			return n, err
		}
	}
}

func pollBlocking(fd int, kind reactor.EventKind, timeoutMs uint64, call func() (int, error)) (int, error) {
	var events int16 = unix.POLLIN
	if kind == reactor.Write {
		events = unix.POLLOUT
	}
	for {
		n, err := callRetryEINTR(call)
		if err != unix.EAGAIN {
			return n, err
		}
		wait := -1
		if timeoutMs != fdinfo.NoTimeout {
			w, cerr := safecast.Conv[int](timeoutMs)
			if cerr != nil {
				w = -1
			}
			wait = w
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		ready, err := unix.Poll(pfd, wait)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		if ready == 0 {
			return -1, unix.ETIMEDOUT
		}
	}
}

// Sleep suspends the calling coroutine for d. A non-positive duration and
// any call from outside a coroutine fall back to time.Sleep.
func Sleep(d time.Duration) {
	cur, io := enabled()
	if io == nil || d <= 0 {
		if d > 0 {
			time.Sleep(d)
		}
		return
	}
	ms := uint64(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	io.AddTimer(ms, func() {
		io.SubmitCoroutine(cur, -1)
	}, false)
	cur.Yield()
}

// Usleep suspends for the given number of microseconds.
func Usleep(usec uint64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Nanosleep suspends for the given number of nanoseconds, rounded to the
// timer wheel's millisecond resolution.
func Nanosleep(nsec uint64) {
	Sleep(time.Duration(nsec) * time.Nanosecond)
}

// Socket creates a socket and registers it with the fd registry, which
// forces system-level non-blocking mode.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	Track(fd)
	return fd, nil
}

// Track registers an externally created descriptor (an accepted connection,
// a descriptor inherited from elsewhere) with the fd registry.
func Track(fd int) {
	fdinfo.Default().Get(fd, true)
}

// Accept waits for and accepts one connection on fd, registering the new
// descriptor with the fd registry.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	n, err := doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		nfd, sa, e = unix.Accept(fd)
		if e != nil {
			return -1, e
		}
		return nfd, nil
	})
	if err != nil {
		return -1, nil, err
	}
	Track(n)
	return n, sa, nil
}

// Read reads into p, suspending until the descriptor is readable.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv scatter-reads into iovs.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives into p with flags.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// Recvfrom receives into p and reports the sender address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		var got int
		got, from, e = unix.Recvfrom(fd, p, flags)
		return got, e
	})
	return n, from, err
}

// Recvmsg scatter-receives into iovs with ancillary data.
func Recvmsg(fd int, iovs [][]byte, oob []byte, flags int) (int, int, unix.Sockaddr, error) {
	var oobn int
	var from unix.Sockaddr
	n, err := doIO(fd, reactor.Read, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		var got int
		got, oobn, _, from, e = unix.RecvmsgBuffers(fd, iovs, oob, flags)
		return got, e
	})
	return n, oobn, from, err
}

// Write writes p, suspending until the descriptor is writable.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, reactor.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev gather-writes iovs.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, reactor.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends p with flags on a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return Sendto(fd, p, flags, nil)
}

// Sendto sends p to the given address.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, reactor.Write, unix.SO_SNDTIMEO, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendmsg gather-sends iovs with ancillary data.
func Sendmsg(fd int, iovs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, reactor.Write, unix.SO_SNDTIMEO, func() (int, error) {
		n, e := unix.SendmsgBuffers(fd, iovs, oob, to, flags)
		return n, e
	})
}

// Close drains pending event registrations for fd, waking their waiters,
// then closes the descriptor and evicts its registry record.
func Close(fd int) error {
	fi := fdinfo.Default().Get(fd, false)
	if fi == nil {
		return unix.Close(fd)
	}
	if _, io := enabled(); io != nil {
		io.RemoveAndTriggerAll(fd)
	}
	fi.MarkClosed()
	err := unix.Close(fd)
	fdinfo.Default().Remove(fd)
	return err
}

// CancelPending wakes every coroutine waiting on fd without closing it, so
// their syscall retries observe the descriptor's current state.
func CancelPending(fd int) {
	if _, io := enabled(); io != nil {
		io.RemoveAndTriggerAll(fd)
	}
}

// SetNonblock records the application's non-blocking request. The runtime
// keeps sockets non-blocking at the system level regardless, so for tracked
// sockets only the user-level flag changes.
func SetNonblock(fd int, nonblocking bool) error {
	fi := fdinfo.Default().Get(fd, false)
	if fi == nil || fi.IsClosed() || !fi.IsSocket() {
		return unix.SetNonblock(fd, nonblocking)
	}
	fi.SetUserNonblock(nonblocking)
	if fi.SysNonblock() {
		// The descriptor stays non-blocking underneath.
		return unix.SetNonblock(fd, true)
	}
	return unix.SetNonblock(fd, nonblocking)
}

// IsNonblock reports the flag the application believes it set.
func IsNonblock(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	fi := fdinfo.Default().Get(fd, false)
	if fi == nil || fi.IsClosed() || !fi.IsSocket() {
		return flags&unix.O_NONBLOCK != 0, nil
	}
	return fi.UserNonblock(), nil
}

// SetTimeout stores a millisecond timeout for unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO in the registry and mirrors it onto the real socket so a
// fall-through path behaves identically.
func SetTimeout(fd int, opt int, ms uint64) error {
	if fi := fdinfo.Default().Get(fd, true); fi != nil {
		fi.SetTimeout(opt, ms)
	}
	tv := unix.NsecToTimeval(int64(ms) * int64(time.Millisecond))
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}

// Timeout returns the stored millisecond timeout for fd, or NoTimeout.
func Timeout(fd int, opt int) uint64 {
	if fi := fdinfo.Default().Get(fd, false); fi != nil {
		return fi.Timeout(opt)
	}
	return fdinfo.NoTimeout
}
