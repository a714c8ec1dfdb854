//go:build linux

// File: hook/connect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/fdinfo"
	"github.com/momentics/coroio/reactor"
	"github.com/momentics/coroio/timer"
)

// Connect connects fd to sa with the configured default timeout, unless the
// caller already set a send timeout on the socket.
func Connect(fd int, sa unix.Sockaddr) error {
	timeoutMs := ConnectTimeoutItem.Value()
	if fi := fdinfo.Default().Get(fd, false); fi != nil {
		if t := fi.Timeout(unix.SO_SNDTIMEO); t != fdinfo.NoTimeout {
			timeoutMs = t
		}
	}
	return ConnectWithTimeout(fd, sa, timeoutMs)
}

// ConnectWithTimeout performs a cooperative connect. Unlike the data-path
// syscalls the kernel call is not retried after readiness: EINPROGRESS means
// the handshake continues in the background, writability signals completion
// and SO_ERROR carries the verdict. A zero timeout means "do not wait".
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	cur, io := enabled()
	if io == nil {
		return connectBlocking(fd, sa)
	}
	fi := fdinfo.Default().Get(fd, false)
	if fi == nil || fi.IsClosed() {
		return unix.EBADF
	}
	if !fi.IsSocket() {
		return connectBlocking(fd, sa)
	}
	if fi.UserNonblock() || timeoutMs == 0 {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	token := timer.NewConditionToken()
	var tm *timer.Timer
	if timeoutMs != fdinfo.NoTimeout {
		tm = io.AddConditionTimer(timeoutMs, func() {
			io.RemoveAndTrigger(fd, reactor.Write)
		}, token, false)
	}
	if err := io.AddEvent(fd, reactor.Write, nil); err != nil {
		sysLogger.Error("connect event registration failed", "fd", fd, "error", err)
		if tm != nil {
			tm.Cancel()
		}
		return err
	}
	cur.Yield()

	if tm != nil {
		tm.Cancel()
	}
	token.Cancel()
	if token.Fired() {
		return unix.ETIMEDOUT
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return unix.EBADF
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// connectBlocking is the fall-through path. The descriptor may be held in
// system-level non-blocking mode, so EINPROGRESS is waited out with a plain
// poll to preserve blocking semantics for untracked callers.
func connectBlocking(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err != unix.EINPROGRESS {
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}
