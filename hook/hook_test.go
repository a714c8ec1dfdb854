//go:build linux

// File: hook/hook_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook_test

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/hook"
)

func TestSleepOutsideCoroutineBlocks(t *testing.T) {
	t0 := time.Now()
	hook.Sleep(30 * time.Millisecond)
	if d := time.Since(t0); d < 30*time.Millisecond {
		t.Errorf("fallback sleep lasted %v", d)
	}
}

func TestTrackedSocketTimeoutWithoutRuntime(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	hook.Track(fds[0])
	defer hook.Close(fds[0])

	if err := hook.SetTimeout(fds[0], unix.SO_RCVTIMEO, 50); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	var b [1]byte
	t0 := time.Now()
	_, rerr := hook.Recv(fds[0], b[:], 0)
	if !errors.Is(rerr, unix.ETIMEDOUT) {
		t.Fatalf("recv = %v, want ETIMEDOUT", rerr)
	}
	if d := time.Since(t0); d < 40*time.Millisecond {
		t.Errorf("timed out after only %v", d)
	}
}

func TestUserNonblockFlagPreserved(t *testing.T) {
	fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer hook.Close(fd)

	nb, err := hook.IsNonblock(fd)
	if err != nil {
		t.Fatalf("flag query: %v", err)
	}
	if nb {
		t.Error("fresh socket should report blocking to the user")
	}
	flags, _ := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("runtime should hold the socket in O_NONBLOCK underneath")
	}

	if err := hook.SetNonblock(fd, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	nb, _ = hook.IsNonblock(fd)
	if !nb {
		t.Error("user-requested non-blocking flag lost")
	}
}

func TestUserNonblockPassesThrough(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	hook.Track(fds[0])
	defer hook.Close(fds[0])

	if err := hook.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}
	var b [1]byte
	_, rerr := hook.Recv(fds[0], b[:], 0)
	if !errors.Is(rerr, unix.EAGAIN) {
		t.Fatalf("user-nonblocking recv = %v, want EAGAIN", rerr)
	}
}

func TestCloseUntrackedFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	unix.Close(fds[1])
	if err := hook.Close(fds[0]); err != nil {
		t.Errorf("close of untracked fd: %v", err)
	}
}

func TestClosedFdReportsEBADF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])
	hook.Track(fds[0])
	hook.Close(fds[0])

	// The registry record is gone; a stale read hits the raw syscall.
	var b [1]byte
	if _, rerr := hook.Recv(fds[0], b[:], 0); !errors.Is(rerr, unix.EBADF) {
		t.Errorf("recv on closed fd = %v, want EBADF", rerr)
	}
}
