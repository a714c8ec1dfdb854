//go:build linux

// File: fdinfo/fdinfo_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fdinfo

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func newSocketFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestSocketForcedNonblocking(t *testing.T) {
	r := NewRegistry()
	fd := newSocketFD(t)

	fi := r.Get(fd, true)
	if fi == nil {
		t.Fatal("auto-create returned nil")
	}
	if !fi.IsSocket() {
		t.Fatal("socket not detected")
	}
	if !fi.SysNonblock() {
		t.Error("socket not marked system-nonblocking")
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("descriptor not actually in O_NONBLOCK")
	}
	if fi.UserNonblock() {
		t.Error("user-level flag should start false")
	}
}

func TestNonSocketNotForced(t *testing.T) {
	r := NewRegistry()
	f, err := os.CreateTemp(t.TempDir(), "fdinfo")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	defer f.Close()

	fi := r.Get(int(f.Fd()), true)
	if fi.IsSocket() {
		t.Error("regular file detected as socket")
	}
	if fi.SysNonblock() {
		t.Error("regular file should not be forced non-blocking")
	}
}

func TestTimeoutsDefaultAndStore(t *testing.T) {
	r := NewRegistry()
	fi := r.Get(newSocketFD(t), true)

	if fi.Timeout(unix.SO_RCVTIMEO) != NoTimeout {
		t.Error("read timeout should default to NoTimeout")
	}
	fi.SetTimeout(unix.SO_RCVTIMEO, 1500)
	fi.SetTimeout(unix.SO_SNDTIMEO, 2500)
	if got := fi.Timeout(unix.SO_RCVTIMEO); got != 1500 {
		t.Errorf("read timeout = %d, want 1500", got)
	}
	if got := fi.Timeout(unix.SO_SNDTIMEO); got != 2500 {
		t.Errorf("write timeout = %d, want 2500", got)
	}
}

func TestRegistryGrowthAndRemove(t *testing.T) {
	r := NewRegistry()
	fd := newSocketFD(t)

	if r.Get(fd, false) != nil {
		t.Fatal("lookup without auto-create should miss")
	}
	fi := r.Get(fd, true)
	if fi == nil {
		t.Fatal("auto-create failed")
	}
	if r.Get(fd, false) != fi {
		t.Fatal("second lookup returned a different record")
	}
	r.Remove(fd)
	if r.Get(fd, false) != nil {
		t.Fatal("record survived Remove")
	}
	// Auto-create past the current size grows the vector to 1.5x the fd,
	// and Remove does not shrink it.
	const far = 1000
	if r.Get(far, true) == nil {
		t.Fatal("auto-create past the initial size failed")
	}
	if got := len(r.infos); got != far*3/2 {
		t.Fatalf("registry size = %d after fd %d, want %d", got, far, far*3/2)
	}
	r.Remove(far)
	if got := len(r.infos); got != far*3/2 {
		t.Fatalf("registry shrank to %d on Remove", got)
	}
	// Out-of-range removals are harmless.
	r.Remove(1 << 20)
	r.Remove(-1)
}

func TestConcurrentAutoCreateCoalesced(t *testing.T) {
	r := NewRegistry()
	fd := newSocketFD(t)

	const workers = 8
	results := make(chan *Info, workers)
	for i := 0; i < workers; i++ {
		go func() { results <- r.Get(fd, true) }()
	}
	first := <-results
	for i := 1; i < workers; i++ {
		if got := <-results; got != first {
			t.Fatal("concurrent auto-create produced distinct records")
		}
	}
}
