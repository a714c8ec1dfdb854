//go:build linux

// File: reactor/ioscheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor_test

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/hook"
	"github.com/momentics/coroio/reactor"
)

func newReactor(t *testing.T, threads int) *reactor.IOScheduler {
	t.Helper()
	s, err := reactor.New(threads, false, "reactor_test")
	if err != nil {
		t.Fatalf("reactor new: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("reactor start: %v", err)
	}
	return s
}

func TestSleepYieldsAndResumes(t *testing.T) {
	s := newReactor(t, 1)

	var elapsed time.Duration
	done := make(chan struct{})
	s.SubmitFunc(func() {
		t0 := time.Now()
		hook.Sleep(200 * time.Millisecond)
		elapsed = time.Since(t0)
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleeping closure never resumed")
	}
	s.Stop()

	if elapsed < 200*time.Millisecond {
		t.Errorf("slept %v, want >= 200ms", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("slept %v, want <= 400ms", elapsed)
	}
}

func TestSleepZeroDoesNotSuspend(t *testing.T) {
	s := newReactor(t, 1)
	done := make(chan struct{})
	s.SubmitFunc(func() {
		hook.Sleep(0)
		close(done)
	}, -1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero sleep suspended")
	}
	s.Stop()
}

func TestTimerFiresOnReactor(t *testing.T) {
	s := newReactor(t, 1)
	fired := make(chan struct{})
	s.AddTimer(20, func() { close(fired) }, false)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer callback never ran")
	}
	s.Stop()
}

func TestRemoveEventIdempotent(t *testing.T) {
	s, err := reactor.New(1, false, "remove_test")
	if err != nil {
		t.Fatal(err)
	}
	if s.RemoveEvent(3, reactor.Read) {
		t.Error("remove of unregistered event reported success")
	}
	if s.RemoveAndTrigger(3, reactor.Write) {
		t.Error("remove-and-trigger of unregistered event reported success")
	}
	if s.RemoveAndTriggerAll(3) {
		t.Error("remove-all on untouched fd reported success")
	}
	if got := s.PendingEvents(); got != 0 {
		t.Errorf("pending events drifted to %d", got)
	}
}

func TestConnectToClosedPortFailsFast(t *testing.T) {
	s := newReactor(t, 1)

	type result struct {
		err     error
		elapsed time.Duration
	}
	results := make(chan result, 1)
	s.SubmitFunc(func() {
		fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			results <- result{err: err}
			return
		}
		defer hook.Close(fd)
		t0 := time.Now()
		cerr := hook.ConnectWithTimeout(fd, &unix.SockaddrInet4{
			Port: 1,
			Addr: [4]byte{127, 0, 0, 1},
		}, 100)
		results <- result{err: cerr, elapsed: time.Since(t0)}
	}, -1)

	var r result
	select {
	case r = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("connect closure never returned")
	}
	if r.err == nil {
		t.Fatal("connect to closed port succeeded")
	}
	if !errors.Is(r.err, unix.ECONNREFUSED) && !errors.Is(r.err, unix.ETIMEDOUT) {
		t.Errorf("connect error = %v, want ECONNREFUSED or ETIMEDOUT", r.err)
	}
	if r.elapsed > 300*time.Millisecond {
		t.Errorf("connect failure took %v, want <= 300ms", r.elapsed)
	}
	if got := s.PendingEvents(); got != 0 {
		t.Errorf("pending events = %d after connect failure", got)
	}
	s.Stop()
}

func TestReadTimeoutRace(t *testing.T) {
	s := newReactor(t, 1)

	const trials = 25
	for trial := 0; trial < trials; trial++ {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Fatalf("socketpair: %v", err)
		}
		reader, writer := fds[0], fds[1]
		hook.Track(reader)
		if err := hook.SetTimeout(reader, unix.SO_RCVTIMEO, 10); err != nil {
			t.Fatalf("set timeout: %v", err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			var b [1]byte
			unix.Write(writer, b[:])
		}()

		type outcome struct {
			n   int
			err error
		}
		res := make(chan outcome, 1)
		s.SubmitFunc(func() {
			var b [1]byte
			n, err := hook.Recv(reader, b[:], 0)
			res <- outcome{n: n, err: err}
		}, -1)

		var out outcome
		select {
		case out = <-res:
		case <-time.After(5 * time.Second):
			t.Fatalf("trial %d: read never returned", trial)
		}
		if out.err != nil && !errors.Is(out.err, unix.ETIMEDOUT) {
			t.Fatalf("trial %d: err = %v, want nil or ETIMEDOUT", trial, out.err)
		}
		if out.err == nil && out.n != 1 {
			t.Fatalf("trial %d: read %d bytes", trial, out.n)
		}
		// Whatever the race decided, no registration may linger.
		deadline := time.Now().Add(time.Second)
		for s.PendingEvents() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := s.PendingEvents(); got != 0 {
			t.Fatalf("trial %d: pending events = %d", trial, got)
		}
		unix.Close(writer)
		hook.Close(reader)
	}
	s.Stop()
}

func TestStopPredicateHoldsPendingTimers(t *testing.T) {
	s := newReactor(t, 1)
	fired := make(chan struct{})
	s.AddTimer(50, func() { close(fired) }, false)
	// Stop must wait out the pending timer rather than abandon it.
	s.Stop()
	select {
	case <-fired:
	default:
		t.Error("scheduler stopped with a pending timer unfired")
	}
}
