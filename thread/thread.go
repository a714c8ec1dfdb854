//go:build linux

// File: thread/thread.go
// Package thread provides named, OS-locked worker threads.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Thread is a goroutine pinned to its OS thread for its whole lifetime, so
// the kernel thread id stays stable and can be used as a scheduling affinity
// key. The constructor blocks until the thread has finished its startup
// bookkeeping, mirroring a semaphore-synchronized pthread_create.

package thread

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxKernelNameLen is the kernel limit for a thread name (excluding NUL).
const maxKernelNameLen = 15

var liveThreads atomic.Int64

// Thread is a named OS-locked worker.
type Thread struct {
	name string
	tid  int
	done chan struct{}
}

// New spawns a thread running task and waits until it has started.
// The kernel thread name is set to name, truncated to 15 bytes.
func New(task func(), name string) *Thread {
	if name == "" {
		name = "unknown"
	}
	if len(name) > maxKernelNameLen {
		name = name[:maxKernelNameLen]
	}
	t := &Thread{
		name: name,
		done: make(chan struct{}),
	}
	started := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(t.done)

		t.tid = unix.Gettid()
		setKernelName(t.name)
		liveThreads.Add(1)
		defer liveThreads.Add(-1)
		close(started)
		task()
	}()
	<-started
	return t
}

// Join blocks until the thread's task returns. Safe to call more than once.
func (t *Thread) Join() {
	<-t.done
}

// TID returns the kernel thread id the task runs on.
func (t *Thread) TID() int { return t.tid }

// Name returns the thread's configured name.
func (t *Thread) Name() string { return t.name }

// CurrentTID returns the kernel thread id of the calling goroutine's thread.
// Only stable for goroutines locked to their OS thread.
func CurrentTID() int { return unix.Gettid() }

// Live returns the number of threads currently running their task.
func Live() int64 { return liveThreads.Load() }

func setKernelName(name string) {
	// PR_SET_NAME wants a NUL-terminated buffer.
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}

// PinCPU restricts the calling thread to a single CPU. Meant to be called
// from inside a Thread task when cache locality matters more than balance.
func PinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
