// File: coro/slot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The per-worker runtime slot. A classic implementation keeps these pointers
// in thread-local storage; here each worker owns its slot and every coroutine
// carries a pointer back to it. Slots are never shared across workers.

package coro

// RuntimeSlot holds the per-worker-thread coroutine bookkeeping.
type RuntimeSlot struct {
	running     *Coroutine
	main        *Coroutine
	scheduling  *Coroutine
	scheduler   any
	tid         int
	hookEnabled bool
}

// EnterThread turns the calling worker thread into coroutine mode: it builds
// the slot with its sentinel main coroutine, which is also the initial
// running and scheduling coroutine.
func EnterThread(scheduler any, tid int) *RuntimeSlot {
	s := &RuntimeSlot{
		scheduler: scheduler,
		tid:       tid,
	}
	s.main = newMain(s)
	s.running = s.main
	s.scheduling = s.main
	return s
}

// LeaveThread tears the slot down when the worker exits.
func (s *RuntimeSlot) LeaveThread() {
	if s.running == s.main {
		s.running = nil
	}
	liveCount.Add(-1)
}

// Running returns the coroutine currently owning this worker.
func (s *RuntimeSlot) Running() *Coroutine { return s.running }

// Main returns the thread sentinel coroutine.
func (s *RuntimeSlot) Main() *Coroutine { return s.main }

// Scheduling returns the coroutine that runs the scheduling loop on this
// worker. Equal to Main for pool threads; distinct for a participating
// creator thread.
func (s *RuntimeSlot) Scheduling() *Coroutine { return s.scheduling }

// SetScheduling records the scheduling coroutine for this worker.
func (s *RuntimeSlot) SetScheduling(c *Coroutine) { s.scheduling = c }

// Scheduler returns the scheduler that owns this worker.
func (s *RuntimeSlot) Scheduler() any { return s.scheduler }

// TID returns the kernel thread id of the worker.
func (s *RuntimeSlot) TID() int { return s.tid }

// HookEnabled reports whether cooperative syscall wrappers may suspend
// coroutines running on this worker.
func (s *RuntimeSlot) HookEnabled() bool { return s.hookEnabled }

// SetHookEnabled flips the per-worker hook opt-in.
func (s *RuntimeSlot) SetHookEnabled(v bool) { s.hookEnabled = v }

func (s *RuntimeSlot) setRunning(c *Coroutine) { s.running = c }
