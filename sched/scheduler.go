// File: sched/scheduler.go
// Package sched implements the coroutine worker-pool scheduler.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Scheduler owns a fixed pool of OS-locked worker threads, a shared FIFO
// of affinity-free tasks and one FIFO per worker for pinned tasks. Workers
// pick pinned work first, run closures on a reusable closure coroutine, and
// fall into their idle coroutine when both queues are dry. The creating
// thread may join the pool as one of the workers; its scheduling loop then
// runs inside a dedicated coroutine that Stop drains before joining.

package sched

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/coroio/api"
	"github.com/momentics/coroio/coro"
	"github.com/momentics/coroio/thread"
)

var sysLogger = slog.With("logger", "system")

// Ensure compile-time interface compliance.
var _ api.TaskScheduler = (*Scheduler)(nil)

// Driver customizes the blocking behavior of a scheduler. The base driver
// spins politely; the reactor replaces it with an epoll wait.
type Driver interface {
	// Tickle wakes a worker blocked in its idle coroutine.
	Tickle()
	// Idle runs inside each worker's idle coroutine. It must yield
	// periodically and return once Stoppable holds.
	Idle()
	// Stoppable extends the scheduler's stop predicate.
	Stoppable() bool
}

// Scheduler schedules coroutines and closures over a worker pool.
type Scheduler struct {
	name string

	mu     sync.Mutex
	shared *queue.Queue
	pinned map[int]*queue.Queue

	threadCount int
	threads     []*thread.Thread
	tids        []int

	useCaller   bool
	callerTID   int
	callerSched *coro.Coroutine
	callerSlot  *coro.RuntimeSlot

	stopped atomic.Bool
	started bool
	active  atomic.Int64
	idlers  atomic.Int64

	driver Driver
	self   any
}

// New creates a scheduler with the given total thread count. When useCaller
// is set, the calling thread becomes one of the workers: it is locked to its
// OS thread here and must call Start and Stop from the same goroutine.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads <= 0 {
		panic("sched: thread count must be positive")
	}
	s := &Scheduler{
		name:      name,
		shared:    queue.New(),
		pinned:    make(map[int]*queue.Queue),
		useCaller: useCaller,
		callerTID: -1,
	}
	s.self = s
	s.driver = &baseDriver{s: s}
	if useCaller {
		threads--
		runtime.LockOSThread()
		s.callerTID = thread.CurrentTID()
		s.tids = append(s.tids, s.callerTID)
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// SetDriver replaces the idle/tickle behavior. Must be called before Start.
func (s *Scheduler) SetDriver(d Driver) { s.driver = d }

// SetSelf records the outermost scheduler value so worker slots point at the
// specialization rather than the embedded base.
func (s *Scheduler) SetSelf(v any) { s.self = v }

// Start spawns the worker pool.
func (s *Scheduler) Start() {
	sysLogger.Debug("scheduler starting", "scheduler", s.name)
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		sysLogger.Error("scheduler already stopped", "scheduler", s.name)
		return
	}
	if s.started {
		s.mu.Unlock()
		panic("sched: scheduler started twice")
	}
	s.started = true
	for i := 0; i < s.threadCount; i++ {
		th := thread.New(func() {
			slot := coro.EnterThread(s.self, thread.CurrentTID())
			defer slot.LeaveThread()
			s.run(slot)
		}, fmt.Sprintf("%s_%d", s.name, i))
		s.threads = append(s.threads, th)
		s.tids = append(s.tids, th.TID())
	}
	s.mu.Unlock()

	if s.useCaller {
		slot := coro.EnterThread(s.self, s.callerTID)
		s.callerSlot = slot
		s.callerSched = coro.New(slot, func() { s.run(slot) }, 0, slot.Main())
		slot.SetScheduling(s.callerSched)
	}
}

// Submit enqueues a task. Empty tasks are dropped. If the queues were empty
// the driver is tickled so an idle worker picks the task up.
func (s *Scheduler) Submit(t Task) {
	if t.Empty() {
		return
	}
	s.mu.Lock()
	needTickle := s.queuedLocked() == 0
	if t.TID >= 0 {
		q := s.pinned[t.TID]
		if q == nil {
			q = queue.New()
			s.pinned[t.TID] = q
		}
		q.Add(t)
	} else {
		s.shared.Add(t)
	}
	s.mu.Unlock()
	if needTickle {
		s.driver.Tickle()
	}
}

// SubmitFunc enqueues a closure. A negative tid means any worker.
func (s *Scheduler) SubmitFunc(fn func(), tid int) {
	s.Submit(Task{Fn: fn, TID: tid})
}

// SubmitCoroutine enqueues a suspended coroutine. A negative tid means any
// worker.
func (s *Scheduler) SubmitCoroutine(c *coro.Coroutine, tid int) {
	s.Submit(Task{Co: c, TID: tid})
}

// Stop requests shutdown, wakes every worker, drains the caller's scheduling
// coroutine when it participates and joins the pool.
func (s *Scheduler) Stop() {
	sysLogger.Debug("scheduler stopping", "scheduler", s.name)
	if s.driver.Stoppable() {
		return
	}
	s.stopped.Store(true)

	for i := 0; i < s.threadCount; i++ {
		s.driver.Tickle()
	}
	if s.callerSched != nil {
		s.callerSched.Resume()
		sysLogger.Debug("caller scheduling coroutine finished", "scheduler", s.name)
	}

	var ths []*thread.Thread
	s.mu.Lock()
	ths, s.threads = s.threads, nil
	s.mu.Unlock()
	for _, th := range ths {
		th.Join()
	}
}

// IsStopped reports whether Stop has been requested. The flag is monotonic.
func (s *Scheduler) IsStopped() bool { return s.stopped.Load() }

// Stoppable is the base stop predicate: stop requested, queues drained and
// no worker mid-task.
func (s *Scheduler) Stoppable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped.Load() && s.queuedLocked() == 0 && s.active.Load() == 0
}

// ThreadIDs returns the kernel thread ids of the pool, caller included.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.tids))
	copy(out, s.tids)
	return out
}

// IdleWorkers returns the number of workers currently in their idle
// coroutine.
func (s *Scheduler) IdleWorkers() int64 { return s.idlers.Load() }

// ActiveWorkers returns the number of workers currently running a task.
func (s *Scheduler) ActiveWorkers() int64 { return s.active.Load() }

// Queued returns the number of pending tasks across all queues.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked()
}

func (s *Scheduler) queuedLocked() int {
	n := s.shared.Length()
	for _, q := range s.pinned {
		n += q.Length()
	}
	return n
}

// take pops the next runnable task for a worker. Coroutine tasks still in
// Running state are rotated to the back: an event handler may re-schedule a
// coroutine that has not finished yielding yet, and resuming it now would
// double-run it. The second result reports whether other workers should be
// tickled because pinned or leftover work remains.
func (s *Scheduler) take(tid int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task Task
	task.clear()
	if q := s.pinned[tid]; q != nil {
		task = popRunnable(q)
	}
	if task.Empty() {
		task = popRunnable(s.shared)
	}

	tickleOther := s.shared.Length() > 0
	for other, q := range s.pinned {
		if other != tid && q.Length() > 0 {
			tickleOther = true
			break
		}
	}
	return task, tickleOther
}

func popRunnable(q *queue.Queue) Task {
	for n := q.Length(); n > 0; n-- {
		t := q.Remove().(Task)
		if t.Co != nil && t.Co.State() == coro.Running {
			q.Add(t)
			continue
		}
		return t
	}
	return Task{Co: nil, Fn: nil, TID: AnyThread}
}

// run is the scheduling loop executed by every worker, and by the caller's
// scheduling coroutine when it participates.
func (s *Scheduler) run(slot *coro.RuntimeSlot) {
	sysLogger.Debug("worker running", "scheduler", s.name, "tid", slot.TID())
	slot.SetHookEnabled(true)
	slot.SetScheduling(slot.Running())

	idleCo := coro.New(slot, func() { s.driver.Idle() }, 0, slot.Running())
	closureCo := coro.New(slot, nil, 0, slot.Running())

	for {
		task, tickleOther := s.take(slot.TID())
		if tickleOther {
			s.driver.Tickle()
		}

		switch {
		case task.Co != nil:
			task.Co.Attach(slot)
			s.active.Add(1)
			task.Co.Resume()
			s.active.Add(-1)
		case task.Fn != nil:
			closureCo.Reset(task.Fn)
			s.active.Add(1)
			closureCo.Resume()
			s.active.Add(-1)
			if closureCo.State() != coro.Stopped {
				// The closure suspended inside a hooked call and now
				// travels through the queues as a coroutine task; give
				// this worker a fresh reusable one.
				closureCo = coro.New(slot, nil, 0, slot.Running())
			}
		default:
			if idleCo.State() == coro.Stopped {
				sysLogger.Debug("idle coroutine finished", "scheduler", s.name, "tid", slot.TID())
				return
			}
			s.idlers.Add(1)
			idleCo.Resume()
			s.idlers.Add(-1)
		}
	}
}

// baseDriver is the default Driver: no real blocking, no real wakeup.
type baseDriver struct {
	s *Scheduler
}

// Tickle for the base scheduler only traces; there is nothing to wake.
func (d *baseDriver) Tickle() {
	sysLogger.Debug("scheduler tickled", "scheduler", d.s.name)
}

// Idle yields straight back until the scheduler may stop.
func (d *baseDriver) Idle() {
	sysLogger.Debug("worker idling", "scheduler", d.s.name)
	for !d.Stoppable() {
		coro.Current().Yield()
	}
}

// Stoppable defers to the base predicate.
func (d *baseDriver) Stoppable() bool { return d.s.Stoppable() }
