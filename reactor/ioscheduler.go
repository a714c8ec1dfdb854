//go:build linux

// File: reactor/ioscheduler.go
// Package reactor merges the worker-pool scheduler with a Linux epoll event
// loop and a millisecond timer wheel.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The IOScheduler specializes sched.Scheduler: its idle coroutine blocks in
// epoll_wait instead of spinning, a self-pipe wakes blocked workers when
// work arrives from another thread, and fd readiness is converted into task
// submissions through per-descriptor continuation contexts.

package reactor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"
	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/api"
	"github.com/momentics/coroio/coro"
	"github.com/momentics/coroio/pool"
	"github.com/momentics/coroio/sched"
	"github.com/momentics/coroio/timer"
)

var sysLogger = slog.With("logger", "system")

// Ensure compile-time interface compliance.
var (
	_ sched.Driver       = (*IOScheduler)(nil)
	_ api.TimerScheduler = (*IOScheduler)(nil)
)

const (
	// maxWaitMs caps every epoll_wait so workers re-check the stop
	// predicate even with no registered interest.
	maxWaitMs = 5000
	// eventBatch is the epoll_wait result capacity per pass.
	eventBatch = 256
	// initialContexts sizes the fd-context vector at startup.
	initialContexts = 32
)

// eventBuffers recycles epoll_wait batches across reactor passes.
var eventBuffers = pool.NewSyncPool(func() []unix.EpollEvent {
	return make([]unix.EpollEvent, eventBatch)
})

// IOScheduler is a scheduler whose idle loop multiplexes fd readiness,
// timer expiry and cross-thread wakeups over one epoll descriptor.
type IOScheduler struct {
	*sched.Scheduler

	epfd  int
	wakeR int
	wakeW int

	mu       sync.RWMutex
	contexts []*FdContext

	pending atomic.Int64
	timers  *timer.Manager
}

// New creates an I/O scheduler with the given thread count. It owns a fresh
// epoll instance and wake pipe; Start registers the pipe and spawns workers.
func New(threads int, useCaller bool, name string) (*IOScheduler, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	s := &IOScheduler{
		Scheduler: sched.New(threads, useCaller, name),
		epfd:      epfd,
		wakeR:     pipeFds[0],
		wakeW:     pipeFds[1],
		timers:    timer.NewManager(),
	}
	s.SetSelf(s)
	s.SetDriver(s)
	s.growContexts(initialContexts)
	return s, nil
}

// Start registers the wake pipe with epoll and launches the worker pool.
func (s *IOScheduler) Start() error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(s.wakeR),
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, s.wakeR, &ev); err != nil {
		return fmt.Errorf("wake pipe register: %w", err)
	}
	s.Scheduler.Start()
	return nil
}

// Stop shuts the pool down and releases the epoll and pipe descriptors.
func (s *IOScheduler) Stop() {
	s.Scheduler.Stop()
	unix.Close(s.epfd)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}

// PendingEvents returns the number of registered, not-yet-fired events.
func (s *IOScheduler) PendingEvents() int64 { return s.pending.Load() }

// growContexts extends the fd-context vector to at least size slots.
// Callers hold the write lock, except during construction.
func (s *IOScheduler) growContexts(size int) {
	if size <= len(s.contexts) {
		return
	}
	grown := make([]*FdContext, size)
	copy(grown, s.contexts)
	for i := range grown {
		if grown[i] == nil {
			grown[i] = &FdContext{fd: i}
		}
	}
	s.contexts = grown
}

// context returns the FdContext for fd, growing the vector when create is
// set, or nil when the fd is out of range without create.
func (s *IOScheduler) context(fd int, create bool) *FdContext {
	s.mu.RLock()
	if fd < len(s.contexts) {
		ctx := s.contexts[fd]
		s.mu.RUnlock()
		return ctx
	}
	s.mu.RUnlock()
	if !create {
		return nil
	}
	s.mu.Lock()
	s.growContexts(fd * 3 / 2)
	ctx := s.contexts[fd]
	s.mu.Unlock()
	return ctx
}

// AddEvent registers interest in one direction of fd. When fn is nil the
// currently running coroutine is captured as the continuation, so resuming
// it returns from the suspended syscall. Registering an already-registered
// direction is a programmer error.
func (s *IOScheduler) AddEvent(fd int, kind EventKind, fn func()) error {
	if fd < 0 || (kind != Read && kind != Write) {
		return api.NewError(api.ErrCodeInvalidArgument, "bad event registration").
			WithContext("fd", fd).WithContext("kind", kind.String())
	}
	ctx := s.context(fd, true)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered&kind != 0 {
		panic(fmt.Sprintf("reactor: fd %d already registered for %s", fd, kind))
	}
	op := unix.EPOLL_CTL_MOD
	if ctx.registered == None {
		op = unix.EPOLL_CTL_ADD
	}

	// The context is updated before the epoll syscall: a racing fire on
	// another thread must find a valid continuation.
	ctx.registered |= kind
	ec := ctx.context(kind)
	ec.target = s.Scheduler
	if fn == nil {
		cur := coro.Current()
		if cur == nil || cur.State() != coro.Running {
			ctx.registered &^= kind
			ec.reset()
			panic("reactor: no running coroutine to capture as continuation")
		}
		ec.co = cur
	} else {
		ec.fn = fn
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLET | epollBits(ctx.registered),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(s.epfd, op, fd, &ev); err != nil {
		sysLogger.Error("epoll_ctl failed", "fd", fd, "op", op, "kind", kind.String(), "error", err)
		ctx.registered &^= kind
		ec.reset()
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	s.pending.Add(1)
	return nil
}

// RemoveEvent unregisters one direction of fd without running its
// continuation. Returns false when the direction was not registered.
func (s *IOScheduler) RemoveEvent(fd int, kind EventKind) bool {
	ctx := s.context(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered&kind == 0 {
		return false
	}
	left := ctx.registered &^ kind
	if !s.epollUpdate(fd, left) {
		return false
	}
	s.pending.Add(-1)
	ctx.registered = left
	ctx.context(kind).reset()
	return true
}

// RemoveAndTrigger unregisters one direction of fd and dispatches its
// continuation to the owning scheduler. This is the timeout path: stop
// waiting and wake the caller.
func (s *IOScheduler) RemoveAndTrigger(fd int, kind EventKind) bool {
	ctx := s.context(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered&kind == 0 {
		return false
	}
	left := ctx.registered &^ kind
	if !s.epollUpdate(fd, left) {
		return false
	}
	s.pending.Add(-1)
	ctx.trigger(kind)
	return true
}

// RemoveAndTriggerAll drains both directions of fd, dispatching whichever
// continuations were registered. Used when the descriptor is closed.
func (s *IOScheduler) RemoveAndTriggerAll(fd int) bool {
	ctx := s.context(fd, false)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered == None {
		return false
	}
	if !s.epollUpdate(fd, None) {
		return false
	}
	if ctx.registered&Read != 0 {
		ctx.trigger(Read)
		s.pending.Add(-1)
	}
	if ctx.registered&Write != 0 {
		ctx.trigger(Write)
		s.pending.Add(-1)
	}
	return true
}

// epollUpdate reflects a new registered mask for fd into the epoll set.
func (s *IOScheduler) epollUpdate(fd int, left EventKind) bool {
	op := unix.EPOLL_CTL_MOD
	if left == None {
		op = unix.EPOLL_CTL_DEL
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | epollBits(left),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(s.epfd, op, fd, &ev); err != nil {
		sysLogger.Error("epoll_ctl failed", "fd", fd, "op", op, "error", err)
		return false
	}
	return true
}

// AddTimer schedules fn on the reactor's timer wheel. A new head deadline
// tickles a blocked worker so the epoll timeout shrinks.
func (s *IOScheduler) AddTimer(intervalMs uint64, fn func(), recurring bool) *timer.Timer {
	t := s.timers.Add(intervalMs, fn, recurring)
	s.tickleForTimer()
	return t
}

// AddConditionTimer schedules fn guarded by token.
func (s *IOScheduler) AddConditionTimer(intervalMs uint64, fn func(), token *timer.ConditionToken, recurring bool) *timer.Timer {
	t := s.timers.AddCondition(intervalMs, fn, token, recurring)
	s.tickleForTimer()
	return t
}

// AddTimerFunc implements api.TimerScheduler.
func (s *IOScheduler) AddTimerFunc(intervalMs uint64, fn func(), recurring bool) {
	s.AddTimer(intervalMs, fn, recurring)
}

func (s *IOScheduler) tickleForTimer() {
	if s.timers.NeedTickle() {
		s.Tickle()
		s.timers.SetTickled()
	}
}

// Tickle wakes a blocked worker by writing one byte to the wake pipe.
// Skipped when nobody is idle: a busy worker re-checks the queues anyway.
func (s *IOScheduler) Tickle() {
	sysLogger.Debug("reactor tickled", "scheduler", s.Name())
	if s.IdleWorkers() == 0 {
		return
	}
	one := []byte{1}
	if _, err := unix.Write(s.wakeW, one); err != nil && err != unix.EAGAIN {
		sysLogger.Error("wake pipe write failed", "error", err)
	}
}

// Stoppable extends the base predicate: no pending I/O events and no
// upcoming timers.
func (s *IOScheduler) Stoppable() bool {
	return s.timers.NextTimeout() == timer.NoDeadline &&
		s.pending.Load() == 0 &&
		s.Scheduler.Stoppable()
}

// Idle is the reactor pass, run inside each worker's idle coroutine. Every
// iteration waits for readiness or the next timer deadline, converts what
// fired into task submissions and yields so the worker can execute them.
func (s *IOScheduler) Idle() {
	sysLogger.Debug("reactor idle entered", "scheduler", s.Name())
	events := eventBuffers.Get()
	defer eventBuffers.Put(events)

	for {
		if s.Stoppable() {
			sysLogger.Debug("reactor idle exiting", "scheduler", s.Name())
			return
		}

		timeout := min(s.timers.NextTimeout(), maxWaitMs)
		timeoutMs, err := safecast.Conv[int](timeout)
		if err != nil {
			timeoutMs = maxWaitMs
		}

		var n int
		for {
			n, err = unix.EpollWait(s.epfd, events, timeoutMs)
			if err == unix.EINTR {
				continue
			}
			break
		}
		if err != nil {
			sysLogger.Error("epoll_wait failed", "error", err)
			n = 0
		}

		// Timer callbacks enqueue resumptions; they are not run inline.
		for _, fn := range s.timers.CollectDue() {
			fn()
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == s.wakeR {
				s.drainWakePipe()
				continue
			}
			s.handleReady(fd, ev.Events)
		}

		// The reactor only enqueued work; hand the worker back so it can
		// actually run it.
		coro.Current().Yield()
	}
}

// handleReady converts one epoll result into continuation dispatches.
func (s *IOScheduler) handleReady(fd int, bits uint32) {
	ctx := s.context(fd, false)
	if ctx == nil {
		return
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered == None {
		return
	}

	// An error or hangup must wake both readers and writers so their
	// syscall retry observes the failure.
	if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		bits |= epollBits(ctx.registered)
	}
	var fired EventKind
	if bits&unix.EPOLLIN != 0 {
		fired |= Read
	}
	if bits&unix.EPOLLOUT != 0 {
		fired |= Write
	}
	fired &= ctx.registered
	if fired == None {
		return
	}

	left := ctx.registered &^ fired
	if !s.epollUpdate(fd, left) {
		return
	}
	if fired&Read != 0 {
		ctx.trigger(Read)
		s.pending.Add(-1)
	}
	if fired&Write != 0 {
		ctx.trigger(Write)
		s.pending.Add(-1)
	}
}

// drainWakePipe empties the self-pipe until it would block.
func (s *IOScheduler) drainWakePipe() {
	var buf [256]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Self returns the I/O scheduler owning the calling coroutine's worker, or
// nil when the caller is not running under one.
func Self() *IOScheduler {
	cur := coro.Current()
	if cur == nil {
		return nil
	}
	s, _ := cur.Slot().Scheduler().(*IOScheduler)
	return s
}
