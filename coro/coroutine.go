// File: coro/coroutine.go
// Package coro implements asymmetric cooperative coroutines.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Coroutine is a task with its own call stack that suspends and resumes
// against an explicit parent. The machine-context switch of a classic
// stackful implementation is expressed as a synchronous handoff between the
// resumer and a dedicated goroutine: exactly one side runs at any moment, so
// a worker thread observes the same happens-before ordering a swapcontext
// pair would give it. Goroutine stacks grow on demand; the configured stack
// size is kept as the nominal reservation for accounting.

package coro

import (
	"log/slog"
	"sync/atomic"

	"github.com/momentics/coroio/control"
)

var sysLogger = slog.With("logger", "system")

// State is the lifecycle state of a coroutine.
type State int32

const (
	// Ready means the coroutine may be resumed.
	Ready State = iota
	// Running means the coroutine currently owns its worker thread.
	Running
	// Stopped means the task has run to completion.
	Stopped
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "invalid"
}

var (
	nextID    atomic.Uint64
	liveCount atomic.Int64
)

// StackSizeItem configures the nominal stack size of task coroutines.
var StackSizeItem = control.GetOrAdd(control.Default(), "coroutine.stack_size", uint64(128*1024), "coroutine stack size")

// Coroutine is a cooperatively scheduled task.
type Coroutine struct {
	id        uint64
	state     atomic.Int32
	stackSize uint64
	task      func()
	parent    *Coroutine
	slot      *RuntimeSlot

	// transfer wakes the coroutine body, back wakes the resumer. Both are
	// unbuffered so every switch is a rendezvous.
	transfer chan struct{}
	back     chan struct{}
	started  bool

	// resumeSlot and returnTo are captured by Resume and consumed by the
	// matching Yield. Written only while the coroutine is suspended, read
	// only while it runs; the channel handoff orders the two.
	resumeSlot *RuntimeSlot
	returnTo   *Coroutine

	// main marks the thread sentinel, which owns no separate stack.
	main bool
}

// New creates a task coroutine in Ready state. A zero stackSize takes the
// configured default. The parent regains control on every yield and must be
// non-nil.
func New(slot *RuntimeSlot, task func(), stackSize uint64, parent *Coroutine) *Coroutine {
	if parent == nil {
		panic("coro: task coroutine requires a parent")
	}
	if stackSize == 0 {
		stackSize = StackSizeItem.Value()
	}
	c := &Coroutine{
		id:        nextID.Add(1) - 1,
		stackSize: stackSize,
		task:      task,
		parent:    parent,
		slot:      slot,
		transfer:  make(chan struct{}),
		back:      make(chan struct{}),
	}
	c.state.Store(int32(Ready))
	liveCount.Add(1)
	sysLogger.Debug("coroutine created", "id", c.id)
	return c
}

// newMain builds the thread sentinel coroutine: born Running, no parent,
// no task, no separate stack.
func newMain(slot *RuntimeSlot) *Coroutine {
	c := &Coroutine{
		id:   nextID.Add(1) - 1,
		slot: slot,
		main: true,
	}
	c.state.Store(int32(Running))
	liveCount.Add(1)
	sysLogger.Debug("main coroutine created", "id", c.id)
	return c
}

// ID returns the coroutine's monotonic identifier.
func (c *Coroutine) ID() uint64 { return c.id }

// State returns the current lifecycle state.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// Slot returns the runtime slot of the worker this coroutine belongs to.
func (c *Coroutine) Slot() *RuntimeSlot { return c.slot }

// StackSize returns the nominal stack reservation.
func (c *Coroutine) StackSize() uint64 { return c.stackSize }

// Attach rebinds the coroutine to the worker about to resume it. A
// continuation scheduled without affinity may be picked up by any worker;
// the worker re-parents it onto its own scheduling coroutine so the yield
// hands control back to the right place. Must only be called while the
// coroutine is suspended.
func (c *Coroutine) Attach(slot *RuntimeSlot) {
	c.slot = slot
	c.parent = slot.Running()
}

// Resume transfers control into the coroutine. Precondition: state Ready.
// The caller blocks until the coroutine yields or stops.
func (c *Coroutine) Resume() {
	if c.State() != Ready {
		panic("coro: resume of non-ready coroutine")
	}
	if c.parent == nil {
		panic("coro: resume of coroutine without parent")
	}
	if !c.started && c.task == nil {
		panic("coro: resume of coroutine without task")
	}
	rs := c.slot
	c.resumeSlot = rs
	c.returnTo = rs.Running()
	rs.setRunning(c)
	c.state.Store(int32(Running))
	if !c.started {
		c.started = true
		go c.trampoline()
	} else {
		c.transfer <- struct{}{}
	}
	<-c.back
}

// Yield suspends the coroutine and returns control to its resumer.
// Precondition: state Running or Stopped. A Running coroutine becomes Ready
// so it may be scheduled again; a Stopped one ends its goroutine.
func (c *Coroutine) Yield() {
	st := c.State()
	if st != Running && st != Stopped {
		panic("coro: yield of " + st.String() + " coroutine")
	}
	if c.parent == nil {
		panic("coro: yield of coroutine without parent")
	}
	rs, ret := c.resumeSlot, c.returnTo
	c.resumeSlot, c.returnTo = nil, nil
	rs.setRunning(ret)
	if st == Running {
		// After this store another worker may legally pick the coroutine
		// up again, so no field of c is touched past this point except the
		// handoff channels.
		c.state.Store(int32(Ready))
	}
	c.back <- struct{}{}
	if st != Stopped {
		<-c.transfer
	}
}

// Reset re-arms a finished task coroutine with a new task so its identity
// and bookkeeping can be reused for hot closures. Permitted on a Stopped
// coroutine, or on a Ready one that was built without a task and never ran.
func (c *Coroutine) Reset(task func()) {
	if c.main {
		panic("coro: reset of main coroutine")
	}
	st := c.State()
	if st != Stopped && !(st == Ready && !c.started && c.task == nil) {
		panic("coro: reset of " + st.String() + " coroutine")
	}
	c.task = task
	c.started = false
	c.transfer = make(chan struct{})
	c.back = make(chan struct{})
	if st == Stopped {
		liveCount.Add(1)
	}
	c.state.Store(int32(Ready))
}

// trampoline is the entry point of the coroutine's goroutine. It runs the
// task to completion, transitions to Stopped and performs the final yield.
// A panicking task is logged and absorbed after its stack has unwound.
func (c *Coroutine) trampoline() {
	gid := goid()
	setCurrent(gid, c)
	defer func() {
		if r := recover(); r != nil {
			sysLogger.Error("coroutine task panicked", "id", c.id, "panic", r)
		}
		c.task = nil
		c.state.Store(int32(Stopped))
		clearCurrent(gid)
		liveCount.Add(-1)
		c.Yield()
	}()
	c.task()
}

// Live returns the number of coroutines that exist and have not stopped.
func Live() int64 { return liveCount.Load() }
