//go:build linux

// File: reactor/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/coroio/coro"
	"github.com/momentics/coroio/sched"
)

// EventKind is the set of watchable readiness directions. A two-bit mask:
// None means nothing registered, distinct from both Read and Write.
type EventKind uint32

const (
	None  EventKind = 0
	Read  EventKind = 1
	Write EventKind = 2
)

func (k EventKind) String() string {
	switch k {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	}
	return "invalid"
}

// epollBits translates a kind mask into epoll event bits.
func epollBits(k EventKind) uint32 {
	var bits uint32
	if k&Read != 0 {
		bits |= unix.EPOLLIN
	}
	if k&Write != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// eventContext is the continuation recorded for one direction: the scheduler
// that should run it, and exactly one of coroutine or closure.
type eventContext struct {
	target *sched.Scheduler
	co     *coro.Coroutine
	fn     func()
}

func (ec *eventContext) reset() {
	ec.target = nil
	ec.co = nil
	ec.fn = nil
}

// FdContext records which directions of one descriptor are being watched and
// what to run when they fire. The mutex serializes registration against
// event delivery.
type FdContext struct {
	mu         sync.Mutex
	fd         int
	registered EventKind
	read       eventContext
	write      eventContext
}

func (c *FdContext) context(kind EventKind) *eventContext {
	switch kind {
	case Read:
		return &c.read
	case Write:
		return &c.write
	}
	panic("reactor: event context for invalid kind " + kind.String())
}

// trigger dispatches the continuation registered for kind to its scheduler
// and clears the event context. Caller holds c.mu and has already removed
// kind from the registered mask's epoll interest.
func (c *FdContext) trigger(kind EventKind) {
	if c.registered&kind == 0 {
		panic("reactor: trigger of unregistered event " + kind.String())
	}
	c.registered &^= kind
	ec := c.context(kind)
	target := ec.target
	if target == nil {
		ec.reset()
		return
	}
	switch {
	case ec.fn != nil:
		target.SubmitFunc(ec.fn, sched.AnyThread)
	case ec.co != nil:
		target.SubmitCoroutine(ec.co, sched.AnyThread)
	}
	ec.reset()
}
