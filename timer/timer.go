// File: timer/timer.go
// Package timer implements a millisecond-deadline timer manager.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timers are kept in an ordered set keyed by (next fire, insertion sequence),
// so ties on the deadline are delivered deterministically. All times come
// from a monotonic clock; wall-clock rollback never has to be detected.

package timer

import (
	"container/heap"
	"sync"
	"time"
)

// NoDeadline is the sentinel returned when no timer is pending.
const NoDeadline = ^uint64(0)

var startup = time.Now()

// NowMs returns the monotonic runtime clock in milliseconds.
func NowMs() uint64 {
	return uint64(time.Since(startup) / time.Millisecond)
}

// Timer is a single scheduled callback owned by a Manager.
type Timer struct {
	intervalMs uint64
	nextMs     uint64
	recurring  bool
	fn         func()
	mgr        *Manager
	seq        uint64
	index      int // heap index, -1 when not queued
}

// Manager owns an ordered set of timers.
type Manager struct {
	mu           sync.Mutex
	queue        timerHeap
	nextSeq      uint64
	hasNewFront  bool
	tickled      bool
	previousTick uint64
}

// NewManager creates an empty timer manager.
func NewManager() *Manager {
	return &Manager{previousTick: NowMs()}
}

// Add schedules fn to run after intervalMs. Recurring timers re-arm
// themselves on expiry.
func (m *Manager) Add(intervalMs uint64, fn func(), recurring bool) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(intervalMs, fn, recurring)
}

func (m *Manager) addLocked(intervalMs uint64, fn func(), recurring bool) *Timer {
	t := &Timer{
		intervalMs: intervalMs,
		nextMs:     NowMs() + intervalMs,
		recurring:  recurring,
		fn:         fn,
		mgr:        m,
		seq:        m.nextSeq,
		index:      -1,
	}
	m.nextSeq++
	heap.Push(&m.queue, t)
	if m.queue[0] == t {
		m.hasNewFront = true
	}
	return t
}

// AddCondition schedules fn guarded by token: the callback is a no-op unless
// the token can still transition to fired.
func (m *Manager) AddCondition(intervalMs uint64, fn func(), token *ConditionToken, recurring bool) *Timer {
	return m.Add(intervalMs, func() {
		if token.TryFire() {
			fn()
		}
	}, recurring)
}

// Cancel removes the timer from its manager. Returns whether it was still
// pending; a second cancel returns false.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fn == nil {
		return false
	}
	t.fn = nil
	if t.index >= 0 {
		heap.Remove(&m.queue, t.index)
	}
	return true
}

// Refresh re-arms the timer at now + interval without changing the interval.
// No-op returning false when the timer already fired or was cancelled.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fn == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.queue, t.index)
	t.nextMs = NowMs() + t.intervalMs
	heap.Push(&m.queue, t)
	return true
}

// Reset changes the interval. With fromNow the next fire is now + interval;
// otherwise it keeps the original start point and applies the new interval.
func (t *Timer) Reset(newIntervalMs uint64, fromNow bool) bool {
	if newIntervalMs == t.intervalMs && !fromNow {
		return true
	}
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fn == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.queue, t.index)
	var start uint64
	if fromNow {
		start = NowMs()
	} else {
		start = t.nextMs - t.intervalMs
	}
	t.intervalMs = newIntervalMs
	t.nextMs = start + newIntervalMs
	heap.Push(&m.queue, t)
	if m.queue[0] == t {
		m.hasNewFront = true
	}
	return true
}

// NextTimeout returns milliseconds until the earliest deadline, NoDeadline
// when the set is empty, 0 when the head is already due.
func (m *Manager) NextTimeout() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return NoDeadline
	}
	head := m.queue[0]
	now := NowMs()
	if now >= head.nextMs {
		return 0
	}
	return head.nextMs - now
}

// CollectDue removes every timer with deadline <= now and returns their
// callbacks in (deadline, sequence) order. One-shots are cleared, recurring
// timers re-arm at now + interval, and the tickled bit resets.
func (m *Manager) CollectDue() []func() {
	now := NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []func()
	var rearm []*Timer
	for m.queue.Len() > 0 && m.queue[0].nextMs <= now {
		t := heap.Pop(&m.queue).(*Timer)
		due = append(due, t.fn)
		if t.recurring {
			rearm = append(rearm, t)
		} else {
			t.fn = nil
		}
	}
	// Recurring timers go back only after the scan, so one with a zero
	// interval fires once per call instead of being collected again.
	for _, t := range rearm {
		t.nextMs = now + t.intervalMs
		heap.Push(&m.queue, t)
	}
	m.hasNewFront = false
	m.tickled = false
	m.previousTick = now
	return due
}

// Empty reports whether no timers are pending.
func (m *Manager) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len() == 0
}

// NeedTickle reports whether a new head deadline appeared and no wakeup has
// been requested for it yet.
func (m *Manager) NeedTickle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasNewFront && !m.tickled
}

// SetTickled records that a wakeup was requested for the current head.
func (m *Manager) SetTickled() {
	m.mu.Lock()
	m.tickled = true
	m.mu.Unlock()
}

// timerHeap orders by (nextMs, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].nextMs != h[j].nextMs {
		return h[i].nextMs < h[j].nextMs
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
