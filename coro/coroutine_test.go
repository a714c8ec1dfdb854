//go:build linux

// File: coro/coroutine_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coro

import (
	"testing"

	"github.com/momentics/coroio/thread"
)

func newTestSlot() *RuntimeSlot {
	return EnterThread(nil, thread.CurrentTID())
}

func TestCoroutineLifecycle(t *testing.T) {
	slot := newTestSlot()
	var steps []string

	c := New(slot, func() {
		steps = append(steps, "first")
		Current().Yield()
		steps = append(steps, "second")
	}, 0, slot.Main())

	if c.State() != Ready {
		t.Fatalf("new coroutine state = %v, want Ready", c.State())
	}
	c.Resume()
	if c.State() != Ready {
		t.Fatalf("state after first yield = %v, want Ready", c.State())
	}
	if len(steps) != 1 || steps[0] != "first" {
		t.Fatalf("steps after first resume = %v", steps)
	}
	c.Resume()
	if c.State() != Stopped {
		t.Fatalf("state after completion = %v, want Stopped", c.State())
	}
	if len(steps) != 2 {
		t.Fatalf("steps after completion = %v", steps)
	}
}

func TestCoroutineRunningSlot(t *testing.T) {
	slot := newTestSlot()
	var insideRunning *Coroutine

	c := New(slot, func() {
		insideRunning = slot.Running()
	}, 0, slot.Main())
	c.Resume()

	if insideRunning != c {
		t.Error("running slot did not point at the task coroutine")
	}
	if slot.Running() != slot.Main() {
		t.Error("running slot not restored to sentinel after stop")
	}
}

func TestCoroutineReset(t *testing.T) {
	slot := newTestSlot()
	count := 0
	c := New(slot, func() { count++ }, 0, slot.Main())
	c.Resume()
	if c.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", c.State())
	}

	c.Reset(func() { count += 10 })
	if c.State() != Ready {
		t.Fatalf("state after reset = %v, want Ready", c.State())
	}
	c.Resume()
	if count != 11 {
		t.Fatalf("count = %d, want 11", count)
	}
}

func TestCoroutineResetFreshClosureCoroutine(t *testing.T) {
	slot := newTestSlot()
	c := New(slot, nil, 0, slot.Main())
	ran := false
	c.Reset(func() { ran = true })
	c.Resume()
	if !ran {
		t.Error("retargeted coroutine did not run")
	}
}

func TestCoroutineIDsMonotonic(t *testing.T) {
	slot := newTestSlot()
	a := New(slot, func() {}, 0, slot.Main())
	b := New(slot, func() {}, 0, slot.Main())
	if b.ID() <= a.ID() {
		t.Errorf("ids not monotonic: %d then %d", a.ID(), b.ID())
	}
	a.Resume()
	b.Resume()
}

func TestCurrentOutsideCoroutine(t *testing.T) {
	if Current() != nil {
		t.Error("Current outside any coroutine should be nil")
	}
}

func TestCurrentInsideNestedResume(t *testing.T) {
	slot := newTestSlot()
	var outer, inner *Coroutine

	outerCo := New(slot, func() {
		outer = Current()
		innerCo := New(slot, func() {
			inner = Current()
		}, 0, Current())
		innerCo.Resume()
		if Current() != outer {
			t.Error("Current not restored after nested resume")
		}
	}, 0, slot.Main())
	outerCo.Resume()

	if outer == nil || inner == nil || outer == inner {
		t.Fatalf("nested coroutines not distinguished: outer=%v inner=%v", outer, inner)
	}
}

func TestResumeNonReadyPanics(t *testing.T) {
	slot := newTestSlot()
	c := New(slot, func() {}, 0, slot.Main())
	c.Resume()
	defer func() {
		if recover() == nil {
			t.Error("resume of stopped coroutine did not panic")
		}
	}()
	c.Resume()
}

func TestPanickingTaskStops(t *testing.T) {
	slot := newTestSlot()
	c := New(slot, func() {
		panic("boom")
	}, 0, slot.Main())
	c.Resume()
	if c.State() != Stopped {
		t.Fatalf("state after panicking task = %v, want Stopped", c.State())
	}
	if slot.Running() != slot.Main() {
		t.Error("running slot not restored after panicking task")
	}
}

func TestStackSizeDefaultFromConfig(t *testing.T) {
	slot := newTestSlot()
	c := New(slot, func() {}, 0, slot.Main())
	if c.StackSize() != StackSizeItem.Value() {
		t.Errorf("stack size = %d, want configured %d", c.StackSize(), StackSizeItem.Value())
	}
	explicit := New(slot, func() {}, 4096, slot.Main())
	if explicit.StackSize() != 4096 {
		t.Errorf("explicit stack size = %d, want 4096", explicit.StackSize())
	}
	c.Resume()
	explicit.Resume()
}
