// File: sched/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import "github.com/momentics/coroio/coro"

// AnyThread submits a task without thread affinity.
const AnyThread = -1

// Task is a unit of schedulable work: either a suspended coroutine or a
// plain closure, optionally pinned to one worker thread id.
type Task struct {
	Co  *coro.Coroutine
	Fn  func()
	TID int
}

// Empty reports whether the task carries no work.
func (t Task) Empty() bool { return t.Co == nil && t.Fn == nil }

func (t *Task) clear() {
	t.Co = nil
	t.Fn = nil
	t.TID = AnyThread
}
