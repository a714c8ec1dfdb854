// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduler contracts shared across the runtime packages.

package api

// TaskScheduler accepts units of work for execution on a worker pool.
// Both closures and suspended coroutines are scheduled through it; the
// concrete task representation lives in the sched package.
type TaskScheduler interface {
	// SubmitFunc enqueues a closure. A negative thread id means any worker.
	SubmitFunc(fn func(), tid int)

	// Name returns the scheduler's configured name.
	Name() string
}

// TimerScheduler schedules millisecond-resolution callbacks on top of a
// task scheduler. Implemented by the reactor.
type TimerScheduler interface {
	TaskScheduler

	// AddTimerFunc schedules fn to run after interval milliseconds.
	AddTimerFunc(intervalMs uint64, fn func(), recurring bool)
}
