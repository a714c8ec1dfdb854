// File: coro/current.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coro

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// currentByGoroutine maps a coroutine body's goroutine id to its Coroutine,
// giving hooked syscalls an implicit way back to their suspension target.
// Entries live exactly as long as the trampoline.
var currentByGoroutine sync.Map // map[uint64]*Coroutine

// Current returns the coroutine executing on the calling goroutine, or nil
// when the caller is not inside a coroutine body.
func Current() *Coroutine {
	v, ok := currentByGoroutine.Load(goid())
	if !ok {
		return nil
	}
	return v.(*Coroutine)
}

func setCurrent(gid uint64, c *Coroutine) { currentByGoroutine.Store(gid, c) }

func clearCurrent(gid uint64) { currentByGoroutine.Delete(gid) }

// goid extracts the goroutine id from the runtime stack header
// ("goroutine N [running]:").
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
