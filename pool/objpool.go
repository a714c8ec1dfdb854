// File: pool/objpool.go
// Package pool provides small object pools for hot-path allocations.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"
)

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage and counts traffic so the
// metrics registry can report reuse rates.
type SyncPool[T any] struct {
	pool *sync.Pool
	gets atomic.Int64
	puts atomic.Int64
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

// Get takes an object from the pool, creating one when empty.
func (sp *SyncPool[T]) Get() T {
	sp.gets.Add(1)
	return sp.pool.Get().(T)
}

// Put returns an object to the pool.
func (sp *SyncPool[T]) Put(obj T) {
	sp.puts.Add(1)
	sp.pool.Put(obj)
}

// Stats returns the cumulative get and put counts.
func (sp *SyncPool[T]) Stats() (gets, puts int64) {
	return sp.gets.Load(), sp.puts.Load()
}
