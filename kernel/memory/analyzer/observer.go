package analyzer

import (
	"sync"

	"github.com/tinymem/tinymem/kernel/memory/arena"
	"github.com/tinymem/tinymem/kernel/memory/hierarchical"
)

// ObservedPool decorates a hierarchical.Pool, recording every Alloc/Free
// into an Analyzer. It never changes the outcome of a call: on error it
// passes the error straight through and records nothing.
type ObservedPool struct {
	pool     *hierarchical.Pool
	analyzer *Analyzer

	mu      sync.Mutex
	openIDs map[uintptr]int
}

// Observe wraps pool so every allocation through the returned ObservedPool
// is recorded into an.
func Observe(pool *hierarchical.Pool, an *Analyzer) *ObservedPool {
	return &ObservedPool{pool: pool, analyzer: an, openIDs: make(map[uintptr]int)}
}

// Alloc proxies to the wrapped pool and records the allocation on success.
func (o *ObservedPool) Alloc(size, align uint32, usage hierarchical.Usage) (arena.Ptr, error) {
	ptr, err := o.pool.Alloc(size, align, usage)
	if err != nil {
		return ptr, err
	}
	id := o.analyzer.RecordAlloc(size)
	o.mu.Lock()
	o.openIDs[ptr.Addr()] = id
	o.mu.Unlock()
	return ptr, nil
}

// Free proxies to the wrapped pool and marks the matching record freed on
// success.
func (o *ObservedPool) Free(ptr arena.Ptr) error {
	err := o.pool.Free(ptr)
	o.mu.Lock()
	id, tracked := o.openIDs[ptr.Addr()]
	if tracked {
		delete(o.openIDs, ptr.Addr())
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if tracked {
		_ = o.analyzer.MarkFreed(id)
	}
	return nil
}

// Pool returns the wrapped pool for operations the observer does not
// proxy (Stats, Optimize, Pressure, and so on).
func (o *ObservedPool) Pool() *hierarchical.Pool {
	return o.pool
}
