// Package hierarchical implements the hierarchical pool: it routes
// (size, align, usage) allocations to a concrete size-class pool, maintains
// an allocation-cache for O(1) free, tracks pressure, and exposes
// optimize/realloc operations.
//
// The routing-with-fallback shape is grounded on the teacher's
// ResourceAllocator (kernel/threads/intelligence/scheduling/resource.go),
// which picks among named resource nodes by a selectable strategy and falls
// back when the preferred node can't serve a request; here the "nodes" are
// per-(usage, class) size-class pools and the fallback target is always the
// general pool of the same class.
package hierarchical

import (
	"sync"
	"sync/atomic"

	"github.com/tinymem/tinymem/kernel/memory/arena"
	"github.com/tinymem/tinymem/kernel/memory/errs"
	"github.com/tinymem/tinymem/kernel/memory/sizeclass"
)

// Usage is the routing tag distinguishing read-mostly weights, short-lived
// activations, and general allocations.
type Usage int

const (
	Weights Usage = iota
	Activations
	General
)

func (u Usage) String() string {
	switch u {
	case Weights:
		return "weights"
	case Activations:
		return "activations"
	default:
		return "general"
	}
}

// allocationCacheSize bounds the O(1) allocation→pool lookup table; beyond
// this many live entries, the oldest is evicted FIFO and any free against it
// falls back to a full pool scan.
const allocationCacheSize = 4096

type cacheEntry struct {
	addr  uintptr
	ptr   arena.Ptr
	size  uint32
	usage Usage
	class sizeclass.Class
}

// Pool is the hierarchical memory pool (component C).
type Pool struct {
	mu sync.RWMutex

	pools map[Usage]map[sizeclass.Class]*sizeclass.Pool

	cache      map[uintptr]*cacheEntry
	cacheOrder []uintptr // FIFO eviction order

	poolSwitches uint64
	oom          atomic.Bool

	pressureCallback  func(level int)
	oomCallback       func(usage Usage, class sizeclass.Class)
	highWaterMark     int
	lastPressureLevel int

	tensorOps map[tensorOpKey]arena.Ptr
}

type tensorOpKey struct {
	op    string
	role  string
	index int
}

// Classes lists every size class the pool configures, in ascending order.
var Classes = []sizeclass.Class{
	sizeclass.Tiny, sizeclass.Small, sizeclass.Medium,
	sizeclass.Large, sizeclass.XLarge, sizeclass.Huge,
}

// Config maps (usage, class) to its size-class pool configuration.
type Config map[Usage]map[sizeclass.Class]sizeclass.Config

// DefaultConfig returns a reasonable configuration with general-purpose
// limits for every usage and class; callers typically override the weights
// and activations entries to match their model's footprint.
func DefaultConfig() Config {
	mk := func(initial, max, hint uint32) sizeclass.Config {
		return sizeclass.Config{InitialCapacity: initial, MaxCapacity: max, BlockHint: hint, AllowGrowth: true}
	}
	cfg := Config{}
	for _, u := range []Usage{Weights, Activations, General} {
		cfg[u] = map[sizeclass.Class]sizeclass.Config{
			sizeclass.Tiny:   mk(4*1024, 256*1024, 4*1024),
			sizeclass.Small:  mk(16*1024, 1024*1024, 16*1024),
			sizeclass.Medium: mk(64*1024, 4*1024*1024, 64*1024),
			sizeclass.Large:  mk(256*1024, 16*1024*1024, 256*1024),
			sizeclass.XLarge: mk(1024*1024, 64*1024*1024, 1024*1024),
			sizeclass.Huge:   mk(4*1024*1024, 0, 4*1024*1024),
		}
	}
	return cfg
}

// New builds a hierarchical pool from the given configuration.
func New(cfg Config) *Pool {
	hp := &Pool{
		pools:         make(map[Usage]map[sizeclass.Class]*sizeclass.Pool),
		cache:         make(map[uintptr]*cacheEntry),
		highWaterMark: 85,
		tensorOps:     make(map[tensorOpKey]arena.Ptr),
	}
	for usage, byClass := range cfg {
		hp.pools[usage] = make(map[sizeclass.Class]*sizeclass.Pool)
		for class, c := range byClass {
			hp.pools[usage][class] = sizeclass.New(class, c)
		}
	}
	return hp
}

// OnPressure registers a callback invoked whenever pressure crosses the
// high-water mark (default 85).
func (hp *Pool) OnPressure(cb func(level int)) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.pressureCallback = cb
}

// OnOOM registers a callback invoked every time Alloc fails to satisfy a
// request for the given (usage, class), after the sticky OOM flag is set.
func (hp *Pool) OnOOM(cb func(usage Usage, class sizeclass.Class)) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.oomCallback = cb
}

// Alloc routes (size, align, usage) to the preferred (usage, class) pool,
// falling back to (general, class) if the preferred pool is absent.
func (hp *Pool) Alloc(size, align uint32, usage Usage) (arena.Ptr, error) {
	if size == 0 {
		return arena.Ptr{}, errs.New(errs.InvalidArgument, "alloc size must be > 0")
	}
	class := sizeclass.ClassFor(size)

	hp.mu.Lock()
	pool, ownerUsage := hp.resolvePoolLocked(usage, class)
	hp.mu.Unlock()

	if pool == nil {
		hp.oom.Store(true)
		hp.notifyOOM(usage, class)
		return arena.Ptr{}, errs.New(errs.OutOfMemory, "no pool configured for usage=%s class=%s", usage, class)
	}

	ptr, err := pool.Alloc(size, align, poolTag(ownerUsage, class))
	if err != nil {
		hp.oom.Store(true)
		hp.notifyOOM(usage, class)
		return arena.Ptr{}, errs.Wrap(errs.OutOfMemory, err, "hierarchical alloc failed for usage=%s class=%s", usage, class)
	}

	hp.mu.Lock()
	hp.recordAllocLocked(ptr, size, ownerUsage, class)
	if ownerUsage != usage {
		hp.poolSwitches++
	}
	hp.mu.Unlock()

	hp.checkPressure()
	return ptr, nil
}

func (hp *Pool) resolvePoolLocked(usage Usage, class sizeclass.Class) (*sizeclass.Pool, Usage) {
	if byClass, ok := hp.pools[usage]; ok {
		if p, ok := byClass[class]; ok {
			return p, usage
		}
	}
	if byClass, ok := hp.pools[General]; ok {
		if p, ok := byClass[class]; ok {
			return p, General
		}
	}
	return nil, usage
}

func poolTag(usage Usage, class sizeclass.Class) uint32 {
	return uint32(usage)<<8 | uint32(class)
}

func untag(tag uint32) (Usage, sizeclass.Class) {
	return Usage(tag >> 8), sizeclass.Class(tag & 0xff)
}

func (hp *Pool) recordAllocLocked(ptr arena.Ptr, size uint32, usage Usage, class sizeclass.Class) {
	addr := ptr.Addr()
	if len(hp.cacheOrder) >= allocationCacheSize {
		oldest := hp.cacheOrder[0]
		hp.cacheOrder = hp.cacheOrder[1:]
		delete(hp.cache, oldest)
	}
	hp.cache[addr] = &cacheEntry{addr: addr, ptr: ptr, size: size, usage: usage, class: class}
	hp.cacheOrder = append(hp.cacheOrder, addr)
}

// Free releases ptr. The allocation cache gives O(1) dispatch on a hit;
// on a miss it falls back to an exhaustive scan of every pool. Free takes
// no usage, so the scan path does not compare the owning pool with a
// usage-preferred one: every free served by the scan increments
// poolSwitches.
func (hp *Pool) Free(ptr arena.Ptr) error {
	addr := ptr.Addr()

	hp.mu.Lock()
	if entry, ok := hp.cache[addr]; ok {
		delete(hp.cache, addr)
		hp.removeFromOrderLocked(addr)
		pool := hp.pools[entry.usage][entry.class]
		hp.mu.Unlock()
		return pool.Free(ptr)
	}
	hp.mu.Unlock()

	return hp.freeByScan(ptr)
}

func (hp *Pool) removeFromOrderLocked(addr uintptr) {
	for i, a := range hp.cacheOrder {
		if a == addr {
			hp.cacheOrder = append(hp.cacheOrder[:i], hp.cacheOrder[i+1:]...)
			return
		}
	}
}

func (hp *Pool) freeByScan(ptr arena.Ptr) error {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	addr := ptr.Addr()
	for usage, byClass := range hp.pools {
		for class, pool := range byClass {
			if pool.Contains(addr) {
				_ = usage
				_ = class
				hp.poolSwitches++
				return pool.Free(ptr)
			}
		}
	}
	return errs.New(errs.InvalidArgument, "pointer not found in any pool")
}

// Realloc allocates a new buffer, copies min(new, old) bytes into it, and
// frees the old one. When the size class is unchanged and newSize does not
// exceed the old size, ptr is returned as is; regions are never resized in
// place.
func (hp *Pool) Realloc(ptr arena.Ptr, newSize uint32, usage Usage) (arena.Ptr, error) {
	oldBytes := ptr.Bytes()
	oldSize := uint32(len(oldBytes))
	newClass := sizeclass.ClassFor(newSize)
	oldClass := sizeclass.ClassFor(oldSize)

	if newClass == oldClass && newSize <= oldSize {
		return ptr, nil
	}

	newPtr, err := hp.Alloc(newSize, ptr.Align(), usage)
	if err != nil {
		return arena.Ptr{}, err
	}
	copyLen := oldSize
	if newSize < copyLen {
		copyLen = newSize
	}
	copy(newPtr.Bytes()[:copyLen], oldBytes[:copyLen])

	if err := hp.Free(ptr); err != nil {
		return arena.Ptr{}, err
	}
	return newPtr, nil
}

// Pressure returns 100 * totalUsed / totalCapacity across every pool.
func (hp *Pool) Pressure() int {
	used, capacity := hp.totals()
	if capacity == 0 {
		return 0
	}
	return int(100 * float64(used) / float64(capacity))
}

func (hp *Pool) totals() (used, capacity uint64) {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	for _, byClass := range hp.pools {
		for _, pool := range byClass {
			s := pool.Stats()
			used += uint64(s.TotalUsed)
			capacity += uint64(s.Capacity)
		}
	}
	return
}

func (hp *Pool) checkPressure() {
	level := hp.Pressure()
	hp.mu.Lock()
	cb := hp.pressureCallback
	mark := hp.highWaterMark
	crossed := level >= mark && hp.lastPressureLevel < mark
	hp.lastPressureLevel = level
	hp.mu.Unlock()

	if crossed && cb != nil {
		cb(level)
	}
}

func (hp *Pool) notifyOOM(usage Usage, class sizeclass.Class) {
	hp.mu.RLock()
	cb := hp.oomCallback
	hp.mu.RUnlock()
	if cb != nil {
		cb(usage, class)
	}
}

// FragmentationByClass aggregates free-space fragmentation across every
// usage sharing a size class (mirroring sizeclass.Pool.Stats' own
// region-aggregation), for callers reporting one fragmentation metric per
// class rather than per (usage, class) pair.
func (hp *Pool) FragmentationByClass() map[sizeclass.Class]int {
	hp.mu.RLock()
	defer hp.mu.RUnlock()

	type totals struct {
		totalFree      uint32
		largestFreeRun uint32
	}
	agg := make(map[sizeclass.Class]totals)
	for _, byClass := range hp.pools {
		for class, pool := range byClass {
			s := pool.Stats()
			t := agg[class]
			t.totalFree += s.TotalFree
			if s.LargestFreeRun > t.largestFreeRun {
				t.largestFreeRun = s.LargestFreeRun
			}
			agg[class] = t
		}
	}

	out := make(map[sizeclass.Class]int, len(agg))
	for class, t := range agg {
		if t.totalFree == 0 {
			out[class] = 0
			continue
		}
		out[class] = int(100 * (1 - float64(t.largestFreeRun)/float64(t.totalFree)))
	}
	return out
}

// OutOfMemory reports the sticky OOM flag: once any allocation has failed,
// it remains set until ResetOutOfMemory is called.
func (hp *Pool) OutOfMemory() bool { return hp.oom.Load() }

// ResetOutOfMemory clears the sticky OOM flag, typically after the caller
// has freed memory or grown a pool.
func (hp *Pool) ResetOutOfMemory() { hp.oom.Store(false) }

// PoolSwitches returns how many allocs were served by a pool other than the
// usage-preferred one, plus every free resolved by the scan fallback.
func (hp *Pool) PoolSwitches() uint64 {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return hp.poolSwitches
}

// OptimizeOptions configures one Optimize pass.
type OptimizeOptions struct {
	AggressiveDefrag bool
}

// Optimize grows any (usage, class) pool whose utilization exceeds 85% (up
// to 50% more capacity, capped at its configured max), and optionally
// compacts every pool.
func (hp *Pool) Optimize(opts OptimizeOptions) {
	hp.mu.RLock()
	snapshot := make([]*sizeclass.Pool, 0)
	for _, byClass := range hp.pools {
		for _, pool := range byClass {
			snapshot = append(snapshot, pool)
		}
	}
	hp.mu.RUnlock()

	for _, pool := range snapshot {
		stats := pool.Stats()
		cfg := pool.Config()
		if cfg.MaxCapacity > 0 && stats.Capacity < cfg.MaxCapacity && pool.UsageRatio() > 0.85 {
			growth := stats.Capacity / 2
			pool.Grow(growth)
		}
		if opts.AggressiveDefrag {
			pool.Compact()
		}
	}
}

// RememberTensorOutput stores the first allocation seen for (op, role,
// index) and returns it verbatim on every later call instead of asking the
// pool again. This is a liveness assumption: callers must not free the
// buffer between uses of the same key.
func (hp *Pool) RememberTensorOutput(op, role string, index int, size, align uint32, usage Usage) (arena.Ptr, error) {
	key := tensorOpKey{op: op, role: role, index: index}

	hp.mu.RLock()
	if ptr, ok := hp.tensorOps[key]; ok {
		hp.mu.RUnlock()
		return ptr, nil
	}
	hp.mu.RUnlock()

	ptr, err := hp.Alloc(size, align, usage)
	if err != nil {
		return arena.Ptr{}, err
	}

	hp.mu.Lock()
	hp.tensorOps[key] = ptr
	hp.mu.Unlock()
	return ptr, nil
}

// ForgetTensorOutputs clears the tensor-op cache, releasing the liveness
// assumption for every entry (callers are still responsible for freeing the
// underlying buffers).
func (hp *Pool) ForgetTensorOutputs() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.tensorOps = make(map[tensorOpKey]arena.Ptr)
}

// Stats aggregates stats across every (usage, class) pool.
type Stats struct {
	TotalUsed     uint64
	TotalCapacity uint64
	Pressure      int
	PoolSwitches  uint64
	OutOfMemory   bool
}

// Stats returns a point-in-time summary of the whole hierarchical pool.
func (hp *Pool) Stats() Stats {
	used, capacity := hp.totals()
	return Stats{
		TotalUsed:     used,
		TotalCapacity: capacity,
		Pressure:      hp.Pressure(),
		PoolSwitches:  hp.PoolSwitches(),
		OutOfMemory:   hp.OutOfMemory(),
	}
}
