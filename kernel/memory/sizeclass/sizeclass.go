// Package sizeclass wraps a growable sequence of arena.Region behind a
// single size-class bucket: tiny, small, medium, large, xlarge, or huge.
//
// This generalizes the teacher's HybridAllocator
// (kernel/threads/arena/allocator.go), which routes between exactly two
// sub-allocators (slab for <=256B, buddy for the rest) by size, to the six
// buckets the pool needs while keeping the same "walk regions, grow on
// exhaustion" shape.
package sizeclass

import (
	"sync"

	"github.com/tinymem/tinymem/kernel/memory/arena"
	"github.com/tinymem/tinymem/kernel/memory/errs"
)

// Class identifies one of the six size-class buckets.
type Class int

const (
	Tiny Class = iota
	Small
	Medium
	Large
	XLarge
	Huge
)

func (c Class) String() string {
	switch c {
	case Tiny:
		return "tiny"
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	case XLarge:
		return "xlarge"
	case Huge:
		return "huge"
	default:
		return "unknown"
	}
}

// classLimit is the upper bound (inclusive) of a class's payload size. Huge
// has no upper bound.
var classLimit = map[Class]uint32{
	Tiny:   64,
	Small:  256,
	Medium: 1024,
	Large:  4096,
	XLarge: 64 * 1024,
}

// ClassFor returns the smallest class whose limit covers size.
func ClassFor(size uint32) Class {
	switch {
	case size <= classLimit[Tiny]:
		return Tiny
	case size <= classLimit[Small]:
		return Small
	case size <= classLimit[Medium]:
		return Medium
	case size <= classLimit[Large]:
		return Large
	case size <= classLimit[XLarge]:
		return XLarge
	default:
		return Huge
	}
}

// Config configures one (usage, class) size-class pool.
type Config struct {
	InitialCapacity uint32
	MaxCapacity     uint32 // 0 means unbounded (huge class)
	BlockHint       uint32
	AllowGrowth     bool
}

// Pool is an ordered sequence of Regions serving one size class.
type Pool struct {
	cfg     Config
	class   Class
	regions []*arena.Region

	mu sync.RWMutex
}

// New creates a Pool with one initial region sized to cfg.InitialCapacity.
func New(class Class, cfg Config) *Pool {
	p := &Pool{cfg: cfg, class: class}
	p.regions = append(p.regions, arena.New(cfg.InitialCapacity))
	return p
}

// Alloc walks regions in order; if every region reports OutOfMemory and
// growth is allowed and the new total stays within MaxCapacity, a new region
// sized max(BlockHint, requested) is appended.
func (p *Pool) Alloc(size, align uint32, poolTag uint32) (arena.Ptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if ptr, err := r.Alloc(size, align, poolTag); err == nil {
			return ptr, nil
		}
	}

	if !p.cfg.AllowGrowth {
		return arena.Ptr{}, errs.New(errs.OutOfMemory, "size-class %s pool exhausted, growth disabled", p.class)
	}

	newCap := p.cfg.BlockHint
	if size > newCap {
		newCap = size
	}
	if p.cfg.MaxCapacity > 0 && p.totalCapacityLocked()+newCap > p.cfg.MaxCapacity {
		return arena.Ptr{}, errs.New(errs.OutOfMemory, "size-class %s pool at max capacity", p.class)
	}

	r := arena.New(newCap)
	p.regions = append(p.regions, r)
	return r.Alloc(size, align, poolTag)
}

// Free dispatches by containment: the region whose address range holds ptr.
func (p *Pool) Free(ptr arena.Ptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if r.Contains(ptr.Addr()) {
			return r.Free(ptr)
		}
	}
	return errs.New(errs.InvalidArgument, "pointer not owned by this size-class pool")
}

// Lookup scans every region for the live allocation at addr. Used by the
// hierarchical pool's cache-miss fallback.
func (p *Pool) Lookup(addr uintptr) (arena.Ptr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, r := range p.regions {
		if ptr, ok := r.Lookup(addr); ok {
			return ptr, true
		}
	}
	return arena.Ptr{}, false
}

// Contains reports whether addr is owned by any region in this pool.
func (p *Pool) Contains(addr uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (p *Pool) totalCapacityLocked() uint32 {
	var total uint32
	for _, r := range p.regions {
		total += r.Capacity()
	}
	return total
}

// Stats aggregates region-level stats into one pool-level summary.
type Stats struct {
	Class              Class
	RegionCount        int
	Capacity           uint32
	TotalUsed          uint32
	TotalFree          uint32
	FreeBlocks         int
	LargestFreeRun     uint32
	Peak               uint32
	FragmentationScore int
}

// Stats returns the aggregated totals, free-block count, largest free run
// across regions, and a fragmentation score computed over the pool's
// combined free space.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Class: p.class, RegionCount: len(p.regions)}
	for _, r := range p.regions {
		rs := r.Stats()
		s.Capacity += rs.Capacity
		s.TotalUsed += rs.TotalUsed
		s.TotalFree += rs.TotalFree
		s.FreeBlocks += rs.FreeBlocks
		s.Peak += rs.Peak
		if rs.LargestFreeRun > s.LargestFreeRun {
			s.LargestFreeRun = rs.LargestFreeRun
		}
	}
	if s.TotalFree > 0 {
		s.FragmentationScore = int(100 * (1 - float64(s.LargestFreeRun)/float64(s.TotalFree)))
	}
	return s
}

// Compact coalesces every region in the pool.
func (p *Pool) Compact() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.regions {
		r.Compact()
	}
}

// Grow appends a new region of the given capacity, used by Optimize when
// pressure crosses the 85% threshold.
func (p *Pool) Grow(capacity uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxCapacity > 0 && p.totalCapacityLocked()+capacity > p.cfg.MaxCapacity {
		capacity = p.cfg.MaxCapacity - p.totalCapacityLocked()
	}
	if capacity == 0 {
		return
	}
	p.regions = append(p.regions, arena.New(capacity))
}

// Config returns the pool's configuration.
func (p *Pool) Config() Config { return p.cfg }

// UsageRatio returns used/capacity across all regions in the pool.
func (p *Pool) UsageRatio() float64 {
	s := p.Stats()
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.TotalUsed) / float64(s.Capacity)
}
