// Package mapped implements the memory-mapped model cache: lazy, budgeted
// access to per-layer weight blobs backed by a TMAI model file, with
// priority/recency/frequency eviction under a configured byte budget and
// coalesced loading for concurrent requests to the same layer.
//
// The mmap/pread duality mirrors the teacher's MemoryProvider split in
// kernel/threads/sab/hal.go (SharedMemoryProvider vs InMemoryProvider);
// the descriptor table format follows kernel/threads/registry/loader.go's
// binary decoding of EnhancedModuleEntry records.
package mapped

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tinymem/tinymem/kernel/memory/errs"
	"github.com/tinymem/tinymem/kernel/model/format"
)

// backing abstracts the file-data source behind a single ReadLayer call;
// see backing_native.go, backing_pread.go, and backing_wasm.go.
type backing interface {
	ReadLayer(offset, size uint32) ([]byte, error)
	Close() error
}

// OpenOptions configures a Model at open time.
type OpenOptions struct {
	// UseMmap selects the mmap backing where available. Ignored (always
	// false, effectively) on platforms without syscall.Mmap.
	UseMmap bool
	// Budget is the maximum total bytes the cache may hold resident
	// across all Loaded descriptors.
	Budget uint64
	// PrefetchEnabled allows Prefetch to actually load layers; when false
	// Prefetch is a silent no-op, matching the "may be ignored" allowance.
	PrefetchEnabled bool

	// OnCacheEvent, if non-nil, is called once per GetLayerWeights request
	// with hit=true when the layer was already resident and hit=false when
	// it required a load.
	OnCacheEvent func(hit bool)
	// OnEvict, if non-nil, is called whenever a loaded layer is dropped to
	// make room for another.
	OnEvict func(layerIndex int, bytes uint32)
}

// Model is the memory-mapped, budgeted cache over one TMAI model file.
type Model struct {
	file    *os.File
	backing backing
	header  format.Header

	budget       uint64
	cachedBytes  atomic.Uint64
	prefetchOK   bool
	tick         atomic.Uint64
	onCacheEvent func(hit bool)
	onEvict      func(layerIndex int, bytes uint32)

	mu          sync.RWMutex
	descriptors []*LayerDescriptor
	group       singleflight.Group
}

// Open parses the TMAI header and descriptor table at path and returns a
// Model ready to serve GetLayerWeights calls. No layer payload is read
// until first access.
func Open(path string, opts OpenOptions) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFile, err, "open model file %s", path)
	}

	headerBuf := make([]byte, format.HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.InvalidFile, err, "read model header")
	}
	header, err := format.DecodeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	descBuf := make([]byte, int(header.LayerCount)*format.DescriptorSize)
	if _, err := f.ReadAt(descBuf, format.HeaderSize); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.InvalidFile, err, "read descriptor table")
	}
	entries := make([]format.Descriptor, header.LayerCount)
	for i := range entries {
		d, err := format.DecodeDescriptor(descBuf[i*format.DescriptorSize : (i+1)*format.DescriptorSize])
		if err != nil {
			f.Close()
			return nil, err
		}
		entries[i] = d
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.InvalidFile, err, "stat model file")
	}
	b, err := newBacking(f, info.Size(), opts.UseMmap)
	if err != nil {
		f.Close()
		return nil, err
	}

	descriptors := make([]*LayerDescriptor, len(entries))
	for i, d := range entries {
		descriptors[i] = newDescriptor(i, d, 1.0)
	}

	return &Model{
		file:         f,
		backing:      b,
		header:       header,
		budget:       opts.Budget,
		prefetchOK:   opts.PrefetchEnabled,
		descriptors:  descriptors,
		onCacheEvent: opts.OnCacheEvent,
		onEvict:      opts.OnEvict,
	}, nil
}

// Close releases the backing mapping/file. Cached layer data is dropped.
func (m *Model) Close() error {
	berr := m.backing.Close()
	ferr := m.file.Close()
	if berr != nil {
		return berr
	}
	return ferr
}

// LayerCount returns the number of layers in the model.
func (m *Model) LayerCount() int {
	return len(m.descriptors)
}

// SetPriority sets the eviction priority for a layer. Higher priority
// layers are evicted later, all else equal.
func (m *Model) SetPriority(i int, priority float32) error {
	d, err := m.descriptorAt(i)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.Priority = priority
	d.mu.Unlock()
	return nil
}

func (m *Model) descriptorAt(i int) (*LayerDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.descriptors) {
		return nil, errs.New(errs.InvalidArgument, "layer index %d out of range [0,%d)", i, len(m.descriptors))
	}
	return m.descriptors[i], nil
}

// GetLayerWeights returns the raw bytes for layer i, loading it from the
// backing store first if necessary. Concurrent requests for the same
// unloaded layer coalesce into a single load.
func (m *Model) GetLayerWeights(i int) ([]byte, error) {
	d, err := m.descriptorAt(i)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.state == Loaded {
		d.active = true
		d.touch(m.tick.Add(1))
		data := d.data
		d.mu.Unlock()
		if m.onCacheEvent != nil {
			m.onCacheEvent(true)
		}
		return data, nil
	}
	d.mu.Unlock()

	if m.onCacheEvent != nil {
		m.onCacheEvent(false)
	}

	key := strconv.Itoa(i)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.loadLayer(d)
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.active = true
	d.touch(m.tick.Add(1))
	d.mu.Unlock()

	return v.([]byte), nil
}

// loadLayer performs the actual unloaded->loading->loaded transition,
// evicting other inactive layers first if the budget demands it.
func (m *Model) loadLayer(d *LayerDescriptor) ([]byte, error) {
	d.mu.Lock()
	if d.state == Loaded {
		data := d.data
		d.mu.Unlock()
		return data, nil
	}
	d.state = Loading
	size := d.Size
	offset := d.Offset
	d.mu.Unlock()

	if m.budget > 0 {
		if err := m.ensureSpace(d, uint64(size)); err != nil {
			d.mu.Lock()
			d.state = Unloaded
			d.mu.Unlock()
			return nil, err
		}
	}

	data, err := m.backing.ReadLayer(offset, size)
	if err != nil {
		d.mu.Lock()
		d.state = Unloaded
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	d.data = data
	d.state = Loaded
	d.mu.Unlock()
	m.cachedBytes.Add(uint64(size))

	return data, nil
}

// ReleaseLayerWeights marks a layer inactive. It remains cached, eligible
// for eviction, until another allocation needs the space.
func (m *Model) ReleaseLayerWeights(i int) error {
	d, err := m.descriptorAt(i)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	return nil
}

// Prefetch opportunistically loads a layer ahead of use. It is a no-op
// when prefetching is disabled or the cache is already under pressure
// (within 10% of budget), since prefetch must never starve an active
// request for space.
func (m *Model) Prefetch(i int) error {
	if !m.prefetchOK {
		return nil
	}
	d, err := m.descriptorAt(i)
	if err != nil {
		return err
	}
	d.mu.Lock()
	already := d.state != Unloaded
	d.mu.Unlock()
	if already {
		return nil
	}
	if m.budget > 0 && m.cachedBytes.Load() >= m.budget*9/10 {
		return nil
	}
	_, err = m.GetLayerWeights(i)
	return err
}

// ensureSpace evicts inactive, loaded layers in ascending eviction-score
// order until at least `needed` additional bytes are free, or returns
// CacheFull if no more inactive layers can be evicted.
func (m *Model) ensureSpace(requesting *LayerDescriptor, needed uint64) error {
	for {
		used := m.cachedBytes.Load()
		if used+needed <= m.budget {
			return nil
		}

		victim := m.pickVictim(requesting)
		if victim == nil {
			return errs.New(errs.CacheFull, "cache budget %d exhausted, need %d more bytes for layer %d", m.budget, needed, requesting.Index)
		}
		m.evict(victim)
	}
}

// pickVictim scans all descriptors other than the requester for the
// lowest eviction-score inactive, loaded layer. Ties break by lower
// access count, then by older last-access tick.
func (m *Model) pickVictim(requesting *LayerDescriptor) *LayerDescriptor {
	m.mu.RLock()
	candidates := m.descriptors
	m.mu.RUnlock()

	now := m.tick.Load()
	var best *LayerDescriptor
	var bestScore float64
	var bestAccessCount, bestLastAccess uint64

	for _, d := range candidates {
		if d == requesting {
			continue
		}
		d.mu.Lock()
		if d.state != Loaded || d.active {
			d.mu.Unlock()
			continue
		}
		score := d.evictionScore(now)
		accessCount, lastAccess := d.accessCount, d.lastAccess
		d.mu.Unlock()

		if best == nil ||
			score < bestScore ||
			(score == bestScore && accessCount < bestAccessCount) ||
			(score == bestScore && accessCount == bestAccessCount && lastAccess < bestLastAccess) {
			best = d
			bestScore = score
			bestAccessCount = accessCount
			bestLastAccess = lastAccess
		}
	}
	return best
}

func (m *Model) evict(d *LayerDescriptor) {
	d.mu.Lock()
	if d.state != Loaded || d.active {
		d.mu.Unlock()
		return
	}
	d.state = Unloading
	size := d.Size
	index := d.Index
	d.data = nil
	d.state = Unloaded
	d.mu.Unlock()
	m.cachedBytes.Add(-uint64(size))
	if m.onEvict != nil {
		m.onEvict(index, size)
	}
}

// Stats summarizes cache occupancy.
type Stats struct {
	Budget      uint64
	CachedBytes uint64
	LoadedCount int
	ActiveCount int
}

// Stats returns a point-in-time snapshot of cache occupancy.
func (m *Model) Stats() Stats {
	m.mu.RLock()
	descriptors := m.descriptors
	m.mu.RUnlock()

	s := Stats{Budget: m.budget, CachedBytes: m.cachedBytes.Load()}
	for _, d := range descriptors {
		d.mu.Lock()
		if d.state == Loaded {
			s.LoadedCount++
		}
		if d.active {
			s.ActiveCount++
		}
		d.mu.Unlock()
	}
	return s
}
