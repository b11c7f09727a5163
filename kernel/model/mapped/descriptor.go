package mapped

import (
	"sync"

	"github.com/tinymem/tinymem/kernel/model/format"
)

// State is a position in a layer descriptor's cache lifecycle.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Unloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// LayerDescriptor tracks one layer's on-disk location plus its current
// cache state, priority, and recency/frequency counters.
type LayerDescriptor struct {
	mu sync.Mutex

	Index     int
	Offset    uint32
	Size      uint32
	Precision format.Precision
	Priority  float32

	state       State
	data        []byte
	active      bool
	lastAccess  uint64
	accessCount uint64
}

func newDescriptor(i int, d format.Descriptor, priority float32) *LayerDescriptor {
	return &LayerDescriptor{
		Index:     i,
		Offset:    d.Offset,
		Size:      d.Size,
		Precision: d.Precision,
		Priority:  priority,
		state:     Unloaded,
	}
}

// touch records an access, bumping the recency/frequency counters. Called
// with the descriptor's own lock held.
func (d *LayerDescriptor) touch(tick uint64) {
	d.lastAccess = tick
	d.accessCount++
}

// evictionScore is priority times a monotone recency/frequency value: high
// when recently and frequently touched, low when stale and rare. Candidates
// are evicted in ascending order of this score, so the least valuable,
// least active layers go first.
func (d *LayerDescriptor) evictionScore(tick uint64) float64 {
	age := tick - d.lastAccess
	value := float64(d.accessCount+1) / float64(age+1)
	return float64(d.Priority) * value
}
