// Package analyzer is a read-only observer over the hierarchical pool: it
// records each allocation's size, call-site, and lifetime, periodically
// samples rates and trend, and reports leak candidates and size hotspots.
// It never influences allocation decisions.
//
// The periodic-sampling shape is grounded on
// kernel/threads/intelligence/health/monitor.go's ticker-driven
// HealthMonitor; the trend regression uses gonum.org/v1/gonum/stat (a real
// pack dependency, carried from the sibling repo o9nn-echo.go's go.mod)
// instead of hand-rolling least squares the way the teacher's own
// BayesianOptimizer does for its acquisition function.
package analyzer

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/tinymem/tinymem/kernel/memory/errs"
)

// Record is one tracked allocation.
type Record struct {
	ID        int
	Size      uint32
	Location  string
	Timestamp time.Time
	Freed     bool
	FreedAt   time.Time
}

// Snapshot is a point-in-time summary produced by a sampling pass.
type Snapshot struct {
	Taken       time.Time
	AllocRate   float64 // allocations per second over the window
	AvgLifetime time.Duration
	Trend       float64 // linear regression slope of size over the window
}

// Analyzer accumulates allocation records and produces periodic snapshots.
type Analyzer struct {
	mu       sync.Mutex
	records  []Record
	window   int
	interval time.Duration

	snapMu sync.RWMutex
	latest Snapshot

	stop chan struct{}
	done chan struct{}
}

// New creates an Analyzer with the given trailing-window size (in record
// count) and sampling interval.
func New(window int, interval time.Duration) *Analyzer {
	return &Analyzer{window: window, interval: interval}
}

// RecordAlloc captures a new allocation's size and call site (one frame
// above the caller) and returns an id for later MarkFreed calls.
func (a *Analyzer) RecordAlloc(size uint32) int {
	_, file, line, ok := runtime.Caller(1)
	location := "unknown"
	if ok {
		location = fmt.Sprintf("%s:%d", file, line)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := len(a.records)
	a.records = append(a.records, Record{ID: id, Size: size, Location: location, Timestamp: time.Now()})
	return id
}

// MarkFreed marks a previously recorded allocation as freed.
func (a *Analyzer) MarkFreed(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.records) {
		return errs.New(errs.InvalidArgument, "record id %d out of range", id)
	}
	a.records[id].Freed = true
	a.records[id].FreedAt = time.Now()
	return nil
}

// LeakCandidates returns every record never marked freed.
func (a *Analyzer) LeakCandidates() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0)
	for _, r := range a.records {
		if !r.Freed {
			out = append(out, r)
		}
	}
	return out
}

// Hotspots returns the top-n records by size, largest first.
func (a *Analyzer) Hotspots(n int) []Record {
	a.mu.Lock()
	records := append([]Record(nil), a.records...)
	a.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Size > records[j].Size })
	if n > len(records) {
		n = len(records)
	}
	return records[:n]
}

// Sample computes and stores a fresh Snapshot from the trailing window of
// records, then returns it.
func (a *Analyzer) Sample() Snapshot {
	a.mu.Lock()
	records := a.records
	start := 0
	if a.window > 0 && len(records) > a.window {
		start = len(records) - a.window
	}
	window := append([]Record(nil), records[start:]...)
	a.mu.Unlock()

	snap := Snapshot{Taken: time.Now()}
	if len(window) == 0 {
		a.storeSnapshot(snap)
		return snap
	}

	span := window[len(window)-1].Timestamp.Sub(window[0].Timestamp).Seconds()
	if span > 0 {
		snap.AllocRate = float64(len(window)) / span
	}

	var lifetimeSum time.Duration
	var lifetimeCount int
	xs := make([]float64, len(window))
	ys := make([]float64, len(window))
	for i, r := range window {
		xs[i] = float64(i)
		ys[i] = float64(r.Size)
		if r.Freed {
			lifetimeSum += r.FreedAt.Sub(r.Timestamp)
			lifetimeCount++
		}
	}
	if lifetimeCount > 0 {
		snap.AvgLifetime = lifetimeSum / time.Duration(lifetimeCount)
	}
	if len(window) >= 2 {
		_, slope := stat.LinearRegression(xs, ys, nil, false)
		snap.Trend = slope
	}

	a.storeSnapshot(snap)
	return snap
}

func (a *Analyzer) storeSnapshot(s Snapshot) {
	a.snapMu.Lock()
	a.latest = s
	a.snapMu.Unlock()
}

// LatestSnapshot returns the most recent snapshot taken by Sample or the
// background sampling loop.
func (a *Analyzer) LatestSnapshot() Snapshot {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.latest
}

// Start runs Sample on a ticker at the configured interval until Stop is
// called. It is a no-op if interval is zero.
func (a *Analyzer) Start() {
	if a.interval <= 0 || a.stop != nil {
		return
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sample()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the background sampling loop started by Start.
func (a *Analyzer) Stop() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
	a.stop = nil
	a.done = nil
}
