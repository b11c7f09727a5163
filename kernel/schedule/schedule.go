// Package schedule implements the forward-pass scheduler: a pull-model
// executor that walks a layer execution plan one step at a time, acquiring
// weights from the mapped-model cache, allocating activation outputs from
// the hierarchical pool just in time, and releasing both as soon as no
// future plan entry still needs them.
//
// ExecLayer's DepKind/dependsOn pair is grounded on
// kernel/threads/intelligence/scheduling/resource.go's DAGExecutor
// (buildGraph/topologicalSort over a dependency graph), generalized from
// whole-DAG batch staging to a single-step pull model; Scheduler's
// composition of a model handle, a pool, and a plan mirrors
// kernel/threads/intelligence/scheduling/engine.go's SchedulingEngine
// composing predictor/scheduler/allocator/dag into one coordinating type.
package schedule

import (
	"github.com/tinymem/tinymem/kernel/memory/arena"
	"github.com/tinymem/tinymem/kernel/memory/errs"
	"github.com/tinymem/tinymem/kernel/memory/hierarchical"
	"github.com/tinymem/tinymem/kernel/model/mapped"
)

// DepKind is how a plan entry depends on an earlier one.
type DepKind int

const (
	DepNone DepKind = iota
	DepSequential
	DepResidual
	DepAttention
)

func (k DepKind) String() string {
	switch k {
	case DepNone:
		return "none"
	case DepSequential:
		return "sequential"
	case DepResidual:
		return "residual"
	case DepAttention:
		return "attention"
	default:
		return "unknown"
	}
}

// Mode is the scheduler's memory-management strategy. Adaptive is not
// differentiated from MemoryOpt in this implementation; both take the
// memory-conscious path until an adaptivity policy is defined.
type Mode int

const (
	Normal Mode = iota
	MemoryOpt
	Streaming
	Adaptive
)

func (m Mode) isMemoryConscious() bool {
	return m == MemoryOpt || m == Adaptive
}

// ExecLayer is one entry in an execution plan. DependsOn is a plan index,
// used only alongside DepResidual or DepAttention; DepSequential always
// depends on the previous plan entry and ignores it. AddLayerToSchedule
// requires -1 for DepNone and an in-range index for DepResidual and
// DepAttention, checked once at append time rather than at every use site.
type ExecLayer struct {
	LayerID     int
	DependsOn   int
	Kind        DepKind
	OutputBytes uint32

	executed  bool
	needed    bool
	hasOutput bool
	output    arena.Ptr
}

// Executed reports whether this layer has run in the current pass.
func (l *ExecLayer) Executed() bool { return l.executed }

// KernelFunc invokes the external numeric kernel for one layer. The
// scheduler treats it as opaque; production wiring replaces the stub.
type KernelFunc func(layer *ExecLayer, input, output []byte) error

const activationAlign = 8

// Scheduler walks an execution plan against a mapped-model cache and a
// hierarchical pool under a memory ceiling.
type Scheduler struct {
	model     *mapped.Model
	pool      *hierarchical.Pool
	mode      Mode
	maxMemory uint64
	kernel    KernelFunc

	plan         []*ExecLayer
	currentIndex int
	currentBytes uint64
	peakBytes    uint64
}

// New constructs a Scheduler. kernel may be nil, in which case layer
// invocation is a no-op (useful for pure memory-accounting tests).
func New(model *mapped.Model, pool *hierarchical.Pool, mode Mode, maxMemory uint64, kernel KernelFunc) *Scheduler {
	if kernel == nil {
		kernel = func(*ExecLayer, []byte, []byte) error { return nil }
	}
	return &Scheduler{model: model, pool: pool, mode: mode, maxMemory: maxMemory, kernel: kernel}
}

// AddLayerToSchedule appends an ExecLayer to the plan. dependsOn must be
// -1 for DepNone, and must index an already-added plan entry for
// DepResidual/DepAttention.
func (s *Scheduler) AddLayerToSchedule(layerID, dependsOn int, kind DepKind, outputBytes uint32) error {
	if kind == DepNone {
		if dependsOn != -1 {
			return errs.New(errs.BadPlan, "dependsOn must be -1 for DepNone, got %d", dependsOn)
		}
	} else if kind == DepResidual || kind == DepAttention {
		if dependsOn < 0 || dependsOn >= len(s.plan) {
			return errs.New(errs.BadPlan, "dependsOn %d out of range [0,%d) for %s", dependsOn, len(s.plan), kind)
		}
	}
	s.plan = append(s.plan, &ExecLayer{LayerID: layerID, DependsOn: dependsOn, Kind: kind, OutputBytes: outputBytes})
	return nil
}

// Prepare resets executed/needed state, releases any held output buffers
// and resets the current-bytes counter to zero, leaving the plan itself and
// the peak counter untouched.
func (s *Scheduler) Prepare() error {
	for _, l := range s.plan {
		l.executed = false
		l.needed = false
		if l.hasOutput {
			if err := s.pool.Free(l.output); err != nil {
				return err
			}
			l.hasOutput = false
		}
	}
	s.currentIndex = 0
	s.currentBytes = 0
	return nil
}

// nextExecutable returns the index of the next unexecuted layer whose
// dependency is satisfied, or -1 if none remains.
func (s *Scheduler) nextExecutable() int {
	for i, l := range s.plan {
		if l.executed {
			continue
		}
		switch l.Kind {
		case DepNone:
			return i
		case DepSequential:
			if i == 0 || s.plan[i-1].executed {
				return i
			}
		case DepResidual, DepAttention:
			if s.plan[l.DependsOn].executed {
				return i
			}
		}
	}
	return -1
}

// isStillNeeded reports whether any future unexecuted plan entry depends
// on the layer at index i.
func (s *Scheduler) isStillNeeded(i int) bool {
	for j := i + 1; j < len(s.plan); j++ {
		l := s.plan[j]
		if l.executed {
			continue
		}
		switch l.Kind {
		case DepSequential:
			if j-1 == i {
				return true
			}
		case DepResidual, DepAttention:
			if l.DependsOn == i {
				return true
			}
		}
	}
	return false
}

// ExecuteNextLayer runs one step of the plan. It returns false with no
// side effect when no executable layer remains.
func (s *Scheduler) ExecuteNextLayer(input, output []byte) (bool, error) {
	i := s.nextExecutable()
	if i < 0 {
		return false, nil
	}
	layer := s.plan[i]
	s.currentIndex = i

	if s.mode.isMemoryConscious() {
		if _, err := s.model.GetLayerWeights(layer.LayerID); err != nil {
			return false, errs.Wrap(errs.WeightLoad, err, "acquiring weights for layer %d", layer.LayerID)
		}
	}

	if !layer.hasOutput && layer.OutputBytes > 0 {
		ptr, err := s.pool.Alloc(layer.OutputBytes, activationAlign, hierarchical.Activations)
		if err != nil {
			return false, errs.Wrap(errs.OutOfMemory, err, "allocating output for layer %d", layer.LayerID)
		}
		layer.output = ptr
		layer.hasOutput = true
		s.currentBytes += uint64(layer.OutputBytes)
		if s.currentBytes > s.peakBytes {
			s.peakBytes = s.currentBytes
		}
	}

	var outBuf []byte
	if layer.hasOutput {
		outBuf = layer.output.Bytes()
	}
	if err := s.kernel(layer, input, outBuf); err != nil {
		return false, err
	}

	layer.executed = true
	layer.needed = true

	isFinal := i == len(s.plan)-1
	if isFinal && output != nil && layer.hasOutput {
		copy(output, layer.output.Bytes())
	}

	if s.mode.isMemoryConscious() {
		for j, l := range s.plan {
			if j == i && isFinal {
				// step 8 of the forward pass owns the final layer's
				// output; it must survive this sweep so the caller can
				// still read it via layer.output after ExecuteNextLayer
				// returns, even when output was nil on this call.
				continue
			}
			if !l.executed || !l.needed {
				continue
			}
			if s.isStillNeeded(j) {
				continue
			}
			if l.hasOutput {
				if err := s.pool.Free(l.output); err != nil {
					return false, err
				}
				s.currentBytes -= uint64(l.OutputBytes)
				l.hasOutput = false
			}
			l.needed = false
		}
	}

	if s.mode == MemoryOpt {
		if err := s.model.ReleaseLayerWeights(layer.LayerID); err != nil {
			return false, err
		}
	}

	return true, nil
}

// CurrentMemoryUsage returns the bytes currently held in activation
// outputs.
func (s *Scheduler) CurrentMemoryUsage() uint64 { return s.currentBytes }

// PeakMemoryUsage returns the maximum activation-output bytes held
// simultaneously since the scheduler was created or last Prepare'd (peak
// itself is never reset by Prepare, only current/executed state is).
func (s *Scheduler) PeakMemoryUsage() uint64 { return s.peakBytes }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CalculateOptimalBatchSize implements:
//
//	perSample    = inputBytes + outputBytes
//	intermediate = sum of outputBytes over the plan
//	weights      = mapped-model resident bytes
//	available    = max(0, maxMemory - weights - intermediate)
//	batch        = clamp(floor(available / perSample), 1, maxBatch)
//
// When maxMemory is 0, returns maxBatch unconditionally.
func (s *Scheduler) CalculateOptimalBatchSize(inputBytes, outputBytes uint64, maxBatch int) int {
	if s.maxMemory == 0 {
		return maxBatch
	}
	perSample := inputBytes + outputBytes
	if perSample == 0 {
		return maxBatch
	}

	var intermediate uint64
	for _, l := range s.plan {
		intermediate += uint64(l.OutputBytes)
	}

	var weights uint64
	if s.model != nil {
		weights = s.model.Stats().CachedBytes
	}

	used := weights + intermediate
	var available uint64
	if s.maxMemory > used {
		available = s.maxMemory - used
	}

	batch := int(available / perSample)
	return clamp(batch, 1, maxBatch)
}
