// Package quant implements the specialized allocators: thin adapters over
// the hierarchical pool that enforce SIMD alignment and compute packed
// 4-bit byte counts for weight matrices and float activation tensors.
package quant

import (
	"github.com/tinymem/tinymem/kernel/capability"
	"github.com/tinymem/tinymem/kernel/memory/arena"
	"github.com/tinymem/tinymem/kernel/memory/errs"
	"github.com/tinymem/tinymem/kernel/memory/hierarchical"
)

// WeightBytes4Bit returns the packed byte count for a rows x cols matrix of
// signed 4-bit values: two values per byte, rounded up.
func WeightBytes4Bit(rows, cols uint32) uint32 {
	total := uint64(rows) * uint64(cols)
	return uint32((total + 1) / 2)
}

// ActivationBytes returns the byte count for count float32 activations.
func ActivationBytes(count uint32) uint32 {
	return count * 4
}

// AllocWeights4Bit allocates a packed 4-bit weight matrix buffer, aligned to
// the capability profile's SIMD width (32 bytes when profile.SIMD is set,
// 16 bytes otherwise), routed through the hierarchical pool under
// usage=weights.
func AllocWeights4Bit(hp *hierarchical.Pool, rows, cols uint32, profile capability.Profile) (arena.Ptr, error) {
	if rows == 0 || cols == 0 {
		return arena.Ptr{}, errs.New(errs.InvalidArgument, "rows and cols must be > 0")
	}
	size := WeightBytes4Bit(rows, cols)
	return hp.Alloc(size, profile.Alignment(), hierarchical.Weights)
}

// AllocActivations allocates a float32 activation buffer of count elements,
// aligned per profile, routed through the hierarchical pool under
// usage=activations.
func AllocActivations(hp *hierarchical.Pool, count uint32, profile capability.Profile) (arena.Ptr, error) {
	if count == 0 {
		return arena.Ptr{}, errs.New(errs.InvalidArgument, "count must be > 0")
	}
	size := ActivationBytes(count)
	return hp.Alloc(size, profile.Alignment(), hierarchical.Activations)
}
