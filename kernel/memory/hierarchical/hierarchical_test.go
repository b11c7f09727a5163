package hierarchical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinymem/tinymem/kernel/memory/sizeclass"
)

func smallConfig() Config {
	cfg := Config{}
	for _, u := range []Usage{Weights, Activations, General} {
		cfg[u] = map[sizeclass.Class]sizeclass.Config{
			sizeclass.Tiny:   {InitialCapacity: 4096, MaxCapacity: 64 * 1024, BlockHint: 4096, AllowGrowth: true},
			sizeclass.Small:  {InitialCapacity: 4096, MaxCapacity: 64 * 1024, BlockHint: 4096, AllowGrowth: true},
			sizeclass.Medium: {InitialCapacity: 8192, MaxCapacity: 128 * 1024, BlockHint: 8192, AllowGrowth: true},
			sizeclass.Large:  {InitialCapacity: 16 * 1024, MaxCapacity: 256 * 1024, BlockHint: 16 * 1024, AllowGrowth: true},
			sizeclass.XLarge: {InitialCapacity: 128 * 1024, MaxCapacity: 2 * 1024 * 1024, BlockHint: 128 * 1024, AllowGrowth: true},
			sizeclass.Huge:   {InitialCapacity: 4 * 1024 * 1024, MaxCapacity: 0, BlockHint: 4 * 1024 * 1024, AllowGrowth: true},
		}
	}
	return cfg
}

func TestHierarchical_AllocFreeRestoresUsed(t *testing.T) {
	hp := New(smallConfig())
	before := hp.Stats().TotalUsed

	ptr, err := hp.Alloc(1024, 16, Activations)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), ptr.Addr()%16)

	require.NoError(t, hp.Free(ptr))
	assert.Equal(t, before, hp.Stats().TotalUsed)
}

func TestHierarchical_FallsBackToGeneral(t *testing.T) {
	cfg := Config{
		General: {
			sizeclass.Tiny: {InitialCapacity: 4096, MaxCapacity: 8192, BlockHint: 4096, AllowGrowth: true},
		},
	}
	hp := New(cfg)
	ptr, err := hp.Alloc(32, 8, Weights)
	require.NoError(t, err)
	require.NoError(t, hp.Free(ptr))
	assert.Equal(t, uint64(1), hp.PoolSwitches())
}

func TestHierarchical_CacheMissFallsBackToScan(t *testing.T) {
	hp := New(smallConfig())
	ptr, err := hp.Alloc(64, 8, Weights)
	require.NoError(t, err)

	// Force a cache miss by dropping the entry directly, so Free has to
	// find the owning pool by scanning.
	hp.mu.Lock()
	delete(hp.cache, ptr.Addr())
	hp.removeFromOrderLocked(ptr.Addr())
	hp.mu.Unlock()

	require.NoError(t, hp.Free(ptr))
	assert.Equal(t, uint64(0), hp.Stats().TotalUsed)
}

func TestHierarchical_PressureCallback(t *testing.T) {
	cfg := Config{
		General: {
			sizeclass.Small: {InitialCapacity: 128, MaxCapacity: 128, BlockHint: 128, AllowGrowth: false},
		},
	}
	hp := New(cfg)

	var gotLevel int
	hp.OnPressure(func(level int) { gotLevel = level })

	_, err := hp.Alloc(120, 1, General)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, gotLevel, 85)
}

func TestHierarchical_OOMSticky(t *testing.T) {
	cfg := Config{
		General: {
			sizeclass.Tiny: {InitialCapacity: 64, MaxCapacity: 64, BlockHint: 64, AllowGrowth: false},
		},
	}
	hp := New(cfg)
	_, err := hp.Alloc(64, 1, General)
	require.NoError(t, err)
	_, err = hp.Alloc(64, 1, General)
	assert.Error(t, err)
	assert.True(t, hp.OutOfMemory())
}

func TestHierarchical_OOMCallback(t *testing.T) {
	cfg := Config{
		General: {
			sizeclass.Tiny: {InitialCapacity: 64, MaxCapacity: 64, BlockHint: 64, AllowGrowth: false},
		},
	}
	hp := New(cfg)

	var gotUsage Usage
	var gotClass sizeclass.Class
	calls := 0
	hp.OnOOM(func(usage Usage, class sizeclass.Class) {
		calls++
		gotUsage, gotClass = usage, class
	})

	_, err := hp.Alloc(64, 1, General)
	require.NoError(t, err)
	_, err = hp.Alloc(64, 1, General)
	require.Error(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, General, gotUsage)
	assert.Equal(t, sizeclass.Tiny, gotClass)
}

func TestHierarchical_FragmentationByClass(t *testing.T) {
	hp := New(smallConfig())

	p1, err := hp.Alloc(64, 1, General)
	require.NoError(t, err)
	_, err = hp.Alloc(64, 1, General)
	require.NoError(t, err)
	require.NoError(t, hp.Free(p1))

	scores := hp.FragmentationByClass()
	score, ok := scores[sizeclass.Tiny]
	require.True(t, ok)
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)
}

func TestHierarchical_TensorOpReuse(t *testing.T) {
	hp := New(smallConfig())
	p1, err := hp.RememberTensorOutput("matmul", "output", 0, 256, 32, Activations)
	require.NoError(t, err)
	p2, err := hp.RememberTensorOutput("matmul", "output", 0, 256, 32, Activations)
	require.NoError(t, err)
	assert.Equal(t, p1.Addr(), p2.Addr())
}
