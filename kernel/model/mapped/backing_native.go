//go:build !js || !wasm
// +build !js !wasm

package mapped

import (
	"os"
	"syscall"

	"github.com/tinymem/tinymem/kernel/memory/errs"
)

// mmapBacking maps the whole model file once at open and serves layer reads
// as zero-copy sub-slices of the mapping, mirroring the teacher's
// SharedMemoryProvider strategy in kernel/threads/sab/hal_native.go.
type mmapBacking struct {
	data []byte
}

func newMmapBacking(f *os.File, size int64) (backing, error) {
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidFile, err, "mmap model file")
	}
	return &mmapBacking{data: data}, nil
}

func (b *mmapBacking) ReadLayer(offset, size uint32) ([]byte, error) {
	end := uint64(offset) + uint64(size)
	if end > uint64(len(b.data)) {
		return nil, errs.New(errs.InvalidFile, "layer range [%d,%d) exceeds mapped file size %d", offset, end, len(b.data))
	}
	return b.data[offset:end], nil
}

func (b *mmapBacking) Close() error {
	if b.data == nil {
		return nil
	}
	err := syscall.Munmap(b.data)
	b.data = nil
	return err
}

// newBacking picks mmap or pread depending on useMmap. Native builds carry
// both so the CLI's -mmap flag can select at runtime.
func newBacking(f *os.File, size int64, useMmap bool) (backing, error) {
	if useMmap {
		return newMmapBacking(f, size)
	}
	return newPreadBacking(f), nil
}
