package mapped

import (
	"os"

	"github.com/tinymem/tinymem/kernel/memory/errs"
)

// preadBacking reads each layer on demand via ReadAt, copying into a
// freshly allocated buffer. This is the only option on platforms without
// mmap (kernel/threads/sab/hal_memory.go's InMemoryProvider is the
// teacher's analogous non-mmap fallback) and is always available as a
// runtime choice on native platforms too.
type preadBacking struct {
	f *os.File
}

func newPreadBacking(f *os.File) backing {
	return &preadBacking{f: f}
}

func (b *preadBacking) ReadLayer(offset, size uint32) ([]byte, error) {
	out := make([]byte, size)
	if _, err := b.f.ReadAt(out, int64(offset)); err != nil {
		return nil, errs.Wrap(errs.WeightLoad, err, "pread layer at offset %d size %d", offset, size)
	}
	return out, nil
}

func (b *preadBacking) Close() error {
	return nil
}
