//go:build js && wasm
// +build js,wasm

package mapped

import "os"

// newBacking ignores useMmap on wasm: syscall.Mmap isn't available there, so
// every layer read goes through pread.
func newBacking(f *os.File, size int64, useMmap bool) (backing, error) {
	return newPreadBacking(f), nil
}
