//go:build linux

package allocator

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// osRemap moves a mapping to a new virtual address without copying physical
// pages. ThreadAllocator.Realloc does not call it; every realloc is
// alloc-copy-free. Linux's mremap(2) is the only
// primitive in the OS-layer table that isn't available on every unix —
// callers must treat a false ok as "fall back to alloc-copy-free".
func osRemap(addr, oldSize, newSize uintptr) (newAddr uintptr, ok bool) {
	old := unsafe.Slice((*byte)(unsafe.Pointer(addr)), oldSize)

	newMem, err := unix.Mremap(old, int(newSize), unix.MREMAP_MAYMOVE)
	if err != nil {
		return 0, false
	}

	return uintptr(unsafe.Pointer(&newMem[0])), true
}
