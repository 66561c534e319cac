// Package allocator implements a general-purpose, multi-threaded memory
// allocator: a fixed partition map routes any address back to its owning
// region in O(1), and each region is carved by one of three container
// types — a fixed-size-class Pool, a chunk-granularity Arena, or a
// boundary-tag-coalescing ImplicitList — depending on the size of request
// it serves. Callers attach a ThreadAllocator handle (see thread.go) to get
// a fast, mostly lock-free path through all three.
package allocator

import "sync"

var (
	defaultThread     *ThreadAllocator
	defaultThreadOnce sync.Once
	defaultThreadMu   sync.Mutex
)

// Default returns a process-wide ThreadAllocator for callers that don't
// need their own isolated handle — scripts, tests, and one-shot tools.
// Anything running its own goroutine pool with a real per-worker lifetime
// should call Attach directly instead, so each worker's abandon/adopt
// cycle reflects its own exit rather than the whole process's.
func Default() *ThreadAllocator {
	defaultThreadOnce.Do(func() {
		defaultThread = Attach()
	})

	return defaultThread
}

// Alloc allocates size bytes from the default allocator.
func Alloc(size uintptr) uintptr { return Default().Alloc(size) }

// Zalloc allocates size zero-filled bytes from the default allocator.
func Zalloc(size uintptr) uintptr { return Default().Zalloc(size) }

// Free returns addr, previously returned by Alloc/Zalloc/Realloc on the
// default allocator, to its container.
func Free(addr uintptr) { Default().Free(addr) }

// Realloc resizes addr to newSize on the default allocator.
func Realloc(addr uintptr, newSize uintptr) uintptr { return Default().Realloc(addr, newSize) }

// AlignedAlloc allocates size bytes aligned to at least alignment from the
// default allocator.
func AlignedAlloc(size, alignment uintptr) uintptr { return Default().AlignedAlloc(size, alignment) }

// ReleaseLocal returns every EMPTY container cached by the default
// allocator back to the OS. It reports whether every cached container was
// EMPTY.
func ReleaseLocal() bool { return Default().ReleaseLocal() }

// resetDefaultForTest tears down the process-wide default handle so the
// next Default() call builds a fresh one. Test-only: production code never
// needs to re-Attach the default handle mid-process.
func resetDefaultForTest() {
	defaultThreadMu.Lock()
	defer defaultThreadMu.Unlock()

	if defaultThread != nil {
		defaultThread.Detach()
	}

	defaultThread = nil
	defaultThreadOnce = sync.Once{}
}
