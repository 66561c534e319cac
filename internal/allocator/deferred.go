package allocator

import (
	"sync/atomic"
	"unsafe"
)

// freeNode is the intrusive link cross-thread frees are threaded through.
// It is written into the first word of the freed block itself — no
// separate allocation backs a pending free.
type freeNode struct {
	next atomic.Uintptr // address of the next freeNode in the stack, or 0
}

// mpscStack is a Treiber stack: any number of threads push concurrently via
// CAS, and a single owner thread drains it. It backs the thread_free list
// of Pool and ImplicitList (frees arriving from non-owner threads);
// ThreadAllocator keeps no deferred-free batch of its own.
type mpscStack struct {
	head atomic.Uintptr
}

// push adds the block at addr to the stack. Safe from any thread,
// including the owner.
func (s *mpscStack) push(addr uintptr) {
	node := (*freeNode)(unsafe.Pointer(addr))

	for {
		head := s.head.Load()
		node.next.Store(head)

		if s.head.CompareAndSwap(head, addr) {
			return
		}
	}
}

// drain atomically takes every pending address and returns the stack to
// empty. Only the owner thread should call this: the returned chain is
// walked without further synchronization.
func (s *mpscStack) drain() uintptr {
	return s.head.Swap(0)
}

// nextFreeNode walks the intrusive chain returned by drain, yielding the
// next block address until the chain is exhausted (0).
func nextFreeNode(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}

	node := (*freeNode)(unsafe.Pointer(addr))

	return node.next.Load()
}
