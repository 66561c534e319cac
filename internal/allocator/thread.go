package allocator

import (
	"sync/atomic"

	"github.com/partalloc/partalloc/internal/alloclog"
)

// maxAbandonedScan bounds how many abandoned-stack entries adopt will pop
// (via NextAbandoned) through before giving up and reserving a fresh region. Without a
// bound, a long run of entries another thread has already claimed (and
// whose CAS we'd lose) could make region acquisition unbounded.
const maxAbandonedScan = 8

var nextThreadID int64 // atomic; 0 is never issued, so it can mean "no owner" cleanly elsewhere

// ThreadAllocator is the per-thread allocation front end. Go goroutines
// have no stable OS-thread identity to hang per-thread state off of the
// way the one-thread-per-allocator design this is grounded on assumes, so
// callers hold an explicit handle instead: Attach (or Run, which pairs
// Attach with a deferred Detach) obtains one, every Alloc/Free/Realloc
// call goes through it, and Detach runs the same abandonment cleanup a
// thread's exit would trigger in the original design.
type ThreadAllocator struct {
	id         int64
	partitions *PartitionAllocator
	config     *Config
	log        *alloclog.Logger

	poolSlots []*Pool // one cached active pool per size class
	arenaSlot *Arena
	heapSlot  *ImplicitList

	detached bool
}

// Attach creates a new ThreadAllocator bound to the default partition
// allocator. Every Attach gets a distinct identity; there is no pooling of
// handles across callers, matching the abandon-on-exit / adopt-on-demand
// protocol where each attach/detach pair is its own "thread lifetime".
func Attach(opts ...Option) *ThreadAllocator {
	return AttachTo(DefaultPartitionAllocator(), opts...)
}

// AttachTo is Attach against an explicit PartitionAllocator, for tests that
// want isolated address-space bookkeeping.
func AttachTo(partitions *PartitionAllocator, opts ...Option) *ThreadAllocator {
	cfg := NewConfig(opts...)

	return &ThreadAllocator{
		id:         atomic.AddInt64(&nextThreadID, 1),
		partitions: partitions,
		config:     cfg,
		log:        alloclog.New(cfg.EnableTracking, cfg.EnableDebug),
		poolSlots:  make([]*Pool, NumSizeClasses()),
	}
}

// Run attaches a ThreadAllocator, invokes fn with it, and detaches
// afterward even if fn panics.
func Run(fn func(t *ThreadAllocator), opts ...Option) {
	t := Attach(opts...)
	defer t.Detach()

	fn(t)
}

// ID returns this handle's thread identity, the value stored in the
// thread_id field of every region it owns.
func (t *ThreadAllocator) ID() int64 { return t.id }

// Alloc returns size bytes, routed to a pool, arena, or heap container
// depending on size, or 0 if no memory is available.
func (t *ThreadAllocator) Alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	switch {
	case size <= SizeClassBytes(NumSizeClasses()-1):
		return t.allocPool(size)
	case size <= ArenaChunkMax:
		return t.allocArena(size)
	default:
		return t.allocHeap(size)
	}
}

// Zalloc is Alloc followed by an explicit zero-fill, for callers that need
// the ZeroInitEager guarantee regardless of the configured strategy.
func (t *ThreadAllocator) Zalloc(size uintptr) uintptr {
	addr := t.Alloc(size)
	if addr == 0 {
		return 0
	}

	zeroBytes(addr, size)

	return addr
}

// Allocate is the full aligned_alloc contract: size bytes aligned to at
// least alignment (which must be a power of two — any other value returns
// 0 — and is capped at the page size), optionally zero-filled. Pool and arena blocks already carry
// their container's own fixed natural alignment; only a request for more
// than that routes through the heap container, the only one that actually
// splits a block to honor an arbitrary alignment.
func (t *ThreadAllocator) Allocate(size, alignment uintptr, zero bool) uintptr {
	if size == 0 {
		return 0
	}

	if alignment == 0 {
		alignment = wordSize
	}

	if !isPowerOfTwo(alignment) {
		return 0
	}

	if alignment > pageSize() {
		alignment = pageSize()
	}

	var addr uintptr
	if alignment <= wordSize {
		addr = t.Alloc(size)
	} else {
		addr = t.allocHeapAligned(size, alignment)
	}

	if addr == 0 {
		return 0
	}

	if zero {
		zeroBytes(addr, size)
	}

	return addr
}

// AlignedAlloc is Allocate without zero-fill, the direct aligned_alloc
// entry point.
func (t *ThreadAllocator) AlignedAlloc(size, alignment uintptr) uintptr {
	return t.Allocate(size, alignment, false)
}

func (t *ThreadAllocator) allocPool(size uintptr) uintptr {
	classIdx := ClassIndexOf(size)
	if classIdx < 0 {
		return 0
	}

	pool := t.poolSlots[classIdx]
	if pool != nil {
		pool.DrainForOwner()
	}

	if pool == nil || pool.State() == StateFull {
		pool = t.acquirePool(classIdx)
		if pool == nil {
			return 0
		}

		t.poolSlots[classIdx] = pool
	}

	addr := pool.Alloc()
	if addr == 0 {
		// The cached slot looked non-full but its high-water mark is
		// exhausted and a race drained its free list; get a fresh one.
		pool = t.acquirePool(classIdx)
		if pool == nil {
			return 0
		}

		t.poolSlots[classIdx] = pool
		addr = pool.Alloc()
	}

	return addr
}

// acquirePool adopts an abandoned pool region for classIdx if one is
// available, otherwise reserves a fresh region.
func (t *ThreadAllocator) acquirePool(classIdx int) *Pool {
	p := t.partitionForClass(classIdx)

	if hdr := t.adopt(p, SlotPool); hdr != nil {
		if pool, ok := containerFor(hdr).(*Pool); ok && pool.classIdx == classIdx {
			return pool
		}

		t.partitions.AbandonRegion(hdr)
	}

	for {
		hdr := t.partitions.ReserveRegion(p, SlotPool)
		if hdr != nil {
			hdr.SetThreadID(t.id)

			return newPool(hdr, classIdx)
		}

		next := t.partitions.Promote(p)
		if next < 0 {
			t.log.Warn("partition %d exhausted reserving a pool for class %d", p, classIdx)

			return nil
		}

		p = next
	}
}

// partitionForClass maps a size class to its home partition. Partition 0
// is reserved for the smallest classes and larger classes promote into
// larger-region partitions, mirroring how arena/heap allocations promote
// on exhaustion.
func (t *ThreadAllocator) partitionForClass(classIdx int) int {
	p := classIdx / ((NumSizeClasses() + NumPartitions - 1) / NumPartitions)
	if p >= NumPartitions {
		p = NumPartitions - 1
	}

	return p
}

func (t *ThreadAllocator) allocArena(size uintptr) uintptr {
	if t.arenaSlot != nil {
		if addr := t.arenaSlot.Alloc(size); addr != 0 {
			return addr
		}
	}

	arena := t.acquireArena()
	if arena == nil {
		return 0
	}

	t.arenaSlot = arena

	return arena.Alloc(size)
}

func (t *ThreadAllocator) acquireArena() *Arena {
	p := arenaPartition

	if hdr := t.adopt(p, SlotArena); hdr != nil {
		if arena, ok := containerFor(hdr).(*Arena); ok {
			return arena
		}
	}

	for {
		hdr := t.partitions.ReserveRegion(p, SlotArena)
		if hdr != nil {
			hdr.SetThreadID(t.id)

			return newArena(hdr)
		}

		next := t.partitions.Promote(p)
		if next < 0 {
			t.log.Warn("partition %d exhausted reserving an arena", p)

			return nil
		}

		p = next
	}
}

func (t *ThreadAllocator) allocHeap(size uintptr) uintptr {
	return t.allocHeapAligned(size, 0)
}

// allocHeapAligned is allocHeap with an explicit alignment request; 0
// means "whatever the heap container's own default guarantees".
func (t *ThreadAllocator) allocHeapAligned(size, alignment uintptr) uintptr {
	if t.heapSlot != nil {
		if addr := t.heapSlot.Alloc(size, alignment); addr != 0 {
			return addr
		}
	}

	heap := t.acquireHeap()
	if heap == nil {
		return 0
	}

	t.heapSlot = heap

	return heap.Alloc(size, alignment)
}

func (t *ThreadAllocator) acquireHeap() *ImplicitList {
	p := NumPartitions - 1

	if hdr := t.adopt(p, SlotImplicitList); hdr != nil {
		if il, ok := containerFor(hdr).(*ImplicitList); ok {
			return il
		}
	}

	hdr := t.partitions.ReserveRegion(p, SlotImplicitList)
	if hdr == nil {
		t.log.Warn("partition %d exhausted reserving a heap region", p)

		return nil
	}

	hdr.SetThreadID(t.id)

	return newImplicitList(hdr)
}

// adopt scans partition p's abandoned stack for a region of the given slot
// type and claims it, up to maxAbandonedScan attempts.
func (t *ThreadAllocator) adopt(p int, slot SlotType) *regionHeader {
	for i := 0; i < maxAbandonedScan; i++ {
		hdr := t.partitions.NextAbandoned(p)
		if hdr == nil {
			return nil
		}

		if hdr.SlotType() != slot {
			continue
		}

		if t.partitions.ClaimAbandoned(hdr, t.id) {
			t.log.Info("adopted abandoned %s region %#x", slot, hdr.base)

			return hdr
		}
	}

	return nil
}

// Free returns addr to its owning container. It is a no-op if addr was
// never returned by this allocator.
func (t *ThreadAllocator) Free(addr uintptr) {
	if addr == 0 {
		return
	}

	hdr := t.partitions.RegionFor(addr)
	if hdr == nil {
		t.log.Debug("free of foreign pointer %#x ignored", addr)

		return
	}

	switch c := containerFor(hdr).(type) {
	case *Pool:
		c.Free(addr, t.id)
	case *Arena:
		c.Free(addr)
	case *ImplicitList:
		c.Free(addr, t.id)
	}
}

// Realloc resizes the allocation at addr to newSize, preserving the
// min(oldSize, newSize) leading bytes. addr may be 0 (acts as Alloc) and
// newSize may be 0 (acts as Free).
func (t *ThreadAllocator) Realloc(addr uintptr, newSize uintptr) uintptr {
	if addr == 0 {
		return t.Alloc(newSize)
	}

	if newSize == 0 {
		t.Free(addr)

		return 0
	}

	oldSize := t.sizeOf(addr)
	if oldSize == 0 {
		t.log.Debug("realloc of foreign pointer %#x ignored", addr)

		return 0
	}

	if newSize <= oldSize {
		return addr
	}

	newAddr := t.Alloc(newSize)
	if newAddr == 0 {
		return 0
	}

	copyBytes(newAddr, addr, oldSize)
	t.Free(addr)

	return newAddr
}

// sizeOf returns the usable payload size of an outstanding allocation, or 0
// if addr isn't one this allocator produced.
func (t *ThreadAllocator) sizeOf(addr uintptr) uintptr {
	hdr := t.partitions.RegionFor(addr)
	if hdr == nil {
		return 0
	}

	switch c := containerFor(hdr).(type) {
	case *Pool:
		return c.blockSize
	case *Arena:
		return c.SizeOf(addr)
	case *ImplicitList:
		return c.PayloadSize(addr)
	default:
		return 0
	}
}

// ReleaseLocal returns every cached container that has drained to EMPTY back
// to the OS, without abandoning anything still holding live blocks — unlike
// Detach, ownership of non-empty containers is kept, since the thread is
// still attached. It reports whether every cached container was EMPTY (and
// so released); a false return means at least one still holds live blocks
// and stays cached.
func (t *ThreadAllocator) ReleaseLocal() bool {
	allEmpty := true

	for i, pool := range t.poolSlots {
		if pool == nil {
			continue
		}

		pool.DrainForOwner()

		if pool.State() != StateEmpty {
			allEmpty = false

			continue
		}

		t.partitions.ReleaseRegion(pool.header)
		t.poolSlots[i] = nil
	}

	if t.arenaSlot != nil {
		if t.arenaSlot.State() == StateEmpty {
			t.partitions.ReleaseRegion(t.arenaSlot.header)
			t.arenaSlot = nil
		} else {
			allEmpty = false
		}
	}

	if t.heapSlot != nil {
		t.heapSlot.drainThreadFree()

		if t.heapSlot.State() == StateEmpty {
			t.partitions.ReleaseRegion(t.heapSlot.header)
			t.heapSlot = nil
		} else {
			allEmpty = false
		}
	}

	return allEmpty
}

// Detach runs this handle's exit cleanup: every container it owns that has
// drained to EMPTY is released back to the OS; every container still
// holding live blocks is marked ABANDONED so another thread can adopt it.
// Calling Detach twice is a no-op.
func (t *ThreadAllocator) Detach() {
	if t.detached {
		return
	}

	t.detached = true

	for _, pool := range t.poolSlots {
		if pool != nil {
			t.retireContainer(pool.header, pool.State())
		}
	}

	if t.arenaSlot != nil {
		t.retireContainer(t.arenaSlot.header, t.arenaSlot.State())
	}

	if t.heapSlot != nil {
		t.retireContainer(t.heapSlot.header, t.heapSlot.State())
	}
}

func (t *ThreadAllocator) retireContainer(hdr *regionHeader, state ContainerState) {
	if state == StateEmpty {
		t.partitions.ReleaseRegion(hdr)

		return
	}

	t.partitions.AbandonRegion(hdr)
	t.log.Info("abandoned %s region %#x on detach", hdr.SlotType(), hdr.base)
}
