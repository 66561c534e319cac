package allocator

import (
	"sync/atomic"
	"unsafe"
)

// Pool is a single-size-class container: every block it hands out is
// exactly blockSize bytes. It is owned by one thread at a time (the thread
// recorded in its region header) and carves its blocks out of one region.
//
// The free list is split into a head the owner pops/pushes without
// synchronization and a tail fed lazily from the region's untouched
// high-water mark, so the owner's hot path never walks more list than it
// has to. Frees arriving from a thread that doesn't own this pool land on
// threadFree instead, an MPSC stack the owner drains into the local free
// list before its next allocation.
type Pool struct {
	header *regionHeader

	classIdx  int
	blockSize uintptr

	dataBase uintptr // first byte available for blocks, after the header page
	capacity uint32  // total blocks the region can ever hold

	numCommitted uint32 // blocks backed by committed pages
	numUsed      uint32 // blocks currently handed out

	freeHead uintptr // intrusive local free list, owner-only
	highWater uint32 // index of the next never-touched block

	threadFree mpscStack // cross-thread frees, drained by the owner
}

const poolCommitBatchBlocks = 64 // blocks committed per high-water advance

// newPool constructs a Pool over a freshly reserved region.
func newPool(hdr *regionHeader, classIdx int) *Pool {
	size := regionSize(hdr.PartitionID())
	dataBase := hdr.base + pageSize()

	p := &Pool{
		header:    hdr,
		classIdx:  classIdx,
		blockSize: SizeClassBytes(classIdx),
		dataBase:  dataBase,
		capacity:  uint32((hdr.base + size - dataBase) / SizeClassBytes(classIdx)),
	}

	setContainerFor(hdr, p)

	return p
}

// State reports this pool's lifecycle state from its own counters; the
// ABANDONED state is read from the region header instead, since only the
// owning thread's exit (or an adopter's claim) changes it.
func (p *Pool) State() ContainerState {
	if p.header.ThreadID() == abandonedThreadID {
		return StateAbandoned
	}

	used := atomic.LoadUint32(&p.numUsed)
	if used == 0 {
		return StateEmpty
	}

	if used >= p.capacity {
		return StateFull
	}

	return StatePartial
}

// Alloc returns one block from the pool, or 0 if the pool has no free
// block left (caller should advance to the next container / reserve a new
// region). Owner-thread only.
func (p *Pool) Alloc() uintptr {
	p.refillFromThreadFree()

	if p.freeHead == 0 {
		p.refillFromHighWater()
	}

	if p.freeHead == 0 {
		return 0
	}

	addr := p.freeHead
	p.freeHead = nextFreeNode(addr)
	p.numUsed++

	return addr
}

// refillFromThreadFree drains any frees that arrived from other threads
// back onto the local free list. This is the same reconciliation
// DrainForOwner performs; Alloc calls it lazily instead of waiting for an
// explicit drain so numUsed never overcounts blocks a remote Free already
// returned.
func (p *Pool) refillFromThreadFree() {
	p.DrainForOwner()
}

// refillFromHighWater commits and carves a fresh batch of never-used
// blocks, growing the region's committed range on demand.
func (p *Pool) refillFromHighWater() {
	if p.highWater >= p.capacity {
		return
	}

	batch := uint32(poolCommitBatchBlocks)
	if p.highWater+batch > p.capacity {
		batch = p.capacity - p.highWater
	}

	start := p.highWater
	end := start + batch

	if end > p.numCommitted {
		p.ensureCommitted(end)
	}

	for i := start; i < end; i++ {
		p.pushLocal(p.dataBase + uintptr(i)*p.blockSize)
	}

	p.highWater = end
}

// ensureCommitted backs every block index up to (but not including) upTo
// with committed physical pages.
func (p *Pool) ensureCommitted(upTo uint32) {
	wantBytes := alignUp(uintptr(upTo)*p.blockSize, pageSize())
	haveBytes := alignUp(uintptr(p.numCommitted)*p.blockSize, pageSize())

	if wantBytes <= haveBytes {
		return
	}

	if err := osCommit(p.dataBase+haveBytes, wantBytes-haveBytes); err != nil {
		return
	}

	p.numCommitted = upTo
}

func (p *Pool) pushLocal(addr uintptr) {
	node := (*freeNode)(unsafe.Pointer(addr))
	node.next.Store(p.freeHead)
	p.freeHead = addr
}

// Free returns a block to the pool. If the caller is the pool's owning
// thread it goes straight onto the local free list; otherwise it is pushed
// onto threadFree for the owner to reclaim later.
func (p *Pool) Free(addr uintptr, callerThreadID int64) {
	if callerThreadID == p.header.ThreadID() {
		p.pushLocal(addr)
		p.numUsed--

		return
	}

	p.threadFree.push(addr)
	// numUsed is decremented by the owner when it drains threadFree, since
	// only the owner is allowed to mutate its own counters unsynchronized.
}

// DrainForOwner folds any pending cross-thread frees into the local free
// list and reconciles numUsed. Call this before trusting State() or
// capacity accounting after a batch of cross-thread frees may have landed.
func (p *Pool) DrainForOwner() {
	chain := p.threadFree.drain()

	for chain != 0 {
		n := nextFreeNode(chain)
		p.pushLocal(chain)
		p.numUsed--
		chain = n
	}
}

// BlockIndex recovers a block's index within the region from its address,
// using the size class's precomputed reciprocal instead of a division.
func (p *Pool) BlockIndex(addr uintptr) int {
	return BlockIndexOf(addr-p.dataBase, p.classIdx)
}

// Contains reports whether addr falls within this pool's carved range.
func (p *Pool) Contains(addr uintptr) bool {
	if addr < p.dataBase {
		return false
	}

	end := p.dataBase + uintptr(p.capacity)*p.blockSize

	return addr < end
}
