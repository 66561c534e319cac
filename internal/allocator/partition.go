package allocator

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// partitionState tracks the region occupancy bitmap and abandoned-region
// stack for one partition. The bitmap words are atomic so RegionFor can test
// a slot's occupancy on the free-path without taking mu: the mutex only
// serializes the read-modify-write of reservation/release against other
// reservations/releases, exactly the "held only during OS reserve/release,
// never on alloc/free fast paths" split the concurrency model calls for.
type partitionState struct {
	mu     sync.Mutex    // guards bitmap read-modify-write only; never held across an OS call
	bitmap []atomic.Uint64 // one bit per region slot

	abandonedHead atomic.Uintptr // region base of the most recently abandoned region, or 0
}

func newPartitionState() *partitionState {
	return &partitionState{
		bitmap: make([]atomic.Uint64, (regionsPerPartition+63)/64),
	}
}

// findFreeSlot finds and marks the first free region slot, returning its
// index, or -1 if the partition is exhausted.
func (s *partitionState) findFreeSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for word := range s.bitmap {
		w := s.bitmap[word].Load()
		if w == ^uint64(0) {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if w&(1<<uint(bit)) == 0 {
				s.bitmap[word].Store(w | 1<<uint(bit))

				return word*64 + bit
			}
		}
	}

	return -1
}

// markSlot sets idx's bit if it is currently clear, reporting whether it did
// so. Used when the OS hands back a region at an address whose arithmetic
// slot differs from the one findFreeSlot speculatively reserved for the
// hint address.
func (s *partitionState) markSlot(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	word, bit := idx/64, idx%64

	w := s.bitmap[word].Load()
	if w&(1<<uint(bit)) != 0 {
		return false
	}

	s.bitmap[word].Store(w | 1<<uint(bit))

	return true
}

func (s *partitionState) clearSlot(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	word, bit := idx/64, idx%64
	s.bitmap[word].Store(s.bitmap[word].Load() &^ (1 << uint(bit)))
}

// slotReserved reports whether idx currently names a live region, with no
// locking: a plain atomic load of one word. This is the only check the free
// path performs before trusting the header arithmetic recovers.
func (s *partitionState) slotReserved(idx int) bool {
	word, bit := idx/64, idx%64

	return s.bitmap[word].Load()&(1<<uint(bit)) != 0
}

// PartitionAllocator is the single process-wide owner of the fixed address
// map. It hands out regions to containers and reclaims them; there is
// exactly one instance per process, reached through DefaultPartitionAllocator.
type PartitionAllocator struct {
	partitions [NumPartitions]*partitionState
}

var (
	defaultPartitionAllocator     *PartitionAllocator
	defaultPartitionAllocatorOnce sync.Once
)

// DefaultPartitionAllocator returns the process-wide partition allocator,
// constructing it on first use.
func DefaultPartitionAllocator() *PartitionAllocator {
	defaultPartitionAllocatorOnce.Do(func() {
		defaultPartitionAllocator = NewPartitionAllocator()
	})

	return defaultPartitionAllocator
}

// NewPartitionAllocator constructs an independent partition allocator.
// Production code should use DefaultPartitionAllocator; tests that want
// isolated address-space bookkeeping construct their own. The region
// bitmaps are instance-scoped, but the container table backing
// containerFor/setContainerFor is process-wide address space (see
// region.go) — two instances must never be handed overlapping addresses,
// which the OS's own page tables already guarantee.
func NewPartitionAllocator() *PartitionAllocator {
	pa := &PartitionAllocator{}
	for p := range pa.partitions {
		pa.partitions[p] = newPartitionState()
	}

	return pa
}

// ReserveRegion reserves a fresh region from partition p and prepares its
// header for the given slot type. It returns nil if the partition is
// exhausted or the OS call fails; callers should then retry against
// Promote(p).
func (pa *PartitionAllocator) ReserveRegion(p int, slot SlotType) *regionHeader {
	if p < 0 || p >= NumPartitions {
		return nil
	}

	state := pa.partitions[p]

	hintIdx := state.findFreeSlot()
	if hintIdx < 0 {
		return nil
	}

	size := regionSize(p)
	hint := partitionBase(p) + uintptr(hintIdx)*size

	base, err := osReserve(hint, size, size, false)
	if err != nil {
		state.clearSlot(hintIdx)

		return nil
	}

	idx := regionSlotIndex(p, base)
	if idx != hintIdx {
		// The OS didn't honor the hint; the bit we speculatively set
		// belongs to nothing. Reconcile the bitmap to the address we
		// actually got before anything reads it via slotReserved.
		state.clearSlot(hintIdx)

		if !state.markSlot(idx) {
			_ = osRelease(base, size)

			return nil
		}
	}

	if err := osCommit(base, pageSize()); err != nil {
		_ = osRelease(base, size)
		state.clearSlot(idx)

		return nil
	}

	hdr := (*regionHeader)(unsafe.Pointer(base))
	*hdr = regionHeader{}
	hdr.base = base
	hdr.partitionID = int32(p)
	hdr.slotType = int32(slot)
	hdr.SetThreadID(0)

	storeRegionEntry(p, base, &regionEntry{})

	return hdr
}

// ReleaseRegion returns a region to the OS entirely.
func (pa *PartitionAllocator) ReleaseRegion(hdr *regionHeader) {
	p := hdr.PartitionID()
	size := regionSize(p)

	clearRegionEntry(p, hdr.base)
	_ = osRelease(hdr.base, size)

	idx := regionSlotIndex(p, hdr.base)
	pa.partitions[p].clearSlot(idx)
}

// AbandonRegion marks a region ABANDONED and pushes it onto its partition's
// abandoned stack, for any thread to adopt later via ClaimAbandoned.
func (pa *PartitionAllocator) AbandonRegion(hdr *regionHeader) {
	hdr.SetThreadID(abandonedThreadID)

	state := pa.partitions[hdr.PartitionID()]
	for {
		head := state.abandonedHead.Load()
		hdr.abandonedNext.Store(head)

		if state.abandonedHead.CompareAndSwap(head, hdr.base) {
			return
		}
	}
}

// ClaimAbandoned attempts to take ownership of region hdr via CAS on its
// thread_id field. It does not remove hdr from the abandoned stack — the
// stack is a discovery hint, not a source of truth; a claim races only
// against other claimants, not against the list.
func (pa *PartitionAllocator) ClaimAbandoned(hdr *regionHeader, newOwner int64) bool {
	return hdr.claimAbandoned(newOwner)
}

// NextAbandoned pops and returns one abandoned region header from
// partition p's stack, or nil if none are pending. The header is recovered
// directly from the stored base address by pointer arithmetic — the stack
// itself is the only bookkeeping consulted. Popping does not imply
// ownership: the caller must still win ClaimAbandoned's CAS, since another
// thread may have adopted the region directly via a pointer it already
// held.
func (pa *PartitionAllocator) NextAbandoned(p int) *regionHeader {
	state := pa.partitions[p]

	for {
		head := state.abandonedHead.Load()
		if head == 0 {
			return nil
		}

		hdr := (*regionHeader)(unsafe.Pointer(head))

		next := hdr.abandonedNext.Load()
		if state.abandonedHead.CompareAndSwap(head, next) {
			return hdr
		}
	}
}

// Promote returns the next partition to retry in when p is exhausted, or -1
// if p is already the largest partition.
func (pa *PartitionAllocator) Promote(p int) int {
	if p+1 >= NumPartitions {
		return -1
	}

	return p + 1
}

// RegionFor returns the region header owning address x, or nil if x was
// never returned by this allocator — callers should treat a miss as "not
// ours" and return null from free. The whole operation is region_base(x)
// arithmetic plus one bitmap bit test; no lookup of any kind runs on this
// path, satisfying the no-hash-on-free requirement for address routing.
func (pa *PartitionAllocator) RegionFor(x uintptr) *regionHeader {
	p, base, _, ok := locate(x)
	if !ok {
		return nil
	}

	idx := regionSlotIndex(p, base)
	if !pa.partitions[p].slotReserved(idx) {
		return nil
	}

	return (*regionHeader)(unsafe.Pointer(base))
}

// containerFor returns the live container object occupying hdr's region,
// recovered by the same arithmetic slot index RegionFor derived, not by a
// key-hashed lookup.
func containerFor(hdr *regionHeader) interface{} {
	entry := loadRegionEntry(hdr.PartitionID(), hdr.base)
	if entry == nil {
		return nil
	}

	return entry.container
}

func setContainerFor(hdr *regionHeader, container interface{}) {
	entry := loadRegionEntry(hdr.PartitionID(), hdr.base)
	if entry == nil {
		entry = &regionEntry{}
		storeRegionEntry(hdr.PartitionID(), hdr.base, entry)
	}

	entry.container = container
}
