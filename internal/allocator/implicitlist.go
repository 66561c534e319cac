package allocator

import "unsafe"

// implicitListAlign is the granularity ordinary (unspecified-alignment)
// requests round up to. Callers asking for a specific larger alignment via
// Alloc's align parameter get exactly that alignment on the returned
// pointer regardless of this default.
const implicitListAlign = 16

const implicitListMinBlock = 4 * wordSize // header + footer + two free-list links

const wordSize = unsafe.Sizeof(uintptr(0))

// ImplicitList is a Knuth-style boundary-tag heap: every block carries a
// header word encoding its total size, its own allocated bit, and whether
// the block immediately before it is allocated. A free block also carries a
// footer (a plain copy of its size) so a neighbor can find its start when
// coalescing backward; an allocated block has none — the next block's
// previous-allocated bit makes that footer unnecessary, so the bytes it
// would have occupied are usable payload instead. An explicit doubly-linked
// free list layered on top of that implicit block sequence makes first-fit
// search touch only free blocks, not the whole heap.
type ImplicitList struct {
	header *regionHeader

	dataBase uintptr
	dataEnd  uintptr // end of currently committed, usable range

	regionEnd uintptr // end of the region's reserved (not necessarily committed) range

	freeListHead uintptr // 0 = empty

	// cachedMaxBlock is an upper bound on the largest free block's usable
	// payload, with 0 meaning "unknown, rescan". Nothing sets it to a
	// nonzero value — coalesce, split and grow leave or reset it at 0 — so
	// Alloc's early-out on it never triggers and every Alloc walks the list.
	cachedMaxBlock uintptr

	threadFree mpscStack
}

func newImplicitList(hdr *regionHeader) *ImplicitList {
	size := regionSize(hdr.PartitionID())
	dataBase := alignUp(hdr.base+pageSize(), implicitListAlign)

	il := &ImplicitList{
		header:    hdr,
		dataBase:  dataBase,
		dataEnd:   dataBase,
		regionEnd: hdr.base + size,
	}

	setContainerFor(hdr, il)

	if il.growCommitted(dataBase + pageSize()) {
		// The whole committed range is one free block; there is no
		// predecessor, so prevAllocated is trivially true.
		il.setFree(dataBase, il.dataEnd-dataBase, true)
		il.listInsert(dataBase)
	}

	return il
}

func (il *ImplicitList) State() ContainerState {
	if il.header.ThreadID() == abandonedThreadID {
		return StateAbandoned
	}

	if il.freeListHead == 0 && il.dataEnd == il.dataBase {
		return StateEmpty
	}

	if il.freeListHead == 0 {
		return StateFull
	}

	// A single free block spanning the whole committed range, never split,
	// still counts as EMPTY.
	if il.blockSize(il.freeListHead) == il.dataEnd-il.dataBase && nextFree(il.freeListHead) == 0 {
		return StateEmpty
	}

	return StatePartial
}

// boundary tag helpers. Every block's header word packs (size | allocated |
// prevAllocated) into the low two bits below size, which is always a
// multiple of wordSize and so never collides with them.

func (il *ImplicitList) headerAt(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

func (il *ImplicitList) footerAt(addr, size uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr + size - wordSize))
}

func packHeader(size uintptr, allocated, prevAllocated bool) uintptr {
	tag := size &^ 0b11
	if allocated {
		tag |= 1
	}

	if prevAllocated {
		tag |= 2
	}

	return tag
}

func (il *ImplicitList) blockSize(addr uintptr) uintptr       { return *il.headerAt(addr) &^ 0b11 }
func (il *ImplicitList) blockAllocated(addr uintptr) bool     { return *il.headerAt(addr)&1 != 0 }
func (il *ImplicitList) blockPrevAllocated(addr uintptr) bool { return *il.headerAt(addr)&2 != 0 }

// PayloadSize returns the usable byte count of the allocated block whose
// payload pointer is ptr.
func (il *ImplicitList) PayloadSize(ptr uintptr) uintptr {
	return il.blockSize(ptr-wordSize) - wordSize
}

// setAllocated writes addr's header as an allocated block of the given
// total size. No footer is written — the bytes a free block would have
// spent on one are usable payload instead — so the following block's
// previous-allocated bit is updated in its place.
func (il *ImplicitList) setAllocated(addr, size uintptr, prevAllocated bool) {
	*il.headerAt(addr) = packHeader(size, true, prevAllocated)
	il.setNextPrevAllocated(addr, size, true)
}

// setFree writes addr's header and footer as a free block of the given
// total size and updates the following block's previous-allocated bit.
func (il *ImplicitList) setFree(addr, size uintptr, prevAllocated bool) {
	*il.headerAt(addr) = packHeader(size, false, prevAllocated)
	*il.footerAt(addr, size) = size
	il.setNextPrevAllocated(addr, size, false)
}

func (il *ImplicitList) setNextPrevAllocated(addr, size uintptr, allocated bool) {
	next := addr + size
	if next >= il.dataEnd {
		return
	}

	tag := *il.headerAt(next)
	if allocated {
		tag |= 2
	} else {
		tag &^= 2
	}

	*il.headerAt(next) = tag
}

// allocTotalSize is the total block size needed to host reqPayload usable
// bytes once allocated (header only, no footer).
func allocTotalSize(reqPayload uintptr) uintptr {
	return alignUp(wordSize+reqPayload, implicitListAlign)
}

// free-list link accessors: a free block's payload begins with next/prev,
// reusing the payload space since a free block isn't holding caller data.

func freeNext(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr + wordSize))
}

func freePrev(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr + 2*wordSize))
}

func nextFree(addr uintptr) uintptr { return *freeNext(addr) }

func (il *ImplicitList) listInsert(addr uintptr) {
	*freeNext(addr) = il.freeListHead
	*freePrev(addr) = 0

	if il.freeListHead != 0 {
		*freePrev(il.freeListHead) = addr
	}

	il.freeListHead = addr
}

func (il *ImplicitList) listRemove(addr uintptr) {
	prev := *freePrev(addr)
	next := *freeNext(addr)

	if prev != 0 {
		*freeNext(prev) = next
	} else {
		il.freeListHead = next
	}

	if next != 0 {
		*freePrev(next) = prev
	}
}

// Alloc finds a free block able to hold size bytes aligned to align (0 or
// implicitListAlign for the default guarantee), splitting off whatever
// remainder is large enough to host another block. If align exceeds the
// default, the fit is carved so the returned payload pointer itself lands
// on that boundary, absorbing or standalone-splitting the unaligned prefix
// per the block's own size.
func (il *ImplicitList) Alloc(size, align uintptr) uintptr {
	if align < implicitListAlign {
		align = implicitListAlign
	}

	payload := alignUp(size, implicitListAlign)

	il.drainThreadFree()

	if il.cachedMaxBlock != 0 && payload > il.cachedMaxBlock {
		if !il.grow(payload) {
			return 0
		}
	}

	addr := il.allocFit(payload, align)
	if addr == 0 {
		if !il.grow(payload + align) {
			return 0
		}

		addr = il.allocFit(payload, align)
		if addr == 0 {
			return 0
		}
	}

	il.cachedMaxBlock = 0 // stale; recomputed lazily on next miss

	return addr
}

// allocFit walks the free list for the first block that can host payload
// aligned to align, carves it, and returns the payload pointer, or 0.
func (il *ImplicitList) allocFit(payload, align uintptr) uintptr {
	for b := il.freeListHead; b != 0; b = nextFree(b) {
		if headerAddr, ok := il.fitsAligned(b, payload, align); ok {
			return il.carve(b, headerAddr, payload)
		}
	}

	return 0
}

// fitsAligned reports whether free block b can host payload at some
// alignment-satisfying header address within its span, returning that
// header address. The payload, not the header, is aligned, so even at the
// default alignment a 16-aligned b gets a header past b and a prefix free
// block in front of it.
func (il *ImplicitList) fitsAligned(b, payload, align uintptr) (uintptr, bool) {
	bSize := il.blockSize(b)
	blockEnd := b + bSize

	alignedPayloadAddr := alignUp(b+wordSize, align)
	headerAddr := alignedPayloadAddr - wordSize
	prefixLen := headerAddr - b

	for prefixLen != 0 && prefixLen < implicitListMinBlock {
		alignedPayloadAddr += align
		headerAddr = alignedPayloadAddr - wordSize
		prefixLen = headerAddr - b
	}

	need := allocTotalSize(payload)
	if headerAddr+need > blockEnd {
		return 0, false
	}

	return headerAddr, true
}

// carve removes free block b from the list and installs an allocated block
// of size payload at headerAddr (which may be b itself, or offset into it
// to satisfy an alignment request), splitting off a standalone prefix
// and/or suffix free block wherever the leftover is large enough.
func (il *ImplicitList) carve(b, headerAddr, payload uintptr) uintptr {
	bSize := il.blockSize(b)
	prevAllocated := il.blockPrevAllocated(b)
	blockEnd := b + bSize
	hasPrefix := headerAddr != b

	il.listRemove(b)

	if hasPrefix {
		prefixSize := headerAddr - b
		il.setFree(b, prefixSize, prevAllocated)
		il.listInsert(b)
	}

	allocSize := allocTotalSize(payload)
	remainder := blockEnd - headerAddr - allocSize

	// If a prefix block was split off, it is free and immediately precedes
	// the allocated block; otherwise the allocated block keeps b's own
	// predecessor state.
	headerPrevAllocated := prevAllocated && !hasPrefix

	if remainder >= implicitListMinBlock {
		il.setAllocated(headerAddr, allocSize, headerPrevAllocated)

		freeAddr := headerAddr + allocSize
		il.setFree(freeAddr, remainder, true)
		il.listInsert(freeAddr)
	} else {
		il.setAllocated(headerAddr, blockEnd-headerAddr, headerPrevAllocated)
	}

	return headerAddr + wordSize
}

// grow extends the committed range by enough to host a block of at least
// payload usable bytes, appending one new free block at the end and
// coalescing it with a trailing free block if one exists.
func (il *ImplicitList) grow(payload uintptr) bool {
	need := alignUp(allocTotalSize(payload), pageSize())

	if il.dataEnd+need > il.regionEnd {
		return false
	}

	tailAddr, tailSize, hasTail := il.tailFreeBlock()

	oldEnd := il.dataEnd
	if !il.growCommitted(oldEnd + need) {
		return false
	}

	grown := il.dataEnd - oldEnd

	if hasTail {
		il.listRemove(tailAddr)

		prevAllocated := il.blockPrevAllocated(tailAddr)
		il.setFree(tailAddr, tailSize+grown, prevAllocated)
		il.listInsert(tailAddr)
	} else {
		il.setFree(oldEnd, grown, true)
		il.listInsert(oldEnd)
	}

	il.cachedMaxBlock = 0

	return true
}

// tailFreeBlock reports the free block physically ending at dataEnd, if
// one exists, so grow can coalesce into it instead of leaving a redundant
// adjacent free block.
func (il *ImplicitList) tailFreeBlock() (addr, size uintptr, ok bool) {
	for b := il.freeListHead; b != 0; b = nextFree(b) {
		bSize := il.blockSize(b)
		if b+bSize == il.dataEnd {
			return b, bSize, true
		}
	}

	return 0, 0, false
}

func (il *ImplicitList) growCommitted(upTo uintptr) bool {
	want := alignUp(upTo, pageSize())
	if want <= il.dataEnd {
		return true
	}

	if err := osCommit(il.dataEnd, want-il.dataEnd); err != nil {
		return false
	}

	il.dataEnd = want

	return true
}

// Free returns a block to the heap, coalescing it with a free physical
// neighbor on either side (the four classic boundary-tag cases).
func (il *ImplicitList) Free(ptr uintptr, callerThreadID int64) {
	addr := ptr - wordSize

	if callerThreadID != il.header.ThreadID() {
		il.threadFree.push(ptr)

		return
	}

	il.freeLocal(addr)
}

func (il *ImplicitList) drainThreadFree() {
	chain := il.threadFree.drain()
	for chain != 0 {
		n := nextFreeNode(chain)
		il.freeLocal(chain - wordSize)
		chain = n
	}
}

func (il *ImplicitList) freeLocal(addr uintptr) {
	size := il.blockSize(addr)
	prevAllocated := il.blockPrevAllocated(addr)

	var prevAddr, prevSize uintptr

	hasPrev := !prevAllocated && addr > il.dataBase
	if hasPrev {
		prevSize = *(*uintptr)(unsafe.Pointer(addr - wordSize))
		prevAddr = addr - prevSize
	}

	nextAddr := addr + size
	hasNext := nextAddr < il.dataEnd

	nextAllocated := true
	if hasNext {
		nextAllocated = il.blockAllocated(nextAddr)
	}

	switch {
	case !hasPrev && (!hasNext || nextAllocated):
		il.setFree(addr, size, prevAllocated)
		il.listInsert(addr)

	case !hasPrev && hasNext && !nextAllocated:
		nextSize := il.blockSize(nextAddr)
		il.listRemove(nextAddr)
		il.setFree(addr, size+nextSize, prevAllocated)
		il.listInsert(addr)

	case hasPrev && (!hasNext || nextAllocated):
		il.listRemove(prevAddr)
		prevPrevAllocated := il.blockPrevAllocated(prevAddr)
		il.setFree(prevAddr, prevSize+size, prevPrevAllocated)
		il.listInsert(prevAddr)

	default: // both neighbors free
		nextSize := il.blockSize(nextAddr)
		il.listRemove(prevAddr)
		il.listRemove(nextAddr)
		prevPrevAllocated := il.blockPrevAllocated(prevAddr)
		il.setFree(prevAddr, prevSize+size+nextSize, prevPrevAllocated)
		il.listInsert(prevAddr)
	}

	if il.cachedMaxBlock != 0 {
		// A coalesce can only grow the max; a fresh insert of an
		// unknown-relative size invalidates the cache instead of risking
		// an understated bound.
		il.cachedMaxBlock = 0
	}
}

// Contains reports whether addr falls within this list's carved range.
func (il *ImplicitList) Contains(addr uintptr) bool {
	return addr >= il.dataBase && addr < il.regionEnd
}
