package allocator

import "testing"

func newTestImplicitList(t *testing.T) *ImplicitList {
	t.Helper()

	pa := NewPartitionAllocator()

	hdr := pa.ReserveRegion(6, SlotImplicitList)
	if hdr == nil {
		t.Fatal("ReserveRegion returned nil")
	}

	hdr.SetThreadID(1)

	return newImplicitList(hdr)
}

func TestImplicitListFreshStateIsEmpty(t *testing.T) {
	il := newTestImplicitList(t)

	if got := il.State(); got != StateEmpty {
		t.Fatalf("fresh list state = %s, want empty", got)
	}
}

func TestImplicitListAllocDistinctAddresses(t *testing.T) {
	il := newTestImplicitList(t)

	seen := make(map[uintptr]bool)

	for i := 0; i < 20; i++ {
		ptr := il.Alloc(64, 0)
		if ptr == 0 {
			t.Fatalf("Alloc failed at iteration %d", i)
		}

		if seen[ptr] {
			t.Fatalf("Alloc returned duplicate address %#x at iteration %d", ptr, i)
		}

		seen[ptr] = true

		if !il.Contains(ptr) {
			t.Fatalf("Contains(%#x) = false for address this list returned", ptr)
		}

		if ptr%implicitListAlign != 0 {
			t.Fatalf("Alloc(64, 0) returned %#x, not aligned to the default %d", ptr, implicitListAlign)
		}
	}

	if got := il.State(); got != StatePartial {
		t.Fatalf("list with live blocks state = %s, want partial", got)
	}
}

func TestImplicitListAllocatedBlockHasNoFooterWrite(t *testing.T) {
	il := newTestImplicitList(t)

	p0 := il.Alloc(64, 0)
	if p0 == 0 {
		t.Fatal("setup Alloc failed")
	}

	addr := p0 - wordSize
	if !il.blockAllocated(addr) {
		t.Fatal("freshly allocated block not marked allocated")
	}

	p1 := il.Alloc(64, 0)
	if p1 == 0 {
		t.Fatal("second Alloc failed")
	}

	// The second block's previous-allocated bit must reflect p0 being
	// allocated without ever reading a footer at p0's end, since an
	// allocated block writes none.
	if !il.blockPrevAllocated(p1 - wordSize) {
		t.Fatal("prevAllocated bit false for a block preceded by an allocated block")
	}
}

func TestImplicitListFreeLIFOCoalescesToEmpty(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()

	p0 := il.Alloc(64, 0)
	p1 := il.Alloc(64, 0)
	p2 := il.Alloc(64, 0)

	if p0 == 0 || p1 == 0 || p2 == 0 {
		t.Fatal("setup Alloc failed")
	}

	// Freeing in reverse-allocation order merges each block with the
	// trailing free remainder, then with its newly-grown neighbor.
	il.Free(p2, owner)
	il.Free(p1, owner)
	il.Free(p0, owner)

	if got := il.State(); got != StateEmpty {
		t.Fatalf("state after freeing every live block (LIFO) = %s, want empty", got)
	}
}

func TestImplicitListMergeWithPrevThenReuse(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()

	p0 := il.Alloc(64, 0)
	p1 := il.Alloc(64, 0)
	p2 := il.Alloc(64, 0)

	if p0 == 0 || p1 == 0 || p2 == 0 {
		t.Fatal("setup Alloc failed")
	}

	il.Free(p0, owner) // merges with the small free prefix split off when p0 was aligned
	il.Free(p1, owner) // merges with p0's block: prev-free case, reads p0's footer

	// p2 is still allocated, so the merged p0+p1 region is bounded on the
	// right by an allocated block: a request bigger than either original
	// 64-byte block only fits if the merge actually happened.
	big := il.Alloc(100, 0)
	if big == 0 {
		t.Fatal("Alloc(100) failed after merging two adjacent 64-byte frees")
	}

	if got := big - wordSize; got != p0-wordSize {
		t.Fatalf("Alloc(100) reused block at %#x, want merged block at %#x", got, p0-wordSize)
	}

	_ = p2
}

func TestImplicitListMergeWithNext(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()

	p0 := il.Alloc(64, 0)
	p1 := il.Alloc(64, 0)

	if p0 == 0 || p1 == 0 {
		t.Fatal("setup Alloc failed")
	}

	// Freeing p1 (the last carved block) merges it with the trailing free
	// remainder: the merge-with-next case.
	il.Free(p1, owner)

	big := il.Alloc(200, 0)
	if big == 0 {
		t.Fatal("Alloc(200) failed after merging a block with the trailing free span")
	}

	if got := big - wordSize; got != p1-wordSize {
		t.Fatalf("Alloc(200) reused block at %#x, want merged block at %#x", got, p1-wordSize)
	}
}

func TestImplicitListCrossThreadFreeDrains(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()
	other := owner + 1

	ptr := il.Alloc(64, 0)
	if ptr == 0 {
		t.Fatal("Alloc failed")
	}

	il.Free(ptr, other)

	if got := il.State(); got != StatePartial {
		t.Fatalf("state after a cross-thread free that hasn't drained yet = %s, want partial (block still marked live)", got)
	}

	il.drainThreadFree()

	if got := il.State(); got != StateEmpty {
		t.Fatalf("state after draining the only outstanding block = %s, want empty", got)
	}
}

func TestImplicitListGrowBeyondFirstPage(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()

	ptrs := make([]uintptr, 0, 256)

	for i := 0; i < 256; i++ {
		ptr := il.Alloc(64, 0)
		if ptr == 0 {
			break
		}

		ptrs = append(ptrs, ptr)
	}

	if len(ptrs) < 64 {
		t.Fatalf("only allocated %d blocks before exhaustion, expected growth past one page", len(ptrs))
	}

	for _, ptr := range ptrs {
		il.Free(ptr, owner)
	}

	if got := il.State(); got != StateEmpty {
		t.Fatalf("state after freeing every grown block = %s, want empty", got)
	}
}

func TestImplicitListAlignedAllocHonorsAlignment(t *testing.T) {
	il := newTestImplicitList(t)

	// Force an odd starting offset so the aligned request actually has to
	// carve a prefix, rather than landing aligned by accident.
	_ = must(t, il.Alloc(8, 0))

	const align = 256

	ptr := il.Alloc(64, align)
	if ptr == 0 {
		t.Fatal("aligned Alloc failed")
	}

	if ptr%align != 0 {
		t.Fatalf("Alloc(64, %d) returned %#x, not aligned", align, ptr)
	}

	if got := il.PayloadSize(ptr); got < 64 {
		t.Fatalf("PayloadSize(%#x) = %d, want >= 64", ptr, got)
	}
}

func must(t *testing.T, ptr uintptr) uintptr {
	t.Helper()

	if ptr == 0 {
		t.Fatal("setup Alloc failed")
	}

	return ptr
}
