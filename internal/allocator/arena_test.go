package allocator

import "testing"

func newTestArena(t *testing.T) *Arena {
	t.Helper()

	pa := NewPartitionAllocator()

	hdr := pa.ReserveRegion(3, SlotArena)
	if hdr == nil {
		t.Fatal("ReserveRegion returned nil")
	}

	hdr.SetThreadID(1)

	return newArena(hdr)
}

func TestArenaAllocSingleL0Slot(t *testing.T) {
	a := newTestArena(t)

	first := a.Alloc(1)
	if first == 0 {
		t.Fatal("Alloc(1) failed")
	}

	second := a.Alloc(1)
	if second == 0 {
		t.Fatal("Alloc(1) failed")
	}

	if first == second {
		t.Fatal("two live single-slot allocations returned the same address")
	}

	if second-first != a.l0Size() && first-second != a.l0Size() {
		t.Fatalf("allocations not adjacent: %#x, %#x", first, second)
	}
}

func TestArenaAllocMultiSlotRun(t *testing.T) {
	a := newTestArena(t)

	n := uintptr(4)
	addr := a.Alloc(n * a.l0Size())
	if addr == 0 {
		t.Fatal("multi-slot Alloc failed")
	}

	if !a.Contains(addr) {
		t.Fatal("Contains false for an address this arena returned")
	}

	if got := a.GetRange(addr); got != uint32(n) {
		t.Fatalf("GetRange = %d, want %d", got, n)
	}

	if got := a.SizeOf(addr); got != n*a.l0Size() {
		t.Fatalf("SizeOf = %d, want %d", got, n*a.l0Size())
	}
}

func TestArenaFreeRecoversRunLength(t *testing.T) {
	a := newTestArena(t)

	n := uintptr(5)
	addr := a.Alloc(n * a.l0Size())
	if addr == 0 {
		t.Fatal("Alloc failed")
	}

	a.Free(addr)

	if got := a.State(); got != StateEmpty {
		t.Fatalf("arena state after freeing its only allocation = %s, want empty", got)
	}

	// The freed range must be fully reusable, including the slot count that
	// was reserved, not just the first slot.
	again := a.Alloc(n * a.l0Size())
	if again != addr {
		t.Fatalf("re-Alloc after Free = %#x, want reused address %#x", again, addr)
	}
}

func TestArenaFreeOfNonStartIsNoop(t *testing.T) {
	a := newTestArena(t)

	addr := a.Alloc(3 * a.l0Size())
	if addr == 0 {
		t.Fatal("Alloc failed")
	}

	// Freeing the middle of a run (not its recorded start) must be a
	// no-op: the range_tag's start bit is only set at the true start, so
	// locateLive finds no owning level and Free has nothing to clear.
	a.Free(addr + a.l0Size())

	if got := a.State(); got != StatePartial {
		t.Fatalf("state after a no-op free of a mid-run address = %s, want partial (still allocated)", got)
	}
}

func TestArenaPromotesAcrossLevels(t *testing.T) {
	a := newTestArena(t)

	l0 := a.Alloc(1)
	l1 := a.Alloc(a.l1Size())
	l2 := a.Alloc(a.l2Size())

	if l0 == 0 || l1 == 0 || l2 == 0 {
		t.Fatal("allocation at some level failed")
	}

	if got := a.SizeOf(l1); got <= a.l0Size() {
		t.Fatalf("L1-routed alloc SizeOf = %d, want > %d", got, a.l0Size())
	}

	if got := a.SizeOf(l2); got <= a.l1Size() {
		t.Fatalf("L2-routed alloc SizeOf = %d, want > %d", got, a.l1Size())
	}

	a.Free(l0)
	a.Free(l1)
	a.Free(l2)

	if got := a.State(); got != StateEmpty {
		t.Fatalf("state after freeing every allocation = %s, want empty", got)
	}
}

func TestArenaExhaustsAtL2Granularity(t *testing.T) {
	a := newTestArena(t)

	count := 0

	for {
		addr := a.Alloc(a.l2Size()) // forces one whole L2 slot per call
		if addr == 0 {
			break
		}

		count++

		if count > 64 {
			t.Fatal("arena allocated more L2 slots than it has")
		}
	}

	if count != 64 {
		t.Fatalf("arena allocated %d L2 slots before exhaustion, want 64", count)
	}

	if got := a.State(); got != StateFull {
		t.Fatalf("exhausted arena state = %s, want full", got)
	}
}
