package allocator

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

// P7: for every size class and every high-water offset, the fixed-point
// reciprocal recovers the same block index plain division would.
func TestPropertyPoolReciprocalMatchesDivision(t *testing.T) {
	for classIdx := 0; classIdx < NumSizeClasses(); classIdx++ {
		blockSize := SizeClassBytes(classIdx)

		for k := 0; k < 256; k++ {
			offset := uintptr(k) * blockSize

			got := BlockIndexOf(offset, classIdx)
			if got != k {
				t.Fatalf("class %d: BlockIndexOf(%d) = %d, want %d", classIdx, offset, got, k)
			}
		}
	}
}

// P3: pointers handed out by concurrent allocations across many threads
// never overlap, whether they land in the same container or different ones.
func TestPropertyConcurrentAllocsNeverOverlap(t *testing.T) {
	pa := NewPartitionAllocator()

	const workers = 8
	const perWorker = 200

	results := make([][]uintptr, workers)

	var g errgroup.Group

	for w := 0; w < workers; w++ {
		w := w

		g.Go(func() error {
			th := AttachTo(pa)
			defer th.Detach()

			addrs := make([]uintptr, 0, perWorker)

			for i := 0; i < perWorker; i++ {
				addr := th.Alloc(32)
				if addr == 0 {
					continue
				}

				addrs = append(addrs, addr)
			}

			results[w] = addrs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup reported an error: %v", err)
	}

	seen := make(map[uintptr]bool)

	for _, addrs := range results {
		for _, addr := range addrs {
			if seen[addr] {
				t.Fatalf("address %#x returned to two different concurrent allocations", addr)
			}

			seen[addr] = true
		}
	}
}

// P5: once thread B frees a block and thread A performs its next allocation
// from the same container, A observes the freed capacity.
func TestPropertyCrossThreadFreeEventuallyVisible(t *testing.T) {
	pa := NewPartitionAllocator()

	a := AttachTo(pa)
	defer a.Detach()

	b := AttachTo(pa)
	defer b.Detach()

	addr := a.Alloc(40)
	if addr == 0 {
		t.Fatal("Alloc failed")
	}

	b.Free(addr)

	if reused := a.Alloc(40); reused != addr {
		t.Fatalf("A's next Alloc after B's free = %#x, want reused address %#x", reused, addr)
	}
}

// P4 (scenario 4): a thread that exits mid-life leaves every block it held
// freeable by any other thread, and the region reclaims once the last block
// anyone holds is freed.
func TestPropertyAbandonedBlocksRemainFreeableByAnyThread(t *testing.T) {
	pa := NewPartitionAllocator()

	owner := AttachTo(pa)

	const n = 20

	addrs := make([]uintptr, n)
	for i := range addrs {
		addrs[i] = owner.Alloc(56)
		if addrs[i] == 0 {
			t.Fatalf("Alloc failed at %d", i)
		}
	}

	hdr := pa.RegionFor(addrs[0])

	owner.Detach()

	if got := hdr.ThreadID(); got != abandonedThreadID {
		t.Fatalf("region thread_id after Detach = %d, want abandoned", got)
	}

	adopter := AttachTo(pa)
	defer adopter.Detach()

	for _, addr := range addrs {
		adopter.Free(addr)
	}

	pool, ok := containerFor(hdr).(*Pool)
	if !ok {
		t.Fatal("adopted container is not a *Pool")
	}

	pool.DrainForOwner()

	if got := pool.State(); got != StateEmpty {
		t.Fatalf("pool state after freeing every abandoned block = %s, want empty", got)
	}
}

// P1 (partial): allocations never straddle a region boundary, and their
// containing region's partition matches what addr.go's routing predicts.
func TestPropertyAllocStaysWithinOneRegion(t *testing.T) {
	pa := NewPartitionAllocator()
	th := AttachTo(pa)
	defer th.Detach()

	sizes := []uintptr{8, 64, 4096, 2 * 1024 * 1024, ArenaChunkMax + 1}

	for _, size := range sizes {
		addr := th.Alloc(size)
		if addr == 0 {
			t.Fatalf("Alloc(%d) failed", size)
		}

		p, base, _, ok := locate(addr)
		if !ok {
			t.Fatalf("locate(%#x) reported not ok for a live allocation", addr)
		}

		end := addr + size - 1

		endP, endBase, _, ok := locate(end)
		if !ok || endP != p || endBase != base {
			t.Fatalf("allocation of size %d starting at %#x does not stay within one region", size, addr)
		}
	}
}

// Scenario 1: 8192 allocations of the smallest class all land in partition
// 0, and after freeing every one in reverse order, ReleaseLocal reclaims
// every region it cached back to the OS.
func TestScenarioManySmallAllocsThenReverseFree(t *testing.T) {
	pa := NewPartitionAllocator()
	th := AttachTo(pa)
	defer th.Detach()

	const n = 8192

	addrs := make([]uintptr, n)

	for i := range addrs {
		addrs[i] = th.Alloc(8)
		if addrs[i] == 0 {
			t.Fatalf("Alloc(8) failed at iteration %d", i)
		}

		if p := partitionOf(addrs[i]); p != 0 {
			t.Fatalf("Alloc(8) landed in partition %d, want 0", p)
		}
	}

	for i := n - 1; i >= 0; i-- {
		th.Free(addrs[i])
	}

	if !th.ReleaseLocal() {
		t.Fatal("ReleaseLocal reported a live block remaining after every allocation was freed")
	}

	for _, pool := range th.poolSlots {
		if pool != nil {
			t.Fatal("ReleaseLocal left a pool slot cached after reporting all-empty")
		}
	}
}

// Scenario 6: first-fit reuse without spurious coalescing while the middle
// block is still live.
func TestScenarioImplicitListFirstFitReuseNoCoalesce(t *testing.T) {
	il := newTestImplicitList(t)

	owner := il.header.ThreadID()

	first := il.Alloc(16*1024, 0)
	second := il.Alloc(32*1024, 0)

	if first == 0 || second == 0 {
		t.Fatal("setup Alloc failed")
	}

	il.Free(first, owner)

	third := il.Alloc(16*1024, 0)
	if third != first {
		t.Fatalf("first-fit reuse returned %#x, want the freed block at %#x", third, first)
	}
}
