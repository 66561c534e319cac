package allocator

import "math/bits"

// NumPartitions is the number of address partitions the allocator divides
// the process virtual address space into. Partition 0 serves the smallest
// block sizes out of the smallest regions; partition 6 serves huge blocks
// out of the largest regions.
const NumPartitions = 7

// regionsPerPartition bounds how many regions a single partition can ever
// hand out. It sizes the partition's region bitmap and its address span;
// chosen generously so no realistic workload exhausts a partition's address
// range before it exhausts physical memory.
const regionsPerPartition = 1 << 16

// regionSizeLog2 holds log2(R(p)) for each partition: 4, 8, 16, 32, 64,
// 128, 256 MiB.
var regionSizeLog2 = [NumPartitions]uint{22, 23, 24, 25, 26, 27, 28}

// partitionBaseLog2 returns log2(B(p)) = 41 + p.
func partitionBaseLog2(p int) uint {
	return 41 + uint(p)
}

// partitionBase returns B(p), the first address of partition p.
func partitionBase(p int) uintptr {
	return uintptr(1) << partitionBaseLog2(p)
}

// regionSize returns R(p), the size in bytes of every region in partition p.
func regionSize(p int) uintptr {
	return uintptr(1) << regionSizeLog2[p]
}

// partitionSpan returns the total address range reserved for partition p.
func partitionSpan(p int) uintptr {
	return regionSize(p) * regionsPerPartition
}

// partitionOf computes the partition owning address x in O(1) from its high
// bits. It returns -1 if x does not fall within any partition's span —
// callers must treat that as "not ours" rather than falling back to a
// hash-table scan.
//
// Because B(p) = 2^(41+p), the high bits of any in-range address have their
// topmost set bit at position 41+p-32 = 9+p within x>>32. Counting leading
// zeros of that 32-bit-wide quantity (widened to 64 bits) recovers p
// directly.
func partitionOf(x uintptr) int {
	hi := uint64(x) >> 32
	if hi == 0 {
		return -1
	}

	clz := bits.LeadingZeros64(hi)
	p := 54 - clz

	if p < 0 || p >= NumPartitions {
		return -1
	}

	base := partitionBase(p)
	if uintptr(x) < base || uintptr(x) >= base+partitionSpan(p) {
		return -1
	}

	return p
}

// regionBaseOf returns the aligned region base containing x, given that x
// lies in partition p.
func regionBaseOf(x uintptr, p int) uintptr {
	mask := regionSize(p) - 1
	return x &^ mask
}

// chunkIndexOf returns the 0..63 chunk index of x within its region, given
// the region's base and partition.
func chunkIndexOf(x, base uintptr, p int) int {
	shift := regionSizeLog2[p] - 6
	return int((x - base) >> shift)
}

// locate recovers the partition, region base, and chunk index of address x,
// all in O(1) without touching memory.
func locate(x uintptr) (p int, regionBase uintptr, chunk int, ok bool) {
	p = partitionOf(x)
	if p < 0 {
		return 0, 0, 0, false
	}

	regionBase = regionBaseOf(x, p)
	chunk = chunkIndexOf(x, regionBase, p)

	return p, regionBase, chunk, true
}

// regionSlotIndex returns the bitmap/table index a region based at base
// occupies within partition p — pure arithmetic on the address, the same
// computation ReserveRegion and RegionFor both use so a region's bit and its
// container-table entry always agree on which slot it lives in.
func regionSlotIndex(p int, base uintptr) int {
	return int((base - partitionBase(p)) / regionSize(p))
}

// alignUp rounds size up to the nearest multiple of alignment. alignment
// must be a power of two.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

// isPowerOfTwo reports whether v is a nonzero power of two.
func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
