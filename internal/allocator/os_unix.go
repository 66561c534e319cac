//go:build unix

package allocator

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// osReservationLock is the single process-wide spinlock guarding the rare
// retry sequences that hunt for an aligned OS mapping. It is held only
// around OS reserve/release calls, never on the alloc/free fast paths.
var osReservationLock sync.Mutex

// pageSize returns the platform's natural page size.
func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// mmapAt is a thin wrapper around the mmap(2) syscall that, unlike
// golang.org/x/sys/unix.Mmap, accepts an explicit address hint — required
// to probe and then pin the fixed addresses the partition map demands.
// Grounded on the Go runtime's own mmap_fixed/sysReserve pattern
// (runtime/mem_linux.go): try without MAP_FIXED first, and only force the
// address if the kernel handed back something else.
func mmapAt(addr, length uintptr, prot, flags int) (uintptr, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr, length,
		uintptr(prot), uintptr(flags),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return 0, errno
	}

	return r1, nil
}

// osReserve reserves size bytes of anonymous virtual memory aligned to
// align, using a three-attempt probe-then-pin algorithm. It does not
// commit physical backing unless commit is true.
func osReserve(hint uintptr, size, align uintptr, commit bool) (uintptr, error) {
	osReservationLock.Lock()
	defer osReservationLock.Unlock()

	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	flags := unix.MAP_ANON | unix.MAP_PRIVATE

	// Attempt 1: ask for the hint address without forcing it.
	addr, err := mmapAt(hint, size, prot, flags)
	if err != nil {
		return 0, err
	}

	if addr&(align-1) == 0 {
		return addr, nil
	}

	// Attempt 2: release the misaligned mapping, reserve size+align so an
	// aligned sub-range is guaranteed to exist within it, and trim.
	if err := osRelease(addr, size); err != nil {
		return 0, err
	}

	padded, err := mmapAt(0, size+align, prot, flags)
	if err != nil {
		return 0, err
	}

	aligned := alignUp(padded, align)

	head := aligned - padded
	if head > 0 {
		_ = osRelease(padded, head)
	}

	tailStart := aligned + size
	mappedEnd := padded + size + align
	if mappedEnd > tailStart {
		_ = osRelease(tailStart, mappedEnd-tailStart)
	}

	// Attempt 3: re-map exactly at the aligned address with MAP_FIXED,
	// which replaces the still-mapped aligned middle of the padded mapping.
	fixedAddr, err := mmapAt(aligned, size, prot, flags|unix.MAP_FIXED)
	if err != nil {
		return 0, err
	}

	if fixedAddr != aligned {
		_ = osRelease(fixedAddr, size)

		return 0, fmt.Errorf("partalloc: failed to pin aligned region after %d bytes requested at %#x", size, aligned)
	}

	return fixedAddr, nil
}

// osCommit makes a previously reserved range readable/writable and backed.
func osCommit(addr, size uintptr) error {
	slice := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Mprotect(slice, unix.PROT_READ|unix.PROT_WRITE)
}

// osDecommit drops physical backing while keeping the range reserved.
func osDecommit(addr, size uintptr) error {
	slice := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Madvise(slice, unix.MADV_DONTNEED)
}

// osRelease returns the range to the OS.
func osRelease(addr, size uintptr) error {
	slice := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Munmap(slice)
}
