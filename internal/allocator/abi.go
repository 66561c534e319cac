package allocator

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	allocerrors "github.com/partalloc/partalloc/internal/errors"
)

// abiMagic identifies a partalloc-owned fixed-address header, distinguishing
// it from arbitrary bytes a caller might find at a reused address.
const abiMagic = 0x5041525441 // "PARTA" packed into 40 bits

// abiFormatVersion is this build's on-disk header format. AllocAt persists
// it alongside every fixed-address allocation so a process upgraded to a
// newer partalloc build can detect an incompatible layout left by an older
// one instead of misinterpreting its bytes.
const abiFormatVersion = "1.0.0"

const abiHeaderSize = 32 // magic(8) + major(4) + minor(4) + patch(4) + size(8) + reserved(4)

var abiConstraint = semver.MustParse(abiFormatVersion)

// AllocOS satisfies a huge request directly from the OS, bypassing the
// partition map entirely. Requests this large are rare enough that the
// per-request mmap/munmap cost is immaterial, and routing them through a
// partition would waste most of a region on a single allocation.
func AllocOS(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, allocerrors.InvalidSize(size, "AllocOS")
	}

	aligned := alignUp(size, pageSize())

	addr, err := osReserve(0, aligned, pageSize(), true)
	if err != nil {
		return 0, allocerrors.OutOfMemory(size)
	}

	return addr, nil
}

// FreeOS releases memory obtained from AllocOS. size must match the value
// originally passed to AllocOS (rounded up internally the same way).
func FreeOS(addr, size uintptr) error {
	if addr == 0 {
		return nil
	}

	return osRelease(addr, alignUp(size, pageSize()))
}

// AllocAt reserves a fixed-address OS allocation at hint and stamps it with
// an ABI header recording the current format version, mirroring how a
// persisted shared-memory region needs to self-describe its layout across
// process restarts. It fails if the OS can't honor the exact hint address —
// callers that don't need a specific address should use AllocOS instead.
func AllocAt(hint uintptr, payloadSize uintptr) (uintptr, error) {
	total := abiHeaderSize + alignUp(payloadSize, 8)
	aligned := alignUp(total, pageSize())

	addr, err := osReserve(hint, aligned, pageSize(), true)
	if err != nil {
		return 0, allocerrors.OutOfMemory(payloadSize)
	}

	if addr != hint && hint != 0 {
		_ = osRelease(addr, aligned)

		return 0, fmt.Errorf("partalloc: AllocAt could not honor hint %#x", hint)
	}

	writeABIHeader(addr, payloadSize)

	return addr + abiHeaderSize, nil
}

// ValidateAt reads the ABI header stamped at a fixed address returned by a
// prior AllocAt and confirms it is both ours (via the magic) and a format
// version this build can interpret (via semver, so a future header version
// that only adds fields can still be read by constraint, while an
// incompatible major bump is rejected instead of silently misread).
func ValidateAt(headerAddr uintptr) (payloadSize uintptr, err error) {
	magic := binary.LittleEndian.Uint64(bytesAt(headerAddr, 8))
	if magic != abiMagic {
		return 0, allocerrors.CorruptHeader(headerAddr, "bad magic")
	}

	major := binary.LittleEndian.Uint32(bytesAt(headerAddr+8, 4))
	minor := binary.LittleEndian.Uint32(bytesAt(headerAddr+12, 4))
	patch := binary.LittleEndian.Uint32(bytesAt(headerAddr+16, 4))

	stored, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
	if err != nil {
		return 0, allocerrors.CorruptHeader(headerAddr, "unparseable version")
	}

	if stored.Major() != abiConstraint.Major() {
		return 0, allocerrors.CorruptHeader(headerAddr,
			fmt.Sprintf("incompatible ABI version %s (build supports %s.x)", stored.String(), abiConstraint.String()))
	}

	size := binary.LittleEndian.Uint64(bytesAt(headerAddr+20, 8))

	return uintptr(size), nil
}

func writeABIHeader(addr uintptr, payloadSize uintptr) {
	binary.LittleEndian.PutUint64(bytesAt(addr, 8), abiMagic)
	binary.LittleEndian.PutUint32(bytesAt(addr+8, 4), uint32(abiConstraint.Major()))
	binary.LittleEndian.PutUint32(bytesAt(addr+12, 4), uint32(abiConstraint.Minor()))
	binary.LittleEndian.PutUint32(bytesAt(addr+16, 4), uint32(abiConstraint.Patch()))
	binary.LittleEndian.PutUint64(bytesAt(addr+20, 8), uint64(payloadSize))
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
