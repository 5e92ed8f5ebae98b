package sgen

import "unsafe"

// OS memory management abstraction layer
//
// Regions of the address space managed by the collector may be in one
// of four states at any given time:
// 1) None - Unreserved and unmapped, the default state of any region.
// 2) Reserved - Owned by the collector, but accessing it would cause a
//               fault. Does not count against the process' memory
//               footprint.
// 3) Prepared - Reserved, intended not to be backed by physical memory
//               (though an OS may implement this lazily). Can
//               transition efficiently to Ready.
// 4) Ready - may be accessed safely.
//
// The nursery and the major reservation are carved out of Reserved
// space and committed on demand; the large-object store allocates Ready
// memory directly. The helpers call into OS-specific implementations
// that handle errors, while this boundary updates the collector's
// accounting.

// sysAlloc transitions an OS-chosen region of memory from None to
// Ready. The memory is zeroed and immediately available for use.
func sysAlloc(n uintptr, stat *sysMemStat) unsafe.Pointer {
	p := sysAllocOS(n)
	if p != nil && stat != nil {
		stat.add(int64(n))
	}
	return p
}

// sysFree transitions a memory region from any state to None,
// returning it unconditionally. Used when an out-of-memory condition
// has been detected midway through an allocation, and to drop
// large-object mappings.
func sysFree(v unsafe.Pointer, n uintptr, stat *sysMemStat) {
	if stat != nil {
		stat.add(-int64(n))
	}
	sysFreeOS(v, n)
}

// sysReserve transitions a memory region from None to Reserved. The
// reservation faults on access and is never backed by physical memory.
func sysReserve(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	return sysReserveOS(v, n)
}

// sysMap transitions a memory region from Reserved to Ready, making it
// accessible and zero-filled.
func sysMap(v unsafe.Pointer, n uintptr, stat *sysMemStat) {
	if stat != nil {
		stat.add(int64(n))
	}
	sysMapOS(v, n)
}

// sysUnused tells the OS a Ready region's contents are no longer
// needed; the pages may be reclaimed under pressure and read back as
// zeroes. The region stays mapped.
func sysUnused(v unsafe.Pointer, n uintptr) {
	sysUnusedOS(v, n)
}
