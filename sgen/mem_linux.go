package sgen

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysAllocOS obtains a chunk of zeroed, immediately usable memory from
// the operating system via an anonymous private mapping. A nil return
// means the OS refused; the caller decides whether that is fatal.
func sysAllocOS(n uintptr) unsafe.Pointer {
	p, err := unix.MmapPtr(-1, 0, nil, n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if err == unix.EACCES {
			print("sgen: mmap: access denied\n")
			throw("mmap failed")
		}
		if err == unix.EAGAIN {
			print("sgen: mmap: too much locked memory (check 'ulimit -l')\n")
			throw("mmap failed")
		}
		return nil
	}
	return p
}

// sysFreeOS deletes the mapping for the address range; further
// references to addresses within it fault.
func sysFreeOS(v unsafe.Pointer, n uintptr) {
	unix.MunmapPtr(v, n)
}

// sysReserveOS sets aside address space with PROT_NONE: the kernel
// reserves no physical memory, and other mmap calls will not reuse the
// range, but any access faults until sysMapOS upgrades the protection.
func sysReserveOS(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	p, err := unix.MmapPtr(-1, 0, v, n,
		unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}
	return p
}

// sysMapOS commits a sub-range of a reservation: MAP_FIXED replaces the
// PROT_NONE pages with readable, writable, zero-filled ones in place.
func sysMapOS(v unsafe.Pointer, n uintptr) {
	p, err := unix.MmapPtr(-1, 0, v, n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_PRIVATE)
	if err == unix.ENOMEM {
		throw("out of memory")
	}
	if err != nil || p != v {
		print("sgen: mmap(", uintptr(v), ", ", n, ") failed\n")
		throw("cannot map pages in reserved address space")
	}
}

// sysUnusedOS releases the physical pages backing the range while
// keeping the mapping. MADV_DONTNEED makes subsequent reads observe
// zero-fill-on-demand pages, which the nursery and block sweeps rely
// on; MADV_FREE would be cheaper but leaves stale contents readable
// until the kernel reclaims, breaking the zeroed-allocation contract.
func sysUnusedOS(v unsafe.Pointer, n uintptr) {
	if uintptr(v)%pageSize() != 0 || n%pageSize() != 0 {
		throw("unaligned sysUnused")
	}
	unix.Madvise(unsafe.Slice((*byte)(v), n), unix.MADV_DONTNEED)
}

func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}
