// Fixed-size object allocator backing the collector's own metadata.

package sgen

import "unsafe"

// fixalloc is a simple free-list allocator for fixed size structures
// that must live outside the Go heap: nursery fragments, gray stack
// sections, finalize entries, disappearing-link cells, ephemeron nodes
// and overflowed store buffers are all carved from one of these. The
// collector may touch them mid-collection, when allocating on the Go
// heap is off the table.
//
// Memory returned by alloc is zeroed by default, but the caller may
// take responsibility for zeroing allocations by setting the zero flag
// to false. This is only safe if the structure is fully initialized by
// the caller; the first word is smashed by freeing and reallocating.
//
// The caller is responsible for locking around fixalloc calls.
type fixalloc struct {
	size   uintptr // size of allocations this fixalloc hands out
	list   *mlink  // freed blocks available for reuse
	chunk  uintptr // current active chunk (uintptr: not a Go pointer)
	nchunk uintptr // bytes remaining in the current chunk
	nalloc uintptr // chunk size, an exact multiple of size
	inuse  uintptr // total bytes currently handed out
	stat   *sysMemStat
	zero   bool
}

// Chunks come straight from the OS in this granularity.
const fixAllocChunk = 64 << 10

// mlink threads freed blocks through their own first word.
type mlink struct {
	next *mlink
}

func (f *fixalloc) init(size uintptr, stat *sysMemStat) {
	if size > fixAllocChunk {
		throw("fixalloc size too large")
	}
	if min := unsafe.Sizeof(mlink{}); size < min {
		size = min
	}
	f.size = alignUp(size, ptrSize)
	f.nalloc = fixAllocChunk / f.size * f.size
	f.stat = stat
	f.zero = true
}

func (f *fixalloc) alloc() unsafe.Pointer {
	if f.size == 0 {
		throw("use of fixalloc before init")
	}

	if f.list != nil {
		v := unsafe.Pointer(f.list)
		f.list = f.list.next
		f.inuse += f.size
		if f.zero {
			memclr(v, f.size)
		}
		return v
	}

	if f.nchunk < f.size {
		c := sysAlloc(f.nalloc, f.stat)
		if c == nil {
			throw("fixalloc: out of memory")
		}
		f.chunk = uintptr(c)
		f.nchunk = f.nalloc
	}

	v := unsafe.Pointer(f.chunk)
	f.chunk += f.size
	f.nchunk -= f.size
	f.inuse += f.size
	return v
}

func (f *fixalloc) free(p unsafe.Pointer) {
	f.inuse -= f.size
	v := (*mlink)(p)
	v.next = f.list
	f.list = v
}
