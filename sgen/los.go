package sgen

import "unsafe"

// Large-object store.
//
// Objects above maxSmallObjSize never move: each gets its own mapping
// and an entry on a doubly-linked list. Minor collections ignore the
// store (large objects are born old); a major collection marks
// reachable entries during the trace and the sweep frees the rest,
// unpinning the survivors.
type losObject struct {
	next, prev *losObject

	data   uintptr // object address
	size   uintptr // object size as allocated
	mapped uintptr // mapping size (page granular)

	pinned bool
	marked bool
}

type losState struct {
	head *losObject

	alloced uintptr // bytes allocated since the last major collection
	used    uintptr
	count   int
}

// find resolves a possibly-interior address to its entry.
func (l *losState) find(addr uintptr) *losObject {
	for lo := l.head; lo != nil; lo = lo.next {
		if addr >= lo.data && addr < lo.data+lo.size {
			return lo
		}
	}
	return nil
}

func (l *losState) alloc(vt, size uintptr) uintptr {
	size = alignUp(size, allocAlign)
	mapped := alignUp(size, pageSize())
	mem := sysAlloc(mapped, &gc.heapMem)
	if mem == nil {
		return 0
	}
	lo := &losObject{
		data:   uintptr(mem),
		size:   size,
		mapped: mapped,
	}
	lo.next = l.head
	if l.head != nil {
		l.head.prev = lo
	}
	l.head = lo
	l.alloced += size
	l.used += size
	l.count++

	storeWord(lo.data, vt)
	gc.updateHeapBoundaries(lo.data, lo.data+mapped)
	return lo.data
}

// pinFromAddress pins the entry containing addr during whole-heap
// pinning. Returns the object start, or 0 when addr hits no entry.
func (l *losState) pinFromAddress(addr uintptr) uintptr {
	lo := l.find(addr)
	if lo == nil {
		return 0
	}
	lo.pinned = true
	setPinned(lo.data)
	return lo.data
}

func (l *losState) prepareForMajor() {
	for lo := l.head; lo != nil; lo = lo.next {
		lo.marked = false
	}
}

// sweep frees unmarked entries and unpins the survivors.
func (l *losState) sweep() {
	for lo := l.head; lo != nil; {
		next := lo.next
		if lo.marked || lo.pinned {
			lo.marked = false
			if lo.pinned {
				lo.pinned = false
				clearPinned(lo.data)
			}
			lo = next
			continue
		}
		if lo.prev != nil {
			lo.prev.next = lo.next
		} else {
			l.head = lo.next
		}
		if lo.next != nil {
			lo.next.prev = lo.prev
		}
		l.used -= lo.size
		l.count--
		sysFree(unsafe.Pointer(lo.data), lo.mapped, &gc.heapMem)
		lo = next
	}
	l.alloced = 0
}

func (l *losState) iterate(fn func(obj uintptr)) {
	for lo := l.head; lo != nil; lo = lo.next {
		fn(lo.data)
	}
}
