package sgen

import "unsafe"

// copyFunc is the active tracing function: it reads the object
// reference held in *slot and, depending on the phase, copies, marks or
// pins the target, rewriting the slot when the target moves.
type copyFunc func(slot uintptr, queue *grayQueue)

// ---------------------------------------------------------------------
// Descriptor construction.

// DescBitmap builds an inline-bitmap descriptor: bit i of bits selects
// the i-th pointer-sized slot of the described range as a reference.
// Only bitsPerWord-descTypeShift slots fit inline; larger layouts use
// DescComplex.
func DescBitmap(bits uintptr) uintptr {
	if bits>>(uintptr(bitsPerWord)-descTypeShift) != 0 {
		throw("bitmap descriptor overflow, use a complex descriptor")
	}
	return bits<<descTypeShift | descTypeBitmap
}

// DescComplex builds a descriptor from an arbitrary-length bitmap. The
// words are copied into collector-owned memory: a block holding the
// word count followed by the bitmap words, each word covering
// bitsPerWord consecutive slots.
func DescComplex(bitmap []uintptr) uintptr {
	n := uintptr(len(bitmap))
	block := uintptr(persistentalloc((n + 1) * ptrSize))
	storeWord(block, n)
	for i, w := range bitmap {
		storeWord(block+uintptr(i+1)*ptrSize, w)
	}
	if block&descTypeMask != 0 {
		throw("misaligned complex descriptor block")
	}
	return block | descTypeComplex
}

// DescUser registers a marker callback and returns a descriptor
// dispatching to it. The callback is invoked with the root range and a
// relay that feeds each reference slot to the active copy function.
func DescUser(fn UserMarkFunc) uintptr {
	lock(&gc.lockGC)
	idx := uintptr(len(gc.userDescriptors))
	gc.userDescriptors = append(gc.userDescriptors, fn)
	unlock(&gc.lockGC)
	return idx<<descTypeShift | descTypeUser
}

func descType(descr uintptr) uintptr {
	return descr & descTypeMask
}

// ---------------------------------------------------------------------
// Descriptor-dispatched reference walks.

// scanReferencesInRange walks the reference slots of [start, end) as
// selected by descr, applying copy to every non-null slot. It is the
// single dispatch point for precise root scanning and object scanning.
func (c *collector) scanReferencesInRange(start, end, descr uintptr, copy copyFunc, queue *grayQueue) {
	switch descType(descr) {
	case descTypeBitmap:
		bits := descr >> descTypeShift
		slot := start
		for bits != 0 && slot < end {
			if bits&1 != 0 && loadWord(slot) != 0 {
				copy(slot, queue)
			}
			bits >>= 1
			slot += ptrSize
		}

	case descTypeComplex:
		block := descr &^ descTypeMask
		nwords := loadWord(block)
		for w := uintptr(0); w < nwords; w++ {
			bits := loadWord(block + (1+w)*ptrSize)
			slot := start + w*uintptr(bitsPerWord)*ptrSize
			for bits != 0 && slot < end {
				if bits&1 != 0 && loadWord(slot) != 0 {
					copy(slot, queue)
				}
				bits >>= 1
				slot += ptrSize
			}
		}

	case descTypeUser:
		idx := descr >> descTypeShift
		if idx >= uintptr(len(c.userDescriptors)) {
			throw("unknown user descriptor")
		}
		fn := c.userDescriptors[idx]
		fn(start, end, func(slot uintptr) {
			if loadWord(slot) != 0 {
				copy(slot, queue)
			}
		})

	case descTypeRunLength:
		throw("run-length descriptors are reserved")

	default:
		throw("unknown descriptor type")
	}
}

// scanObject walks one object's reference slots. Filler objects carry
// no references; everything else dispatches on the class descriptor.
func (c *collector) scanObject(obj uintptr, copy copyFunc, queue *grayQueue) {
	if c.isFillObject(obj) {
		return
	}
	vt := vtableOf(obj)
	if vt == 0 {
		// Domain unload can null a vtable out from under a dead
		// object that is still queued; nothing to scan.
		return
	}
	descr := c.objectDescriptor(obj)
	if descr == 0 {
		return
	}
	size := c.objectSize(obj)
	c.scanReferencesInRange(obj+objHeaderSize, obj+size, descr, copy, queue)
}

// persistentalloc hands out never-freed collector metadata memory
// (descriptor blocks). Callers hold no lock; the bump pointer is
// protected by the GC lock's little sibling below.
var persistentState struct {
	lock  mutex
	chunk uintptr
	avail uintptr
}

func persistentalloc(size uintptr) unsafe.Pointer {
	size = alignUp(size, ptrSize)
	if size > fixAllocChunk {
		throw("persistentalloc request too large")
	}
	lock(&persistentState.lock)
	if persistentState.avail < size {
		c := sysAlloc(fixAllocChunk, &gc.internalMem)
		if c == nil {
			throw("persistentalloc: out of memory")
		}
		persistentState.chunk = uintptr(c)
		persistentState.avail = fixAllocChunk
	}
	p := persistentState.chunk
	persistentState.chunk += size
	persistentState.avail -= size
	unlock(&persistentState.lock)
	return unsafe.Pointer(p)
}
