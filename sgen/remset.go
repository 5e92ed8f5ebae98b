package sgen

import "unsafe"

// Remembered set / write barrier.
//
// Mutators tell the collector about stores that might create old→young
// pointers; the backend guarantees every recorded slot is delivered at
// least once to the next minor collection's remset scan. Two physical
// representations exist (sequential store buffers and a card table);
// the core depends only on this contract.
type remsetBackend interface {
	// recordPointer notes that *slot may now point into the nursery.
	// Must be cheap and idempotent; called from mutators without the
	// GC lock.
	recordPointer(slot uintptr)

	beginScanRemsets(queue *grayQueue)

	// finishScanRemsets delivers every recorded slot: targets still in
	// the nursery are copied through the active minor copy function.
	finishScanRemsets(queue *grayQueue)

	prepareForMinorCollection()
	prepareForMajorCollection()
	finishMinorCollection()

	registerThread(ti *ThreadInfo)
	cleanupThread(ti *ThreadInfo)
}

// storeRemsetBuffer is one sequential store buffer: a fixed array of
// slot addresses plus a cursor. Each mutator thread owns one; full
// buffers migrate to a locked global list until the next minor
// collection consumes them.
type storeRemsetBuffer struct {
	next  *storeRemsetBuffer
	count uintptr
	data  [storeRemsetBufferSize]uintptr
}

// ---------------------------------------------------------------------
// Sequential store buffer backend.

type ssbRemset struct {
	lock mutex
	// Buffers flushed by overflowing threads and by exiting threads.
	full *storeRemsetBuffer
	// Shared buffer for records arriving from unregistered threads.
	generic *storeRemsetBuffer
}

func newSSBRemset() *ssbRemset {
	s := &ssbRemset{}
	s.generic = (*storeRemsetBuffer)(gc.ssbAlloc.alloc())
	return s
}

func (s *ssbRemset) recordPointer(slot uintptr) {
	ti := gc.currentThread()
	if ti == nil || ti.storeBuf == nil {
		lock(&s.lock)
		if s.generic.count == storeRemsetBufferSize {
			s.generic.next = s.full
			s.full = s.generic
			s.generic = (*storeRemsetBuffer)(gc.ssbAlloc.alloc())
		}
		s.generic.data[s.generic.count] = slot
		s.generic.count++
		unlock(&s.lock)
		return
	}
	buf := ti.storeBuf
	if buf.count == storeRemsetBufferSize {
		lock(&s.lock)
		buf.next = s.full
		s.full = buf
		buf = (*storeRemsetBuffer)(gc.ssbAlloc.alloc())
		unlock(&s.lock)
		ti.storeBuf = buf
	}
	buf.data[buf.count] = slot
	buf.count++
}

func (s *ssbRemset) beginScanRemsets(queue *grayQueue) {}

func (s *ssbRemset) finishScanRemsets(queue *grayQueue) {
	scanBuf := func(b *storeRemsetBuffer) {
		for i := uintptr(0); i < b.count; i++ {
			scanRemsetSlot(b.data[i], queue)
		}
		b.count = 0
	}
	for b := s.full; b != nil; {
		next := b.next
		scanBuf(b)
		gc.ssbAlloc.free(unsafe.Pointer(b))
		b = next
	}
	s.full = nil
	scanBuf(s.generic)
	for ti := gc.threads; ti != nil; ti = ti.next {
		if ti.storeBuf != nil {
			scanBuf(ti.storeBuf)
		}
	}
}

func (s *ssbRemset) prepareForMinorCollection() {}

// prepareForMajorCollection drops all recorded slots: a major
// collection traces the whole heap, so the remset carries no
// information it needs.
func (s *ssbRemset) prepareForMajorCollection() {
	for b := s.full; b != nil; {
		next := b.next
		gc.ssbAlloc.free(unsafe.Pointer(b))
		b = next
	}
	s.full = nil
	s.generic.count = 0
	for ti := gc.threads; ti != nil; ti = ti.next {
		if ti.storeBuf != nil {
			ti.storeBuf.count = 0
		}
	}
}

func (s *ssbRemset) finishMinorCollection() {}

func (s *ssbRemset) registerThread(ti *ThreadInfo) {
	ti.storeBuf = (*storeRemsetBuffer)(gc.ssbAlloc.alloc())
}

func (s *ssbRemset) cleanupThread(ti *ThreadInfo) {
	if ti.storeBuf == nil {
		return
	}
	lock(&s.lock)
	ti.storeBuf.next = s.full
	s.full = ti.storeBuf
	unlock(&s.lock)
	ti.storeBuf = nil
}

// scanRemsetSlot visits one recorded slot at minor-collection time:
// when the target still points into the nursery, copy it (the active
// copy function rewrites the slot to the promoted address).
func scanRemsetSlot(slot uintptr, queue *grayQueue) {
	target := loadWord(slot)
	if target == 0 || !gc.ptrInNursery(target) {
		return
	}
	gc.copyObjectFunc(slot, queue)
}

// ---------------------------------------------------------------------
// Mutator-facing barriers.
//
// Every barrier is a no-op when the written slot itself lives in the
// nursery (the next minor collection scans the nursery in full) or
// when the stored value does not point into the nursery. Repeated
// calls on the same slot are equivalent to one call.

func wbarrierRecord(slot uintptr) {
	if gc.ptrInNursery(slot) {
		return
	}
	if !gc.ptrInNursery(loadWord(slot)) {
		return
	}
	gc.remset.recordPointer(slot)
}

// wbarrierSetField stores value into a field slot of owner, then
// records the slot.
func wbarrierSetField(owner, slot, value uintptr) {
	_ = owner
	storeWord(slot, value)
	wbarrierRecord(slot)
}

func wbarrierSetArrayref(arr, slot, value uintptr) {
	_ = arr
	storeWord(slot, value)
	wbarrierRecord(slot)
}

// wbarrierArrayrefCopy copies count reference slots from src to dst
// and records every destination slot. Ranges at or above the lock
// threshold run under the GC lock so the copy and its barrier pass
// cannot interleave with a minor collection.
func wbarrierArrayrefCopy(dst, src uintptr, count int) {
	if count <= 0 {
		return
	}
	locked := count >= arrayrefCopyLockThreshold
	if locked {
		lock(&gc.lockGC)
	}
	memmove(unsafe.Pointer(dst), unsafe.Pointer(src), uintptr(count)*ptrSize)
	if !gc.ptrInNursery(dst) {
		for i := 0; i < count; i++ {
			slot := dst + uintptr(i)*ptrSize
			if gc.ptrInNursery(loadWord(slot)) {
				gc.remset.recordPointer(slot)
			}
		}
	}
	if locked {
		unlock(&gc.lockGC)
	}
}

// wbarrierGenericStore performs the store itself, which gives
// embedders the safe ordering for free: no window exists between the
// store and its record in which the thread could be torn away.
func wbarrierGenericStore(slot, value uintptr) {
	storeWord(slot, value)
	wbarrierRecord(slot)
}

// wbarrierGenericNoStore records a slot whose store the caller already
// performed.
func wbarrierGenericNoStore(slot uintptr) {
	wbarrierRecord(slot)
}

// wbarrierValueCopy copies count value-type instances of the given
// class from src to dst and records the reference slots inside them.
func wbarrierValueCopy(dst, src uintptr, count int, class uintptr) {
	if count <= 0 {
		return
	}
	if gc.cbs.ValueSize == nil {
		throw("value copy barrier requires the ValueSize callback")
	}
	size := alignUp(gc.cbs.ValueSize(class), ptrSize)
	memmove(unsafe.Pointer(dst), unsafe.Pointer(src), uintptr(count)*size)
	if gc.ptrInNursery(dst) {
		return
	}
	descr := gc.cbs.ReferenceBitmap(class)
	if descr == 0 {
		return
	}
	record := func(slot uintptr, _ *grayQueue) {
		if gc.ptrInNursery(loadWord(slot)) {
			gc.remset.recordPointer(slot)
		}
	}
	for i := 0; i < count; i++ {
		base := dst + uintptr(i)*size
		gc.scanReferencesInRange(base, base+size, descr, record, nil)
	}
}

// wbarrierObjectCopy copies the payload of src into dst (same class)
// and records dst's reference slots.
func wbarrierObjectCopy(dst, src uintptr) {
	size := gc.objectSize(src)
	memmove(unsafe.Pointer(dst+objHeaderSize), unsafe.Pointer(src+objHeaderSize), size-objHeaderSize)
	if gc.ptrInNursery(dst) {
		return
	}
	descr := gc.objectDescriptor(dst)
	if descr == 0 {
		return
	}
	record := func(slot uintptr, _ *grayQueue) {
		if gc.ptrInNursery(loadWord(slot)) {
			gc.remset.recordPointer(slot)
		}
	}
	gc.scanReferencesInRange(dst+objHeaderSize, dst+size, descr, record, nil)
}
