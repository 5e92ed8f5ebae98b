package sgen

import "unsafe"

// Card-table remset backend.
//
// One dirty byte per cardSize bytes of the major reservation: a store
// barrier marks the card containing the slot, the minor collection
// walks dirty cards and asks the major backend to scan the objects
// overlapping each one. Slots outside the reservation (large objects,
// runtime-owned memory registered as wbarrier roots) fall back to a
// locked store buffer; dirtying a card for them has nowhere to live.
type cardTableRemset struct {
	base  uintptr
	limit uintptr
	table []byte

	fallback ssbRemset
}

func newCardTableRemset(space addrRange) *cardTableRemset {
	if !gc.major.supportsCardtable {
		throw("selected major backend cannot scan cards")
	}
	ct := &cardTableRemset{
		base:  space.base,
		limit: space.limit,
		table: make([]byte, space.size()>>cardBits),
	}
	ct.fallback.generic = (*storeRemsetBuffer)(gc.ssbAlloc.alloc())
	return ct
}

func (ct *cardTableRemset) cardIndex(addr uintptr) uintptr {
	return (addr - ct.base) >> cardBits
}

func (ct *cardTableRemset) recordPointer(slot uintptr) {
	if slot >= ct.base && slot < ct.limit {
		ct.table[ct.cardIndex(slot)] = 1
		return
	}
	ct.fallback.recordPointer(slot)
}

func (ct *cardTableRemset) beginScanRemsets(queue *grayQueue) {}

func (ct *cardTableRemset) finishScanRemsets(queue *grayQueue) {
	for i, dirty := range ct.table {
		if dirty == 0 {
			continue
		}
		ct.table[i] = 0
		start := ct.base + uintptr(i)<<cardBits
		gc.major.scanCardRange(start, start+cardSize, queue)
	}
	ct.fallback.finishScanRemsets(queue)
}

func (ct *cardTableRemset) prepareForMinorCollection() {}

func (ct *cardTableRemset) prepareForMajorCollection() {
	for i := range ct.table {
		ct.table[i] = 0
	}
	ct.fallback.prepareForMajorCollection()
}

func (ct *cardTableRemset) finishMinorCollection() {}

// Threads keep no per-thread state under the card table; the fallback
// buffer is shared. A per-thread store buffer would defeat the point
// of the card encoding.
func (ct *cardTableRemset) registerThread(ti *ThreadInfo) {}

func (ct *cardTableRemset) cleanupThread(ti *ThreadInfo) {}

// cardTableBase exposes the table for code emitters that inline the
// dirtying store. Returns 0 when the SSB backend is active.
func cardTableBase() uintptr {
	if ct, ok := gc.remset.(*cardTableRemset); ok {
		return uintptr(unsafe.Pointer(&ct.table[0]))
	}
	return 0
}
