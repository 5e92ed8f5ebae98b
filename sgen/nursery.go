package sgen

import "unsafe"

// The nursery: a single contiguous, power-of-two sized and aligned
// section where all small objects are born. Mutator threads carve
// TLABs out of it and bump-allocate; a minor collection evacuates the
// survivors and rebuilds the free space as a list of fragments between
// the pinned objects.
//
// Walkability invariant: outside of allocation fast paths, every byte
// of the nursery is covered by a real object, a filler object, or
// zeroed memory. Walks step real and filler objects by their size and
// skip zero words in allocAlign strides, so any address can be resolved
// to its containing object (or rejected) starting from the nearest
// scan-start hint.
type heapSection struct {
	data    uintptr
	endData uintptr
	size    uintptr

	// One entry per scanStartSize bucket: the lowest recorded object
	// start in the bucket, or 0. A best-effort hint, not ground truth:
	// lookups fall back to earlier buckets and walk forward.
	scanStarts []uintptr
}

func (s *heapSection) asRange() addrRange {
	return addrRange{s.data, s.endData}
}

func (s *heapSection) recordScanStart(obj uintptr) {
	idx := (obj - s.data) / scanStartSize
	if cur := s.scanStarts[idx]; cur == 0 || obj < cur {
		s.scanStarts[idx] = obj
	}
}

func (s *heapSection) clearScanStarts() {
	for i := range s.scanStarts {
		s.scanStarts[i] = 0
	}
}

// allocNurserySection maps the nursery. The section must be size-
// aligned so ptrInNursery can be a mask test, so reserve twice the
// size and commit the aligned half.
func (c *collector) allocNurserySection(size uintptr) *heapSection {
	if !isPowerOfTwo(size) {
		throw("nursery size must be a power of two")
	}
	raw := sysReserve(nil, 2*size)
	if raw == nil {
		throw("cannot reserve nursery address space")
	}
	base := alignUp(uintptr(raw), size)
	sysMap(unsafe.Pointer(base), size, &c.heapMem)

	s := &heapSection{
		data:       base,
		endData:    base + size,
		size:       size,
		scanStarts: make([]uintptr, size/scanStartSize),
	}
	c.updateHeapBoundaries(base, base+size)
	return s
}

// findObjectForPtr resolves an arbitrary address to the object
// containing it, or 0 when the address points into dead space (zeroed
// memory or a filler object). Descends the scan-start table to the
// nearest hint at or before the address, then walks forward object by
// object.
func (s *heapSection) findObjectForPtr(addr uintptr) uintptr {
	if addr < s.data || addr >= s.endData {
		return 0
	}
	idx := (addr - s.data) / scanStartSize
	start := s.data
	for {
		if ss := s.scanStarts[idx]; ss != 0 && ss <= addr {
			start = ss
			break
		}
		if idx == 0 {
			break
		}
		idx--
	}
	for p := start; p <= addr; {
		if loadWord(p) == 0 {
			p += allocAlign
			continue
		}
		size := gc.objectSize(p)
		if addr < p+size {
			if gc.isFillObject(p) {
				return 0
			}
			return p
		}
		p += size
	}
	return 0
}

// walk visits every real object in [data, endData) in address order.
func (s *heapSection) walk(fn func(obj, size uintptr)) {
	for p := s.data; p < s.endData; {
		if loadWord(p) == 0 {
			p += allocAlign
			continue
		}
		size := gc.objectSize(p)
		if !gc.isFillObject(p) {
			fn(p, size)
		}
		p += size
	}
}

// ---------------------------------------------------------------------
// Dead-area filler.

// fillDeadRange overwrites [start, end) with a filler object so linear
// walks step across it. The two-word filler stores its total size in
// the forwarding word; a single stray word gets the one-word filler
// vtable.
func (c *collector) fillDeadRange(start, end uintptr) {
	size := end - start
	if size == 0 {
		return
	}
	if size%allocAlign != 0 || size < ptrSize {
		throw("fill range not allocAlign granular")
	}
	if size == ptrSize {
		storeWord(start, c.singleFillVTable)
		return
	}
	storeWord(start, c.fillVTable)
	storeWord(start+ptrSize, size)
	c.nursery.maybeRecordScanStart(start)
}

func (s *heapSection) maybeRecordScanStart(obj uintptr) {
	if obj >= s.data && obj < s.endData {
		s.recordScanStart(obj)
	}
}

// ---------------------------------------------------------------------
// Fragments.

// fragment is one allocatable gap left between pinned survivors after
// a minor collection. The list is kept in ascending address order.
type fragment struct {
	next  *fragment
	start uintptr
	end   uintptr
}

// clearNurseryFragments drops the fragment list; the memory it covered
// stays walkable because every fragment carries a filler header (or is
// zeroed under clear-at-gc).
func (c *collector) clearNurseryFragments() {
	lock(&c.lockFragment)
	for f := c.fragments; f != nil; {
		next := f.next
		c.fragmentAlloc.free(unsafe.Pointer(f))
		f = next
	}
	c.fragments = nil
	unlock(&c.lockFragment)
}

// buildNurseryFragments rebuilds the fragment list from the resolved
// pin queue: [data, pin0), [pin0+size, pin1), ..., [pinN+size,
// endData). Gaps below minFragmentSize are not worth allocating from
// and are left as filler. Returns the total usable bytes; zero means
// the nursery is effectively full of pinned objects and the caller
// enters degraded mode.
func (c *collector) buildNurseryFragments(pinned []uintptr) uintptr {
	s := c.nursery
	s.clearScanStarts()

	lock(&c.lockFragment)
	c.fragments = nil
	tail := &c.fragments

	var usable uintptr
	prev := s.data
	addGap := func(start, end uintptr) {
		if end <= start {
			return
		}
		if end-start >= minFragmentSize {
			f := (*fragment)(c.fragmentAlloc.alloc())
			f.start, f.end = start, end
			*tail = f
			tail = &f.next
			usable += end - start
			if c.debug.clearAtGC {
				memclr(unsafe.Pointer(start), end-start)
				return
			}
		}
		c.fillDeadRange(start, end)
	}

	for _, obj := range pinned {
		if obj < prev || obj >= s.endData {
			// Pins outside the nursery (LOS, major) are handled by
			// their own stores.
			continue
		}
		addGap(prev, obj)
		s.recordScanStart(obj)
		prev = obj + c.objectSize(obj)
	}
	addGap(prev, s.endData)
	unlock(&c.lockFragment)
	return usable
}

// allocFromFragments carves size bytes off the front of the first
// fragment that fits. The carved range is left un-zeroed under
// clear-at-gc (the rebuild already cleared it) and zeroed here
// otherwise. Without clear-at-gc the fragment remainder gets a fresh
// filler header so the nursery stays walkable; under clear-at-gc the
// remainder stays zeroed, which walks step over word by word.
func (c *collector) allocFromFragments(size uintptr) uintptr {
	lock(&c.lockFragment)
	prev := &c.fragments
	for f := *prev; f != nil; f = f.next {
		if f.end-f.start >= size {
			addr := f.start
			f.start += size
			if f.end-f.start < minFragmentSize {
				rest := addrRange{f.start, f.end}
				*prev = f.next
				c.fragmentAlloc.free(unsafe.Pointer(f))
				if !c.debug.clearAtGC && rest.size() > 0 {
					c.fillDeadRange(rest.base, rest.limit)
				}
			} else if !c.debug.clearAtGC {
				c.fillDeadRange(f.start, f.end)
			}
			unlock(&c.lockFragment)
			if !c.debug.clearAtGC {
				memclr(unsafe.Pointer(addr), size)
			}
			return addr
		}
		prev = &f.next
	}
	unlock(&c.lockFragment)
	return 0
}

// ---------------------------------------------------------------------
// TLABs.

// retireTLAB fills the unused tail of a thread's allocation buffer so
// the nursery is linearly walkable, then detaches the buffer. Called
// for every live thread at collection start and when a thread exits.
func (c *collector) retireTLAB(ti *ThreadInfo) {
	if ti.tlabStart == 0 {
		return
	}
	if ti.tlabNext < ti.tlabRealEnd {
		c.fillDeadRange(ti.tlabNext, ti.tlabRealEnd)
	}
	ti.tlabStart, ti.tlabNext, ti.tlabTempEnd, ti.tlabRealEnd = 0, 0, 0, 0
}

func (c *collector) clearAllTLABs() {
	for ti := c.threads; ti != nil; ti = ti.next {
		ti.tlabStart, ti.tlabNext, ti.tlabTempEnd, ti.tlabRealEnd = 0, 0, 0, 0
	}
}

// tlabAllocFast attempts the bump allocation every Alloc starts with.
func tlabAllocFast(ti *ThreadInfo, size uintptr) uintptr {
	if ti == nil {
		return 0
	}
	if ti.tlabNext+size <= ti.tlabTempEnd {
		addr := ti.tlabNext
		ti.tlabNext += size
		return addr
	}
	return 0
}

// tlabAllocSlow advances past the temp end (recording a scan start at
// each scanStartSize boundary crossed, which is what keeps the hint
// table populated inside TLABs), refilling the TLAB from the fragment
// list when the reserved region is exhausted. Returns 0 when the
// nursery has no room; the caller collects or degrades.
//
// Caller holds the GC lock.
func (c *collector) tlabAllocSlow(ti *ThreadInfo, size uintptr) uintptr {
	if ti != nil && ti.tlabNext+size <= ti.tlabRealEnd {
		addr := ti.tlabNext
		ti.tlabNext += size
		c.nursery.recordScanStart(addr)
		ti.tlabTempEnd = ti.tlabRealEnd
		if boundary := alignUp(addr+1, scanStartSize); boundary < ti.tlabTempEnd {
			ti.tlabTempEnd = boundary
		}
		return addr
	}

	// Objects of half a TLAB or more skip the TLAB and take their own
	// cut of a fragment.
	if size >= tlabSize/2 || ti == nil {
		addr := c.allocFromFragments(size)
		if addr != 0 {
			c.nursery.recordScanStart(addr)
		}
		return addr
	}

	// Retire what is left of the old TLAB and reserve a new one.
	c.retireTLAB(ti)
	region := c.allocFromFragments(tlabSize)
	if region == 0 {
		region = c.allocFromFragments(size)
		if region == 0 {
			return 0
		}
		c.nursery.recordScanStart(region)
		return region
	}
	ti.tlabStart = region
	ti.tlabNext = region
	ti.tlabRealEnd = region + tlabSize
	ti.tlabTempEnd = region + tlabSize
	return c.tlabAllocSlow(ti, size)
}
