package sgen

import (
	"sort"
	"unsafe"
)

// Copying (semispace) major backend.
//
// The major reservation is split into two halves; allocation bumps a
// cursor through the active half, so the live prefix of each half is
// densely walkable like the nursery. A major collection flips the
// halves, evacuates reachable objects into the fresh one with the same
// forwarding protocol the nursery uses, and releases the old half's
// pages, except around conservatively pinned objects, which stay in
// place on a survivor list until a later collection finds them
// unpinned. Allocation steps over survivor extents when it reaches
// them.
type copyingState struct {
	lock mutex

	space addrRange
	half  [2]addrRange

	active    int
	cursors   [2]uintptr
	committed [2]uintptr

	scanStarts [2][]uintptr

	// Sorted starts of pinned objects left behind in released space.
	survivors []uintptr

	// Pins gathered during the in-progress major collection.
	newSurvivors []uintptr

	inMajor bool
	oldHalf int

	usedBytes uintptr
}

const copyingCommitGrain = msBlockSize

func newCopyingCollector(space addrRange) *majorCollector {
	mid := space.base + alignDown(space.size()/2, copyingCommitGrain)
	cs := &copyingState{
		space: space,
		half:  [2]addrRange{{space.base, mid}, {mid, space.limit}},
	}
	for h := 0; h < 2; h++ {
		cs.cursors[h] = cs.half[h].base
		cs.committed[h] = cs.half[h].base
		cs.scanStarts[h] = make([]uintptr, cs.half[h].size()/scanStartSize+1)
	}
	return &majorCollector{
		name:              "copying",
		supportsCardtable: false,
		isParallel:        false,
		sectionSize:       msBlockSize,
		allocObject:       cs.alloc,
		allocDegraded:     cs.allocDegraded,
		iterateObjects:    cs.iterateObjects,
		findObjectForAddr: cs.findObjectForAddr,
		pinObject:         cs.pinObject,
		copyOrMarkObject:  cs.copyOrMark,
		isObjectLive:      cs.isObjectLive,
		startMajorCollection:  cs.startMajor,
		finishMajorCollection: cs.finishMajor,
		sweep:               cs.sweep,
		getNumMajorSections: cs.numSections,
		getUsedSize:         cs.getUsedSize,
	}
}

func (cs *copyingState) halfOf(addr uintptr) int {
	if cs.half[0].contains(addr) {
		return 0
	}
	return 1
}

func (cs *copyingState) recordScanStart(obj uintptr) {
	h := cs.halfOf(obj)
	idx := (obj - cs.half[h].base) / scanStartSize
	if cur := cs.scanStarts[h][idx]; cur == 0 || obj < cur {
		cs.scanStarts[h][idx] = obj
	}
}

func (cs *copyingState) commitTo(h int, addr uintptr) {
	if addr <= cs.committed[h] {
		return
	}
	end := alignUp(addr, copyingCommitGrain)
	if end > cs.half[h].limit {
		end = cs.half[h].limit
	}
	sysMap(unsafe.Pointer(cs.committed[h]), end-cs.committed[h], &gc.heapMem)
	cs.committed[h] = end
}

// allocRaw bumps size bytes in the active half, stepping over pinned
// survivor extents. Caller holds cs.lock. Returns 0 on exhaustion.
func (cs *copyingState) allocRaw(size uintptr) uintptr {
	h := cs.active
	cursor := cs.cursors[h]
	for {
		blocked := false
		for _, s := range cs.survivors {
			if !cs.half[h].contains(s) {
				continue
			}
			end := s + gc.objectSize(s)
			if cursor < end && s < cursor+size {
				cursor = alignUp(end, allocAlign)
				blocked = true
			}
		}
		if !blocked {
			break
		}
	}
	if cursor+size > cs.half[h].limit {
		return 0
	}
	cs.commitTo(h, cursor+size)
	cs.cursors[h] = cursor + size
	cs.recordScanStart(cursor)
	cs.usedBytes += size
	return cursor
}

func (cs *copyingState) alloc(vt, size uintptr) uintptr {
	size = alignUp(size, allocAlign)
	lock(&cs.lock)
	addr := cs.allocRaw(size)
	unlock(&cs.lock)
	if addr == 0 {
		return 0
	}
	memclr(unsafe.Pointer(addr), size)
	storeWord(addr, vt)
	return addr
}

func (cs *copyingState) allocDegraded(vt, size uintptr) uintptr {
	gc.stats.degradedAllocs++
	return cs.alloc(vt, size)
}

// findObjectForAddr resolves an address against the dense prefix of
// either half, or against the survivor list for space already
// released around pinned objects.
func (cs *copyingState) findObjectForAddr(addr uintptr) uintptr {
	if !cs.space.contains(addr) {
		return 0
	}
	h := cs.halfOf(addr)
	if addr < cs.cursors[h] {
		base := cs.half[h].base
		idx := (addr - base) / scanStartSize
		start := base
		for {
			if ss := cs.scanStarts[h][idx]; ss != 0 && ss <= addr {
				start = ss
				break
			}
			if idx == 0 {
				break
			}
			idx--
		}
		for p := start; p <= addr && p < cs.cursors[h]; {
			if loadWord(p) == 0 {
				p += allocAlign
				continue
			}
			size := gc.objectSize(p)
			if addr < p+size {
				return p
			}
			p += size
		}
		return 0
	}
	// Survivor territory.
	i := sort.Search(len(cs.survivors), func(i int) bool { return cs.survivors[i] > addr })
	if i == 0 {
		return 0
	}
	s := cs.survivors[i-1]
	if addr < s+gc.objectSize(s) {
		return s
	}
	return 0
}

func (cs *copyingState) pinObject(obj uintptr) {
	setPinned(obj)
	cs.newSurvivors = append(cs.newSurvivors, obj)
}

func (cs *copyingState) copyOrMark(slot uintptr, queue *grayQueue) {
	obj := loadWord(slot)
	if obj == 0 {
		return
	}
	if gc.ptrInNursery(obj) {
		gc.promoteNurseryObject(slot, queue)
		return
	}
	if cs.space.contains(obj) {
		if cs.halfOf(obj) == cs.active && obj < cs.cursors[cs.active] {
			// In the dense prefix of the fresh half: already evacuated
			// this cycle (or a fresh promotion); it was enqueued when
			// it arrived. Survivors parked in this half fall through
			// to the copy path below.
			return
		}
		if fwd, ok := objectIsForwarded(obj); ok {
			storeWord(slot, fwd)
			return
		}
		if objectIsPinned(obj) {
			return
		}
		size := gc.objectSize(obj)
		lock(&cs.lock)
		dst := cs.allocRaw(size)
		unlock(&cs.lock)
		if dst == 0 {
			throw("out of memory evacuating the old generation")
		}
		memmove(unsafe.Pointer(dst), unsafe.Pointer(obj), size)
		storeWord(dst+ptrSize, 0)
		forwardObject(obj, dst)
		storeWord(slot, dst)
		queue.enqueue(dst)
		return
	}
	if lo := gc.los.find(obj); lo != nil {
		if !lo.marked {
			lo.marked = true
			queue.enqueue(obj)
		}
	}
}

func (cs *copyingState) isObjectLive(obj uintptr) bool {
	if !cs.space.contains(obj) {
		return false
	}
	if cs.inMajor {
		if cs.halfOf(obj) == cs.active {
			return true
		}
		if _, ok := objectIsForwarded(obj); ok {
			return true
		}
		return objectIsPinned(obj)
	}
	return cs.findObjectForAddr(obj) == obj
}

func (cs *copyingState) iterateObjects(filter int, fn func(obj uintptr)) {
	h := cs.active
	for p := cs.half[h].base; p < cs.cursors[h]; {
		if loadWord(p) == 0 {
			p += allocAlign
			continue
		}
		size := gc.objectSize(p)
		if visitFiltered(p, filter) {
			fn(p)
		}
		p += size
	}
	for _, s := range cs.survivors {
		if visitFiltered(s, filter) {
			fn(s)
		}
	}
}

func visitFiltered(obj uintptr, filter int) bool {
	switch filter {
	case iteratePinned:
		return objectIsPinned(obj)
	case iterateNonPinned:
		return !objectIsPinned(obj)
	}
	return true
}

// startMajor flips the halves: evacuation and promotion now allocate
// into the fresh half, while tracing and pinning resolve against the
// old one.
func (cs *copyingState) startMajor() {
	cs.inMajor = true
	cs.oldHalf = cs.active
	cs.active = 1 - cs.active
	cs.cursors[cs.active] = cs.half[cs.active].base
	for i := range cs.scanStarts[cs.active] {
		cs.scanStarts[cs.active][i] = 0
	}
	cs.newSurvivors = cs.newSurvivors[:0]
	cs.usedBytes = 0
}

// sweep releases the old half's pages, sparing the pages that overlap
// this cycle's pinned survivors.
func (cs *copyingState) sweep() {
	old := cs.oldHalf
	pg := pageSize()

	// Survivors carried over from even earlier cycles that sit in the
	// old half and were pinned again this cycle are already in
	// newSurvivors; the rest of the old survivor population is dead.
	survivors := cs.newSurvivors
	sort.Slice(survivors, func(i, j int) bool { return survivors[i] < survivors[j] })

	release := func(start, end uintptr) {
		start = alignUp(start, pg)
		end = alignDown(end, pg)
		if end > cs.committed[old] {
			end = cs.committed[old]
		}
		if start < end {
			sysUnused(unsafe.Pointer(start), end-start)
		}
	}
	prev := cs.half[old].base
	var survBytes uintptr
	for _, s := range survivors {
		if !cs.half[old].contains(s) {
			continue
		}
		size := gc.objectSize(s)
		release(prev, s)
		prev = s + size
		survBytes += size
	}
	release(prev, cs.half[old].limit)

	cs.cursors[old] = cs.half[old].base
	for i := range cs.scanStarts[old] {
		cs.scanStarts[old][i] = 0
	}
	for _, s := range survivors {
		cs.recordScanStart(s)
	}

	cs.survivors = append(cs.survivors[:0], survivors...)
	cs.usedBytes += survBytes
	for _, s := range cs.survivors {
		clearPinned(s)
	}
}

func (cs *copyingState) finishMajor() {
	cs.inMajor = false
}

func (cs *copyingState) numSections() int {
	n := (cs.cursors[cs.active] - cs.half[cs.active].base + msBlockSize - 1) / msBlockSize
	return int(n)
}

func (cs *copyingState) getUsedSize() uintptr {
	return cs.usedBytes
}
