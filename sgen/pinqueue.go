package sgen

import "sort"

// Pin queue.
//
// During stop-the-world, conservative scanning of pinned roots and
// thread stacks appends every word that might be an interior pointer.
// The queue is then sorted and deduplicated, partitioned into
// per-section sub-ranges, and each candidate is resolved to the object
// containing it. Addresses that do not resolve (zero words, filler
// objects) are dropped; multiple addresses inside one object collapse
// to a single entry. After resolution the queue holds only definitive
// pinned object starts, which the fragment rebuild walks.
type pinQueue struct {
	addrs []uintptr

	// Compaction cursor while pinFromRange rewrites the
	// queue in place, section by section.
	write int

	lastPinned uintptr
}

func (p *pinQueue) reset() {
	p.addrs = p.addrs[:0]
	p.write = 0
	p.lastPinned = 0
}

// add appends a candidate address. Callers racing from parallel
// conservative scan jobs hold the pin lock; the main-thread pinning
// pass calls it bare.
func (p *pinQueue) add(addr uintptr) {
	p.addrs = append(p.addrs, addr)
}

func (p *pinQueue) addLocked(addr uintptr) {
	lock(&gc.lockPin)
	p.addrs = append(p.addrs, addr)
	unlock(&gc.lockPin)
}

func (p *pinQueue) count() int {
	return len(p.addrs)
}

// sortAndDedupe orders the gathered candidates ascending and squeezes
// out exact duplicates in place.
func (p *pinQueue) sortAndDedupe() {
	a := p.addrs
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	w := 0
	for i, v := range a {
		if i == 0 || v != a[w-1] {
			a[w] = v
			w++
		}
	}
	p.addrs = a[:w]
}

// findSectionRange returns the [lo, hi) index range of candidates
// falling inside [start, end). The queue must be sorted.
func (p *pinQueue) findSectionRange(start, end uintptr) (int, int) {
	a := p.addrs
	lo := sort.Search(len(a), func(i int) bool { return a[i] >= start })
	hi := sort.Search(len(a), func(i int) bool { return a[i] >= end })
	return lo, hi
}

// pinFromRange resolves each candidate in [lo, hi) to its containing
// object via resolve, pins fresh objects through pinFn, and compacts
// the queue so that [0, write) holds only pinned object starts.
// Candidates inside the same object collapse because the resolved
// starts arrive in ascending order.
func (p *pinQueue) pinFromRange(lo, hi int, resolve func(addr uintptr) uintptr, pinFn func(obj uintptr)) int {
	pinned := 0
	for i := lo; i < hi; i++ {
		obj := resolve(p.addrs[i])
		if obj == 0 {
			continue
		}
		if obj == p.lastPinned {
			continue
		}
		p.lastPinned = obj
		pinFn(obj)
		p.addrs[p.write] = obj
		p.write++
		pinned++
	}
	return pinned
}

// finishResolution truncates the queue to the compacted pinned starts.
func (p *pinQueue) finishResolution() {
	p.addrs = p.addrs[:p.write]
}

// pinnedObjects exposes the resolved starts (valid after
// finishResolution, until the next reset).
func (p *pinQueue) pinnedObjects() []uintptr {
	return p.addrs
}

// conservativelyPinRange scans [start, end) word by word and records
// every value that lands inside scanArea as a pin candidate. This is
// how pinned-type roots, thread stacks and saved registers are
// treated: any machine word is a potential interior pointer. The walk
// goes through loadWord on byte-computed addresses, never through
// typed pointers, so no aliasing assumption is made about what the
// range actually holds.
func (c *collector) conservativelyPinRange(start, end uintptr, scanArea addrRange) {
	start = alignUp(start, ptrSize)
	end = alignDown(end, ptrSize)
	for addr := start; addr < end; addr += ptrSize {
		v := loadWord(addr)
		if scanArea.contains(v) {
			c.pin.add(v)
			c.stats.pinnedCandidates++
		}
	}
}
