package sgen

import (
	"fmt"
	"os"
)

// Consistency checking and heap dumping, driven by debug flags. These
// run with the world stopped, after the cycle rebuilt the nursery, so
// every walkable object is live (pinned survivors, filler, old space).

// forEachHeapObject visits every live object the collector tracks.
func (c *collector) forEachHeapObject(fn func(obj uintptr)) {
	c.nursery.walk(func(obj, size uintptr) { fn(obj) })
	c.major.iterateObjects(iterateAll, fn)
	c.los.iterate(fn)
}

// checkConsistency enforces the no-dangling-references invariant: for
// every reachable object and every reference slot in it, the slot is
// null or holds a valid, unforwarded object address inside the tracked
// heap.
func (c *collector) checkConsistency() {
	bad := 0
	validate := func(slot uintptr, _ *grayQueue) {
		target := loadWord(slot)
		if target == 0 {
			return
		}
		if target == ephemeronTombstone() {
			return
		}
		if !c.ptrInHeapBounds(target) {
			print("sgen: check: slot ", slot, " points outside the heap: ", target, "\n")
			bad++
			return
		}
		if c.ptrInNursery(target) {
			if c.nursery.findObjectForPtr(target) != target {
				print("sgen: check: slot ", slot, " points into dead nursery space: ", target, "\n")
				bad++
				return
			}
		}
		if vtableOf(target) == 0 {
			print("sgen: check: slot ", slot, " points at a headerless address: ", target, "\n")
			bad++
			return
		}
		if _, fwd := objectIsForwarded(target); fwd {
			print("sgen: check: slot ", slot, " still holds a forwarded pointer: ", target, "\n")
			bad++
		}
	}
	c.forEachHeapObject(func(obj uintptr) {
		c.scanObject(obj, validate, nil)
	})
	if bad != 0 {
		throw("heap consistency check failed")
	}
}

// verifyNursery checks the scan-start table against a ground-truth
// walk and that the walk itself covers the section exactly: stepping
// object by object from data terminates at endData (invariants 4 and
// 5: pinned extents plus fragments plus filler tile the nursery).
func (c *collector) verifyNursery(dump bool) {
	s := c.nursery
	firstInBucket := make([]uintptr, len(s.scanStarts))

	p := s.data
	for p < s.endData {
		if loadWord(p) == 0 {
			p += allocAlign
			continue
		}
		size := c.objectSize(p)
		idx := (p - s.data) / scanStartSize
		if firstInBucket[idx] == 0 {
			firstInBucket[idx] = p
		}
		if dump {
			kind := "object"
			if c.isFillObject(p) {
				kind = "fill"
			}
			print("sgen: nursery ", kind, " at ", p, " size ", size, "\n")
		}
		if p+size > s.endData {
			throw("nursery object extends past the section")
		}
		p += size
	}
	if p != s.endData {
		throw("nursery walk did not terminate at end_data")
	}

	for i, ss := range s.scanStarts {
		if ss == 0 {
			continue
		}
		if first := firstInBucket[i]; first != 0 && ss > first {
			throw("scan start past the first object of its bucket")
		}
	}
}

// dumpHeap writes a line-oriented dump of every tracked object.
func (c *collector) dumpHeap(file string) {
	f, err := os.Create(file)
	if err != nil {
		print("sgen: cannot write heap dump: ", err.Error(), "\n")
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "<heap nursery-start=\"%#x\" nursery-end=\"%#x\">\n",
		c.nursery.data, c.nursery.endData)
	c.nursery.walk(func(obj, size uintptr) {
		fmt.Fprintf(f, "<object gen=\"nursery\" addr=\"%#x\" size=\"%d\" pinned=\"%v\"/>\n",
			obj, size, objectIsPinned(obj))
	})
	c.major.iterateObjects(iterateAll, func(obj uintptr) {
		fmt.Fprintf(f, "<object gen=\"old\" addr=\"%#x\" size=\"%d\"/>\n",
			obj, c.objectSize(obj))
	})
	c.los.iterate(func(obj uintptr) {
		fmt.Fprintf(f, "<object gen=\"los\" addr=\"%#x\" size=\"%d\"/>\n",
			obj, c.objectSize(obj))
	})
	fmt.Fprintf(f, "</heap>\n")
}
