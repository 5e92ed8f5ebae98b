package sgen

import "testing"

func TestPinQueueSortDedupe(t *testing.T) {
	var p pinQueue
	for _, a := range []uintptr{48, 16, 32, 16, 48, 48, 8} {
		p.add(a)
	}
	p.sortAndDedupe()
	want := []uintptr{8, 16, 32, 48}
	if len(p.addrs) != len(want) {
		t.Fatalf("got %d entries, want %d", len(p.addrs), len(want))
	}
	for i, a := range want {
		if p.addrs[i] != a {
			t.Fatalf("entry %d = %d, want %d", i, p.addrs[i], a)
		}
	}
}

func TestPinQueueSectionRange(t *testing.T) {
	var p pinQueue
	for _, a := range []uintptr{10, 20, 30, 40, 50} {
		p.add(a)
	}
	p.sortAndDedupe()
	lo, hi := p.findSectionRange(20, 45)
	if lo != 1 || hi != 4 {
		t.Fatalf("range [20,45) = [%d,%d), want [1,4)", lo, hi)
	}
	lo, hi = p.findSectionRange(60, 100)
	if lo != hi {
		t.Fatalf("out-of-range candidates found: [%d,%d)", lo, hi)
	}
}

// Candidates resolving into the same object must collapse to one pin,
// and unresolvable addresses must be dropped from the compacted queue.
func TestPinQueueResolution(t *testing.T) {
	var p pinQueue
	p.reset()
	for _, a := range []uintptr{100, 108, 116, 200, 300} {
		p.add(a)
	}
	p.sortAndDedupe()

	// 100..131 is one object, 200 is dead space, 300 is an object.
	resolve := func(addr uintptr) uintptr {
		switch {
		case addr >= 100 && addr < 132:
			return 100
		case addr == 300:
			return 300
		}
		return 0
	}
	var pinned []uintptr
	n := p.pinFromRange(0, p.count(), resolve, func(obj uintptr) {
		pinned = append(pinned, obj)
	})
	p.finishResolution()

	if n != 2 || len(pinned) != 2 {
		t.Fatalf("pinned %d objects, want 2", n)
	}
	if pinned[0] != 100 || pinned[1] != 300 {
		t.Fatalf("pinned %v, want [100 300]", pinned)
	}
	got := p.pinnedObjects()
	if len(got) != 2 || got[0] != 100 || got[1] != 300 {
		t.Fatalf("compacted queue %v, want [100 300]", got)
	}
}
