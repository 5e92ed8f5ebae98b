package sgen

import "testing"

func TestFindObjectForPtr(t *testing.T) {
	ensureInit()
	Collect(0)

	vt := plainVT(64)
	obj := Alloc(64, vt)
	if obj == 0 {
		t.Fatal("allocation failed")
	}

	s := gc.nursery
	if got := s.findObjectForPtr(obj); got != obj {
		t.Fatalf("exact start resolved to %#x", got)
	}
	if got := s.findObjectForPtr(obj + 8); got != obj {
		t.Fatalf("interior word resolved to %#x", got)
	}
	if got := s.findObjectForPtr(obj + 63); got != obj {
		t.Fatalf("last byte resolved to %#x", got)
	}
	// The nursery tail is dead space (filler or zeroes): addresses
	// there must be rejected.
	if got := s.findObjectForPtr(s.endData - 64); got != 0 {
		t.Fatalf("dead-space address resolved to %#x", got)
	}
	if got := s.findObjectForPtr(s.endData); got != 0 {
		t.Fatal("out-of-section address resolved")
	}
}

// After a collection with no survivors the nursery is covered by
// filler, and a walk must see no real objects; after one allocation it
// must see exactly that object.
func TestNurseryWalkability(t *testing.T) {
	ensureInit()
	Collect(0)

	count := 0
	gc.nursery.walk(func(obj, size uintptr) { count++ })
	if count != 0 {
		t.Fatalf("empty nursery walk found %d objects", count)
	}

	vt := plainVT(32)
	obj := Alloc(32, vt)
	var found []uintptr
	gc.nursery.walk(func(o, size uintptr) {
		found = append(found, o)
		if o == obj && size != 32 {
			t.Fatalf("walk reports size %d, want 32", size)
		}
	})
	if len(found) != 1 || found[0] != obj {
		t.Fatalf("walk found %v, want [%#x]", found, obj)
	}
}

// Fragment carving keeps the nursery walkable and hands out zeroed
// memory.
func TestAllocZeroed(t *testing.T) {
	ensureInit()
	Collect(0)

	vt := plainVT(256)
	obj := Alloc(256, vt)
	for off := objHeaderSize; off < 256; off += ptrSize {
		if loadWord(obj+off) != 0 {
			t.Fatalf("payload word at +%d not zeroed", off)
		}
	}
}

func TestDegradedFlagRouting(t *testing.T) {
	ensureInit()
	Collect(0)

	gc.degradedMode = 1
	obj := alloc16(plainVT(16))
	gc.degradedMode = 0
	if obj == 0 {
		t.Fatal("degraded allocation failed")
	}
	if gc.ptrInNursery(obj) {
		t.Fatal("degraded allocation landed in the nursery")
	}
	if gc.major.findObjectForAddr(obj) != obj {
		t.Fatal("degraded allocation not in the major heap")
	}
}
