package sgen

import (
	"testing"
	"unsafe"
)

// End-to-end collection scenarios, one mutator thread, serial marking.
//
// Root ranges and weak-link cells handed to the collector live in
// package globals: the collector keeps their raw addresses, and Go
// moves goroutine stacks, so stack locals must never be registered.

var (
	s1Roots        [1000]uintptr
	s2Conservative [10]uintptr
	s3Root         uintptr
	s4Roots        [2]uintptr
	s5Resurrected  uintptr
	wlKeep         uintptr
	wlLive, wlDead uintptr
)

// Minor promotion: a sea of short-lived objects, every 100th kept in a
// precise root. Exactly the rooted ones must survive, evacuated out of
// the nursery, and the nursery must come back as one full-extent
// fragment.
func TestMinorPromotion(t *testing.T) {
	ensureInit()
	Collect(0) // start from an empty nursery

	const total = 100000
	kept := len(s1Roots)

	bitmap := make([]uintptr, (kept+bitsPerWord-1)/bitsPerWord)
	for i := range bitmap {
		bitmap[i] = ^uintptr(0)
	}
	rootStart := uintptr(unsafe.Pointer(&s1Roots[0]))
	RegisterRoot(rootStart, uintptr(kept)*ptrSize, DescComplex(bitmap))
	defer DeregisterRoot(rootStart)

	vt := plainVT(16)
	for i := 0; i < total; i++ {
		obj := alloc16(vt)
		if obj == 0 {
			t.Fatalf("allocation %d failed", i)
		}
		if i%100 == 0 {
			s1Roots[i/100] = obj
		}
	}

	Collect(0)

	if gc.stats.copiedObjects != kept {
		t.Fatalf("copied %d objects, want %d", gc.stats.copiedObjects, kept)
	}
	seen := make(map[uintptr]bool)
	for i, obj := range s1Roots {
		if obj == 0 {
			t.Fatalf("root slot %d cleared", i)
		}
		if gc.ptrInNursery(obj) {
			t.Fatalf("root slot %d still points into the nursery: %#x", i, obj)
		}
		if vtableOf(obj) != vt {
			t.Fatalf("survivor %d lost its vtable", i)
		}
		if seen[obj] {
			t.Fatalf("two roots collapsed onto %#x", obj)
		}
		seen[obj] = true
	}
	if !gc.gray.isEmpty() {
		t.Fatal("gray stack not empty after collection")
	}
	f := gc.fragments
	if f == nil || f.next != nil {
		t.Fatal("want exactly one nursery fragment")
	}
	if f.start != gc.nursery.data || f.end != gc.nursery.endData {
		t.Fatalf("fragment [%#x,%#x) does not span the nursery [%#x,%#x)",
			f.start, f.end, gc.nursery.data, gc.nursery.endData)
	}
	for i := range s1Roots {
		s1Roots[i] = 0
	}
}

// Pinning: interior pointers in a conservative root must pin their
// objects in place, and the fragment list must be rebuilt around them.
// The pinned objects bypass the TLAB (they are half its size) so each
// lands in its own stretch of the nursery with dead spacers between.
func TestPinningInteriorPointers(t *testing.T) {
	ensureInit()
	Collect(0)

	const n = 10
	const objSize = 2048
	vt := plainVT(objSize)
	spacerVT := plainVT(4096)

	var objs [n]uintptr
	for i := 0; i < n; i++ {
		objs[i] = Alloc(objSize, vt)
		if objs[i] == 0 {
			t.Fatal("allocation failed")
		}
		s2Conservative[i] = objs[i] + 32 // interior pointer
		if Alloc(4096, spacerVT) == 0 {
			t.Fatal("spacer allocation failed")
		}
	}
	rootStart := uintptr(unsafe.Pointer(&s2Conservative[0]))
	RegisterRoot(rootStart, n*ptrSize, 0) // descriptor-less: conservative
	defer DeregisterRoot(rootStart)

	Collect(0)

	if gc.stats.pinnedObjects != n {
		t.Fatalf("pinned %d objects, want %d", gc.stats.pinnedObjects, n)
	}
	for i, obj := range objs {
		if !gc.ptrInNursery(obj) {
			t.Fatalf("object %d left the nursery", i)
		}
		if !objectIsPinned(obj) {
			t.Fatalf("object %d does not carry the pinned tag", i)
		}
		if _, fwd := objectIsForwarded(obj); fwd {
			t.Fatalf("object %d was forwarded despite the pin", i)
		}
		if vtableOf(obj) != vt {
			t.Fatalf("object %d lost its vtable", i)
		}
	}

	// Fragments must tile the nursery around the pinned survivors:
	// nine spacer gaps plus the tail.
	count := 0
	for f := gc.fragments; f != nil; f = f.next {
		for _, obj := range objs {
			if f.start < obj+objSize && obj < f.end {
				t.Fatalf("fragment [%#x,%#x) overlaps pinned object %#x", f.start, f.end, obj)
			}
		}
		count++
	}
	if count != n {
		t.Fatalf("got %d fragments, want %d", count, n)
	}
	for i := range s2Conservative {
		s2Conservative[i] = 0
	}
}

// Old-to-young remset: a store into an old object's slot through the
// write barrier must keep the young target alive and the slot must be
// rewritten to the promoted address. The same store without the
// barrier must leave a dangling slot (the invariant the barrier
// exists for).
func TestRemsetPromotion(t *testing.T) {
	ensureInit()
	Collect(0)

	ovt := refVT(24) // one reference slot
	rootAddr := uintptr(unsafe.Pointer(&s3Root))
	RegisterRoot(rootAddr, ptrSize, DescBitmap(1))

	s3Root = Alloc(24, ovt)
	Collect(0) // promote O
	o := s3Root
	if gc.ptrInNursery(o) {
		t.Fatal("O was not promoted")
	}

	yvt := plainVT(16)
	y := alloc16(yvt)
	WBarrierSetField(o, slotOf(o, 0), y)

	Collect(0)
	got := loadWord(slotOf(o, 0))
	if got == 0 || gc.ptrInNursery(got) {
		t.Fatalf("slot not rewritten to the promoted address: %#x", got)
	}
	if vtableOf(got) != yvt {
		t.Fatal("promoted Y lost its vtable")
	}

	// Control: the same store without a barrier leaves the slot
	// dangling after the next minor collection.
	y2 := alloc16(yvt)
	storeWord(slotOf(o, 0), y2)
	Collect(0)
	stale := loadWord(slotOf(o, 0))
	if !gc.ptrInNursery(stale) {
		t.Fatal("control store was unexpectedly promoted")
	}
	if gc.nursery.findObjectForPtr(stale) == stale {
		t.Fatal("control target survived without a barrier")
	}

	// Repair the dangling slot before leaving the shared heap.
	WBarrierSetField(o, slotOf(o, 0), 0)
	DeregisterRoot(rootAddr)
	s3Root = 0
	Collect(0)
}

// Ephemeron semantics across a major collection: the value of a live
// key survives, the pair of a dead key reads (tombstone, null).
func TestEphemeronMajor(t *testing.T) {
	ensureInit()
	Collect(0)

	// Array with two (key, value) pairs; the pair slots are weak, so
	// the array's own descriptor covers no slots.
	arrVT := makeVT(objHeaderSize+4*ptrSize, 0)
	kvt := plainVT(16)

	rootAddr := uintptr(unsafe.Pointer(&s4Roots[0]))
	RegisterRoot(rootAddr, 2*ptrSize, DescBitmap(3))
	defer DeregisterRoot(rootAddr)

	arr := Alloc(objHeaderSize+4*ptrSize, arrVT)
	k1, v1 := alloc16(kvt), alloc16(kvt)
	k2, v2 := alloc16(kvt), alloc16(kvt)
	storeWord(slotOf(arr, 0), k1)
	storeWord(slotOf(arr, 1), v1)
	storeWord(slotOf(arr, 2), k2)
	storeWord(slotOf(arr, 3), v2)

	s4Roots[0] = arr // strong edge to the array
	s4Roots[1] = k1  // K1 stays reachable, K2 does not
	EphemeronArrayAdd(arr)

	Collect(1)

	arr = s4Roots[0]
	k1 = s4Roots[1]
	if gc.ptrInNursery(arr) || gc.ptrInNursery(k1) {
		t.Fatal("array or K1 not promoted by the major collection")
	}
	if loadWord(slotOf(arr, 0)) != k1 {
		t.Fatal("pair 1 key not rewritten to K1's new address")
	}
	v1New := loadWord(slotOf(arr, 1))
	if v1New == 0 || gc.ptrInNursery(v1New) || vtableOf(v1New) != kvt {
		t.Fatalf("V1 not kept alive through its key: %#x", v1New)
	}
	if loadWord(slotOf(arr, 2)) != EphemeronTombstone() {
		t.Fatalf("pair 2 key not tombstoned: %#x", loadWord(slotOf(arr, 2)))
	}
	if loadWord(slotOf(arr, 3)) != 0 {
		t.Fatalf("pair 2 value not nulled: %#x", loadWord(slotOf(arr, 3)))
	}
	s4Roots[0], s4Roots[1] = 0, 0
}

// Finalizer resurrection: the finalizer runs exactly once, stores the
// object into a live root, and the object then survives later cycles
// with no second invocation.
func TestFinalizerResurrection(t *testing.T) {
	ensureInit()
	Collect(0)

	rootAddr := uintptr(unsafe.Pointer(&s5Resurrected))
	RegisterRoot(rootAddr, ptrSize, DescBitmap(1))
	defer DeregisterRoot(rootAddr)

	vt := plainVT(16)
	f := alloc16(vt)
	RegisterFinalizer(f)

	runs := 0
	finalizeHook = func(obj uintptr) {
		runs++
		s5Resurrected = obj
	}
	defer func() { finalizeHook = nil }()

	Collect(0)
	if gc.fin.readyCount == 0 {
		t.Fatal("finalizer not queued by the first cycle")
	}
	if n := RunFinalizers(); n != 1 {
		t.Fatalf("RunFinalizers ran %d, want 1", n)
	}
	if runs != 1 || s5Resurrected == 0 {
		t.Fatalf("finalizer ran %d times", runs)
	}
	if gc.ptrInNursery(s5Resurrected) {
		t.Fatal("finalizable object was not promoted before its finalizer ran")
	}

	Collect(0)
	if vtableOf(s5Resurrected) != vt {
		t.Fatal("resurrected object did not survive the second cycle")
	}
	if n := RunFinalizers(); n != 0 {
		t.Fatalf("finalizer ran again: %d", n)
	}
	if runs != 1 {
		t.Fatalf("finalizer ran %d times in total", runs)
	}
	s5Resurrected = 0
}

// Stop-the-world retry: a thread parked inside the managed allocator
// is restarted until it leaves, then the collection proceeds.
func TestSTWAllocatorRetry(t *testing.T) {
	ensureInit()

	t2 := &ThreadInfo{ID: 2}
	RegisterThread(t2)
	defer UnregisterThread(t2)

	suspends, resumes := 0, 0
	suspendHook = func(ti *ThreadInfo) bool {
		if ti == t2 {
			suspends++
			if suspends == 1 {
				ti.IP = testManagedAllocIP
			} else {
				ti.IP = 0
			}
		}
		return true
	}
	resumeHook = func(ti *ThreadInfo) bool {
		if ti == t2 {
			resumes++
		}
		return true
	}
	defer func() { suspendHook, resumeHook = nil, nil }()

	Collect(0)

	if suspends < 2 {
		t.Fatalf("thread re-suspended %d times, want at least 2", suspends)
	}
	if gc.stats.stwRounds < 1 {
		t.Fatal("no handshake retry rounds recorded")
	}
	if gc.stats.stwRounds > 8 {
		t.Fatalf("retry loop did not converge: %d rounds", gc.stats.stwRounds)
	}
	if resumes < 2 { // one mid-handshake restart plus the world restart
		t.Fatalf("thread resumed %d times, want at least 2", resumes)
	}
	if gc.stats.totalPause <= 0 {
		t.Fatal("stop-duration counter not advanced")
	}
}

// Disappearing links: non-tracking links null out when the target
// dies, survive (rewritten) when it moves.
func TestWeakLinks(t *testing.T) {
	ensureInit()
	Collect(0)

	vt := plainVT(16)

	keepAddr := uintptr(unsafe.Pointer(&wlKeep))
	RegisterRoot(keepAddr, ptrSize, DescBitmap(1))
	defer DeregisterRoot(keepAddr)

	live := alloc16(vt)
	dead := alloc16(vt)
	wlKeep = live
	liveSlot := uintptr(unsafe.Pointer(&wlLive))
	deadSlot := uintptr(unsafe.Pointer(&wlDead))
	WeakLinkAdd(liveSlot, live, false)
	WeakLinkAdd(deadSlot, dead, false)

	if WeakLinkGet(liveSlot) != live {
		t.Fatal("weak link does not read back")
	}

	Collect(0)

	if got := WeakLinkGet(deadSlot); got != 0 {
		t.Fatalf("dead target's link not cleared: %#x", got)
	}
	got := WeakLinkGet(liveSlot)
	if got == 0 || got != wlKeep {
		t.Fatalf("live target's link not rewritten to %#x, got %#x", wlKeep, got)
	}
	WeakLinkRemove(liveSlot)
	wlKeep = 0
}

// A major collection resets degraded mode and leaves the heap
// allocatable.
func TestMajorResetsDegradedMode(t *testing.T) {
	ensureInit()
	Collect(1)

	if gc.degradedMode != 0 {
		t.Fatal("degraded after an uncontended major collection")
	}
	if obj := alloc16(plainVT(16)); obj == 0 {
		t.Fatal("allocation failed after major collection")
	}
}
