package sgen

import (
	"testing"
	"unsafe"
)

var (
	ssbSlot     uintptr
	arrayCopySrc [8]uintptr
	arrayCopyDst [8]uintptr
)

// A barrier on a slot outside the heap (host globals registered as
// wbarrier roots live there too) must still deliver the slot, even
// after enough records to overflow the per-thread store buffer.
func TestStoreBufferOverflow(t *testing.T) {
	ensureInit()
	Collect(0)

	young := alloc16(plainVT(16))
	slot := uintptr(unsafe.Pointer(&ssbSlot))
	storeWord(slot, young)

	// Same slot over and over: fills the thread buffer past capacity
	// and forces flushes to the global list. Idempotence means the
	// target is still copied exactly once.
	for i := 0; i < 3*storeRemsetBufferSize; i++ {
		gc.remset.recordPointer(slot)
	}

	Collect(0)
	got := loadWord(slot)
	if got == 0 || gc.ptrInNursery(got) {
		t.Fatalf("recorded slot not rewritten: %#x", got)
	}
	if gc.stats.copiedObjects != 1 {
		t.Fatalf("copied %d objects, want 1", gc.stats.copiedObjects)
	}
	ssbSlot = 0
}

// Barriers on nursery slots are no-ops: the next minor collection
// scans the nursery in full anyway.
func TestBarrierNurseryNoop(t *testing.T) {
	ensureInit()
	Collect(0)

	owner := Alloc(24, refVT(24))
	target := alloc16(plainVT(16))

	buf := testThread.storeBuf
	before := buf.count
	WBarrierSetField(owner, slotOf(owner, 0), target)
	if buf.count != before {
		t.Fatal("nursery-slot barrier recorded a remset entry")
	}
	if loadWord(slotOf(owner, 0)) != target {
		t.Fatal("barrier lost the store")
	}
}

// Arrayref copy: the slots land in the destination and young targets
// referenced from an old array survive the next minor collection.
func TestWBarrierArrayrefCopy(t *testing.T) {
	ensureInit()
	Collect(0)

	vt := plainVT(16)
	young := make([]uintptr, 4)
	for i := range young {
		young[i] = alloc16(vt)
	}
	for i := range arrayCopySrc {
		arrayCopySrc[i] = 0
	}
	copy(arrayCopySrc[:4], young)

	dst := uintptr(unsafe.Pointer(&arrayCopyDst[0]))
	src := uintptr(unsafe.Pointer(&arrayCopySrc[0]))
	WBarrierArrayrefCopy(dst, src, 4)

	for i := 0; i < 4; i++ {
		if arrayCopyDst[i] != young[i] {
			t.Fatalf("slot %d not copied", i)
		}
	}

	Collect(0)
	for i := 0; i < 4; i++ {
		got := arrayCopyDst[i]
		if got == 0 || gc.ptrInNursery(got) {
			t.Fatalf("copied slot %d lost its target: %#x", i, got)
		}
	}
	for i := range arrayCopyDst {
		arrayCopyDst[i] = 0
		arrayCopySrc[i] = 0
	}
}
