package sgen

import (
	"testing"
	"unsafe"
)

var descTestSlots [130]uintptr

func TestBitmapDescriptorWalk(t *testing.T) {
	ensureInit()
	for i := range descTestSlots {
		descTestSlots[i] = 0
	}
	descTestSlots[0] = 0x1000
	descTestSlots[2] = 0x2000
	descTestSlots[3] = 0 // selected but null: must be skipped

	start := uintptr(unsafe.Pointer(&descTestSlots[0]))
	end := start + 8*ptrSize
	descr := DescBitmap(0b1101)

	var visited []uintptr
	gc.scanReferencesInRange(start, end, descr, func(slot uintptr, _ *grayQueue) {
		visited = append(visited, loadWord(slot))
	}, nil)

	if len(visited) != 2 || visited[0] != 0x1000 || visited[1] != 0x2000 {
		t.Fatalf("visited %v, want [0x1000 0x2000]", visited)
	}
}

func TestComplexDescriptorWalk(t *testing.T) {
	ensureInit()
	for i := range descTestSlots {
		descTestSlots[i] = 0
	}
	// Slots 1 and 129 selected: the second sits in the third bitmap
	// word, past what an inline bitmap can express.
	descTestSlots[1] = 0xaa
	descTestSlots[129] = 0xbb

	bitmap := make([]uintptr, 3)
	bitmap[0] = 1 << 1
	bitmap[2] = 1 << (129 - 2*bitsPerWord)
	descr := DescComplex(bitmap)

	start := uintptr(unsafe.Pointer(&descTestSlots[0]))
	end := start + uintptr(len(descTestSlots))*ptrSize

	var visited []uintptr
	gc.scanReferencesInRange(start, end, descr, func(slot uintptr, _ *grayQueue) {
		visited = append(visited, loadWord(slot))
	}, nil)

	if len(visited) != 2 || visited[0] != 0xaa || visited[1] != 0xbb {
		t.Fatalf("visited %v, want [0xaa 0xbb]", visited)
	}
}

func TestUserDescriptorWalk(t *testing.T) {
	ensureInit()
	for i := range descTestSlots {
		descTestSlots[i] = 0
	}
	descTestSlots[4] = 0xcc

	descr := DescUser(func(start, end uintptr, relay func(slot uintptr)) {
		relay(start + 4*ptrSize)
	})
	start := uintptr(unsafe.Pointer(&descTestSlots[0]))

	var visited []uintptr
	gc.scanReferencesInRange(start, start+8*ptrSize, descr, func(slot uintptr, _ *grayQueue) {
		visited = append(visited, loadWord(slot))
	}, nil)

	if len(visited) != 1 || visited[0] != 0xcc {
		t.Fatalf("visited %v, want [0xcc]", visited)
	}
}

func TestHidePointer(t *testing.T) {
	if hidePointer(0) != 0 || unhidePointer(0) != 0 {
		t.Fatal("null pointers must hide to null")
	}
	p := uintptr(0xdeadbeef0)
	if unhidePointer(hidePointer(p)) != p {
		t.Fatal("hide/unhide is not an involution")
	}
	if hidePointer(p) == p {
		t.Fatal("hidden pointer must not look like the pointer")
	}
}
