package sgen

import (
	"sync"
	"unsafe"
)

// Test embedding runtime: vtables are host-side structs carrying a
// fixed size and a reference descriptor, threads are cooperative
// stand-ins driven by swappable hooks. The collector is initialized
// once per process (the init flag is one-shot), so every test shares
// one heap: tests deregister their roots and drain their finalizers so
// later tests see dead objects only.

type testVTable struct {
	size     uintptr
	descr    uintptr
	critical bool
}

var (
	testVTables []*testVTable // keep vtables reachable for the Go GC
	vtableMu    sync.Mutex
)

func makeVT(size, descr uintptr) uintptr {
	vt := &testVTable{size: size, descr: descr}
	vtableMu.Lock()
	testVTables = append(testVTables, vt)
	vtableMu.Unlock()
	return uintptr(unsafe.Pointer(vt))
}

func vtOf(vt uintptr) *testVTable {
	return (*testVTable)(unsafe.Pointer(vt))
}

const testManagedAllocIP uintptr = 0x5912a0

var (
	testThread = &ThreadInfo{ID: 1}

	suspendHook  func(ti *ThreadInfo) bool
	resumeHook   func(ti *ThreadInfo) bool
	finalizeHook func(obj uintptr)
)

var initTestGC sync.Once

func ensureInit() {
	initTestGC.Do(func() {
		cbs := Callbacks{
			ObjectSize: func(obj uintptr) uintptr {
				return vtOf(vtableOf(obj)).size
			},
			ClassOf: func(vt uintptr) uintptr { return vt },
			ReferenceBitmap: func(class uintptr) uintptr {
				return vtOf(class).descr
			},
			ArrayObjectSize: func(vt, count uintptr) uintptr {
				return objHeaderSize + count*ptrSize
			},
			IsCriticalFinalizerClass: func(class uintptr) bool {
				return vtOf(class).critical
			},
			InvokeFinalizer: func(obj uintptr) {
				if finalizeHook != nil {
					finalizeHook(obj)
				}
			},
			SuspendThread: func(ti *ThreadInfo) bool {
				if suspendHook != nil {
					return suspendHook(ti)
				}
				return true
			},
			ResumeThread: func(ti *ThreadInfo) bool {
				if resumeHook != nil {
					return resumeHook(ti)
				}
				return true
			},
			IsIPInManagedAllocator: func(ip uintptr) bool {
				return ip == testManagedAllocIP
			},
			CurrentThread: func() *ThreadInfo { return testThread },
		}
		params := defaultParams()
		params.nurserySize = 4 << 20
		params.maxHeapSize = 256 << 20
		params.majorName = "marksweep"
		params.wbarrierName = "remset"
		params.workers = 1
		initWithConfig(cbs, params, debugFlags{})
		RegisterThread(testThread)
	})
}

// alloc16 allocates one pointer-free 16-byte object.
func alloc16(vt uintptr) uintptr {
	return Alloc(16, vt)
}

// plainVT returns a fresh pointer-free vtable of the given size.
func plainVT(size uintptr) uintptr {
	return makeVT(size, 0)
}

// refVT returns a vtable for an object whose first payload slot is a
// reference.
func refVT(size uintptr) uintptr {
	return makeVT(size, DescBitmap(1))
}

// slotOf returns the address of payload slot i of obj.
func slotOf(obj uintptr, i uintptr) uintptr {
	return obj + objHeaderSize + i*ptrSize
}
