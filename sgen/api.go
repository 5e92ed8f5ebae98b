package sgen

import (
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Embedding API.
//
// Everything the host runtime calls lives here; the functions are thin
// veneers over the collector context. The API is total: allocation
// failure surfaces as 0, never as a panic, and the weak/finalization
// calls tolerate dead or half-unloaded targets.

var (
	fillVTableCell       uintptr
	singleFillVTableCell uintptr
)

// Init initializes the collector from the SGEN_PARAMS and SGEN_DEBUG
// environment variables. A configuration error prints usage and
// terminates the process. Init is idempotent under racing callers; the
// first one wins and the rest wait for it.
func Init(cbs Callbacks) {
	params := defaultParams()
	var debug debugFlags
	if err := parseParams(os.Getenv(paramsEnvVar), &params); err != nil {
		printUsage(err)
		os.Exit(1)
	}
	if err := parseDebugFlags(os.Getenv(debugEnvVar), &debug); err != nil {
		printUsage(err)
		os.Exit(1)
	}
	initWithConfig(cbs, params, debug)
}

func initWithConfig(cbs Callbacks, params gcParams, debug debugFlags) {
	for !atomic.CompareAndSwapUint32(&gc.initState, 0, 1) {
		if atomic.LoadUint32(&gc.initState) == 2 {
			return
		}
		runtime.Gosched()
	}

	gc.cbs = cbs
	gc.checkCallbacks()
	gc.params = params
	gc.debug = debug

	gc.fragmentAlloc.init(unsafe.Sizeof(fragment{}), &gc.internalMem)
	gc.grayAlloc.init(unsafe.Sizeof(grayQueueSection{}), &gc.internalMem)
	gc.finAlloc.init(unsafe.Sizeof(finalizeEntry{}), &gc.internalMem)
	gc.dislinkAlloc.init(unsafe.Sizeof(dislinkEntry{}), &gc.internalMem)
	gc.ephemeronAlloc.init(unsafe.Sizeof(ephemeronNode{}), &gc.internalMem)
	gc.ssbAlloc.init(unsafe.Sizeof(storeRemsetBuffer{}), &gc.internalMem)

	roots.init()
	gc.fin.init()

	gc.fillVTable = uintptr(unsafe.Pointer(&fillVTableCell))
	gc.singleFillVTable = uintptr(unsafe.Pointer(&singleFillVTableCell))

	gc.nursery = gc.allocNurserySection(params.nurserySize)
	f := (*fragment)(gc.fragmentAlloc.alloc())
	f.start, f.end = gc.nursery.data, gc.nursery.endData
	gc.fragments = f

	reserve := alignUp(params.maxHeapSize, msBlockSize)
	raw := sysReserve(nil, reserve+msBlockSize)
	if raw == nil {
		throw("cannot reserve major heap address space")
	}
	base := alignUp(uintptr(raw), msBlockSize)
	gc.majorSpace = makeAddrRange(base, base+reserve)
	gc.updateHeapBoundaries(base, base+reserve)
	gc.major = gc.selectMajorCollector(params.majorName, gc.majorSpace)

	switch params.wbarrierName {
	case "remset":
		gc.remset = newSSBRemset()
	case "cardtable":
		gc.remset = newCardTableRemset(gc.majorSpace)
	}

	gc.minorCollectionAllowance = 4 * params.nurserySize

	if params.workers > 1 {
		gc.workers.init(params.workers)
	}

	atomic.StoreUint32(&gc.initState, 2)
}

// ---------------------------------------------------------------------
// Allocation.

// Alloc allocates a zeroed object of the given total size (header
// included) carrying the given vtable. Returns 0 on out-of-memory,
// after one forced major collection and a degraded attempt.
func Alloc(size, vt uintptr) uintptr {
	return gc.allocInternal(vt, size, false)
}

// AllocPinned allocates an object that will never move.
func AllocPinned(size, vt uintptr) uintptr {
	return gc.allocInternal(vt, size, true)
}

// AllocArray allocates an array object; the host's ArrayObjectSize
// callback sizes it. The host must initialize the array's length field
// before the next safe point, since the size callback reads it back.
func AllocArray(vt, count uintptr) uintptr {
	if gc.cbs.ArrayObjectSize == nil {
		throw("array allocation requires the ArrayObjectSize callback")
	}
	return gc.allocInternal(vt, gc.cbs.ArrayObjectSize(vt, count), false)
}

// ---------------------------------------------------------------------
// Roots.

// RegisterRoot registers [start, start+size) for precise scanning
// under the given descriptor; a zero descriptor registers the range
// for conservative, pinning scans instead.
func RegisterRoot(start, size, descr uintptr) {
	if descr == 0 {
		roots.register(start, size, 0, rootTypePinned)
		return
	}
	roots.register(start, size, descr, rootTypeNormal)
}

// RegisterRootWBarrier registers a precise root range whose stores the
// host routes through the write barrier.
func RegisterRootWBarrier(start, size, descr uintptr) {
	roots.register(start, size, descr, rootTypeWBarrier)
}

func DeregisterRoot(start uintptr) {
	roots.deregister(start)
}

// ---------------------------------------------------------------------
// Write barriers.

func WBarrierSetField(owner, slot, value uintptr)  { wbarrierSetField(owner, slot, value) }
func WBarrierSetArrayref(arr, slot, value uintptr) { wbarrierSetArrayref(arr, slot, value) }
func WBarrierArrayrefCopy(dst, src uintptr, count int) {
	wbarrierArrayrefCopy(dst, src, count)
}
func WBarrierGenericStore(slot, value uintptr) { wbarrierGenericStore(slot, value) }
func WBarrierGenericStoreNoStore(slot uintptr) { wbarrierGenericNoStore(slot) }
func WBarrierValueCopy(dst, src uintptr, count int, class uintptr) {
	wbarrierValueCopy(dst, src, count, class)
}
func WBarrierObjectCopy(dst, src uintptr) { wbarrierObjectCopy(dst, src) }

// ---------------------------------------------------------------------
// Finalization and weak references.

func RegisterFinalizer(obj uintptr) {
	gc.fin.registerFinalizer(obj)
}

// RunFinalizers drains the finalizer-ready lists, invoking each
// finalizer exactly once. Returns the number run. Intended to be
// called from the host's finalizer thread, outside of STW.
func RunFinalizers() int {
	return gc.fin.runFinalizers()
}

// WeakLinkAdd makes *slot a disappearing link to obj: the stored value
// is bit-inverted so conservative scans do not keep obj alive, and the
// slot is cleared when obj dies. With track set the link survives
// until after finalization (observing resurrection).
func WeakLinkAdd(slot, obj uintptr, track bool) {
	gc.fin.registerDisappearingLink(obj, slot, track)
}

func WeakLinkRemove(slot uintptr) {
	gc.fin.registerDisappearingLink(0, slot, false)
}

// WeakLinkGet reads a disappearing link; 0 once the target died.
func WeakLinkGet(slot uintptr) uintptr {
	lock(&gc.lockGC)
	v := unhidePointer(loadWord(slot))
	unlock(&gc.lockGC)
	return v
}

// EphemeronArrayAdd registers an array of (key, value) pairs with
// ephemeron reachability: each value stays alive only while its key
// does.
func EphemeronArrayAdd(arr uintptr) {
	gc.fin.registerEphemeronArray(arr)
}

// EphemeronTombstone is the value a cleared ephemeron key slot reads.
func EphemeronTombstone() uintptr {
	return ephemeronTombstone()
}

// TogglerefAdd registers obj for toggleref processing; the host's
// Toggleref callback decides strong/weak/drop at every collection.
func TogglerefAdd(obj uintptr) {
	gc.fin.addToggleref(obj)
}

// ---------------------------------------------------------------------
// Threads.

// RegisterThread attaches the calling mutator thread. The host's
// CurrentThread callback must resolve to ti from this thread from now
// on.
func RegisterThread(ti *ThreadInfo) {
	gc.registerThreadInternal(ti)
}

func UnregisterThread(ti *ThreadInfo) {
	gc.unregisterThreadInternal(ti)
}

// ---------------------------------------------------------------------
// Control.

// Collect forces a collection of the given generation (0 nursery,
// 1 whole heap).
func Collect(generation int) {
	if generation >= generationOld {
		gc.performCollection(generationOld, "explicit")
		return
	}
	gc.performCollection(generationNursery, "explicit")
}

func MaxGeneration() int {
	return generationOld
}

func CollectionCount(generation int) int {
	if generation >= generationOld {
		return int(atomic.LoadUint32(&gc.stats.majorGCs))
	}
	return int(atomic.LoadUint32(&gc.stats.minorGCs))
}

func UsedSize() uintptr {
	lock(&gc.lockGC)
	n := gc.major.getUsedSize() + gc.los.used
	unlock(&gc.lockGC)
	return n
}

func HeapSize() uintptr {
	lock(&gc.lockGC)
	n := gc.nursery.size +
		uintptr(gc.major.getNumMajorSections())*gc.major.sectionSize +
		gc.los.used
	unlock(&gc.lockGC)
	return n
}

// Disable suspends collections; allocation falls back to the major
// heap when the nursery runs dry. Calls nest.
func Disable() {
	atomic.AddInt32(&gc.disabled, 1)
}

func Enable() {
	if atomic.AddInt32(&gc.disabled, -1) < 0 {
		throw("unbalanced Enable")
	}
}

// ---------------------------------------------------------------------
// Stable constants for inline barrier and allocator fast paths emitted
// by the host's code generator.

func NurseryStart() uintptr {
	return gc.nursery.data
}

// NurseryBits is the power-of-two exponent of the nursery size:
// a pointer p is in the nursery iff p &^ (1<<NurseryBits - 1) equals
// NurseryStart.
func NurseryBits() uint {
	return uint(bits.TrailingZeros64(uint64(gc.nursery.size)))
}

func CardTableBase() uintptr {
	return cardTableBase()
}

func CardShift() uint {
	return cardBits
}

func StoreRemsetBufferSize() int {
	return storeRemsetBufferSize
}
