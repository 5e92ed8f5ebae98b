package sgen

import (
	"sync/atomic"
	"unsafe"
)

// The collector context. All global mutable state (the nursery
// section, heap bounds, registries, counters, the plugged backends)
// lives in this one struct, owned by the process. Components receive it
// through their methods; there is exactly one instance.
type collector struct {
	// Tri-state initialization flag driven by CAS: 0 unstarted,
	// 1 initializing, 2 done. Racing initializers spin on 1.
	initState uint32

	cbs Callbacks

	params gcParams
	debug  debugFlags

	// Lock order: gcLock > interruption > suspend > pin > fragment > stage.
	lockGC           mutex
	lockInterruption mutex
	lockSuspend      mutex
	lockPin          mutex
	lockFragment     mutex
	lockStage        mutex

	// Global heap bounds across nursery, major space and LOS, updated
	// with CAS so racing expanders both land.
	lowestHeapAddress  uintptr
	highestHeapAddress uintptr

	nursery    *heapSection
	fragments  *fragment
	majorSpace addrRange

	// Sentinel vtables for dead-area filler objects. A two-word fill
	// object stores its total size in the forwarding word; the one-word
	// variant covers a single stray alignment word.
	fillVTable       uintptr
	singleFillVTable uintptr

	major  *majorCollector
	remset remsetBackend
	los    losState

	threads *ThreadInfo

	pin        pinQueue
	gray       grayQueue
	distribute grayDistributeQueue
	workers    workerPool

	// The active tracing functions for the current phase: minor copy /
	// scan during a nursery collection, copy-or-mark during a major
	// one. Set by the driver before any scanning job is enqueued.
	copyObjectFunc copyFunc
	scanObjectFunc func(obj uintptr, queue *grayQueue)

	fin finState

	userDescriptors []UserMarkFunc

	// Arenas for collector-internal metadata.
	fragmentAlloc fixalloc
	grayAlloc     fixalloc
	finAlloc      fixalloc
	dislinkAlloc  fixalloc
	ephemeronAlloc fixalloc
	ssbAlloc      fixalloc

	degradedMode uint32
	disabled     int32
	allocCount   uint64

	collectionInProgress        bool
	currentCollectionGeneration int

	// Pacing state for the need-major predicate.
	minorCollectionAllowance uintptr
	minorCollectionSections  uintptr // backend sections consumed since last major
	lastCollectionOldUsage   uintptr

	stats statCounters

	internalMem sysMemStat
	heapMem     sysMemStat
}

var gc collector

type statCounters struct {
	minorGCs uint32
	majorGCs uint32

	timeMinorGC      int64
	timeMajorGC      int64
	timeStopWorld    int64
	timeRestartWorld int64
	totalPause       int64
	maxPause         int64

	// Per-cycle, reset at the start of each collection.
	pinnedObjects   int
	pinnedCandidates int
	stwRounds       int
	copiedObjects   int

	degradedAllocs uint64
}

// sysMemStat is a global memory statistic managed atomically.
type sysMemStat uint64

func (s *sysMemStat) load() uint64 {
	return atomic.LoadUint64((*uint64)(s))
}

func (s *sysMemStat) add(n int64) {
	val := atomic.AddUint64((*uint64)(s), uint64(n))
	if (n > 0 && int64(val) < n) || (n < 0 && int64(val)+n < n) {
		throw("sysMemStat overflow")
	}
}

// ---------------------------------------------------------------------
// Object header operations.
//
// Word 0 holds the vtable pointer; word 1 is the forwarding word. The
// forwarding word is touched concurrently by parallel copy workers, so
// every access goes through sync/atomic: the release semantics of
// atomic stores guarantee that a reader observing tagForwarded also
// observes the fully copied destination.

func vtableOf(obj uintptr) uintptr {
	return loadWord(obj)
}

func forwardWordAddr(obj uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(obj + ptrSize))
}

func objectIsPinned(obj uintptr) bool {
	return atomic.LoadUintptr(forwardWordAddr(obj))&tagPinned != 0
}

func setPinned(obj uintptr) {
	w := forwardWordAddr(obj)
	for {
		old := atomic.LoadUintptr(w)
		if old&tagForwarded != 0 {
			throw("pinning a forwarded object")
		}
		if old&tagPinned != 0 {
			return
		}
		if atomic.CompareAndSwapUintptr(w, old, old|tagPinned) {
			return
		}
	}
}

func clearPinned(obj uintptr) {
	w := forwardWordAddr(obj)
	atomic.StoreUintptr(w, atomic.LoadUintptr(w)&^tagPinned)
}

func objectIsForwarded(obj uintptr) (uintptr, bool) {
	w := atomic.LoadUintptr(forwardWordAddr(obj))
	if w&tagForwarded == 0 {
		return 0, false
	}
	return w &^ tagMask, true
}

// forwardObject installs the forwarding address. Single-threaded copy
// path: a plain release store is enough.
func forwardObject(obj, to uintptr) {
	if to%allocAlign != 0 {
		throw("misaligned forwarding address")
	}
	if objectIsPinned(obj) {
		throw("forwarding a pinned object")
	}
	atomic.StoreUintptr(forwardWordAddr(obj), to|tagForwarded)
}

// casForwardObject races to install a forwarding address; the winner's
// destination is returned either way. Parallel copy workers that lose
// abandon their copy (the next sweep reclaims it, it is never marked).
func casForwardObject(obj, to uintptr) (uintptr, bool) {
	if to%allocAlign != 0 {
		throw("misaligned forwarding address")
	}
	w := forwardWordAddr(obj)
	for {
		old := atomic.LoadUintptr(w)
		if old&tagForwarded != 0 {
			return old &^ tagMask, false
		}
		if old&tagPinned != 0 {
			throw("forwarding a pinned object")
		}
		if atomic.CompareAndSwapUintptr(w, old, to|tagForwarded) {
			return to, true
		}
	}
}

// ---------------------------------------------------------------------
// Sizes and descriptors through the host callbacks.

// objectSize returns the full aligned size of any object the collector
// can encounter during a walk, including the dead-area filler objects
// only the collector knows about.
func (c *collector) objectSize(obj uintptr) uintptr {
	vt := vtableOf(obj)
	switch vt {
	case c.fillVTable:
		return loadWord(obj + ptrSize)
	case c.singleFillVTable:
		return ptrSize
	}
	size := c.cbs.ObjectSize(obj)
	if size < minObjectSize {
		throw("host reported object smaller than its header")
	}
	return alignUp(size, allocAlign)
}

func (c *collector) isFillObject(obj uintptr) bool {
	vt := vtableOf(obj)
	return vt == c.fillVTable || vt == c.singleFillVTable
}

// objectDescriptor returns the reference-bitmap descriptor for a real
// (non-filler) object.
func (c *collector) objectDescriptor(obj uintptr) uintptr {
	vt := vtableOf(obj)
	class := c.cbs.ClassOf(vt)
	return c.cbs.ReferenceBitmap(class)
}

// ---------------------------------------------------------------------
// Heap bounds.

func (c *collector) updateHeapBoundaries(low, high uintptr) {
	for {
		old := atomic.LoadUintptr(&c.lowestHeapAddress)
		if old != 0 && old <= low {
			break
		}
		if atomic.CompareAndSwapUintptr(&c.lowestHeapAddress, old, low) {
			break
		}
	}
	for {
		old := atomic.LoadUintptr(&c.highestHeapAddress)
		if old >= high {
			break
		}
		if atomic.CompareAndSwapUintptr(&c.highestHeapAddress, old, high) {
			break
		}
	}
}

func (c *collector) ptrInHeapBounds(addr uintptr) bool {
	return addr >= atomic.LoadUintptr(&c.lowestHeapAddress) &&
		addr < atomic.LoadUintptr(&c.highestHeapAddress)
}

// ptrInNursery is the predicate the write-barrier fast paths are built
// on. The nursery is power-of-two sized and size-aligned, so a single
// mask test suffices; NurseryStart and NurseryBits are exported for
// code emitters that inline the same test.
func (c *collector) ptrInNursery(addr uintptr) bool {
	return addr&^(c.nursery.size-1) == c.nursery.data
}

// isObjectAlive reports reachability of an object at post-pass time:
// during a minor collection anything outside the nursery is alive, a
// nursery object is alive iff pinned or already copied. During a major
// collection old-space objects additionally must be marked.
func (c *collector) isObjectAlive(obj uintptr) bool {
	if c.ptrInNursery(obj) {
		if _, fwd := objectIsForwarded(obj); fwd {
			return true
		}
		return objectIsPinned(obj)
	}
	if c.currentCollectionGeneration == generationNursery {
		return true
	}
	if lo := c.los.find(obj); lo != nil {
		return lo.marked || lo.pinned
	}
	return c.major.isObjectLive(obj)
}

// currentScanObject dispatches to the phase's scan function; it is the
// scan callback handed to gray-stack drains.
func (c *collector) currentScanObject(obj uintptr, queue *grayQueue) {
	c.scanObjectFunc(obj, queue)
}

// copiedOrAlive is like isObjectAlive but chases the forwarding pointer
// so callers can rewrite their slot.
func (c *collector) copiedOrAlive(obj uintptr) (uintptr, bool) {
	if fwd, ok := objectIsForwarded(obj); ok {
		return fwd, true
	}
	if c.isObjectAlive(obj) {
		return obj, true
	}
	return obj, false
}
