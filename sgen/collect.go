package sgen

import "sync/atomic"

// Collection driver.
//
// One thread owns each collection end to end: it takes the GC lock,
// stops the world, runs the minor or major cycle, restarts the world
// and performs the deferred bridge post-step. Allocation slow paths
// enter the same machinery already holding the GC lock.

func (c *collector) performCollection(generation int, reason string) {
	lock(&c.lockGC)
	c.collectGenLocked(generation, reason)
	unlock(&c.lockGC)
}

// collectGenLocked runs one full cycle. Caller holds the GC lock.
func (c *collector) collectGenLocked(generation int, reason string) {
	if atomic.LoadInt32(&c.disabled) > 0 {
		return
	}
	t0 := c.stopWorld()
	if generation == generationNursery {
		needMajor := c.collectNursery(reason)
		if needMajor && !c.debug.disableMajor {
			c.collectWholeHeap("minor overflow")
		}
	} else if !c.debug.disableMajor {
		c.collectWholeHeap(reason)
	}
	c.restartWorld(t0)

	// Post-steps that must not run under STW.
	if bridges := c.fin.takeBridgeList(); len(bridges) > 0 && c.cbs.ProcessBridges != nil {
		c.cbs.ProcessBridges(bridges)
	}
	if c.fin.readyCount > 0 && c.cbs.NotifyFinalizers != nil {
		c.cbs.NotifyFinalizers()
	}
}

// clearStaleNurseryPins drops the pin bits left on last cycle's
// survivors; whether they stay pinned is this cycle's decision.
func (c *collector) clearStaleNurseryPins() {
	c.nursery.walk(func(obj, size uintptr) {
		if objectIsPinned(obj) {
			clearPinned(obj)
		}
	})
}

// prepareCycle is the shared head of both cycles: per-cycle counters,
// walkable nursery, merged staged registrations.
func (c *collector) prepareCycle(generation int) {
	c.collectionInProgress = true
	c.currentCollectionGeneration = generation
	c.stats.pinnedObjects = 0
	c.stats.pinnedCandidates = 0
	c.stats.copiedObjects = 0

	c.clearStaleNurseryPins()
	for ti := c.threads; ti != nil; ti = ti.next {
		c.retireTLAB(ti)
	}
	c.clearNurseryFragments()
	c.fin.processStagedRegistrations()
}

// collectNursery runs a minor cycle and reports whether a major
// collection should follow.
func (c *collector) collectNursery(reason string) bool {
	if c.debug.disableMinor {
		return true
	}
	tStart := nanotime()
	majorSectionsBefore := c.major.getNumMajorSections()

	c.prepareCycle(generationNursery)
	c.remset.prepareForMinorCollection()

	c.copyObjectFunc = c.minorCopyObjectFunc()
	c.scanObjectFunc = c.minorScanObject

	// Pin: conservative roots, thread stacks and registers, scoped to
	// the nursery.
	area := c.nursery.asRange()
	c.pin.reset()
	roots.pinRoots(area)
	c.pinThreadStacks(area)
	c.pin.sortAndDedupe()
	c.stats.pinnedCandidates = c.pin.count()
	lo, hi := c.pin.findSectionRange(area.base, area.limit)
	c.stats.pinnedObjects = c.pin.pinFromRange(lo, hi, c.nursery.findObjectForPtr, func(obj uintptr) {
		setPinned(obj)
		c.gray.enqueue(obj)
	})
	c.pin.finishResolution()
	if c.debug.printPinning {
		print("sgen: minor: ", c.stats.pinnedCandidates, " pin candidates, ",
			c.stats.pinnedObjects, " objects pinned\n")
	}

	// Remsets, then precise roots, then thread data.
	queue := &c.gray
	c.remset.beginScanRemsets(queue)
	if c.workers.enabled() {
		c.workers.startMarking()
		c.workers.enqueueJob("scan-remset", func(w *workerData) {
			c.remset.finishScanRemsets(&w.queue)
		})
		c.workers.enqueueJob("scan-roots-normal", func(w *workerData) {
			roots.scan(rootTypeNormal, c.copyObjectFunc, &w.queue)
		})
		c.workers.enqueueJob("scan-roots-wbarrier", func(w *workerData) {
			roots.scan(rootTypeWBarrier, c.copyObjectFunc, &w.queue)
		})
		c.workers.enqueueJob("scan-thread-data", func(w *workerData) {
			c.scanThreadData(c.copyObjectFunc, &w.queue)
		})
		c.workers.join()
	} else {
		c.remset.finishScanRemsets(queue)
		c.drainGrayStack(queue, -1)
		roots.scan(rootTypeNormal, c.copyObjectFunc, queue)
		roots.scan(rootTypeWBarrier, c.copyObjectFunc, queue)
		c.scanThreadData(c.copyObjectFunc, queue)
	}
	c.drainGrayStack(queue, -1)

	c.finishGrayStack(queue)
	c.fin.updateTogglerefs()
	c.remset.finishMinorCollection()

	// Rebuild the nursery for the mutators.
	usable := c.buildNurseryFragments(c.pin.pinnedObjects())
	if usable == 0 {
		atomic.StoreUint32(&c.degradedMode, 1)
	}
	c.clearAllTLABs()
	c.gray.freeAll()

	// The self checks want the rebuilt nursery: everything still
	// walkable is live or filler now.
	if c.debug.checkAtMinor {
		c.checkConsistency()
	}
	if c.debug.verifyNursery {
		c.verifyNursery(c.debug.dumpNursery)
	}

	c.stats.minorGCs++
	c.stats.timeMinorGC += nanotime() - tStart
	if d := c.major.getNumMajorSections() - majorSectionsBefore; d > 0 {
		c.minorCollectionSections += uintptr(d)
	}
	c.collectionInProgress = false

	return c.minorCollectionSections*c.major.sectionSize+c.los.alloced > c.minorCollectionAllowance
}

// collectWholeHeap runs a major cycle: whole-heap pinning including
// the large-object store, backend-bracketed trace, sweeps, allowance
// recomputation.
func (c *collector) collectWholeHeap(reason string) {
	tStart := nanotime()
	usageBefore := c.major.getUsedSize() + c.los.used

	c.prepareCycle(generationOld)
	c.remset.prepareForMajorCollection()
	c.los.prepareForMajor()
	c.major.startMajorCollection()

	c.copyObjectFunc = c.major.copyOrMarkObject
	c.scanObjectFunc = c.majorScanObject

	// Pin across everything the collector tracks.
	area := makeAddrRange(
		atomic.LoadUintptr(&c.lowestHeapAddress),
		atomic.LoadUintptr(&c.highestHeapAddress))
	c.pin.reset()
	roots.pinRoots(area)
	c.pinThreadStacks(area)
	c.pin.sortAndDedupe()
	c.stats.pinnedCandidates = c.pin.count()

	resolve := func(addr uintptr) uintptr {
		if c.ptrInNursery(addr) {
			return c.nursery.findObjectForPtr(addr)
		}
		if c.majorSpace.contains(addr) {
			return c.major.findObjectForAddr(addr)
		}
		if lo := c.los.find(addr); lo != nil {
			return lo.data
		}
		return 0
	}
	pinAny := func(obj uintptr) {
		switch {
		case c.ptrInNursery(obj):
			setPinned(obj)
		case c.majorSpace.contains(obj):
			c.major.pinObject(obj)
		default:
			c.los.pinFromAddress(obj)
		}
		c.gray.enqueue(obj)
	}
	c.stats.pinnedObjects = c.pin.pinFromRange(0, c.pin.count(), resolve, pinAny)
	c.pin.finishResolution()
	if c.debug.printPinning {
		print("sgen: major: ", c.stats.pinnedCandidates, " pin candidates, ",
			c.stats.pinnedObjects, " objects pinned\n")
	}

	queue := &c.gray
	// A non-parallel backend cannot take racing copy calls, so workers
	// only mark the major heap when the backend opted in.
	if c.workers.enabled() && c.major.isParallel {
		c.workers.startMarking()
		c.workers.enqueueJob("scan-roots-normal", func(w *workerData) {
			roots.scan(rootTypeNormal, c.copyObjectFunc, &w.queue)
		})
		c.workers.enqueueJob("scan-roots-wbarrier", func(w *workerData) {
			roots.scan(rootTypeWBarrier, c.copyObjectFunc, &w.queue)
		})
		c.workers.enqueueJob("scan-thread-data", func(w *workerData) {
			c.scanThreadData(c.copyObjectFunc, &w.queue)
		})
		c.workers.join()
	} else {
		roots.scan(rootTypeNormal, c.copyObjectFunc, queue)
		roots.scan(rootTypeWBarrier, c.copyObjectFunc, queue)
		c.scanThreadData(c.copyObjectFunc, queue)
	}
	c.drainGrayStack(queue, -1)

	c.finishGrayStack(queue)
	c.fin.updateTogglerefs()

	c.major.sweep()
	c.los.sweep()
	c.major.finishMajorCollection()

	usable := c.buildNurseryFragments(c.pin.pinnedObjects())
	if usable == 0 {
		atomic.StoreUint32(&c.degradedMode, 1)
	} else {
		atomic.StoreUint32(&c.degradedMode, 0)
	}
	c.clearAllTLABs()
	c.gray.freeAll()

	// Recompute the minor-collection allowance from what this cycle
	// saved, clamped between the floor and what the soft limit leaves.
	usageAfter := c.major.getUsedSize() + c.los.used
	var saved uintptr
	if usageBefore > usageAfter {
		saved = usageBefore - usageAfter
	}
	allowance := saved
	if floor := 4 * c.nursery.size; allowance < floor {
		allowance = floor
	}
	if limit := c.params.softHeapLimit; limit > 0 && usageAfter < limit {
		if room := limit - usageAfter; allowance > room {
			allowance = room
		}
	}
	c.minorCollectionAllowance = allowance
	c.minorCollectionSections = 0
	if c.debug.printAllowance {
		print("sgen: major: saved ", saved, " bytes, new allowance ", allowance, "\n")
	}

	if c.debug.heapDump != "" {
		c.dumpHeap(c.debug.heapDump)
	}

	c.stats.majorGCs++
	c.stats.timeMajorGC += nanotime() - tStart
	c.collectionInProgress = false
}

// ---------------------------------------------------------------------
// Allocation.

// allocInternal is the slow-path-capable allocation entry. Returns 0
// only for genuine out-of-memory, after one forced major collection
// and a degraded attempt.
func (c *collector) allocInternal(vt, size uintptr, pinned bool) uintptr {
	if vt == 0 {
		throw("allocating with a null vtable")
	}
	if size < minObjectSize {
		size = minObjectSize
	}
	size = alignUp(size, allocAlign)

	if n := c.debug.collectBeforeAllocs; n > 0 {
		if atomic.AddUint64(&c.allocCount, 1)%uint64(n) == 0 {
			c.performCollection(generationNursery, "debug collect-before-allocs")
		}
	}

	// Pinned allocations must never move; the large-object store
	// already guarantees that, whatever the size.
	if pinned || size > maxSmallObjSize {
		return c.allocLarge(vt, size)
	}

	if atomic.LoadUint32(&c.degradedMode) != 0 {
		lock(&c.lockGC)
		addr := c.major.allocDegraded(vt, size)
		unlock(&c.lockGC)
		return addr
	}

	ti := c.currentThread()
	if addr := tlabAllocFast(ti, size); addr != 0 {
		storeWord(addr, vt)
		return addr
	}

	lock(&c.lockGC)
	addr := c.tlabAllocSlow(ti, size)
	if addr == 0 {
		addr = c.minorCollectOrExpand(ti, vt, size)
	}
	unlock(&c.lockGC)
	if addr != 0 {
		storeWord(addr, vt)
	}
	return addr
}

func (c *collector) allocLarge(vt, size uintptr) uintptr {
	lock(&c.lockGC)
	addr := c.los.alloc(vt, size)
	if addr == 0 {
		c.collectGenLocked(generationOld, "LOS allocation failure")
		addr = c.los.alloc(vt, size)
	}
	unlock(&c.lockGC)
	return addr
}

// minorCollectOrExpand: the nursery could not satisfy size. Stop the
// world and collect; when even a fresh nursery cannot take the
// request, escalate to a major overflow collection, and finally fall
// back to degraded allocation. Caller holds the GC lock; an address
// carved from the nursery has no vtable installed yet, one from the
// degraded path already carries it.
func (c *collector) minorCollectOrExpand(ti *ThreadInfo, vt, size uintptr) uintptr {
	c.collectGenLocked(generationNursery, "nursery full")
	if addr := c.tlabAllocSlow(ti, size); addr != 0 {
		return addr
	}
	if !c.debug.disableMajor {
		c.collectGenLocked(generationOld, "nursery full, overflow")
		if addr := c.tlabAllocSlow(ti, size); addr != 0 {
			return addr
		}
	}
	atomic.StoreUint32(&c.degradedMode, 1)
	addr := c.major.allocDegraded(vt, size)
	if addr != 0 {
		// allocDegraded installed the vtable already; hand the caller
		// the object as-is.
		return addr
	}
	return 0
}
