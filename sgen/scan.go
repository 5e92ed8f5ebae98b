package sgen

import "unsafe"

// Copy functions and the reachability fixpoint.

// promoteNurseryObject evacuates the nursery object referenced by
// *slot into the major backend, installing the forwarding pointer and
// rewriting the slot. Idempotent: an already-forwarded target just gets
// the slot rewritten, a pinned target is left alone (the pinning pass
// enqueued it).
func (c *collector) promoteNurseryObject(slot uintptr, queue *grayQueue) {
	obj := loadWord(slot)
	if !c.ptrInNursery(obj) {
		return
	}
	if fwd, ok := objectIsForwarded(obj); ok {
		storeWord(slot, fwd)
		return
	}
	if objectIsPinned(obj) {
		return
	}
	size := c.objectSize(obj)
	dst := c.major.allocObject(vtableOf(obj), size)
	if dst == 0 {
		throw("out of memory promoting nursery objects")
	}
	memmove(unsafe.Pointer(dst), unsafe.Pointer(obj), size)
	storeWord(dst+ptrSize, 0)
	forwardObject(obj, dst)
	storeWord(slot, dst)
	queue.enqueue(dst)
	c.stats.copiedObjects++
}

// promoteNurseryObjectPar is the parallel-marking variant: the copy is
// made first, then a CAS race decides whose copy wins. Losers abandon
// theirs: it is allocated but never marked, so the next sweep
// reclaims it.
func (c *collector) promoteNurseryObjectPar(slot uintptr, queue *grayQueue) {
	obj := loadWord(slot)
	if !c.ptrInNursery(obj) {
		return
	}
	if fwd, ok := objectIsForwarded(obj); ok {
		storeWord(slot, fwd)
		return
	}
	if objectIsPinned(obj) {
		return
	}
	size := c.objectSize(obj)
	dst := c.major.allocObject(vtableOf(obj), size)
	if dst == 0 {
		throw("out of memory promoting nursery objects")
	}
	memmove(unsafe.Pointer(dst), unsafe.Pointer(obj), size)
	storeWord(dst+ptrSize, 0)
	winner, won := casForwardObject(obj, dst)
	storeWord(slot, winner)
	if won {
		queue.enqueue(winner)
		c.stats.copiedObjects++
	}
}

// minorScanObject blackens one object during a nursery collection:
// every reference slot goes through the minor copy function.
func (c *collector) minorScanObject(obj uintptr, queue *grayQueue) {
	c.scanObject(obj, c.minorCopyObjectFunc(), queue)
}

func (c *collector) minorCopyObjectFunc() copyFunc {
	// Worker marking races copies even over a serial backend, so any
	// parallelism at all selects the CAS-forwarding variant.
	if c.workers.enabled() || c.major.isParallel {
		return c.promoteNurseryObjectPar
	}
	return c.promoteNurseryObject
}

// majorScanObject blackens one object during a whole-heap collection.
func (c *collector) majorScanObject(obj uintptr, queue *grayQueue) {
	c.scanObject(obj, c.major.copyOrMarkObject, queue)
}

// drainGrayStack scans queued objects until the queue is empty (or max
// objects were scanned, max >= 0).
func (c *collector) drainGrayStack(queue *grayQueue, max int) {
	queue.drain(max, c.currentScanObject)
}

// copyThroughTemp runs the active copy function against an object held
// in a local, for callers that have an object value rather than a heap
// slot (finalizer promotion, bridge gathering). Returns the possibly
// moved address.
func (c *collector) copyThroughTemp(obj uintptr, queue *grayQueue) uintptr {
	tmp := obj
	c.copyObjectFunc(uintptr(unsafe.Pointer(&tmp)), queue)
	return tmp
}

// ---------------------------------------------------------------------
// finishGrayStack: the reachability fixpoint at the end of every
// collection. The order is rigid; each numbered step leans on the ones
// before it.
func (c *collector) finishGrayStack(queue *grayQueue) {
	// 1. Whatever root scanning left behind.
	c.drainGrayStack(queue, -1)

	// 2. Togglerefs: the host decides strong/weak/drop per object.
	c.fin.scanTogglerefs(queue)
	c.drainGrayStack(queue, -1)

	// 3. Ephemerons to fixpoint: values reachable only through live
	// keys.
	c.fin.markEphemerons(queue)

	// 4. Bridge objects: gathered, promoted, handed to the host after
	// restart.
	bridgeActive := c.fin.collectBridgeObjects(queue)
	c.drainGrayStack(queue, -1)

	// 5. Non-tracking weak links die before finalization promotes
	// anything.
	c.fin.nullWeakLinks(false, queue)

	// 6. Finalizer promotion loop: unreachable finalizable objects are
	// revived onto the ready lists; reviving can make more finalizable
	// objects reachable, so loop. The bridge-processing contract
	// permits at most a single pass.
	for {
		n := c.fin.promoteUnreachableFinalizers(queue)
		c.drainGrayStack(queue, -1)
		if n == 0 || bridgeActive {
			break
		}
	}

	// 7. Finalizers may have revived ephemeron keys.
	c.fin.markEphemerons(queue)

	// 8. Pairs whose keys stayed unreachable are cleared for good.
	c.fin.clearUnreachableEphemerons()

	// 9. Tracking weak links observe finalization; null them to
	// fixpoint.
	for {
		c.fin.nullWeakLinks(true, queue)
		if queue.isEmpty() {
			break
		}
		c.drainGrayStack(queue, -1)
	}

	// 10. Nothing may be left gray.
	if !queue.isEmpty() {
		throw("gray stack not empty at the end of the fixpoint")
	}
}
