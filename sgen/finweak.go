package sgen

import "unsafe"

// Finalization, disappearing links, ephemerons, togglerefs.
//
// All three registries are arena-backed maps keyed by address: entries
// come from fixalloc arenas, the maps only hold pointers into them, and
// cross-references between tables go through a fresh lookup instead of
// owning pointers. Registrations arriving while a collection is in
// progress are staged under their own lock and merged at the start of
// the next cycle.

type finalizeEntry struct {
	next     *finalizeEntry
	object   uintptr
	critical bool
}

type dislinkEntry struct {
	slot  uintptr
	track bool
}

type ephemeronNode struct {
	next  *ephemeronNode
	array uintptr
}

type togglerefEntry struct {
	// Exactly one of the two is non-zero: strong while the host wants
	// the object kept, weak (possibly cleared) otherwise.
	strong uintptr
	weak   uintptr
}

type stagedDislink struct {
	obj   uintptr
	slot  uintptr
	track bool
}

type finState struct {
	// Objects with a registered, not yet triggered finalizer.
	registered map[uintptr]*finalizeEntry

	// Revived objects whose finalizers must run, drained by the
	// finalizer thread. Ordinary before critical.
	finReady      *finalizeEntry
	criticalReady *finalizeEntry
	readyCount    int

	dislinks map[uintptr]*dislinkEntry // keyed by slot address

	ephemerons *ephemeronNode

	togglerefs []togglerefEntry

	stagedFinalizers []uintptr
	stagedDislinks   []stagedDislink
	stagedEphemerons []uintptr

	bridgeList []uintptr
}

func (f *finState) init() {
	f.registered = make(map[uintptr]*finalizeEntry)
	f.dislinks = make(map[uintptr]*dislinkEntry)
}

// Disappearing links hide their referent bit-inverted so conservative
// scans do not keep the target alive.
func hidePointer(p uintptr) uintptr {
	if p == 0 {
		return 0
	}
	return ^p
}

func unhidePointer(h uintptr) uintptr {
	if h == 0 {
		return 0
	}
	return ^h
}

var ephemeronTombstoneCell uintptr

// ephemeronTombstone is the sentinel written over the key slot of a
// cleared ephemeron pair.
func ephemeronTombstone() uintptr {
	return uintptr(unsafe.Pointer(&ephemeronTombstoneCell))
}

// ---------------------------------------------------------------------
// Mutator-facing registration. Everything is staged; the stage lists
// are merged under STW at the start of the next collection, which is
// also what makes registration safe while a collection is in progress.

func (f *finState) registerFinalizer(obj uintptr) {
	lock(&gc.lockStage)
	f.stagedFinalizers = append(f.stagedFinalizers, obj)
	unlock(&gc.lockStage)
}

// registerDisappearingLink stores the hidden pointer immediately (the
// mutator expects the link to read back right away) and stages the
// table entry; obj == 0 is a removal.
func (f *finState) registerDisappearingLink(obj, slot uintptr, track bool) {
	lock(&gc.lockStage)
	storeWord(slot, hidePointer(obj))
	f.stagedDislinks = append(f.stagedDislinks, stagedDislink{obj: obj, slot: slot, track: track})
	unlock(&gc.lockStage)
}

func (f *finState) registerEphemeronArray(arr uintptr) {
	lock(&gc.lockStage)
	f.stagedEphemerons = append(f.stagedEphemerons, arr)
	unlock(&gc.lockStage)
}

func (f *finState) addToggleref(obj uintptr) {
	lock(&gc.lockGC)
	f.togglerefs = append(f.togglerefs, togglerefEntry{strong: obj})
	unlock(&gc.lockGC)
}

// processStagedRegistrations merges mutator-time registrations into
// the live tables. Runs under STW at the start of a collection.
func (f *finState) processStagedRegistrations() {
	lock(&gc.lockStage)
	fins := f.stagedFinalizers
	links := f.stagedDislinks
	eph := f.stagedEphemerons
	f.stagedFinalizers = nil
	f.stagedDislinks = nil
	f.stagedEphemerons = nil
	unlock(&gc.lockStage)

	for _, obj := range fins {
		if _, dup := f.registered[obj]; dup {
			continue
		}
		e := (*finalizeEntry)(gc.finAlloc.alloc())
		e.object = obj
		if gc.cbs.IsCriticalFinalizerClass != nil {
			e.critical = gc.cbs.IsCriticalFinalizerClass(gc.cbs.ClassOf(vtableOf(obj)))
		}
		f.registered[obj] = e
	}
	for _, sd := range links {
		if sd.obj == 0 {
			// Removal request; the slot was already cleared at
			// registration time.
			if old, ok := f.dislinks[sd.slot]; ok {
				delete(f.dislinks, sd.slot)
				gc.dislinkAlloc.free(unsafe.Pointer(old))
			}
			continue
		}
		// The hidden pointer went into the slot at registration time;
		// only the table entry is created here, before any tracing
		// pass can need it.
		e, ok := f.dislinks[sd.slot]
		if !ok {
			e = (*dislinkEntry)(gc.dislinkAlloc.alloc())
			e.slot = sd.slot
			f.dislinks[sd.slot] = e
		}
		e.track = sd.track
	}
	for _, arr := range eph {
		n := (*ephemeronNode)(gc.ephemeronAlloc.alloc())
		n.array = arr
		n.next = f.ephemerons
		f.ephemerons = n
	}
}

// ---------------------------------------------------------------------
// Collection-time passes. All run on the collection's owner thread
// with the world stopped; the copy function and liveness predicate are
// whatever the current generation dictates.

func (f *finState) scanTogglerefs(queue *grayQueue) {
	if gc.cbs.Toggleref == nil {
		return
	}
	for i := range f.togglerefs {
		e := &f.togglerefs[i]
		obj := e.strong
		if obj == 0 {
			obj = e.weak
		}
		if obj == 0 {
			continue
		}
		switch gc.cbs.Toggleref(obj) {
		case ToggleRefStrong:
			e.strong, e.weak = obj, 0
			gc.copyObjectFunc(uintptr(unsafe.Pointer(&e.strong)), queue)
		case ToggleRefWeak:
			e.strong, e.weak = 0, obj
		case ToggleRefDrop:
			e.strong, e.weak = 0, 0
		}
	}
}

// updateTogglerefs rewrites or clears weak toggleref slots after the
// fixpoint settled.
func (f *finState) updateTogglerefs() {
	w := 0
	for _, e := range f.togglerefs {
		if e.weak != 0 {
			if moved, alive := gc.copiedOrAlive(e.weak); alive {
				e.weak = moved
			} else {
				e.weak = 0
			}
		}
		if e.strong != 0 || e.weak != 0 {
			f.togglerefs[w] = e
			w++
		}
	}
	f.togglerefs = f.togglerefs[:w]
}

// markEphemerons runs the ephemeron propagation to fixpoint: for every
// reachable pair array, every value whose key is reachable is copied.
// A round that copies nothing ends the loop.
func (f *finState) markEphemerons(queue *grayQueue) {
	for {
		progressed := false
		for prev := &f.ephemerons; *prev != nil; {
			node := *prev
			arr := node.array
			if vtableOf(arr) == 0 {
				// Domain unload nulled the array's vtable; drop the
				// node silently.
				*prev = node.next
				gc.ephemeronAlloc.free(unsafe.Pointer(node))
				continue
			}
			if fwd, ok := objectIsForwarded(arr); ok {
				node.array = fwd
				arr = fwd
			}
			if !gc.isObjectAlive(arr) {
				prev = &node.next
				continue
			}

			arrInNursery := gc.ptrInNursery(arr)
			size := gc.objectSize(arr)
			pairs := (size - objHeaderSize) / (2 * ptrSize)
			for i := uintptr(0); i < pairs; i++ {
				keySlot := arr + objHeaderSize + 2*i*ptrSize
				valSlot := keySlot + ptrSize
				key := loadWord(keySlot)
				if key == 0 || key == ephemeronTombstone() {
					continue
				}
				if fwd, ok := objectIsForwarded(key); ok {
					storeWord(keySlot, fwd)
					key = fwd
				}
				if !gc.isObjectAlive(key) {
					continue
				}
				if !arrInNursery && gc.ptrInNursery(key) {
					gc.remset.recordPointer(keySlot)
				}
				val := loadWord(valSlot)
				if val == 0 {
					continue
				}
				if fwd, ok := objectIsForwarded(val); ok {
					storeWord(valSlot, fwd)
					val = fwd
				}
				if !gc.isObjectAlive(val) {
					gc.copyObjectFunc(valSlot, queue)
					gc.drainGrayStack(queue, -1)
					progressed = true
				}
				if !arrInNursery && gc.ptrInNursery(loadWord(valSlot)) {
					gc.remset.recordPointer(valSlot)
				}
			}
			prev = &node.next
		}
		if !progressed {
			break
		}
	}
}

// clearUnreachableEphemerons tombstones every pair whose key stayed
// unreachable, and drops nodes whose array died.
func (f *finState) clearUnreachableEphemerons() {
	for prev := &f.ephemerons; *prev != nil; {
		node := *prev
		arr := node.array
		if vtableOf(arr) == 0 || !gc.isObjectAlive(arr) {
			*prev = node.next
			gc.ephemeronAlloc.free(unsafe.Pointer(node))
			continue
		}
		size := gc.objectSize(arr)
		pairs := (size - objHeaderSize) / (2 * ptrSize)
		for i := uintptr(0); i < pairs; i++ {
			keySlot := arr + objHeaderSize + 2*i*ptrSize
			valSlot := keySlot + ptrSize
			key := loadWord(keySlot)
			if key == 0 || key == ephemeronTombstone() {
				continue
			}
			if fwd, ok := objectIsForwarded(key); ok {
				storeWord(keySlot, fwd)
				key = fwd
			}
			if !gc.isObjectAlive(key) {
				storeWord(keySlot, ephemeronTombstone())
				storeWord(valSlot, 0)
			}
		}
		prev = &node.next
	}
}

// collectBridgeObjects gathers unreachable bridge objects, revives
// them and queues them for the host's bridge processor, which runs
// after the world restarts. Reports whether bridge processing is
// active this cycle.
func (f *finState) collectBridgeObjects(queue *grayQueue) bool {
	if gc.cbs.IsBridgeObject == nil || gc.cbs.ProcessBridges == nil {
		return false
	}
	for obj, e := range f.registered {
		if gc.isObjectAlive(obj) || !gc.cbs.IsBridgeObject(obj) {
			continue
		}
		moved := gc.copyThroughTemp(obj, queue)
		if moved != obj {
			delete(f.registered, obj)
			e.object = moved
			f.registered[moved] = e
		}
		f.bridgeList = append(f.bridgeList, moved)
	}
	return true
}

// promoteUnreachableFinalizers revives every registered object that is
// not reachable, moving its entry to the ready lists; surviving
// entries whose object moved are rehashed at the new address. Returns
// how many were revived this pass.
func (f *finState) promoteUnreachableFinalizers(queue *grayQueue) int {
	keys := make([]uintptr, 0, len(f.registered))
	for obj := range f.registered {
		keys = append(keys, obj)
	}
	promoted := 0
	for _, obj := range keys {
		e := f.registered[obj]
		if e == nil {
			continue
		}
		if gc.isObjectAlive(obj) {
			if fwd, ok := objectIsForwarded(obj); ok {
				delete(f.registered, obj)
				e.object = fwd
				f.registered[fwd] = e
			}
			continue
		}
		newAddr := gc.copyThroughTemp(obj, queue)
		delete(f.registered, obj)
		e.object = newAddr
		if e.critical {
			e.next = f.criticalReady
			f.criticalReady = e
		} else {
			e.next = f.finReady
			f.finReady = e
		}
		f.readyCount++
		promoted++
	}
	return promoted
}

// nullWeakLinks clears disappearing links whose referent died. The
// first pass (tracking=false) runs before finalization and touches
// only non-tracking links; the second (tracking=true) runs after and
// touches the rest. Links to moved survivors are rewritten either way.
func (f *finState) nullWeakLinks(tracking bool, queue *grayQueue) {
	for slot, e := range f.dislinks {
		hidden := loadWord(slot)
		obj := unhidePointer(hidden)
		if obj == 0 {
			delete(f.dislinks, slot)
			gc.dislinkAlloc.free(unsafe.Pointer(e))
			continue
		}
		if moved, alive := gc.copiedOrAlive(obj); alive {
			if moved != obj {
				storeWord(slot, hidePointer(moved))
			}
			continue
		}
		if e.track != tracking {
			continue
		}
		storeWord(slot, 0)
		delete(f.dislinks, slot)
		gc.dislinkAlloc.free(unsafe.Pointer(e))
	}
}

// ---------------------------------------------------------------------
// Finalizer thread side.

// runFinalizers drains the ready lists outside of STW: ordinary
// entries first, then critical ones. Each entry is unlinked under the
// GC lock before its callback fires, which is what makes every
// finalizer run exactly once. Returns the number of finalizers run.
func (f *finState) runFinalizers() int {
	if gc.cbs.InvokeFinalizer == nil {
		return 0
	}
	ran := 0
	for {
		lock(&gc.lockGC)
		var e *finalizeEntry
		if f.finReady != nil {
			e = f.finReady
			f.finReady = e.next
		} else if f.criticalReady != nil {
			e = f.criticalReady
			f.criticalReady = e.next
		}
		if e != nil {
			f.readyCount--
		}
		unlock(&gc.lockGC)
		if e == nil {
			return ran
		}
		obj := e.object
		lock(&gc.lockGC)
		gc.finAlloc.free(unsafe.Pointer(e))
		unlock(&gc.lockGC)
		gc.cbs.InvokeFinalizer(obj)
		ran++
	}
}

// takeBridgeList hands the gathered bridge objects to the caller and
// resets the staging slice.
func (f *finState) takeBridgeList() []uintptr {
	l := f.bridgeList
	f.bridgeList = nil
	return l
}
