package sgen

// Root registry.
//
// Three disjoint tables keyed by range start: normal roots (precise,
// descriptor-driven), pinned roots (conservative, no descriptor), and
// wbarrier roots (precise ranges whose stores go through the write
// barrier). Records live until deregistered; registering the same
// start again replaces the record, which is how thread-local ranges
// change size.
type rootRecord struct {
	end   uintptr
	descr uintptr
}

type rootRegistry struct {
	tables [rootTypeNum]map[uintptr]rootRecord
}

var roots rootRegistry

func (r *rootRegistry) init() {
	for i := range r.tables {
		r.tables[i] = make(map[uintptr]rootRecord)
	}
}

// register adds or replaces the root range [start, start+size) in the
// given table. A root registered in one table shadows a same-start
// record in any other, so the other tables are cleaned first.
func (r *rootRegistry) register(start, size uintptr, descr uintptr, kind int) {
	if kind == rootTypePinned {
		descr = descTypeConservative
	} else if descType(descr) == descTypeRunLength {
		throw("run-length root descriptors are reserved")
	}
	lock(&gc.lockGC)
	for k := range r.tables {
		if k != kind {
			delete(r.tables[k], start)
		}
	}
	r.tables[kind][start] = rootRecord{end: start + size, descr: descr}
	unlock(&gc.lockGC)
}

// deregister removes the root range starting at start from whichever
// table holds it.
func (r *rootRegistry) deregister(start uintptr) {
	lock(&gc.lockGC)
	for k := range r.tables {
		delete(r.tables[k], start)
	}
	unlock(&gc.lockGC)
}

// scan walks every record of one precise table, dispatching on the
// descriptor. Per the precise-scan contract, the gray stack is drained
// after every visited slot, so root-reachable subgraphs are traced as
// they are discovered.
func (r *rootRegistry) scan(kind int, copy copyFunc, queue *grayQueue) {
	if kind == rootTypePinned {
		throw("pinned roots are scanned by the pinning pass")
	}
	drainCopy := func(slot uintptr, q *grayQueue) {
		copy(slot, q)
		q.drain(-1, gc.currentScanObject)
	}
	for start, rec := range r.tables[kind] {
		gc.scanReferencesInRange(start, rec.end, rec.descr, drainCopy, queue)
	}
}

// pinRoots feeds every word of every pinned-type root range to the pin
// queue, restricted to the area the current collection scans.
func (r *rootRegistry) pinRoots(scanArea addrRange) {
	for start, rec := range r.tables[rootTypePinned] {
		gc.conservativelyPinRange(start, rec.end, scanArea)
	}
}
