package sgen

import "unsafe"

// Garbage collector work list.
//
// A gray object is one that has been discovered and sits on a queue
// awaiting its scan; a black object is scanned and off the queue. The
// queue is a stack of fixed-size sections so that parallel workers can
// rebalance by handing whole sections through the distribute queue
// instead of contending on individual entries. The only ordering
// guarantee is that an object enqueued once is scanned at least once,
// and its descriptor-reachable children are enqueued before that scan
// completes.
type grayQueueSection struct {
	next    *grayQueueSection
	count   int
	objects [grayQueueSectionSize]uintptr
}

// grayQueue is a single-owner stack of sections. Each worker owns one;
// the serial collector owns one. Section memory comes from a shared
// fixalloc arena; a small private free list keeps the hot
// enqueue/dequeue path away from the arena lock.
type grayQueue struct {
	first    *grayQueueSection
	freeList *grayQueueSection
}

var graySectionState struct {
	lock mutex
}

func allocGraySection(q *grayQueue) *grayQueueSection {
	if s := q.freeList; s != nil {
		q.freeList = s.next
		s.next = nil
		s.count = 0
		return s
	}
	lock(&graySectionState.lock)
	s := (*grayQueueSection)(gc.grayAlloc.alloc())
	unlock(&graySectionState.lock)
	return s
}

func (q *grayQueue) releaseSection(s *grayQueueSection) {
	s.next = q.freeList
	q.freeList = s
}

func (q *grayQueue) enqueue(obj uintptr) {
	if obj == 0 {
		throw("enqueueing null object")
	}
	s := q.first
	if s == nil || s.count == grayQueueSectionSize {
		ns := allocGraySection(q)
		ns.next = s
		q.first = ns
		s = ns
	}
	s.objects[s.count] = obj
	s.count++
}

func (q *grayQueue) dequeue() (uintptr, bool) {
	s := q.first
	for s != nil && s.count == 0 {
		q.first = s.next
		q.releaseSection(s)
		s = q.first
	}
	if s == nil {
		return 0, false
	}
	s.count--
	return s.objects[s.count], true
}

func (q *grayQueue) isEmpty() bool {
	for s := q.first; s != nil; s = s.next {
		if s.count > 0 {
			return false
		}
	}
	return true
}

// size reports queued entries; used for rebalancing decisions only.
func (q *grayQueue) size() int {
	n := 0
	for s := q.first; s != nil; s = s.next {
		n += s.count
	}
	return n
}

// popSection detaches the top section when the queue holds more than
// one, for handing to the distribute queue.
func (q *grayQueue) popSection() *grayQueueSection {
	s := q.first
	if s == nil || s.next == nil || s.count == 0 {
		return nil
	}
	q.first = s.next
	s.next = nil
	return s
}

// pushSection takes ownership of a section pulled from the distribute
// queue.
func (q *grayQueue) pushSection(s *grayQueueSection) {
	s.next = q.first
	q.first = s
}

// reset discards all queued work. Only legal when abandoning a queue
// whose contents were consumed or merged elsewhere.
func (q *grayQueue) reset() {
	for s := q.first; s != nil; {
		next := s.next
		q.releaseSection(s)
		s = next
	}
	q.first = nil
}

// freeAll returns every section, including the private free list, to
// the shared arena. Called between collections.
func (q *grayQueue) freeAll() {
	q.reset()
	lock(&graySectionState.lock)
	for s := q.freeList; s != nil; {
		next := s.next
		gc.grayAlloc.free(unsafe.Pointer(s))
		s = next
	}
	unlock(&graySectionState.lock)
	q.freeList = nil
}

// drain scans up to max objects from the queue (all of them if max is
// negative) with the supplied scan function, which enqueues any
// children it discovers. Returns the number scanned.
func (q *grayQueue) drain(max int, scan func(obj uintptr, q *grayQueue)) int {
	n := 0
	for max < 0 || n < max {
		obj, ok := q.dequeue()
		if !ok {
			break
		}
		scan(obj, q)
		n++
	}
	return n
}

// grayDistributeQueue is the lock-protected exchange point between
// parallel markers: workers with surplus push full sections, idle
// workers pull them.
type grayDistributeQueue struct {
	lock  mutex
	first *grayQueueSection
	count int
}

func (d *grayDistributeQueue) push(s *grayQueueSection) {
	lock(&d.lock)
	s.next = d.first
	d.first = s
	d.count++
	unlock(&d.lock)
}

func (d *grayDistributeQueue) tryPop() *grayQueueSection {
	lock(&d.lock)
	s := d.first
	if s != nil {
		d.first = s.next
		s.next = nil
		d.count--
	}
	unlock(&d.lock)
	return s
}

func (d *grayDistributeQueue) empty() bool {
	lock(&d.lock)
	e := d.first == nil
	unlock(&d.lock)
	return e
}
