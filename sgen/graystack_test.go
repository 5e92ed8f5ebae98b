package sgen

import "testing"

func TestGrayQueueStacking(t *testing.T) {
	ensureInit()
	var q grayQueue
	defer q.freeAll()

	const n = 3*grayQueueSectionSize + 7
	for i := 1; i <= n; i++ {
		q.enqueue(uintptr(i * 8))
	}
	if q.isEmpty() {
		t.Fatal("queue empty after enqueues")
	}
	if got := q.size(); got != n {
		t.Fatalf("size = %d, want %d", got, n)
	}
	// LIFO across section boundaries.
	for i := n; i >= 1; i-- {
		obj, ok := q.dequeue()
		if !ok {
			t.Fatalf("queue dry with %d entries to go", i)
		}
		if obj != uintptr(i*8) {
			t.Fatalf("dequeued %d, want %d", obj, i*8)
		}
	}
	if _, ok := q.dequeue(); ok {
		t.Fatal("dequeue from empty queue succeeded")
	}
}

func TestGrayQueueSectionHandoff(t *testing.T) {
	ensureInit()
	var a, b grayQueue
	defer a.freeAll()
	defer b.freeAll()

	for i := 1; i <= 2*grayQueueSectionSize; i++ {
		a.enqueue(uintptr(i * 8))
	}
	s := a.popSection()
	if s == nil {
		t.Fatal("no section to pop with two sections queued")
	}

	var d grayDistributeQueue
	if !d.empty() {
		t.Fatal("fresh distribute queue not empty")
	}
	d.push(s)
	if d.empty() {
		t.Fatal("distribute queue empty after push")
	}
	got := d.tryPop()
	if got != s {
		t.Fatal("distribute queue returned a different section")
	}
	if d.tryPop() != nil {
		t.Fatal("distribute queue not drained")
	}

	b.pushSection(got)
	total := a.size() + b.size()
	if total != 2*grayQueueSectionSize {
		t.Fatalf("entries lost in handoff: %d", total)
	}
}

func TestGrayQueueDrain(t *testing.T) {
	ensureInit()
	var q grayQueue
	defer q.freeAll()

	// Each scanned entry enqueues one child until the value runs out,
	// exercising drain's scan-while-enqueueing contract.
	q.enqueue(64)
	var seen []uintptr
	n := q.drain(-1, func(obj uintptr, q *grayQueue) {
		seen = append(seen, obj)
		if obj > 8 {
			q.enqueue(obj - 8)
		}
	})
	if n != 8 || len(seen) != 8 {
		t.Fatalf("drained %d objects, want 8", n)
	}
	if !q.isEmpty() {
		t.Fatal("queue not empty after full drain")
	}
}
