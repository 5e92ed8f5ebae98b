package sgen

import (
	"runtime"
	"sync"
)

// Parallel marking.
//
// The main thread enqueues jobs (scan-remset, scan-roots, scan-thread
// -data; finalizer lists are scanned serially in finishGrayStack, not
// by a job); each worker pops jobs and traces into
// a private gray queue. When a private queue outgrows one section, the
// surplus section goes to the distribute queue; idle workers pull from
// it. The main thread polls and yields while the distribute queue has
// work, then joins: nothing enqueued after startMarking is observable
// as completed until join returns.
type workerJob struct {
	next *workerJob
	name string
	fn   func(w *workerData)
}

type workerData struct {
	index int
	queue grayQueue
}

type workerPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	workers []*workerData

	jobs     *workerJob
	jobsTail *workerJob

	marking  bool
	active   int
	shutdown bool
}

func (p *workerPool) init(n int) {
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		w := &workerData{index: i}
		p.workers = append(p.workers, w)
		go p.workerLoop(w)
	}
}

func (p *workerPool) enabled() bool {
	return len(p.workers) > 0
}

func (p *workerPool) startMarking() {
	p.mu.Lock()
	p.marking = true
	p.mu.Unlock()
}

func (p *workerPool) enqueueJob(name string, fn func(w *workerData)) {
	j := &workerJob{name: name, fn: fn}
	p.mu.Lock()
	if p.jobsTail != nil {
		p.jobsTail.next = j
	} else {
		p.jobs = j
	}
	p.jobsTail = j
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) takeJob() *workerJob {
	j := p.jobs
	if j != nil {
		p.jobs = j.next
		if p.jobs == nil {
			p.jobsTail = nil
		}
	}
	return j
}

func (p *workerPool) workerLoop(w *workerData) {
	for {
		p.mu.Lock()
		var j *workerJob
		for {
			if p.shutdown {
				p.mu.Unlock()
				return
			}
			if p.marking {
				if j = p.takeJob(); j != nil {
					break
				}
				if !gc.distribute.empty() {
					break
				}
			}
			p.cond.Wait()
		}
		p.active++
		p.mu.Unlock()

		if j != nil {
			j.fn(w)
		}
		p.drainLoop(w)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.cond.Broadcast()
	}
}

// drainLoop empties the worker's private queue, rebalancing through
// the distribute queue: once the private queue holds more than one
// section's worth, its top section is handed off, and a worker whose
// queue ran dry pulls sections back.
func (p *workerPool) drainLoop(w *workerData) {
	for {
		scanned := w.queue.drain(grayQueueSectionSize, gc.currentScanObject)
		if scanned > 0 {
			if w.queue.size() > grayQueueSectionSize {
				if s := w.queue.popSection(); s != nil {
					gc.distribute.push(s)
					p.cond.Broadcast()
				}
			}
			continue
		}
		s := gc.distribute.tryPop()
		if s == nil {
			return
		}
		w.queue.pushSection(s)
	}
}

// join blocks the main thread until every job ran, every private queue
// drained and the distribute queue is empty.
func (p *workerPool) join() {
	for {
		p.mu.Lock()
		idle := p.jobs == nil && p.active == 0
		p.mu.Unlock()
		if idle && gc.distribute.empty() {
			break
		}
		runtime.Gosched()
	}
	p.mu.Lock()
	p.marking = false
	p.mu.Unlock()

	// A worker may have gone idle between its last handoff and the
	// empty check above; anything it left behind lands on the main
	// queue now.
	for {
		s := gc.distribute.tryPop()
		if s == nil {
			break
		}
		gc.gray.pushSection(s)
	}
	for _, w := range p.workers {
		if !w.queue.isEmpty() {
			throw("worker finished join with gray work left")
		}
		w.queue.freeAll()
	}
}
