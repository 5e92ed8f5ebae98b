package sgen

// Stop-the-world protocol.
//
// Entry contract: the thread driving the collection holds the GC lock.
// stopWorld additionally takes the interruption lock (blocking mutator
// APIs that cannot run during STW) and the suspend lock (serializing
// suspension requests), snapshots the driver's own stack, and signals
// every other registered thread to suspend through the host callbacks.
//
// A thread that was suspended inside the managed allocator is restarted
// so it can leave it (its allocation is not atomic with respect to
// collector state), and the handshake round repeats until no live
// thread is inside the allocator. Threads that fail a handshake are
// dead: they are marked skip and ignored by every later pass.

// registerThreadInternal attaches a mutator thread to the collector.
func (c *collector) registerThreadInternal(ti *ThreadInfo) {
	lock(&c.lockGC)
	ti.next = c.threads
	c.threads = ti
	c.remset.registerThread(ti)
	unlock(&c.lockGC)
}

func (c *collector) unregisterThreadInternal(ti *ThreadInfo) {
	lock(&c.lockGC)
	c.retireTLAB(ti)
	c.remset.cleanupThread(ti)
	for p := &c.threads; *p != nil; p = &(*p).next {
		if *p == ti {
			*p = ti.next
			break
		}
	}
	unlock(&c.lockGC)
}

// updateCurrentThreadStack records the driver's current stack pointer
// as StackLo, so [StackLo, StackHi) covers its live frames when the
// host supplied StackHi. Hosts that manage stack bounds themselves
// pre-set both ends and are left alone. Without a host-set StackHi the
// range is empty and the driver's stack is not scanned.
func (c *collector) updateCurrentThreadStack() {
	self := c.currentThread()
	if self == nil {
		return
	}
	if self.StackHi != 0 && self.StackLo != 0 {
		return
	}
	sp := getStackPointer()
	self.StackLo = sp
	if self.StackHi < sp {
		self.StackHi = sp
	}
	self.stackCaptured = true
}

// stopWorld suspends every registered thread except the caller's and
// returns the stop timestamp for pause accounting.
func (c *collector) stopWorld() int64 {
	lock(&c.lockInterruption)
	lock(&c.lockSuspend)
	t0 := nanotime()

	c.updateCurrentThreadStack()
	self := c.currentThread()

	suspended := 0
	for ti := c.threads; ti != nil; ti = ti.next {
		if ti == self || ti.skip || ti.suspended {
			continue
		}
		if !c.cbs.SuspendThread(ti) {
			ti.skip = true
			continue
		}
		ti.suspended = true
		suspended++
	}
	if c.cbs.WaitForSuspendAck != nil && suspended > 0 {
		c.cbs.WaitForSuspendAck(suspended)
	}

	// Retry until no suspended thread sits inside the managed
	// allocator.
	rounds := 0
	for c.cbs.IsIPInManagedAllocator != nil {
		restarted := 0
		for ti := c.threads; ti != nil; ti = ti.next {
			if ti == self || ti.skip || !ti.suspended {
				continue
			}
			if !c.cbs.IsIPInManagedAllocator(ti.IP) {
				continue
			}
			if !c.cbs.ResumeThread(ti) {
				ti.skip = true
				ti.suspended = false
				continue
			}
			if !c.cbs.SuspendThread(ti) {
				ti.skip = true
				ti.suspended = false
				continue
			}
			restarted++
		}
		if restarted == 0 {
			break
		}
		if c.cbs.WaitForSuspendAck != nil {
			c.cbs.WaitForSuspendAck(restarted)
		}
		rounds++
	}
	c.stats.stwRounds = rounds
	c.stats.timeStopWorld += nanotime() - t0
	return t0
}

// restartWorld resumes the suspended threads, releases the STW locks
// and accounts the pause.
func (c *collector) restartWorld(t0 int64) {
	for ti := c.threads; ti != nil; ti = ti.next {
		if !ti.suspended {
			continue
		}
		ti.suspended = false
		if !c.cbs.ResumeThread(ti) {
			ti.skip = true
		}
	}
	self := c.currentThread()
	if self != nil && self.stackCaptured {
		self.StackLo, self.StackHi = 0, 0
		self.stackCaptured = false
	}

	now := nanotime()
	pause := now - t0
	c.stats.totalPause += pause
	if pause > c.stats.maxPause {
		c.stats.maxPause = pause
	}
	c.stats.timeRestartWorld += now - t0

	unlock(&c.lockSuspend)
	unlock(&c.lockInterruption)
}

// pinThreadStacks conservatively feeds every suspended thread's stack
// words and saved registers to the pin queue. The driver's own stack
// was snapshotted by updateCurrentThreadStack.
func (c *collector) pinThreadStacks(scanArea addrRange) {
	for ti := c.threads; ti != nil; ti = ti.next {
		if ti.skip {
			continue
		}
		if ti.StackLo != 0 && ti.StackHi > ti.StackLo {
			c.conservativelyPinRange(ti.StackLo, ti.StackHi, scanArea)
		}
		for _, r := range ti.Regs {
			if scanArea.contains(r) {
				c.pin.add(r)
				c.stats.pinnedCandidates++
			}
		}
	}
}

// scanThreadData is the precise counterpart, dispatched as a root-scan
// job when the host supplies a thread mark function and precise stack
// marking is configured.
func (c *collector) scanThreadData(copy copyFunc, queue *grayQueue) {
	if c.cbs.ThreadMarkFunc == nil || !c.params.preciseStackMark {
		return
	}
	for ti := c.threads; ti != nil; ti = ti.next {
		if ti.skip {
			continue
		}
		c.cbs.ThreadMarkFunc(ti, ti.StackLo, ti.StackHi, true, func(slot uintptr) {
			if loadWord(slot) != 0 {
				copy(slot, queue)
			}
		})
	}
}
