package sgen

// The collector core is runtime-agnostic: object layout, class
// metadata, thread suspension and finalizer invocation are all supplied
// by the embedding runtime through this record at Init time. Mandatory
// fields are checked once; optional ones degrade features (no
// ThreadMarkFunc means conservative stack scanning, no IsBridgeObject
// means bridge processing is off).
type Callbacks struct {
	// Object layout. ObjectSize returns the full size in bytes
	// including the two-word header; ClassOf maps a vtable to its
	// class; ReferenceBitmap returns a descriptor (DescBitmap /
	// DescComplex encoding) selecting the reference slots of instances
	// of the class, counted from the end of the header.
	ObjectSize      func(obj uintptr) uintptr
	ClassOf         func(vt uintptr) uintptr
	ReferenceBitmap func(class uintptr) uintptr

	// ArrayObjectSize computes the size of an array object with the
	// given element count, for AllocArray.
	ArrayObjectSize func(vt uintptr, count uintptr) uintptr

	// ValueSize returns the unboxed size of a value-type class, for the
	// value-copy barrier.
	ValueSize func(class uintptr) uintptr

	// IsCriticalFinalizerClass routes finalizer registrations for
	// classes inheriting the runtime's critical-finalizer marker to the
	// critical list, drained after the ordinary one.
	IsCriticalFinalizerClass func(class uintptr) bool

	// InvokeFinalizer runs one finalizer. Called from RunFinalizers
	// outside the GC lock, exactly once per registration.
	InvokeFinalizer func(obj uintptr)

	// Thread suspension. SuspendThread must stop the thread at a safe
	// point and fill ti.StackLo/StackHi/IP (and Regs when the platform
	// keeps pointers in registers); false means the thread died.
	// WaitForSuspendAck blocks until n suspension acknowledgements
	// arrived.
	SuspendThread     func(ti *ThreadInfo) bool
	ResumeThread      func(ti *ThreadInfo) bool
	WaitForSuspendAck func(n int)

	// IsIPInManagedAllocator drives the stop-the-world retry loop: a
	// thread suspended inside the managed allocator is restarted so it
	// can leave it.
	IsIPInManagedAllocator func(ip uintptr) bool

	// Optional precise stack scanning. When set and stack-mark=precise,
	// the thread-data scan relays each reference slot of the thread's
	// stack instead of the conservative word scan.
	ThreadMarkFunc func(ti *ThreadInfo, stackLo, stackHi uintptr, precise bool, relay func(slot uintptr))

	// CurrentThread resolves the calling mutator's registered thread
	// info; the allocation and write-barrier fast paths depend on it.
	CurrentThread func() *ThreadInfo

	// Optional bridge processing: unreachable objects satisfying
	// IsBridgeObject are kept alive for one cycle and handed to
	// ProcessBridges after the world restarts.
	IsBridgeObject func(obj uintptr) bool
	ProcessBridges func(objs []uintptr)

	// Optional toggleref support, consulted for every registered
	// toggleref during the reachability post-passes.
	Toggleref func(obj uintptr) ToggleRefStatus

	// NotifyFinalizers wakes the host's finalizer thread after a
	// collection left entries on the ready lists.
	NotifyFinalizers func()
}

type ToggleRefStatus int

const (
	ToggleRefDrop ToggleRefStatus = iota
	ToggleRefStrong
	ToggleRefWeak
)

// UserMarkFunc is the marker callback behind DescUser root
// descriptors: it walks the root range itself and relays every
// reference slot it finds.
type UserMarkFunc func(start, end uintptr, relay func(slot uintptr))

// ThreadInfo is the collector's view of one registered mutator thread.
// The embedding runtime owns the suspension fields; the collector owns
// the TLAB and store-buffer fields.
type ThreadInfo struct {
	ID int64

	// Stack bounds for conservative scanning, StackLo < StackHi.
	// Filled by SuspendThread for suspended threads; for the thread
	// driving a collection StackLo is captured at stop-world time unless
	// the host pre-set both. StackHi comes only from the host; without
	// it the driver's stack is not scanned.
	StackLo uintptr
	StackHi uintptr

	// Saved instruction pointer and pointer-holding registers at the
	// suspension point.
	IP   uintptr
	Regs []uintptr

	// Marked when the thread fails a suspension handshake; subsequent
	// passes ignore it.
	skip bool

	suspended bool

	// Set when stopWorld captured the driver's stack bounds itself, so
	// restartWorld knows to drop them again.
	stackCaptured bool

	// TLAB bump-allocation window: [tlabNext, tlabTempEnd) is ready to
	// allocate from, tlabRealEnd is the end of the reserved region.
	tlabStart   uintptr
	tlabNext    uintptr
	tlabTempEnd uintptr
	tlabRealEnd uintptr

	// Sequential store buffer for the remset backend.
	storeBuf *storeRemsetBuffer

	next *ThreadInfo
}

func (c *collector) checkCallbacks() {
	cb := &c.cbs
	if cb.ObjectSize == nil || cb.ClassOf == nil || cb.ReferenceBitmap == nil {
		throw("object layout callbacks missing")
	}
	if cb.SuspendThread == nil || cb.ResumeThread == nil {
		throw("thread suspension callbacks missing")
	}
	if cb.CurrentThread == nil {
		throw("current-thread callback missing")
	}
}

// currentThread is a nil-tolerant accessor used on paths that can run
// before thread registration (early init, tests poking internals).
func (c *collector) currentThread() *ThreadInfo {
	if c.cbs.CurrentThread == nil {
		return nil
	}
	return c.cbs.CurrentThread()
}
