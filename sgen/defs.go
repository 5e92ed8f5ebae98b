package sgen

import "unsafe"

const ptrSize = unsafe.Sizeof(uintptr(0))

const (
	// Minimum alignment of any managed object. Object sizes are rounded
	// up to this, which keeps the low bits of addresses free for tags.
	allocAlign     = 8
	allocAlignBits = 3

	// Every object carries a two-word header: word 0 is the vtable
	// pointer, word 1 is the forwarding word (forwarding address plus
	// the tag bits below). The smallest possible object is therefore
	// just the header.
	objHeaderSize = 2 * ptrSize
	minObjectSize = objHeaderSize

	// Forwarding-word tag bits. tagForwarded and tagPinned are mutually
	// exclusive: a pinned object is never moved, a moved object was
	// never pinned.
	tagForwarded uintptr = 1 << 0
	tagPinned    uintptr = 1 << 1
	tagMask      uintptr = tagForwarded | tagPinned

	// One scan-start slot covers this many bytes of the nursery. The
	// slot holds the lowest recorded object start in its bucket, or 0.
	scanStartSize = 4 << 10

	// Objects above this size never enter the nursery or the major
	// size-class blocks; they go to the large-object store.
	maxSmallObjSize = 8000

	defaultNurserySize = 4 << 20
	minNurserySize     = 1 << 16

	// Address space reserved for the major heap at startup. Blocks are
	// committed from it on demand; max-heap-size clamps it down.
	defaultMajorHeapSize = 512 << 20

	// Major mark-sweep block geometry.
	msBlockSize = 16 << 10

	// TLAB handed to each mutator thread for bump allocation.
	tlabSize = 4 << 10

	// Fragments smaller than this are not worth allocating from; they
	// are left behind as fill objects.
	minFragmentSize = 512

	// Per-thread sequential store buffer capacity, in slots.
	storeRemsetBufferSize = 1024

	// Card table geometry: one dirty byte per 512-byte card.
	cardBits = 9
	cardSize = 1 << cardBits

	// Gray stack section capacity, in object pointers.
	grayQueueSectionSize = 128

	// Arrayref copies at or above this many slots take the GC lock so
	// the copy and its barrier pass cannot interleave with a minor
	// collection.
	arrayrefCopyLockThreshold = 256

	maxWorkers = 16
)

// Root and object reference descriptors. The low three bits carry the
// descriptor kind, the rest is kind-specific payload.
const (
	descTypeShift         = 3
	descTypeMask  uintptr = (1 << descTypeShift) - 1

	descTypeConservative uintptr = 0 // no descriptor: scan every word, pinning
	descTypeBitmap       uintptr = 1 // payload is an inline bitmap of reference slots
	descTypeRunLength    uintptr = 2 // reserved, unused
	descTypeComplex      uintptr = 3 // payload points at a word-count-prefixed bitmap block
	descTypeUser         uintptr = 4 // payload indexes a registered marker callback
)

const bitsPerWord = 8 * int(ptrSize)

// Root table kinds. Normal and wbarrier roots are precise; pinned roots
// have no descriptor and are scanned conservatively.
const (
	rootTypeNormal = iota
	rootTypePinned
	rootTypeWBarrier
	rootTypeNum
)

// Collection generations.
const (
	generationNursery = 0
	generationOld     = 1
)
