package sgen

// addrRange represents a region of address space: [base, limit).
// The collector uses it for the nursery extent, the major reservation,
// pin-queue sub-ranges, and the global heap bounds.
type addrRange struct {
	base, limit uintptr
}

func makeAddrRange(base, limit uintptr) addrRange {
	if base > limit {
		throw("addrRange base > limit")
	}
	return addrRange{base, limit}
}

// size returns the size of the range in bytes.
func (a addrRange) size() uintptr {
	return a.limit - a.base
}

// contains reports whether addr is in the range.
func (a addrRange) contains(addr uintptr) bool {
	return a.base <= addr && addr < a.limit
}

// subtract takes the difference a - b, under the assumption that one
// end of the result stays put.
func (a addrRange) subtract(b addrRange) addrRange {
	if b.base <= a.base && a.limit <= b.limit {
		return addrRange{}
	}
	if a.base < b.base && b.limit < a.limit {
		throw("addrRange subtract splits range")
	}
	if b.contains(a.base) {
		return addrRange{b.limit, a.limit}
	}
	if b.contains(a.limit - 1) {
		return addrRange{a.base, b.base}
	}
	return a
}
