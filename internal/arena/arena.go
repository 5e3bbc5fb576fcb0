// Package arena manages the linear memory handed to the proof-of-work
// kernel: a fixed-capacity bump allocator plus a FIFO queue for callers
// that arrive while the arena is exhausted.
package arena

// Arena is a bump allocator over a fixed linear memory. It is not safe
// for concurrent use; Queue serialises access to it.
type Arena struct {
	mem      []byte
	base     int
	brk      int
	capacity int
}

// New returns an arena whose allocatable region is [base, base+capacity).
func New(base, capacity int) *Arena {
	if base < 0 {
		base = 0
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Arena{
		mem:      make([]byte, base+capacity),
		base:     base,
		brk:      base,
		capacity: capacity,
	}
}

// TryAllocate advances the break pointer by size and returns the start
// of the granted region. It never blocks and leaves the arena untouched
// when the request does not fit.
func (a *Arena) TryAllocate(size int) (int, bool) {
	if size <= 0 {
		return 0, false
	}
	if a.brk+size > a.base+a.capacity {
		return 0, false
	}
	off := a.brk
	a.brk += size
	return off, true
}

// Reset moves the break pointer back to the base and zeroes everything
// that was handed out since the previous reset.
func (a *Arena) Reset() {
	clear(a.mem[a.base:a.brk])
	a.brk = a.base
}

func (a *Arena) Base() int     { return a.base }
func (a *Arena) Break() int    { return a.brk }
func (a *Arena) Capacity() int { return a.capacity }

// Available reports how many bytes TryAllocate can still grant.
func (a *Arena) Available() int {
	return a.base + a.capacity - a.brk
}

// Memory exposes the whole linear memory, including the reserved
// prefix below base. Offsets returned by TryAllocate index into it.
func (a *Arena) Memory() []byte {
	return a.mem
}

// Slice returns the region [off, off+size) of the linear memory.
func (a *Arena) Slice(off, size int) []byte {
	return a.mem[off : off+size : off+size]
}
