//go:build !unix

package trax

import (
	"fmt"
	"unsafe"
)

// === Object store (interpreter-only fallback) ===
//
// Without mmap the arena lives on the Go heap. The slice is held for the
// arena's lifetime and Go's collector does not move heap objects, so raw
// addresses into it stay valid. Native code never runs on these hosts.

// DefaultArenaSize is the default object arena size in bytes.
const DefaultArenaSize = 64 << 20

// Arena is a bump allocator over a fixed block.
type Arena struct {
	words []uint64
	base  uintptr
}

const (
	arenaNextSlot  = 0
	arenaLimitSlot = 1
	arenaHeader    = 2
)

// NewArena allocates size bytes of zeroed backing store.
func NewArena(size int) (*Arena, error) {
	if size < 4096 {
		size = 4096
	}
	a := &Arena{words: make([]uint64, size/8)}
	a.base = uintptr(unsafe.Pointer(&a.words[0]))
	a.words[arenaNextSlot] = uint64(a.base) + arenaHeader*8
	a.words[arenaLimitSlot] = uint64(a.base) + uint64(len(a.words))*8
	return a, nil
}

// StateAddr returns the address of the bump pointer word.
func (a *Arena) StateAddr() uintptr { return a.base }

// Alloc returns zeroed 8-byte-aligned storage for nWords 64-bit words.
func (a *Arena) Alloc(nWords int) (uintptr, error) {
	next := a.words[arenaNextSlot]
	limit := a.words[arenaLimitSlot]
	if next+uint64(nWords)*8 > limit {
		return 0, fmt.Errorf("object arena exhausted (%d bytes)", len(a.words)*8)
	}
	a.words[arenaNextSlot] = next + uint64(nWords)*8
	return uintptr(next), nil
}

// NewObject allocates an object with the given type index and field
// values and returns it tagged.
func (a *Arena) NewObject(typeIndex int, fields []Value) (Value, error) {
	addr, err := a.Alloc(1 + len(fields))
	if err != nil {
		return Nil, err
	}
	*(*uint64)(unsafe.Pointer(addr)) = uint64(typeIndex)
	for i, f := range fields {
		*(*Value)(unsafe.Pointer(addr + uintptr(i+1)*8)) = f
	}
	return Value(uint64(addr) | ObjectTag), nil
}

// Used reports how many object bytes have been allocated so far.
func (a *Arena) Used() int {
	return int(a.words[arenaNextSlot] - uint64(a.base) - arenaHeader*8)
}
