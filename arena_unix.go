//go:build unix

package trax

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// === Object store ===
//
// Heap objects live in a single page-aligned anonymous mapping. Word 0 of
// the mapping is the bump pointer and word 1 the limit, both absolute
// addresses; keeping the allocator state inside the mapping lets the
// native allocator stub bump it without any callback into Go. Objects are
// never freed and never move.

// DefaultArenaSize is the default object arena size in bytes.
const DefaultArenaSize = 64 << 20

// Arena is a bump allocator over a fixed mapping.
type Arena struct {
	mem  []byte  // the full RW mapping
	base uintptr // address of mem[0]
}

// arena header layout, in words
const (
	arenaNextSlot  = 0
	arenaLimitSlot = 1
	arenaHeader    = 2
)

// NewArena maps size bytes of zeroed memory and initializes the bump
// state. The mapping is 8-byte aligned by construction (page-aligned).
func NewArena(size int) (*Arena, error) {
	if size < 4096 {
		size = 4096
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena mmap: %w", err)
	}
	a := &Arena{mem: mem, base: uintptr(unsafe.Pointer(&mem[0]))}
	a.setWord(arenaNextSlot, uint64(a.base)+arenaHeader*8)
	a.setWord(arenaLimitSlot, uint64(a.base)+uint64(len(mem)))
	return a, nil
}

func (a *Arena) word(slot int) uint64 {
	return *(*uint64)(unsafe.Pointer(a.base + uintptr(slot)*8))
}

func (a *Arena) setWord(slot int, v uint64) {
	*(*uint64)(unsafe.Pointer(a.base + uintptr(slot)*8)) = v
}

// StateAddr returns the address of the bump pointer word. The native
// allocator stub embeds this address.
func (a *Arena) StateAddr() uintptr {
	return a.base
}

// Alloc returns zeroed 8-byte-aligned storage for nWords 64-bit words.
func (a *Arena) Alloc(nWords int) (uintptr, error) {
	next := a.word(arenaNextSlot)
	limit := a.word(arenaLimitSlot)
	if next+uint64(nWords)*8 > limit {
		return 0, fmt.Errorf("object arena exhausted (%d bytes)", len(a.mem))
	}
	a.setWord(arenaNextSlot, next+uint64(nWords)*8)
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
	return int(a.word(arenaNextSlot) - uint64(a.base) - arenaHeader*8)
}
