//go:build unix

package trax

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// === Executable memory and the native call gateway ===

// CompiledCode is a finished native block: the mapping and its entry.
type CompiledCode struct {
	mem   []byte
	Entry uintptr
}

// Size reports the mapped length in bytes.
func (c *CompiledCode) Size() int { return len(c.mem) }

// mapExecutable copies code into a fresh anonymous mapping and flips it
// from read-write to read-execute. The mapping is never reused or
// unmapped, so the instruction cache cannot hold stale lines for it; the
// mprotect transition provides the required synchronization on the hosts
// this package targets.
func mapExecutable(code []byte) (*CompiledCode, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code block")
	}
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap code block: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("mprotect rx: %w", err)
	}
	return &CompiledCode{mem: mem, Entry: uintptr(unsafe.Pointer(&mem[0]))}, nil
}

// callTrace invokes a compiled trace with the fixed three-pointer ABI
// and returns the guard id it exited through.
func callTrace(entry, inputs, consts, exitBuf uintptr) int {
	r1, _, _ := purego.SyscallN(entry, inputs, consts, exitBuf)
	return int(r1)
}

// wordBuffer is a fixed array of 64-bit words in non-moving memory that
// native code can address directly.
type wordBuffer struct {
	mem  []byte
	base uintptr
	n    int
}

func newWordBuffer(nWords int) (*wordBuffer, error) {
	if nWords < 1 {
		nWords = 1
	}
	mem, err := unix.Mmap(-1, 0, nWords*8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer: %w", err)
	}
	return &wordBuffer{mem: mem, base: uintptr(unsafe.Pointer(&mem[0])), n: nWords}, nil
}

func (w *wordBuffer) Base() uintptr { return w.base }
func (w *wordBuffer) Len() int      { return w.n }

func (w *wordBuffer) Set(i int, v uint64) {
	*(*uint64)(unsafe.Pointer(w.base + uintptr(i)*8)) = v
}

func (w *wordBuffer) Get(i int) uint64 {
	return *(*uint64)(unsafe.Pointer(w.base + uintptr(i)*8))
}

// nativeExecOK reports whether this build can map and call executable
// memory. Codegen itself is portable; execution additionally needs an
// AArch64 host, which the interpreter checks at startup.
const nativeExecOK = true
