//go:build !unix

package trax

import "fmt"

// Non-unix hosts interpret only: codegen still works (it is pure byte
// emission) but nothing can be mapped executable or called.

// CompiledCode is a finished native block: the bytes and their entry.
type CompiledCode struct {
	mem   []byte
	Entry uintptr
}

// Size reports the code length in bytes.
func (c *CompiledCode) Size() int { return len(c.mem) }

func mapExecutable(code []byte) (*CompiledCode, error) {
	return nil, fmt.Errorf("executable memory is not supported on this platform")
}

func callTrace(entry, inputs, consts, exitBuf uintptr) int {
	panic("native trace execution is not supported on this platform")
}

// wordBuffer is a fixed array of 64-bit words.
type wordBuffer struct {
	words []uint64
}

func newWordBuffer(nWords int) (*wordBuffer, error) {
	if nWords < 1 {
		nWords = 1
	}
	return &wordBuffer{words: make([]uint64, nWords)}, nil
}

func (w *wordBuffer) Base() uintptr     { return 0 }
func (w *wordBuffer) Len() int          { return len(w.words) }
func (w *wordBuffer) Set(i int, v uint64) { w.words[i] = v }
func (w *wordBuffer) Get(i int) uint64  { return w.words[i] }

const nativeExecOK = false
