package trax

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// needsNative skips tests that execute compiled AArch64 code.
func needsNative(t *testing.T) {
	t.Helper()
	if !nativeExecOK || runtime.GOARCH != "arm64" {
		t.Skip("native trace execution requires an arm64 unix host")
	}
}

// singleTrace returns the only installed trace.
func singleTrace(t *testing.T, it *Interpreter) *CompiledTrace {
	t.Helper()
	require.Len(t, it.Traces(), 1)
	for _, ct := range it.Traces() {
		return ct
	}
	return nil
}

func TestGatewayBasicFunction(t *testing.T) {
	needsNative(t)

	// Tagged add of the two input slots.
	a := NewAssembler()
	a.Ldr(3, 0, 0)
	a.Ldr(4, 0, 8)
	a.Add(0, 3, 4, 0)
	a.Ret()
	code, err := a.Finalize()
	require.NoError(t, err)

	block, err := mapExecutable(code)
	require.NoError(t, err)

	inputs, err := newWordBuffer(2)
	require.NoError(t, err)
	inputs.Set(0, uint64(FromInt(5)))
	inputs.Set(1, uint64(FromInt(9)))
	scratch, err := newWordBuffer(1)
	require.NoError(t, err)

	r := callTrace(block.Entry, inputs.Base(), scratch.Base(), scratch.Base())
	require.Equal(t, int64(14), Value(uint64(r)).ToInt())
}

func TestGatewayLoop(t *testing.T) {
	needsNative(t)

	// sum = 0; i = 0; do { sum += i; i += step } while i < limit
	a := NewAssembler()
	a.Movz(2, 0, 0) // i
	a.Movz(3, 0, 0) // sum
	a.Ldr(4, 0, 0)  // step
	a.Ldr(5, 0, 8)  // limit
	loop := &RelocVar{}
	a.AssignLabel(loop)
	a.Add(3, 3, 2, 0)
	a.Add(2, 2, 4, 0)
	a.Cmp(2, 5)
	a.Blt(loop)
	a.Mov(0, 3)
	a.Ret()
	code, err := a.Finalize()
	require.NoError(t, err)

	block, err := mapExecutable(code)
	require.NoError(t, err)
	inputs, err := newWordBuffer(2)
	require.NoError(t, err)
	inputs.Set(0, uint64(FromInt(1)))
	inputs.Set(1, uint64(FromInt(11)))
	scratch, err := newWordBuffer(1)
	require.NoError(t, err)

	r := callTrace(block.Entry, inputs.Base(), scratch.Base(), scratch.Base())
	require.Equal(t, int64(55), Value(uint64(r)).ToInt())
}

// runParity runs the same call with JIT on and off and requires
// identical observable results.
func runParity(t *testing.T, src, method string, recvOf func(*Interpreter) Value, args ...int64) (Value, *Interpreter) {
	t.Helper()
	jit := tracing(t, src, true)
	require.True(t, jit.JITEnabled())
	plain := interpOnly(t, src)

	vals := make([]Value, len(args))
	for i, n := range args {
		vals[i] = FromInt(n)
	}

	want, err := plain.Run(recvOf(plain), method, vals...)
	require.NoError(t, err)
	got, err := jit.Run(recvOf(jit), method, vals...)
	require.NoError(t, err)

	if want.IsInteger() {
		require.Equal(t, want.ToInt(), got.ToInt())
	} else {
		require.Equal(t, want.IsNil(), got.IsNil())
		require.Equal(t, want.IsTrue(), got.IsTrue())
	}
	return got, jit
}

func TestJITCountedLoop(t *testing.T) {
	needsNative(t)
	got, jit := runParity(t, sumToSrc, "sum_to", func(it *Interpreter) Value { return FromInt(101) })
	require.Equal(t, int64(5050), got.ToInt())

	ct := singleTrace(t, jit)
	require.NotNil(t, ct.code)
	require.Positive(t, ct.Entries, "the hot loop must dispatch into native code")

	// The default threshold needs at least two back-edges before recording.
	require.GreaterOrEqual(t, DefaultConfig().TraceThreshold, 2)

	v, err := jit.Run(FromInt(1), "sum_to")
	require.NoError(t, err)
	require.Equal(t, int64(0), v.ToInt())
}

func TestJITArithmeticSpecialization(t *testing.T) {
	needsNative(t)
	src := `
	fn Int:square() { return self * self; }
	fn Int:sum_squares() {
		var i = 0;
		var sum = 0;
		while i < self {
			sum = sum + i square();
			i = i + 1;
		}
		return sum;
	}
	`
	got, jit := runParity(t, src, "sum_squares", func(it *Interpreter) Value { return FromInt(25) })
	require.Equal(t, int64(4900), got.ToInt())

	// The hoisted integer guards run once in the preamble; re-entering
	// the loop body must not re-check them.
	ct := singleTrace(t, jit)
	for _, id := range ct.Trace.Body {
		op := ct.Trace.At(id).Op
		require.NotEqual(t, IR_GUARD_INT, op, "hoisted guard executed per iteration:\n%s", ct.Trace)
	}
	require.Positive(t, ct.Entries)
}

func TestJITStructFieldSwap(t *testing.T) {
	needsNative(t)
	src := swapSrc + `
	fn Pair:spin(n) {
		var i = 0;
		while i < n {
			self swap();
			i = i + 1;
		}
		return self;
	}
	`
	mkPair := func(it *Interpreter) Value {
		p, err := it.Arena().NewObject(TypeUser, []Value{FromInt(5), FromInt(10)})
		require.NoError(t, err)
		return p
	}

	jit := tracing(t, src, true)
	pair := mkPair(jit)
	result, err := jit.Run(pair, "spin", FromInt(51)) // odd: ends swapped
	require.NoError(t, err)
	require.Equal(t, int64(10), result.GetField(0).ToInt())
	require.Equal(t, int64(5), result.GetField(1).ToInt())

	plain := interpOnly(t, src)
	pair2 := mkPair(plain)
	result2, err := plain.Run(pair2, "spin", FromInt(51))
	require.NoError(t, err)
	require.Equal(t, result.GetField(0).ToInt(), result2.GetField(0).ToInt())
	require.Equal(t, result.GetField(1).ToInt(), result2.GetField(1).ToInt())

	require.Positive(t, singleTrace(t, jit).Entries)
}

func TestJITPolymorphicExit(t *testing.T) {
	needsNative(t)
	src := `
	struct Box { v; }
	fn Int:val() { return self; }
	fn Box:val() { return self.v; }
	fn Int:sum_with(x, n) {
		var i = 0;
		var sum = 0;
		while i < n {
			sum = sum + x val();
			i = i + 1;
		}
		return sum;
	}
	`
	jit := tracing(t, src, true)

	// First run: all integers; the loop gets hot and installs a trace
	// whose preamble holds a GuardInt on the x input.
	v, err := jit.Run(FromInt(1), "sum_with", FromInt(5), FromInt(60))
	require.NoError(t, err)
	require.Equal(t, int64(300), v.ToInt())
	ct := singleTrace(t, jit)
	entriesBefore := ct.Entries
	require.Positive(t, entriesBefore)

	// Second run: a Box flows through the normally-integer parameter.
	// Entering the trace trips the GuardInt side exit and the
	// interpreter finishes through Box:val.
	box, err := jit.Arena().NewObject(TypeUser, []Value{FromInt(7)})
	require.NoError(t, err)
	v, err = jit.Run(FromInt(1), "sum_with", box, FromInt(60))
	require.NoError(t, err)
	require.Equal(t, int64(420), v.ToInt())
	require.Greater(t, ct.Entries, entriesBefore, "the driver must have dispatched and side-exited")

	// Same computation, pure interpretation: identical result.
	plain := interpOnly(t, src)
	box2, err := plain.Arena().NewObject(TypeUser, []Value{FromInt(7)})
	require.NoError(t, err)
	want, err := plain.Run(FromInt(1), "sum_with", box2, FromInt(60))
	require.NoError(t, err)
	require.Equal(t, want.ToInt(), v.ToInt())
}

func TestJITWhileBranchGuard(t *testing.T) {
	needsNative(t)
	src := `
	fn Int:loop_sum() {
		var sum = 0;
		var i = 0;
		while i < self {
			sum = sum + i;
			i = i + 1;
		}
		return sum;
	}
	`
	got, jit := runParity(t, src, "loop_sum", func(it *Interpreter) Value { return FromInt(11) })
	require.Equal(t, int64(55), got.ToInt())

	ct := singleTrace(t, jit)
	var loopGuards int
	for _, id := range ct.Trace.Body {
		switch ct.Trace.At(id).Op {
		case IR_GUARD_TRUE, IR_GUARD_LT:
			loopGuards++
		}
	}
	require.Equal(t, 1, loopGuards, "exactly one branch guard per iteration:\n%s", ct.Trace)
}

func TestJITAllocationInTrace(t *testing.T) {
	needsNative(t)
	src := `
	struct Box { v; }
	fn Box:val() { return self.v; }
	fn Int:boxes(n) {
		var i = 0;
		var last = 0;
		while i < n {
			var b = new Box{i};
			last = b val();
			i = i + 1;
		}
		return last;
	}
	`
	got, jit := runParity(t, src, "boxes", func(it *Interpreter) Value { return FromInt(1) }, 40)
	require.Equal(t, int64(39), got.ToInt())
	require.Positive(t, singleTrace(t, jit).Entries)
}

func TestJITConstantGuardTrace(t *testing.T) {
	needsNative(t)

	var warnings []string
	old := Warnf
	Warnf = func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	defer func() { Warnf = old }()

	// A guard on a nil constant can never pass: the optimizer warns and
	// the installed trace's first action is that side exit.
	tr := NewTrace()
	x := tr.Input(0)
	c := tr.Constant(0, Nil)
	tr.Guard(IR_GUARD_INT, 7, c, []ValueID{x})
	one := tr.Constant(1, FromInt(1))
	next := tr.Binary(IR_ADD, x, one)
	tr.At(x).Phi = next
	tr.Optimize()

	require.NotEmpty(t, warnings)
	require.Contains(t, warnings[0], "sure to fail")

	arena, err := NewArena(1 << 20)
	require.NoError(t, err)
	backend, err := NewBackend(arena)
	require.NoError(t, err)
	consts, err := backend.BuildConstTable([]Value{Nil, FromInt(1)})
	require.NoError(t, err)
	code, err := backend.CompileTrace(tr, 2)
	require.NoError(t, err)

	inputs, err := newWordBuffer(1)
	require.NoError(t, err)
	inputs.Set(0, uint64(FromInt(5)))
	exitBuf, err := newWordBuffer(1)
	require.NoError(t, err)

	gid := callTrace(code.Entry, inputs.Base(), consts.Base(), exitBuf.Base())
	require.Equal(t, 7, gid)
	require.Equal(t, int64(5), Value(exitBuf.Get(0)).ToInt(), "keep list round-trips through the exit buffer")
}

func TestJITTraceEquivalenceSweep(t *testing.T) {
	needsNative(t)
	for n := int64(1); n <= 40; n += 3 {
		got, _ := runParity(t, sumToSrc, "sum_to", func(it *Interpreter) Value { return FromInt(n) })
		_ = got
	}
}
