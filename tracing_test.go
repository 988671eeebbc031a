package trax

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceBuilderAndPrinter(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	y := tr.Input(1)
	tr.Guard(IR_GUARD_INT, 0, x, []ValueID{x, y})
	tr.Guard(IR_GUARD_INT, 1, y, []ValueID{x, y})
	tmp := tr.Binary(IR_ADD, y, y)
	res := tr.Binary(IR_ADD, x, tmp)

	require.Equal(t, 6, tr.Len())
	require.Equal(t, []ValueID{x, y}, tr.Inputs)
	require.True(t, tr.At(res).Op.IsIntBin())

	out := tr.String()
	require.Contains(t, out, "input(0)")
	require.Contains(t, out, "guard_int")
	require.Contains(t, out, "add")
}

func TestRemoveRedundantGuards(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	tr.Guard(IR_GUARD_INT, 0, x, nil)
	tr.Guard(IR_GUARD_INT, 1, x, nil)
	tr.Guard(IR_GUARD_INT, 2, x, nil)
	tr.Binary(IR_ADD, x, x)
	tr.removeRedundantGuards()

	var guards []int
	for _, id := range tr.Stream() {
		if tr.At(id).Op.IsGuard() {
			guards = append(guards, tr.At(id).GuardID)
		}
	}
	// The first dominates; later identical guards disappear.
	require.Equal(t, []int{0}, guards)
}

func TestDeadValueElimination(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	dead := tr.Binary(IR_ADD, x, x)
	live := tr.Binary(IR_SUB, x, x)
	tr.Guard(IR_GUARD_INT, 0, live, nil)
	_ = dead
	tr.deadValueElimination()

	ops := map[TraceOp]int{}
	for _, id := range tr.Stream() {
		ops[tr.At(id).Op]++
	}
	require.Zero(t, ops[IR_ADD])
	require.Equal(t, 1, ops[IR_SUB])
}

func TestDeadValueEliminationKeepsEffects(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	obj := tr.Input(1)
	tr.SetField(obj, 0, x)
	tr.deadValueElimination()

	var setFields int
	for _, id := range tr.Stream() {
		if tr.At(id).Op == IR_SET_FIELD {
			setFields++
		}
	}
	require.Equal(t, 1, setFields)
}

func TestConstantGuardFolding(t *testing.T) {
	var warnings []string
	old := Warnf
	Warnf = func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	defer func() { Warnf = old }()

	tr := NewTrace()
	five := tr.Constant(1, FromInt(5))
	nilC := tr.Constant(0, Nil)
	tr.Guard(IR_GUARD_INT, 0, five, nil) // sure to pass: deleted
	tr.Guard(IR_GUARD_INT, 1, nilC, nil) // sure to fail: warn, retained
	tr.Binary(IR_ADD, five, five)
	tr.foldConstantGuards()

	var guards []int
	for _, id := range tr.Stream() {
		if tr.At(id).Op.IsGuard() {
			guards = append(guards, tr.At(id).GuardID)
		}
	}
	require.Equal(t, []int{1}, guards)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "sure to fail")
}

func TestTrivialGuardElimination(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	sum := tr.Binary(IR_ADD, x, x)
	tr.Guard(IR_GUARD_INT, 0, sum, nil) // add already proves integer
	y := tr.GetField(tr.Input(1), 0)
	tr.Guard(IR_GUARD_INT, 1, y, nil) // field load proves nothing
	tr.removeTrivialGuards()

	var guards []int
	for _, id := range tr.Stream() {
		if tr.At(id).Op.IsGuard() {
			guards = append(guards, tr.At(id).GuardID)
		}
	}
	require.Equal(t, []int{1}, guards)
}

func TestTrivialGuardKeepsTruthChecks(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	tr.Guard(IR_GUARD_BOOL, 0, x, nil)
	tr.Guard(IR_GUARD_TRUE, 1, x, nil) // boolness does not prove truth
	tr.removeTrivialGuards()

	var ops []TraceOp
	for _, id := range tr.Stream() {
		if tr.At(id).Op.IsGuard() {
			ops = append(ops, tr.At(id).Op)
		}
	}
	require.Equal(t, []TraceOp{IR_GUARD_BOOL, IR_GUARD_TRUE}, ops)
}

func TestGuardStrengthening(t *testing.T) {
	tr := NewTrace()
	i := tr.Input(0)
	n := tr.Input(1)
	cmp := tr.Binary(IR_LT, i, n)
	tr.Guard(IR_GUARD_TRUE, 3, cmp, []ValueID{i, n})
	tr.strengthenGuards()

	stream := tr.Stream()
	require.Len(t, stream, 3) // two inputs + one compound guard
	g := tr.At(stream[2])
	require.Equal(t, IR_GUARD_LT, g.Op)
	require.Equal(t, 3, g.GuardID)
	require.Equal(t, i, g.A)
	require.Equal(t, n, g.B)
	require.Equal(t, []ValueID{i, n}, g.Keep)
}

func TestGuardStrengtheningInverts(t *testing.T) {
	tr := NewTrace()
	i := tr.Input(0)
	n := tr.Input(1)
	cmp := tr.Binary(IR_GE, i, n)
	tr.Guard(IR_GUARD_FALSE, 0, cmp, nil)
	tr.strengthenGuards()

	last := tr.At(tr.Stream()[len(tr.Stream())-1])
	require.Equal(t, IR_GUARD_LT, last.Op)
}

func TestGuardStrengtheningSkipsUsedComparison(t *testing.T) {
	tr := NewTrace()
	i := tr.Input(0)
	n := tr.Input(1)
	cmp := tr.Binary(IR_LT, i, n)
	tr.Guard(IR_GUARD_TRUE, 0, cmp, nil)
	tr.Unary(IR_NOT, cmp) // comparison result has another use
	tr.strengthenGuards()

	var ops []TraceOp
	for _, id := range tr.Stream() {
		ops = append(ops, tr.At(id).Op)
	}
	require.Contains(t, ops, IR_GUARD_TRUE)
	require.NotContains(t, ops, IR_GUARD_LT)
}

// buildCountedLoop hand-builds the sum_to inner loop:
//
//	while i < n { sum = sum + i; i = i + 1 }
//
// with inputs (sum, i, n) and the phis tied.
func buildCountedLoop() (*Trace, ValueID, ValueID, ValueID) {
	tr := NewTrace()
	sum := tr.Input(0)
	i := tr.Input(1)
	n := tr.Input(2)
	keep := []ValueID{sum, i, n}
	tr.Guard(IR_GUARD_INT, 0, i, keep)
	tr.Guard(IR_GUARD_INT, 1, n, keep)
	cmp := tr.Binary(IR_LT, i, n)
	tr.Guard(IR_GUARD_TRUE, 2, cmp, keep)
	tr.Guard(IR_GUARD_INT, 3, sum, keep)
	sum2 := tr.Binary(IR_ADD, sum, i)
	one := tr.Constant(1, FromInt(1))
	i2 := tr.Binary(IR_ADD, i, one)
	tr.At(sum).Phi = sum2
	tr.At(i).Phi = i2
	tr.At(n).Phi = n
	return tr, sum, i, n
}

func TestUnrollAndPeel(t *testing.T) {
	tr, _, _, _ := buildCountedLoop()
	tr.Optimize()

	require.NotNil(t, tr.Preamble)
	require.NotEmpty(t, tr.Body)

	var preGuards, bodyTypeGuards, bodyLoopGuards int
	for _, id := range tr.Preamble {
		if tr.At(id).Op.IsGuard() {
			preGuards++
		}
	}
	for _, id := range tr.Body {
		in := tr.At(id)
		switch {
		case in.Op == IR_GUARD_INT:
			bodyTypeGuards++
		case in.Op == IR_GUARD_LT || in.Op == IR_GUARD_TRUE:
			bodyLoopGuards++
		}
	}
	// All integer guards prove facts the phis carry around the loop, so
	// the body keeps only the loop-condition guard.
	require.Equal(t, 0, bodyTypeGuards, "trace:\n%s", tr)
	require.Equal(t, 1, bodyLoopGuards)
	require.GreaterOrEqual(t, preGuards, 3)

	// Constants are shared between preamble and body, not cloned.
	var constCount int
	for _, id := range tr.Final() {
		if tr.At(id).Op == IR_CONST {
			constCount++
		}
	}
	require.Equal(t, 1, constCount)

	// The printer shows the two sections.
	out := tr.String()
	require.True(t, strings.HasPrefix(out, "pre:"))
	require.Contains(t, out, "body:")
}

func TestUnrollPhisPointIntoBody(t *testing.T) {
	tr, sum, i, n := buildCountedLoop()
	tr.Optimize()

	bodySet := make(map[ValueID]bool)
	for _, id := range tr.Body {
		bodySet[id] = true
	}
	require.True(t, bodySet[tr.At(sum).Phi], "sum phi must be a body value")
	require.True(t, bodySet[tr.At(i).Phi], "i phi must be a body value")
	require.Equal(t, n, tr.At(n).Phi, "invariant input stays its own phi")
}

func TestTraceInterpreter(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	y := tr.Input(1)
	tr.Guard(IR_GUARD_INT, 0, x, nil)
	tr.Guard(IR_GUARD_INT, 1, y, nil)
	tmp := tr.Binary(IR_MUL, y, y)
	res := tr.Binary(IR_ADD, x, tmp)

	ti := &TraceInterpreter{}
	values, err := ti.Run(tr, tr.Stream(), []Value{FromInt(3), FromInt(4)})
	require.NoError(t, err)
	require.Equal(t, int64(19), values[res].ToInt())

	// A non-integer input trips the matching guard.
	_, err = ti.Run(tr, tr.Stream(), []Value{FromInt(3), True})
	var fault *GuardFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, 1, fault.GuardID)
}

func TestTraceInterpreterObjects(t *testing.T) {
	arena, err := NewArena(1 << 20)
	require.NoError(t, err)
	obj, err := arena.NewObject(3, []Value{FromInt(5), FromInt(10)})
	require.NoError(t, err)

	tr := NewTrace()
	o := tr.Input(0)
	tr.GuardIndex(0, o, 3, nil)
	a := tr.GetField(o, 0)
	b := tr.GetField(o, 1)
	tr.SetField(o, 0, b)
	tr.SetField(o, 1, a)

	ti := &TraceInterpreter{Arena: arena}
	_, err = ti.Run(tr, tr.Stream(), []Value{obj})
	require.NoError(t, err)
	require.Equal(t, int64(10), obj.GetField(0).ToInt())
	require.Equal(t, int64(5), obj.GetField(1).ToInt())

	// Wrong type index: the index guard fires.
	other, err := arena.NewObject(4, []Value{Nil, Nil})
	require.NoError(t, err)
	_, err = ti.Run(tr, tr.Stream(), []Value{other})
	var fault *GuardFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, 0, fault.GuardID)
}

// TestOptimizedLoopEquivalence runs the hand-built counted loop through
// the IR interpreter before and after optimization and checks the
// preamble produces identical next-iteration state.
func TestOptimizedLoopEquivalence(t *testing.T) {
	raw, sum, i, n := buildCountedLoop()
	rawVals, err := (&TraceInterpreter{}).Run(raw, raw.Stream(), []Value{FromInt(0), FromInt(1), FromInt(10)})
	require.NoError(t, err)

	opt, osum, oi, on := buildCountedLoop()
	opt.Optimize()
	optVals, err := (&TraceInterpreter{}).Run(opt, opt.Preamble, []Value{FromInt(0), FromInt(1), FromInt(10)})
	require.NoError(t, err)

	// The copies at the preamble tail leave the inputs holding the
	// next-iteration state.
	require.Equal(t, rawVals[raw.At(sum).Phi], optVals[osum])
	require.Equal(t, rawVals[raw.At(i).Phi], optVals[oi])
	require.Equal(t, rawVals[raw.At(n).Phi], optVals[on])
}
