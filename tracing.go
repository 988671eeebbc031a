package trax

import (
	"fmt"
	"strings"
)

// === Trace IR ===
//
// Trace instructions live in an arena indexed by dense 32-bit ids; the
// recording order is a separate stream of ids. Operand references are
// ids, which keeps the loop-closing phi (an Input referring to a value
// defined later in the body) free of ownership cycles.

// ValueID names one IR node in a trace arena.
type ValueID int32

// NoValue marks an absent operand or an unclosed phi.
const NoValue ValueID = -1

// TraceOp identifies a trace IR instruction.
type TraceOp int

const (
	IR_INPUT TraceOp = iota
	IR_CONST
	IR_COPY // preamble-to-body phi materialization

	// Integer binops (produce integers)
	IR_ADD
	IR_SUB
	IR_MUL
	IR_DIV
	IR_MOD
	IR_MAX
	IR_MIN
	IR_BAND
	IR_BOR
	IR_BXOR
	IR_SHL
	IR_SHR
	IR_ASR

	// Boolean binops (produce booleans)
	IR_EQ
	IR_NE
	IR_LT
	IR_GT
	IR_LE
	IR_GE
	IR_AND
	IR_OR

	// Unaries
	IR_NOT
	IR_BWNOT
	IR_BOOL_TO_INT
	IR_INT_TO_BOOL

	// Heap
	IR_GET_FIELD
	IR_SET_FIELD
	IR_NEW

	// Frame variables (resolved away by the optimizer)
	IR_GET_VAR
	IR_SET_VAR

	// Unary guards
	IR_GUARD_INT
	IR_GUARD_NIL
	IR_GUARD_BOOL
	IR_GUARD_TRUE
	IR_GUARD_FALSE
	IR_GUARD_INDEX

	// Compound guards, produced by guard strengthening only
	IR_GUARD_LT
	IR_GUARD_LE
	IR_GUARD_GT
	IR_GUARD_GE
	IR_GUARD_EQ
	IR_GUARD_NE
)

var traceOpNames = [...]string{
	IR_INPUT: "input",
	IR_CONST: "const",
	IR_COPY: "copy",
	IR_ADD: "add",
	IR_SUB: "sub",
	IR_MUL: "mul",
	IR_DIV: "div",
	IR_MOD: "mod",
	IR_MAX: "max",
	IR_MIN: "min",
	IR_BAND: "band",
	IR_BOR: "bor",
	IR_BXOR: "bxor",
	IR_SHL: "shl",
	IR_SHR: "shr",
	IR_ASR: "asr",
	IR_EQ: "eq",
	IR_NE: "ne",
	IR_LT: "lt",
	IR_GT: "gt",
	IR_LE: "le",
	IR_GE: "ge",
	IR_AND: "and",
	IR_OR: "or",
	IR_NOT: "not",
	IR_BWNOT: "bwnot",
	IR_BOOL_TO_INT: "bool_to_int",
	IR_INT_TO_BOOL: "int_to_bool",
	IR_GET_FIELD: "get_field",
	IR_SET_FIELD: "set_field",
	IR_NEW: "new",
	IR_GET_VAR: "get_var",
	IR_SET_VAR: "set_var",
	IR_GUARD_INT: "guard_int",
	IR_GUARD_NIL: "guard_nil",
	IR_GUARD_BOOL: "guard_bool",
	IR_GUARD_TRUE: "guard_true",
	IR_GUARD_FALSE: "guard_false",
	IR_GUARD_INDEX: "guard_index",
	IR_GUARD_LT: "guard_lt",
	IR_GUARD_LE: "guard_le",
	IR_GUARD_GT: "guard_gt",
	IR_GUARD_GE: "guard_ge",
	IR_GUARD_EQ: "guard_eq",
	IR_GUARD_NE: "guard_ne",
}

func (op TraceOp) String() string { return traceOpNames[op] }

// IsGuard reports whether op is any guard variant.
func (op TraceOp) IsGuard() bool {
	return op >= IR_GUARD_INT && op <= IR_GUARD_NE
}

// IsCompoundGuard reports a two-operand guard from strengthening.
func (op TraceOp) IsCompoundGuard() bool {
	return op >= IR_GUARD_LT && op <= IR_GUARD_NE
}

// IsIntBin reports an integer-producing binary op.
func (op TraceOp) IsIntBin() bool {
	return op >= IR_ADD && op <= IR_ASR
}

// IsBoolBin reports a boolean-producing binary op.
func (op TraceOp) IsBoolBin() bool {
	return op >= IR_EQ && op <= IR_OR
}

// IsUnary reports a single-operand value op.
func (op TraceOp) IsUnary() bool {
	return op >= IR_NOT && op <= IR_INT_TO_BOOL
}

// IsValue reports whether op defines an SSA value.
func (op TraceOp) IsValue() bool {
	switch {
	case op.IsGuard(), op == IR_SET_FIELD, op == IR_SET_VAR, op == IR_COPY:
		return false
	default:
		return true
	}
}

// TraceInstr is one IR node. Which fields are meaningful depends on Op.
type TraceInstr struct {
	Op TraceOp

	A ValueID // left operand / guard operand / object / copy destination input
	B ValueID // right operand / stored value / copied value

	TypeIndex  int       // inferred result type (-1 unknown); GuardIndex: expected index
	ConstIndex int       // IR_CONST: constant pool slot
	Val        Value     // IR_CONST: the constant itself
	FieldIndex int       // field ops
	NumFields  int       // IR_NEW
	FrameIdx   int       // var ops: shadow frame depth
	VarIdx     int       // var ops: local slot
	InputIndex int       // IR_INPUT: slot in the inputs buffer
	Phi        ValueID   // IR_INPUT: loop-back definition (NoValue if open)
	GuardID    int       // guards: side-exit id
	Keep       []ValueID // guards: values to materialize on exit
}

// Operands appends the ids this instruction reads (excluding Keep).
func (in *TraceInstr) Operands(dst []ValueID) []ValueID {
	switch {
	case in.Op == IR_INPUT || in.Op == IR_CONST || in.Op == IR_NEW || in.Op == IR_GET_VAR:
		return dst
	case in.Op.IsIntBin() || in.Op.IsBoolBin() || in.Op.IsCompoundGuard():
		return append(dst, in.A, in.B)
	case in.Op == IR_SET_FIELD || in.Op == IR_SET_VAR || in.Op == IR_COPY:
		if in.Op == IR_SET_VAR {
			return append(dst, in.B)
		}
		return append(dst, in.A, in.B)
	default:
		// unary value ops, unary guards, get_field
		return append(dst, in.A)
	}
}

// rewrite applies an id substitution to every operand reference,
// including guard keep lists. Phi links are rewritten separately.
func (in *TraceInstr) rewrite(sub func(ValueID) ValueID) {
	switch {
	case in.Op == IR_INPUT || in.Op == IR_CONST || in.Op == IR_NEW || in.Op == IR_GET_VAR:
	case in.Op.IsIntBin() || in.Op.IsBoolBin() || in.Op.IsCompoundGuard() ||
		in.Op == IR_SET_FIELD || in.Op == IR_COPY:
		in.A = sub(in.A)
		in.B = sub(in.B)
	case in.Op == IR_SET_VAR:
		in.B = sub(in.B)
	default:
		in.A = sub(in.A)
	}
	for i, v := range in.Keep {
		in.Keep[i] = sub(v)
	}
}

// Trace is an IR arena plus the instruction stream. After optimization
// the stream is split into Preamble and Body.
type Trace struct {
	nodes  []TraceInstr
	stream []ValueID

	Preamble []ValueID
	Body     []ValueID

	// Inputs in creation order; their InputIndex fields give the
	// packing order of the inputs buffer.
	Inputs []ValueID

	// VarBindings maps anchor-frame locals to the Inputs that hold them
	// at trace entry; the variable-resolution pass seeds from this.
	VarBindings map[VarKey]ValueID
}

// VarKey addresses a local slot in a shadow frame.
type VarKey struct {
	Frame int
	Slot  int
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// At returns the node for an id.
func (t *Trace) At(id ValueID) *TraceInstr {
	return &t.nodes[id]
}

// Len reports the number of recorded stream instructions.
func (t *Trace) Len() int { return len(t.stream) }

// Stream returns the current instruction order.
func (t *Trace) Stream() []ValueID { return t.stream }

// Final returns the post-optimization order: preamble then body, or the
// raw stream if the optimizer has not run.
func (t *Trace) Final() []ValueID {
	if t.Preamble == nil {
		return t.stream
	}
	out := make([]ValueID, 0, len(t.Preamble)+len(t.Body))
	out = append(out, t.Preamble...)
	out = append(out, t.Body...)
	return out
}

// emit places a node in the arena and appends it to the stream.
func (t *Trace) emit(in TraceInstr) ValueID {
	id := ValueID(len(t.nodes))
	t.nodes = append(t.nodes, in)
	t.stream = append(t.stream, id)
	return id
}

// newNode places a node in the arena without appending to the stream.
func (t *Trace) newNode(in TraceInstr) ValueID {
	id := ValueID(len(t.nodes))
	t.nodes = append(t.nodes, in)
	return id
}

// === Builder API (mirrors the recorder's emission surface) ===

func (t *Trace) Input(inputIndex int) ValueID {
	id := t.emit(TraceInstr{Op: IR_INPUT, InputIndex: inputIndex, TypeIndex: -1, Phi: NoValue})
	t.Inputs = append(t.Inputs, id)
	return id
}

func (t *Trace) Constant(constIndex int, v Value) ValueID {
	return t.emit(TraceInstr{Op: IR_CONST, ConstIndex: constIndex, Val: v, TypeIndex: v.TypeIndex()})
}

func (t *Trace) Binary(op TraceOp, a, b ValueID) ValueID {
	ti := TypeInt
	if op.IsBoolBin() {
		ti = TypeBool
	}
	return t.emit(TraceInstr{Op: op, A: a, B: b, TypeIndex: ti})
}

func (t *Trace) Unary(op TraceOp, a ValueID) ValueID {
	ti := TypeInt
	if op == IR_NOT || op == IR_INT_TO_BOOL {
		ti = TypeBool
	}
	return t.emit(TraceInstr{Op: op, A: a, TypeIndex: ti})
}

func (t *Trace) GetField(obj ValueID, fieldIndex int) ValueID {
	return t.emit(TraceInstr{Op: IR_GET_FIELD, A: obj, FieldIndex: fieldIndex, TypeIndex: -1})
}

func (t *Trace) SetField(obj ValueID, fieldIndex int, value ValueID) {
	t.emit(TraceInstr{Op: IR_SET_FIELD, A: obj, B: value, FieldIndex: fieldIndex})
}

func (t *Trace) New(typeIndex, numFields int) ValueID {
	return t.emit(TraceInstr{Op: IR_NEW, TypeIndex: typeIndex, NumFields: numFields})
}

func (t *Trace) GetVar(frameIdx, varIdx int) ValueID {
	return t.emit(TraceInstr{Op: IR_GET_VAR, FrameIdx: frameIdx, VarIdx: varIdx, TypeIndex: -1})
}

func (t *Trace) SetVar(frameIdx, varIdx int, value ValueID) {
	t.emit(TraceInstr{Op: IR_SET_VAR, FrameIdx: frameIdx, VarIdx: varIdx, B: value})
}

// Guard emits a unary guard.
func (t *Trace) Guard(op TraceOp, guardID int, operand ValueID, keep []ValueID) {
	t.emit(TraceInstr{Op: op, A: operand, GuardID: guardID, Keep: keep})
}

// GuardIndex emits the object-type guard.
func (t *Trace) GuardIndex(guardID int, operand ValueID, typeIndex int, keep []ValueID) {
	t.emit(TraceInstr{Op: IR_GUARD_INDEX, A: operand, TypeIndex: typeIndex, GuardID: guardID, Keep: keep})
}

// === Pretty printing ===

// String renders the trace with stable v-names, sectioned into preamble
// and body once the optimizer has run.
func (t *Trace) String() string {
	names := make(map[ValueID]string)
	counter := 0
	name := func(id ValueID) string {
		if id == NoValue {
			return "_"
		}
		if n, ok := names[id]; ok {
			return n
		}
		n := fmt.Sprintf("v%d", counter)
		counter++
		names[id] = n
		return n
	}

	var sb strings.Builder
	printOne := func(id ValueID) {
		in := t.At(id)
		if in.Op.IsValue() {
			fmt.Fprintf(&sb, "  %s = %s", name(id), t.describe(id, name))
		} else {
			fmt.Fprintf(&sb, "  %s", t.describe(id, name))
		}
		sb.WriteByte('\n')
	}

	if t.Preamble != nil {
		sb.WriteString("pre:\n")
		for _, id := range t.Preamble {
			printOne(id)
		}
		sb.WriteString("body:\n")
		for _, id := range t.Body {
			printOne(id)
		}
	} else {
		for _, id := range t.stream {
			printOne(id)
		}
	}
	return sb.String()
}

func (t *Trace) describe(id ValueID, name func(ValueID) string) string {
	in := t.At(id)
	op := in.Op
	switch {
	case op == IR_INPUT:
		if in.Phi != NoValue {
			return fmt.Sprintf("input(%d, phi=%s)", in.InputIndex, name(in.Phi))
		}
		return fmt.Sprintf("input(%d)", in.InputIndex)
	case op == IR_CONST:
		return fmt.Sprintf("const[%d] %s", in.ConstIndex, in.Val)
	case op == IR_COPY:
		return fmt.Sprintf("copy %s <- %s", name(in.A), name(in.B))
	case op.IsIntBin() || op.IsBoolBin():
		return fmt.Sprintf("%s(%s, %s)", op, name(in.A), name(in.B))
	case op.IsUnary():
		return fmt.Sprintf("%s(%s)", op, name(in.A))
	case op == IR_GET_FIELD:
		return fmt.Sprintf("get_field(%s, %d)", name(in.A), in.FieldIndex)
	case op == IR_SET_FIELD:
		return fmt.Sprintf("set_field(%s, %d, %s)", name(in.A), in.FieldIndex, name(in.B))
	case op == IR_NEW:
		return fmt.Sprintf("new(type=%d, fields=%d)", in.TypeIndex, in.NumFields)
	case op == IR_GET_VAR:
		return fmt.Sprintf("get_var(%d, %d)", in.FrameIdx, in.VarIdx)
	case op == IR_SET_VAR:
		return fmt.Sprintf("set_var(%d, %d, %s)", in.FrameIdx, in.VarIdx, name(in.B))
	case op == IR_GUARD_INDEX:
		return fmt.Sprintf("guard_index(g%d, %s, type=%d)", in.GuardID, name(in.A), in.TypeIndex)
	case op.IsCompoundGuard():
		return fmt.Sprintf("%s(g%d, %s, %s)", op, in.GuardID, name(in.A), name(in.B))
	case op.IsGuard():
		return fmt.Sprintf("%s(g%d, %s)", op, in.GuardID, name(in.A))
	default:
		return op.String()
	}
}
