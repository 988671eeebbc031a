package trax

import "fmt"

// === Trace IR interpreter ===
//
// Executes an IR instruction list directly over tagged values. The JIT
// never uses this path; it exists so tests can check optimized traces
// against interpreter semantics without native execution, and it doubles
// as the reference for each opcode's meaning.

// GuardFault reports a failed guard during IR interpretation.
type GuardFault struct {
	GuardID int
	ID      ValueID
	Op      TraceOp
}

func (g *GuardFault) Error() string {
	return fmt.Sprintf("guard g%d (%s) failed", g.GuardID, g.Op)
}

// TraceInterpreter evaluates trace IR against a constant pool and an
// object arena (for IR_NEW).
type TraceInterpreter struct {
	Constants []Value
	Arena     *Arena
}

// Run executes instrs in order. Inputs supply IR_INPUT slots. It returns
// the value map on success; a failed guard returns a *GuardFault.
func (ti *TraceInterpreter) Run(t *Trace, instrs []ValueID, inputs []Value) (map[ValueID]Value, error) {
	values := make(map[ValueID]Value, len(instrs))
	vars := make(map[[2]int]Value)

	get := func(id ValueID) Value { return values[id] }

	for _, id := range instrs {
		in := t.At(id)
		switch op := in.Op; {
		case op == IR_INPUT:
			if in.InputIndex >= len(inputs) {
				return nil, fmt.Errorf("input %d out of range", in.InputIndex)
			}
			values[id] = inputs[in.InputIndex]
		case op == IR_CONST:
			values[id] = in.Val
		case op == IR_COPY:
			values[in.A] = get(in.B)
		case op.IsIntBin():
			a, b := get(in.A).ToInt(), get(in.B).ToInt()
			var r int64
			switch op {
			case IR_ADD:
				r = a + b
			case IR_SUB:
				r = a - b
			case IR_MUL:
				r = a * b
			case IR_DIV:
				if b == 0 {
					return nil, fmt.Errorf("division by zero in trace")
				}
				r = a / b
			case IR_MOD:
				if b == 0 {
					return nil, fmt.Errorf("division by zero in trace")
				}
				r = a % b
			case IR_MAX:
				r = max(a, b)
			case IR_MIN:
				r = min(a, b)
			case IR_BAND:
				r = a & b
			case IR_BOR:
				r = a | b
			case IR_BXOR:
				r = a ^ b
			case IR_SHL:
				r = a << uint64(b)
			case IR_SHR:
				r = int64(uint64(a) >> uint64(b))
			case IR_ASR:
				r = a >> uint64(b)
			}
			values[id] = FromInt(r)
		case op.IsBoolBin():
			av, bv := get(in.A), get(in.B)
			var r bool
			switch op {
			case IR_EQ:
				r = av == bv
			case IR_NE:
				r = av != bv
			case IR_LT:
				r = av.ToInt() < bv.ToInt()
			case IR_GT:
				r = av.ToInt() > bv.ToInt()
			case IR_LE:
				r = av.ToInt() <= bv.ToInt()
			case IR_GE:
				r = av.ToInt() >= bv.ToInt()
			case IR_AND:
				r = av.ToBool() && bv.ToBool()
			case IR_OR:
				r = av.ToBool() || bv.ToBool()
			}
			values[id] = FromBool(r)
		case op == IR_NOT:
			values[id] = FromBool(!get(in.A).ToBool())
		case op == IR_BWNOT:
			values[id] = FromInt(^get(in.A).ToInt())
		case op == IR_BOOL_TO_INT:
			if get(in.A).ToBool() {
				values[id] = FromInt(1)
			} else {
				values[id] = FromInt(0)
			}
		case op == IR_INT_TO_BOOL:
			values[id] = FromBool(get(in.A).ToInt() != 0)
		case op == IR_GET_FIELD:
			values[id] = get(in.A).GetField(in.FieldIndex)
		case op == IR_SET_FIELD:
			get(in.A).SetField(in.FieldIndex, get(in.B))
		case op == IR_NEW:
			if ti.Arena == nil {
				return nil, fmt.Errorf("trace allocates but no arena is attached")
			}
			obj, err := ti.Arena.NewObject(in.TypeIndex, make([]Value, in.NumFields))
			if err != nil {
				return nil, err
			}
			values[id] = obj
		case op == IR_GET_VAR:
			v, ok := vars[[2]int{in.FrameIdx, in.VarIdx}]
			if !ok {
				v = Nil
			}
			values[id] = v
		case op == IR_SET_VAR:
			vars[[2]int{in.FrameIdx, in.VarIdx}] = get(in.B)
		case op.IsGuard():
			if !ti.checkGuard(in, get) {
				return values, &GuardFault{GuardID: in.GuardID, ID: id, Op: op}
			}
		default:
			return nil, fmt.Errorf("cannot interpret %s", op)
		}
	}
	return values, nil
}

func (ti *TraceInterpreter) checkGuard(in *TraceInstr, get func(ValueID) Value) bool {
	v := get(in.A)
	switch in.Op {
	case IR_GUARD_INT:
		return v.IsInteger()
	case IR_GUARD_NIL:
		return v.IsNil()
	case IR_GUARD_BOOL:
		return v.IsBoolean()
	case IR_GUARD_TRUE:
		return v.IsTrue()
	case IR_GUARD_FALSE:
		return v.IsFalse()
	case IR_GUARD_INDEX:
		return v.IsObject() && v.TypeIndex() == in.TypeIndex
	case IR_GUARD_LT:
		return v.ToInt() < get(in.B).ToInt()
	case IR_GUARD_LE:
		return v.ToInt() <= get(in.B).ToInt()
	case IR_GUARD_GT:
		return v.ToInt() > get(in.B).ToInt()
	case IR_GUARD_GE:
		return v.ToInt() >= get(in.B).ToInt()
	case IR_GUARD_EQ:
		return v == get(in.B)
	case IR_GUARD_NE:
		return v != get(in.B)
	}
	return false
}
