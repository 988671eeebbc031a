package trax

import "fmt"

// === Built-in methods ===
//
// Every builtin has a concrete half over tagged values and a trace-emit
// half that appends the guards plus the value instruction realizing the
// operation. Registration is table-driven on the method symbol.

func wantArgs(args []Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d operands, got %d", n, len(args))
	}
	return nil
}

func wantInt(v Value) (int64, error) {
	if !v.IsInteger() {
		return 0, fmt.Errorf("expected integer, got %s", v)
	}
	return v.ToInt(), nil
}

func wantBool(v Value) (bool, error) {
	if !v.IsBoolean() {
		return false, fmt.Errorf("expected boolean, got %s", v)
	}
	return v.ToBool(), nil
}

// intBinary builds an integer builtin: guard both operands, emit op.
func intBinary(op TraceOp, fn func(a, b int64) (Value, error)) *Builtin {
	return &Builtin{
		Concrete: func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			a, err := wantInt(args[0])
			if err != nil {
				return Nil, err
			}
			b, err := wantInt(args[1])
			if err != nil {
				return Nil, err
			}
			return fn(a, b)
		},
		Trace: func(tc *TraceCtx, args []ValueID) ValueID {
			tc.GuardType(args[0], TypeInt)
			tc.GuardType(args[1], TypeInt)
			return tc.IR().Binary(op, args[0], args[1])
		},
	}
}

// boolBinary builds a boolean builtin.
func boolBinary(op TraceOp, fn func(a, b bool) Value) *Builtin {
	return &Builtin{
		Concrete: func(args []Value) (Value, error) {
			if err := wantArgs(args, 2); err != nil {
				return Nil, err
			}
			a, err := wantBool(args[0])
			if err != nil {
				return Nil, err
			}
			b, err := wantBool(args[1])
			if err != nil {
				return Nil, err
			}
			return fn(a, b), nil
		},
		Trace: func(tc *TraceCtx, args []ValueID) ValueID {
			tc.GuardType(args[0], TypeBool)
			tc.GuardType(args[1], TypeBool)
			return tc.IR().Binary(op, args[0], args[1])
		},
	}
}

// RegisterDefaultBuiltins installs the integer and boolean method
// tables. Division truncates toward zero on both halves so interpreter
// and native results agree.
func RegisterDefaultBuiltins(it *Interpreter) {
	intOk := func(fn func(a, b int64) int64) func(a, b int64) (Value, error) {
		return func(a, b int64) (Value, error) { return FromInt(fn(a, b)), nil }
	}
	intCmp := func(fn func(a, b int64) bool) func(a, b int64) (Value, error) {
		return func(a, b int64) (Value, error) { return FromBool(fn(a, b)), nil }
	}

	intBuiltins := map[string]*Builtin{
		"+": intBinary(IR_ADD, intOk(func(a, b int64) int64 { return a + b })),
		"-": intBinary(IR_SUB, intOk(func(a, b int64) int64 { return a - b })),
		"*": intBinary(IR_MUL, intOk(func(a, b int64) int64 { return a * b })),
		"/": intBinary(IR_DIV, func(a, b int64) (Value, error) {
			if b == 0 {
				return Nil, fmt.Errorf("division by zero")
			}
			return FromInt(a / b), nil
		}),
		"%": intBinary(IR_MOD, func(a, b int64) (Value, error) {
			if b == 0 {
				return Nil, fmt.Errorf("division by zero")
			}
			return FromInt(a % b), nil
		}),
		"min": intBinary(IR_MIN, intOk(func(a, b int64) int64 { return min(a, b) })),
		"max": intBinary(IR_MAX, intOk(func(a, b int64) int64 { return max(a, b) })),
		"&":   intBinary(IR_BAND, intOk(func(a, b int64) int64 { return a & b })),
		"|":   intBinary(IR_BOR, intOk(func(a, b int64) int64 { return a | b })),
		"^":   intBinary(IR_BXOR, intOk(func(a, b int64) int64 { return a ^ b })),
		"<<":  intBinary(IR_SHL, intOk(func(a, b int64) int64 { return a << uint64(b) })),
		">>":  intBinary(IR_ASR, intOk(func(a, b int64) int64 { return a >> uint64(b) })),
		">>>": intBinary(IR_SHR, intOk(func(a, b int64) int64 { return int64(uint64(a) >> uint64(b)) })),
		"<":   intBinary(IR_LT, intCmp(func(a, b int64) bool { return a < b })),
		">":   intBinary(IR_GT, intCmp(func(a, b int64) bool { return a > b })),
		"<=":  intBinary(IR_LE, intCmp(func(a, b int64) bool { return a <= b })),
		">=":  intBinary(IR_GE, intCmp(func(a, b int64) bool { return a >= b })),
		"==":  intBinary(IR_EQ, intCmp(func(a, b int64) bool { return a == b })),
		"!=":  intBinary(IR_NE, intCmp(func(a, b int64) bool { return a != b })),
		"~": {
			Concrete: func(args []Value) (Value, error) {
				if err := wantArgs(args, 1); err != nil {
					return Nil, err
				}
				n, err := wantInt(args[0])
				if err != nil {
					return Nil, err
				}
				return FromInt(^n), nil
			},
			Trace: func(tc *TraceCtx, args []ValueID) ValueID {
				tc.GuardType(args[0], TypeInt)
				return tc.IR().Unary(IR_BWNOT, args[0])
			},
		},
		"to_bool": {
			Concrete: func(args []Value) (Value, error) {
				if err := wantArgs(args, 1); err != nil {
					return Nil, err
				}
				n, err := wantInt(args[0])
				if err != nil {
					return Nil, err
				}
				return FromBool(n != 0), nil
			},
			Trace: func(tc *TraceCtx, args []ValueID) ValueID {
				tc.GuardType(args[0], TypeInt)
				return tc.IR().Unary(IR_INT_TO_BOOL, args[0])
			},
		},
	}
	for name, b := range intBuiltins {
		it.AddBuiltin(TypeInt, name, b)
	}

	boolBuiltins := map[string]*Builtin{
		"&":  boolBinary(IR_AND, func(a, b bool) Value { return FromBool(a && b) }),
		"|":  boolBinary(IR_OR, func(a, b bool) Value { return FromBool(a || b) }),
		"==": boolBinary(IR_EQ, func(a, b bool) Value { return FromBool(a == b) }),
		"!=": boolBinary(IR_NE, func(a, b bool) Value { return FromBool(a != b) }),
		"!": {
			Concrete: func(args []Value) (Value, error) {
				if err := wantArgs(args, 1); err != nil {
					return Nil, err
				}
				b, err := wantBool(args[0])
				if err != nil {
					return Nil, err
				}
				return FromBool(!b), nil
			},
			Trace: func(tc *TraceCtx, args []ValueID) ValueID {
				tc.GuardType(args[0], TypeBool)
				return tc.IR().Unary(IR_NOT, args[0])
			},
		},
		"to_int": {
			Concrete: func(args []Value) (Value, error) {
				if err := wantArgs(args, 1); err != nil {
					return Nil, err
				}
				b, err := wantBool(args[0])
				if err != nil {
					return Nil, err
				}
				if b {
					return FromInt(1), nil
				}
				return FromInt(0), nil
			},
			Trace: func(tc *TraceCtx, args []ValueID) ValueID {
				tc.GuardType(args[0], TypeBool)
				return tc.IR().Unary(IR_BOOL_TO_INT, args[0])
			},
		},
	}
	for name, b := range boolBuiltins {
		it.AddBuiltin(TypeBool, name, b)
	}
}
