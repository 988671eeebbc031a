package trax

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileSwap(t *testing.T) {
	prog, err := CompileProgram(`
	struct Pair {
		first;
		second;
	}
	fn Pair:swap() {
		var temp = self.first;
		self.first = self.second;
		self.second = temp;
		return self;
	}
	`)
	require.NoError(t, err)

	info := prog.TypeByName("Pair")
	require.NotNil(t, info)
	require.Equal(t, TypeUser, info.TypeIndex)
	require.Equal(t, map[string]int{"first": 0, "second": 1}, info.FieldIndex)

	code, ok := prog.Methods[MethodKey{TypeIndex: TypeUser, Name: "swap"}]
	require.True(t, ok)

	// var temp = self.first
	require.Equal(t, OP_GET_VAR, code[0].Op) // self
	require.Equal(t, OP_GET_FIELD, code[1].Op)
	require.Equal(t, 0, code[1].FieldIndex)
	require.Equal(t, OP_SET_VAR, code[2].Op)
	require.Equal(t, 1, code[2].VarIndex) // temp is local 1 (self is 0)

	// Trailing implicit return: push nil, return after the explicit one.
	require.Equal(t, OP_RETURN, code[len(code)-1].Op)
	require.Equal(t, OP_PUSH_CONST, code[len(code)-2].Op)
	require.Equal(t, 0, code[len(code)-2].ConstIndex)
}

func TestCompileTypeIndexes(t *testing.T) {
	prog, err := CompileProgram(`
	struct A { x; }
	struct B { y; }
	fn A:get() { return self.x; }
	`)
	require.NoError(t, err)
	require.Equal(t, 3, prog.TypeByName("A").TypeIndex)
	require.Equal(t, 4, prog.TypeByName("B").TypeIndex)
	require.Equal(t, 0, prog.TypeByName("Int").TypeIndex)
	require.Equal(t, 1, prog.TypeByName("NilType").TypeIndex)
	require.Equal(t, 2, prog.TypeByName("Bool").TypeIndex)
}

func TestCompileWhileShape(t *testing.T) {
	prog, err := CompileProgram(`
	fn Int:sum_to() {
		var sum = 0;
		var i = 1;
		while i < self {
			sum = sum + i;
			i = i + 1;
		}
		return sum;
	}
	`)
	require.NoError(t, err)
	code := prog.Methods[MethodKey{TypeIndex: TypeInt, Name: "sum_to"}]

	var loopBacks, condJumps int
	for pc, in := range code {
		switch in.Op {
		case OP_JMP:
			if in.LoopBack {
				loopBacks++
				// The back-edge lands on the loop-head pc.
				require.Less(t, pc+1+in.Target, pc, "back-edge must jump backwards")
			}
		case OP_JMP_IF_NOT:
			condJumps++
			require.Greater(t, pc+1+in.Target, pc, "exit jump must go forwards")
		}
	}
	require.Equal(t, 1, loopBacks)
	require.Equal(t, 1, condJumps)

	// Constants pool: slot 0 is nil, and the literals were interned.
	require.True(t, prog.Constants[0].IsNil())
	require.Contains(t, prog.Constants, FromInt(0))
	require.Contains(t, prog.Constants, FromInt(1))
}

func TestCompileErrors(t *testing.T) {
	_, err := CompileProgram(`fn Int:f() { return missing; }`)
	require.Error(t, err)

	_, err = CompileProgram(`
	struct P { a; }
	fn P:f() { return self.b; }
	`)
	require.Error(t, err)

	_, err = CompileProgram(`fn Missing:f() { return 1; }`)
	require.Error(t, err)

	_, err = CompileProgram(`
	struct P { a; }
	fn P:f() { return new P{1, 2}; }
	`)
	require.Error(t, err)

	_, err = CompileProgram(`fn Int:f() { for x in self { return 1; } }`)
	require.Error(t, err)
}
