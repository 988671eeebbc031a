package trax

import "fmt"

// === Bytecode ===

// Opcode identifies a bytecode instruction.
type Opcode int

const (
	OP_PUSH_CONST Opcode = iota
	OP_POP
	OP_CALL
	OP_JMP
	OP_JMP_IF_NOT
	OP_GET_FIELD
	OP_SET_FIELD
	OP_NEW
	OP_RETURN
	OP_GET_VAR
	OP_SET_VAR
)

var opcodeNames = map[Opcode]string{
	OP_PUSH_CONST: "push_const",
	OP_POP:        "pop",
	OP_CALL:       "call",
	OP_JMP:        "jmp",
	OP_JMP_IF_NOT: "jmp_if_not",
	OP_GET_FIELD:  "get_field",
	OP_SET_FIELD:  "set_field",
	OP_NEW:        "new",
	OP_RETURN:     "return",
	OP_GET_VAR:    "get_var",
	OP_SET_VAR:    "set_var",
}

// Instruction is one bytecode instruction. Which fields are meaningful
// depends on Op; the single-struct encoding keeps the instruction stream
// flat and index-addressable.
type Instruction struct {
	Op Opcode

	ConstIndex int    // OP_PUSH_CONST
	MethodName string // OP_CALL
	NumArgs    int    // OP_CALL
	Target     int    // OP_JMP, OP_JMP_IF_NOT: offset relative to the next pc
	LoopBack   bool   // OP_JMP: back-edge feeding the hotness counter
	FieldIndex int    // OP_GET_FIELD, OP_SET_FIELD
	TypeIndex  int    // OP_NEW
	NumFields  int    // OP_NEW
	VarIndex   int    // OP_GET_VAR, OP_SET_VAR
}

func (in Instruction) String() string {
	switch in.Op {
	case OP_PUSH_CONST:
		return fmt.Sprintf("push_const %d", in.ConstIndex)
	case OP_CALL:
		return fmt.Sprintf("call %s/%d", in.MethodName, in.NumArgs)
	case OP_JMP:
		if in.LoopBack {
			return fmt.Sprintf("jmp %+d (loop)", in.Target)
		}
		return fmt.Sprintf("jmp %+d", in.Target)
	case OP_JMP_IF_NOT:
		return fmt.Sprintf("jmp_if_not %+d", in.Target)
	case OP_GET_FIELD:
		return fmt.Sprintf("get_field %d", in.FieldIndex)
	case OP_SET_FIELD:
		return fmt.Sprintf("set_field %d", in.FieldIndex)
	case OP_NEW:
		return fmt.Sprintf("new %d/%d", in.TypeIndex, in.NumFields)
	case OP_GET_VAR:
		return fmt.Sprintf("get_var %d", in.VarIndex)
	case OP_SET_VAR:
		return fmt.Sprintf("set_var %d", in.VarIndex)
	default:
		return opcodeNames[in.Op]
	}
}

// MethodKey identifies a method: receiver type index + method name.
type MethodKey struct {
	TypeIndex int
	Name      string
}

func (k MethodKey) String() string {
	return fmt.Sprintf("(%d, %q)", k.TypeIndex, k.Name)
}

// ProgramPoint is a location in a method's instruction stream.
type ProgramPoint struct {
	Method MethodKey
	PC     int
}

func (p ProgramPoint) String() string {
	return fmt.Sprintf("%v@%d", p.Method, p.PC)
}

// === Method builder ===

// BB names a basic block inside a MethodBuilder.
type BB int

// MethodBuilder accumulates instructions into basic blocks and resolves
// jump targets to offsets relative to the next pc in Build.
type MethodBuilder struct {
	TypeName   string
	MethodName string
	blocks     [][]Instruction
	current    int
}

// NewMethodBuilder starts a builder with one open block.
func NewMethodBuilder(typeName, methodName string) *MethodBuilder {
	return &MethodBuilder{
		TypeName:   typeName,
		MethodName: methodName,
		blocks:     [][]Instruction{nil},
	}
}

// NewBlock creates an empty block and returns its handle.
func (mb *MethodBuilder) NewBlock() BB {
	mb.blocks = append(mb.blocks, nil)
	return BB(len(mb.blocks) - 1)
}

// SwitchBlock makes bb the block receiving subsequent instructions.
func (mb *MethodBuilder) SwitchBlock(bb BB) {
	if bb < 0 || int(bb) >= len(mb.blocks) {
		panic(fmt.Sprintf("invalid block index: %d", bb))
	}
	mb.current = int(bb)
}

func (mb *MethodBuilder) add(in Instruction) {
	mb.blocks[mb.current] = append(mb.blocks[mb.current], in)
}

func (mb *MethodBuilder) PushConst(constIndex int) {
	mb.add(Instruction{Op: OP_PUSH_CONST, ConstIndex: constIndex})
}

func (mb *MethodBuilder) Pop() {
	mb.add(Instruction{Op: OP_POP})
}

func (mb *MethodBuilder) Call(name string, numArgs int) {
	mb.add(Instruction{Op: OP_CALL, MethodName: name, NumArgs: numArgs})
}

func (mb *MethodBuilder) Jmp(bb BB, loopBack bool) {
	mb.add(Instruction{Op: OP_JMP, Target: int(bb), LoopBack: loopBack})
}

func (mb *MethodBuilder) JmpIfNot(bb BB) {
	mb.add(Instruction{Op: OP_JMP_IF_NOT, Target: int(bb)})
}

func (mb *MethodBuilder) GetField(fieldIndex int) {
	mb.add(Instruction{Op: OP_GET_FIELD, FieldIndex: fieldIndex})
}

func (mb *MethodBuilder) SetField(fieldIndex int) {
	mb.add(Instruction{Op: OP_SET_FIELD, FieldIndex: fieldIndex})
}

func (mb *MethodBuilder) New(typeIndex, numFields int) {
	mb.add(Instruction{Op: OP_NEW, TypeIndex: typeIndex, NumFields: numFields})
}

func (mb *MethodBuilder) Return() {
	mb.add(Instruction{Op: OP_RETURN})
}

func (mb *MethodBuilder) GetVar(varIndex int) {
	mb.add(Instruction{Op: OP_GET_VAR, VarIndex: varIndex})
}

func (mb *MethodBuilder) SetVar(varIndex int) {
	mb.add(Instruction{Op: OP_SET_VAR, VarIndex: varIndex})
}

// Build flattens the blocks and rewrites jump targets from block handles
// to offsets relative to the pc following the jump.
func (mb *MethodBuilder) Build() []Instruction {
	offsets := make([]int, len(mb.blocks))
	off := 0
	for i, blk := range mb.blocks {
		offsets[i] = off
		off += len(blk)
	}

	out := make([]Instruction, 0, off)
	for _, blk := range mb.blocks {
		for _, in := range blk {
			if in.Op == OP_JMP || in.Op == OP_JMP_IF_NOT {
				in.Target = offsets[in.Target] - (len(out) + 1)
			}
			out = append(out, in)
		}
	}
	return out
}
