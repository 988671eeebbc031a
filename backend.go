package trax

import "fmt"

// === Trace code generation ===
//
// Calling convention of a compiled trace:
//
//	X0 = pointer to the inputs array (tagged values, one per Input)
//	X1 = pointer to the constant table; the final slot holds the raw
//	     address of the allocator stub
//	X2 = pointer to the exit buffer filled on a side exit
//	returns the failing guard id in X0
//
// X16/X17 stay scratch. X18 (platform) and X28 (the Go runtime's
// goroutine register) are never allocated. Callee-saved registers the
// allocator hands out are spilled in the prologue.

// allocatableRegs is the linear-scan pool, in preference order.
var allocatableRegs = []int{3, 4, 5, 6, 7, 9, 10, 11, 12, 13, 14, 15, 8, 19, 20, 21, 22, 23, 24, 25, 26, 27}

// calleeSavedRegs is the subset the prologue must preserve.
var calleeSavedRegs = []int{19, 20, 21, 22, 23, 24, 25, 26, 27}

const (
	ptrTagClearMask = ^uint64(7) // strip the object tag from a pointer
	intTagMask      = 1
)

// Backend owns the pieces of native compilation that outlive any single
// trace: the object arena and the JIT-emitted allocator stub that native
// code calls for IR_NEW.
type Backend struct {
	arena     *Arena
	allocStub *CompiledCode
}

// NewBackend emits the allocator stub and returns a ready backend.
func NewBackend(arena *Arena) (*Backend, error) {
	b := &Backend{arena: arena}
	stub, err := b.emitAllocStub()
	if err != nil {
		return nil, err
	}
	b.allocStub = stub
	return b, nil
}

// emitAllocStub builds the native bump allocator: X0 holds the word
// count on entry and the raw (zeroed, 8-byte-aligned) pointer on return.
// Only X0, X16 and X17 are touched, so a trace can BLR here with every
// allocated register live.
func (b *Backend) emitAllocStub() (*CompiledCode, error) {
	asm := NewAssembler()
	asm.MovImm64(REG_X16, uint64(b.arena.StateAddr()))
	asm.Ldr(REG_X17, REG_X16, 0)          // current bump pointer
	asm.Add(REG_X0, REG_X17, REG_X0, 3)   // advance by nwords*8
	asm.Str(REG_X0, REG_X16, 0)
	asm.Mov(REG_X0, REG_X17)
	asm.Ret()
	code, err := asm.Finalize()
	if err != nil {
		return nil, err
	}
	return mapExecutable(code)
}

// BuildConstTable lays out the tagged constants with the allocator stub
// address in the trailing slot.
func (b *Backend) BuildConstTable(consts []Value) (*wordBuffer, error) {
	buf, err := newWordBuffer(len(consts) + 1)
	if err != nil {
		return nil, err
	}
	for i, c := range consts {
		buf.Set(i, uint64(c))
	}
	buf.Set(len(consts), uint64(b.allocStub.Entry))
	return buf, nil
}

// regMove is one register-to-register transfer in a boundary move group.
type regMove struct {
	dst, src int
}

// emitMoves emits a move group preserving parallel-assignment semantics:
// a move is deferred while its destination is still a pending source,
// and cycles are broken through X16.
func emitMoves(asm *Assembler, moves []regMove) {
	pending := make([]regMove, 0, len(moves))
	for _, m := range moves {
		if m.dst != m.src {
			pending = append(pending, m)
		}
	}
	for len(pending) > 0 {
		emitted := false
		for i, m := range pending {
			blocked := false
			for j, other := range pending {
				if i != j && other.src == m.dst {
					blocked = true
					break
				}
			}
			if !blocked {
				asm.Mov(m.dst, m.src)
				pending = append(pending[:i], pending[i+1:]...)
				emitted = true
				break
			}
		}
		if !emitted {
			// Pure cycle: park one source in scratch and retarget it.
			victim := pending[0].src
			asm.Mov(REG_X16, victim)
			for i := range pending {
				if pending[i].src == victim {
					pending[i].src = REG_X16
				}
			}
		}
	}
}

// traceCompiler carries per-trace codegen state.
type traceCompiler struct {
	backend   *Backend
	trace     *Trace
	asm       *Assembler
	alloc     *RegAllocation
	exitLabel map[int]*RelocVar // stream position -> exit block
	epilogue  *RelocVar
	numConsts int
}

// CompileTrace lowers an optimized trace to native code. numConsts fixes
// the constant-table slot holding the allocator address.
func (b *Backend) CompileTrace(t *Trace, numConsts int) (*CompiledCode, error) {
	if t.Preamble == nil {
		return nil, fmt.Errorf("trace has no preamble/body split; run Optimize first")
	}
	instrs := t.Final()
	alloc, err := AllocateRegisters(t, instrs, allocatableRegs, calleeSavedRegs)
	if err != nil {
		return nil, err
	}

	tc := &traceCompiler{
		backend:   b,
		trace:     t,
		asm:       NewAssembler(),
		alloc:     alloc,
		exitLabel: make(map[int]*RelocVar),
		epilogue:  &RelocVar{},
		numConsts: numConsts,
	}

	// One exit block per guard occurrence: preamble and body clones share
	// a guard id but materialize from different registers.
	for idx, id := range instrs {
		if t.At(id).Op.IsGuard() {
			tc.exitLabel[idx] = &RelocVar{}
		}
	}

	used := alloc.UsedCalleeSaved
	frameSize := (16 + 8*len(used) + 15) &^ 15
	tc.asm.SubImm(REG_SP, REG_SP, uint32(frameSize))
	tc.asm.Str(REG_LR, REG_SP, 0)
	tc.asm.Str(REG_FP, REG_SP, 8)
	for i, reg := range used {
		tc.asm.Str(reg, REG_SP, 16+8*i)
	}

	if err := tc.lowerRange(t.Preamble, 0); err != nil {
		return nil, err
	}

	bodyEntry := &RelocVar{}
	tc.asm.AssignLabel(bodyEntry)
	if err := tc.lowerRange(t.Body, len(t.Preamble)); err != nil {
		return nil, err
	}

	// Close the loop: move each phi definition into its Input's register.
	var moves []regMove
	for _, inputID := range t.Inputs {
		in := t.At(inputID)
		if in.Phi == NoValue {
			continue
		}
		dst, ok1 := alloc.Reg[inputID]
		src, ok2 := alloc.Reg[in.Phi]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("phi operands of input %d missing registers", in.InputIndex)
		}
		moves = append(moves, regMove{dst: dst, src: src})
	}
	emitMoves(tc.asm, moves)
	tc.asm.B(bodyEntry)

	// Exit blocks: spill the keep list, load the guard id, and leave.
	for idx, id := range instrs {
		label := tc.exitLabel[idx]
		if label == nil {
			continue
		}
		in := t.At(id)
		tc.asm.AssignLabel(label)
		for k, vid := range in.Keep {
			reg, ok := alloc.Reg[vid]
			if !ok {
				return nil, fmt.Errorf("guard g%d keep value has no register", in.GuardID)
			}
			tc.asm.Str(reg, REG_X2, k*8)
		}
		tc.asm.Movz(REG_X0, uint16(in.GuardID), 0)
		tc.asm.B(tc.epilogue)
	}

	tc.asm.AssignLabel(tc.epilogue)
	for i, reg := range used {
		tc.asm.Ldr(reg, REG_SP, 16+8*i)
	}
	tc.asm.Ldr(REG_FP, REG_SP, 8)
	tc.asm.Ldr(REG_LR, REG_SP, 0)
	tc.asm.AddImm(REG_SP, REG_SP, uint32(frameSize))
	tc.asm.Ret()

	code, err := tc.asm.Finalize()
	if err != nil {
		return nil, err
	}
	return mapExecutable(code)
}

// lowerRange lowers a section of the stream; base is its offset within
// the final instruction order (exit labels are keyed by position).
func (tc *traceCompiler) lowerRange(instrs []ValueID, base int) error {
	for i := 0; i < len(instrs); i++ {
		id := instrs[i]
		if tc.trace.At(id).Op == IR_COPY {
			// A run of copies is one parallel move group.
			var moves []regMove
			for ; i < len(instrs) && tc.trace.At(instrs[i]).Op == IR_COPY; i++ {
				in := tc.trace.At(instrs[i])
				dst, ok1 := tc.alloc.Reg[in.A]
				src, ok2 := tc.alloc.Reg[in.B]
				if !ok1 || !ok2 {
					return fmt.Errorf("copy operands missing registers")
				}
				moves = append(moves, regMove{dst: dst, src: src})
			}
			i--
			emitMoves(tc.asm, moves)
			continue
		}
		if err := tc.lowerInstr(id, base+i); err != nil {
			return err
		}
	}
	return nil
}

func (tc *traceCompiler) reg(id ValueID) (int, error) {
	r, ok := tc.alloc.Reg[id]
	if !ok {
		return 0, fmt.Errorf("value v%d has no register", id)
	}
	return r, nil
}

func (tc *traceCompiler) lowerInstr(id ValueID, pos int) error {
	t, asm := tc.trace, tc.asm
	in := t.At(id)

	if in.Op.IsGuard() {
		return tc.lowerGuard(in, tc.exitLabel[pos])
	}

	var rd int
	if in.Op.IsValue() {
		var err error
		rd, err = tc.reg(id)
		if err != nil {
			return err
		}
	}

	switch op := in.Op; op {
	case IR_INPUT:
		asm.Ldr(rd, REG_X0, in.InputIndex*8)
		return nil
	case IR_CONST:
		asm.Ldr(rd, REG_X1, in.ConstIndex*8)
		return nil
	case IR_NEW:
		// Fetch the allocator stub from the constant table's last slot,
		// allocate header+fields, stamp the header, tag the pointer.
		asm.Ldr(REG_X16, REG_X1, tc.numConsts*8)
		asm.Movz(REG_X0, uint16(1+in.NumFields), 0)
		asm.Blr(REG_X16)
		asm.Movz(REG_X17, uint16(in.TypeIndex), 0)
		asm.Str(REG_X17, REG_X0, 0)
		asm.AddImm(rd, REG_X0, ObjectTag)
		return nil
	case IR_GET_FIELD:
		ro, err := tc.reg(in.A)
		if err != nil {
			return err
		}
		if err := asm.AndImm(REG_X16, ro, ptrTagClearMask); err != nil {
			return err
		}
		asm.Ldr(rd, REG_X16, (in.FieldIndex+1)*8)
		return nil
	case IR_SET_FIELD:
		ro, err := tc.reg(in.A)
		if err != nil {
			return err
		}
		rv, err := tc.reg(in.B)
		if err != nil {
			return err
		}
		if err := asm.AndImm(REG_X16, ro, ptrTagClearMask); err != nil {
			return err
		}
		asm.Str(rv, REG_X16, (in.FieldIndex+1)*8)
		return nil
	case IR_GET_VAR, IR_SET_VAR:
		return fmt.Errorf("%s survived variable resolution", op)
	}

	if in.Op.IsIntBin() || in.Op.IsBoolBin() {
		ra, err := tc.reg(in.A)
		if err != nil {
			return err
		}
		rb, err := tc.reg(in.B)
		if err != nil {
			return err
		}
		return tc.lowerBinary(in.Op, rd, ra, rb)
	}

	// Unaries
	ra, err := tc.reg(in.A)
	if err != nil {
		return err
	}
	switch in.Op {
	case IR_NOT:
		return asm.EorImm(rd, ra, 1<<2) // flips the true bit
	case IR_BWNOT:
		asm.Mvn(REG_X17, ra)
		return asm.AndImm(rd, REG_X17, ^uint64(intTagMask))
	case IR_BOOL_TO_INT:
		// true 0b111 -> 2, false 0b011 -> 0
		if err := asm.AndImm(REG_X17, ra, 1<<2); err != nil {
			return err
		}
		asm.LsrImm(rd, REG_X17, 1)
		return nil
	case IR_INT_TO_BOOL:
		asm.Movz(REG_X16, TrueTag, 0)
		asm.Movz(REG_X17, FalseTag, 0)
		asm.CmpImm(ra, 0)
		asm.Csel(rd, REG_X16, REG_X17, COND_NE)
		return nil
	}
	return fmt.Errorf("no lowering for %s", in.Op)
}

// lowerBinary emits a binary op over tagged operands. Integers carry a
// zero low bit, so add/sub/and/or/xor and all comparisons operate on the
// tagged form directly; the rest untag as needed.
func (tc *traceCompiler) lowerBinary(op TraceOp, rd, ra, rb int) error {
	asm := tc.asm
	switch op {
	case IR_ADD:
		asm.Add(rd, ra, rb, 0)
	case IR_SUB:
		asm.Sub(rd, ra, rb)
	case IR_MUL:
		asm.AsrImm(REG_X17, ra, 1)
		asm.Mul(rd, REG_X17, rb)
	case IR_DIV:
		asm.Sdiv(REG_X17, ra, rb)
		asm.LslImm(rd, REG_X17, 1)
	case IR_MOD:
		asm.Sdiv(REG_X16, ra, rb)
		asm.Msub(rd, REG_X16, rb, ra)
	case IR_MAX:
		asm.Cmp(ra, rb)
		asm.Csel(rd, ra, rb, COND_GT)
	case IR_MIN:
		asm.Cmp(ra, rb)
		asm.Csel(rd, ra, rb, COND_LT)
	case IR_BAND, IR_AND:
		asm.And(rd, ra, rb)
	case IR_BOR, IR_OR:
		asm.Orr(rd, ra, rb)
	case IR_BXOR:
		asm.Eor(rd, ra, rb)
	case IR_SHL:
		asm.AsrImm(REG_X17, rb, 1)
		asm.Lslv(rd, ra, REG_X17)
	case IR_SHR:
		asm.AsrImm(REG_X16, ra, 1)
		asm.AsrImm(REG_X17, rb, 1)
		asm.Lsrv(REG_X16, REG_X16, REG_X17)
		asm.LslImm(rd, REG_X16, 1)
	case IR_ASR:
		asm.AsrImm(REG_X16, ra, 1)
		asm.AsrImm(REG_X17, rb, 1)
		asm.Asrv(REG_X16, REG_X16, REG_X17)
		asm.LslImm(rd, REG_X16, 1)
	case IR_EQ, IR_NE, IR_LT, IR_GT, IR_LE, IR_GE:
		cond := map[TraceOp]int{
			IR_EQ: COND_EQ, IR_NE: COND_NE, IR_LT: COND_LT,
			IR_GT: COND_GT, IR_LE: COND_LE, IR_GE: COND_GE,
		}[op]
		asm.Movz(REG_X16, TrueTag, 0)
		asm.Movz(REG_X17, FalseTag, 0)
		asm.Cmp(ra, rb)
		asm.Csel(rd, REG_X16, REG_X17, cond)
	default:
		return fmt.Errorf("no lowering for %s", op)
	}
	return nil
}

// lowerGuard emits the check and the conditional branch to this guard
// occurrence's exit block.
func (tc *traceCompiler) lowerGuard(in *TraceInstr, exit *RelocVar) error {
	asm := tc.asm
	ra, err := tc.reg(in.A)
	if err != nil {
		return err
	}
	switch in.Op {
	case IR_GUARD_INT:
		if err := asm.AndsImm(REG_XZR, ra, intTagMask); err != nil {
			return err
		}
		asm.Bne(exit)
	case IR_GUARD_NIL:
		if err := asm.AndImm(REG_X17, ra, tagMask); err != nil {
			return err
		}
		asm.CmpImm(REG_X17, NilTag)
		asm.Bne(exit)
	case IR_GUARD_TRUE:
		if err := asm.AndImm(REG_X17, ra, tagMask); err != nil {
			return err
		}
		asm.CmpImm(REG_X17, TrueTag)
		asm.Bne(exit)
	case IR_GUARD_FALSE:
		if err := asm.AndImm(REG_X17, ra, tagMask); err != nil {
			return err
		}
		asm.CmpImm(REG_X17, FalseTag)
		asm.Bne(exit)
	case IR_GUARD_BOOL:
		if err := asm.AndImm(REG_X17, ra, boolMask); err != nil {
			return err
		}
		asm.CmpImm(REG_X17, boolMask)
		asm.Bne(exit)
	case IR_GUARD_INDEX:
		// Load the header early, check the pointer tag while it lands.
		if err := asm.AndImm(REG_X16, ra, ptrTagClearMask); err != nil {
			return err
		}
		asm.Ldr(REG_X16, REG_X16, 0)
		if err := asm.AndImm(REG_X17, ra, tagMask); err != nil {
			return err
		}
		asm.CmpImm(REG_X17, ObjectTag)
		asm.Bne(exit)
		asm.CmpImm(REG_X16, uint32(in.TypeIndex))
		asm.Bne(exit)
	case IR_GUARD_LT, IR_GUARD_LE, IR_GUARD_GT, IR_GUARD_GE, IR_GUARD_EQ, IR_GUARD_NE:
		rb, err := tc.reg(in.B)
		if err != nil {
			return err
		}
		asm.Cmp(ra, rb)
		// Branch out on the inverse condition.
		switch in.Op {
		case IR_GUARD_LT:
			asm.Bge(exit)
		case IR_GUARD_LE:
			asm.Bgt(exit)
		case IR_GUARD_GT:
			asm.Ble(exit)
		case IR_GUARD_GE:
			asm.Blt(exit)
		case IR_GUARD_EQ:
			asm.Bne(exit)
		case IR_GUARD_NE:
			asm.Beq(exit)
		}
	default:
		return fmt.Errorf("no lowering for guard %s", in.Op)
	}
	return nil
}
