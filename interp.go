package trax

import (
	"fmt"
	"runtime"
)

// === Interpreter driver, trace recorder, and side-exit protocol ===

// Config bundles the tunables of one interpreter instance.
type Config struct {
	TraceThreshold int  // back-edges before recording starts
	MaxTraceLength int  // recorded IR nodes before the recorder gives up
	ArenaSize      int  // object arena bytes
	EnableJIT      bool // compile closed traces to native code
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		TraceThreshold: 2,
		MaxTraceLength: 2000,
		ArenaSize:      DefaultArenaSize,
		EnableJIT:      true,
	}
}

// blacklistCount poisons an anchor's hotness counter after an abort so
// the recorder backs off instead of retrying every iteration.
const blacklistCount = -(1 << 16)

// Frame is one interpreter activation.
type Frame struct {
	Method MethodKey
	PC     int
	Locals []Value
	Stack  []Value
}

// shadowFrame mirrors a Frame during recording: the IR value standing in
// for every concrete local and stack slot.
type shadowFrame struct {
	method MethodKey
	locals []ValueID
	stack  []ValueID
}

// exitFrame is one frame of a guard's reconstruction descriptor. The
// slot lists hold indices into the handler's keep vector.
type exitFrame struct {
	method    MethodKey
	pc        int
	localKeep []int
	stackKeep []int
}

// guardHandler describes how to rebuild the call stack when its guard
// fails: outermost (anchor) frame first.
type guardHandler struct {
	frames []exitFrame
	keep   []ValueID
}

// CompiledTrace is an installed trace: the IR (kept for inspection), the
// native block, and the per-guard exit descriptors.
type CompiledTrace struct {
	Trace    *Trace
	handlers []*guardHandler
	code     *CompiledCode
	nLocals  int
	nStack   int
	inputs   *wordBuffer
	exitBuf  *wordBuffer
	Entries  int // times the driver dispatched into the native block
}

// TraceCtx is handed to builtin trace-emit halves; guards it creates
// resume at the calling instruction.
type TraceCtx struct {
	it       *Interpreter
	resumePC int
}

// IR returns the trace under construction.
func (tc *TraceCtx) IR() *Trace { return tc.it.trace }

// GuardType specializes an operand to the observed type index.
func (tc *TraceCtx) GuardType(v ValueID, typeIndex int) {
	tc.it.emitTypeGuard(v, typeIndex, tc.resumePC)
}

// Builtin is one built-in method: a concrete half over tagged values and
// a trace-emit half over IR values. args[0] is the receiver in both.
type Builtin struct {
	Concrete func(args []Value) (Value, error)
	Trace    func(tc *TraceCtx, args []ValueID) ValueID
}

// Interpreter executes bytecode and hosts the tracing machinery.
type Interpreter struct {
	prog     *Program
	builtins map[MethodKey]*Builtin
	arena    *Arena
	backend  *Backend
	constTab *wordBuffer
	config   Config

	frames []*Frame

	jumpCounts map[ProgramPoint]int
	traces     map[ProgramPoint]*CompiledTrace

	// Recording state
	recording bool
	anchor    ProgramPoint
	trace     *Trace
	shadow    []*shadowFrame
	handlers  []*guardHandler
	nLocals   int
	nStack    int
}

// NewInterpreter prepares an interpreter for a compiled program. JIT
// support degrades silently to pure interpretation when the host cannot
// execute AArch64 code.
func NewInterpreter(prog *Program, cfg Config) (*Interpreter, error) {
	arena, err := NewArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	it := &Interpreter{
		prog:       prog,
		builtins:   make(map[MethodKey]*Builtin),
		arena:      arena,
		config:     cfg,
		jumpCounts: make(map[ProgramPoint]int),
		traces:     make(map[ProgramPoint]*CompiledTrace),
	}
	if cfg.EnableJIT && nativeExecOK && runtime.GOARCH == "arm64" {
		backend, err := NewBackend(arena)
		if err != nil {
			return nil, fmt.Errorf("jit backend: %w", err)
		}
		constTab, err := backend.BuildConstTable(prog.Constants)
		if err != nil {
			return nil, fmt.Errorf("jit const table: %w", err)
		}
		it.backend = backend
		it.constTab = constTab
	}
	RegisterDefaultBuiltins(it)
	return it, nil
}

// Arena exposes the object allocator (tests build receivers with it).
func (it *Interpreter) Arena() *Arena { return it.arena }

// JITEnabled reports whether closed traces compile to native code.
func (it *Interpreter) JITEnabled() bool { return it.backend != nil }

// TraceFor returns the installed trace for a program point, or nil.
func (it *Interpreter) TraceFor(pp ProgramPoint) *CompiledTrace { return it.traces[pp] }

// Traces returns all installed traces keyed by anchor.
func (it *Interpreter) Traces() map[ProgramPoint]*CompiledTrace { return it.traces }

// AddBuiltin registers a built-in method.
func (it *Interpreter) AddBuiltin(typeIndex int, name string, b *Builtin) {
	it.builtins[MethodKey{TypeIndex: typeIndex, Name: name}] = b
}

// Run invokes method on a receiver with arguments and interprets until
// the initial frame returns.
func (it *Interpreter) Run(recv Value, method string, args ...Value) (Value, error) {
	key := MethodKey{TypeIndex: recv.TypeIndex(), Name: method}
	if _, ok := it.prog.Methods[key]; !ok {
		return Nil, fmt.Errorf("method %q not found for type index %d", method, key.TypeIndex)
	}
	locals := make([]Value, 0, len(args)+1)
	locals = append(locals, recv)
	locals = append(locals, args...)
	it.frames = []*Frame{{Method: key, Locals: locals}}

	for {
		f := it.frames[len(it.frames)-1]
		code := it.prog.Methods[f.Method]
		if f.PC < 0 || f.PC >= len(code) {
			return Nil, fmt.Errorf("pc %d out of bounds in %v", f.PC, f.Method)
		}

		if !it.recording {
			pp := ProgramPoint{Method: f.Method, PC: f.PC}
			if ct := it.traces[pp]; ct != nil && ct.code != nil {
				if entered, err := it.enterTrace(ct, f); err != nil {
					return Nil, err
				} else if entered {
					continue
				}
			}
		}

		in := code[f.PC]
		f.PC++

		done, result, err := it.step(f, in)
		if err != nil {
			if it.recording {
				it.abortRecording("runtime error: %v", err)
			}
			return Nil, err
		}
		if done {
			return result, nil
		}
		if it.recording && it.trace.Len() > it.config.MaxTraceLength {
			it.abortRecording("trace exceeded %d instructions", it.config.MaxTraceLength)
		}
	}
}

func (it *Interpreter) shadowTop() *shadowFrame {
	return it.shadow[len(it.shadow)-1]
}

// step executes one instruction, shadowing it in IR while recording.
// done is true when the bottom frame returned; result is its value.
func (it *Interpreter) step(f *Frame, in Instruction) (done bool, result Value, err error) {
	switch in.Op {
	case OP_PUSH_CONST:
		v := it.prog.Constants[in.ConstIndex]
		f.Stack = append(f.Stack, v)
		if it.recording {
			sp := it.shadowTop()
			sp.stack = append(sp.stack, it.trace.Constant(in.ConstIndex, v))
		}

	case OP_POP:
		f.Stack = f.Stack[:len(f.Stack)-1]
		if it.recording {
			sp := it.shadowTop()
			sp.stack = sp.stack[:len(sp.stack)-1]
		}

	case OP_GET_VAR:
		v := Nil
		if in.VarIndex < len(f.Locals) {
			v = f.Locals[in.VarIndex]
		}
		f.Stack = append(f.Stack, v)
		if it.recording {
			sp := it.shadowTop()
			id := it.trace.GetVar(len(it.shadow)-1, in.VarIndex)
			sp.stack = append(sp.stack, id)
		}

	case OP_SET_VAR:
		v := f.Stack[len(f.Stack)-1]
		f.Stack = f.Stack[:len(f.Stack)-1]
		for len(f.Locals) <= in.VarIndex {
			f.Locals = append(f.Locals, Nil)
		}
		f.Locals[in.VarIndex] = v
		if it.recording {
			sp := it.shadowTop()
			id := sp.stack[len(sp.stack)-1]
			sp.stack = sp.stack[:len(sp.stack)-1]
			for len(sp.locals) <= in.VarIndex {
				sp.locals = append(sp.locals, it.trace.Constant(0, Nil))
			}
			sp.locals[in.VarIndex] = id
			it.trace.SetVar(len(it.shadow)-1, in.VarIndex, id)
		}

	case OP_GET_FIELD:
		top := len(f.Stack) - 1
		obj := f.Stack[top]
		if it.recording {
			sp := it.shadowTop()
			it.emitTypeGuard(sp.stack[top], obj.TypeIndex(), f.PC-1)
		}
		if !obj.IsObject() {
			return false, Nil, fmt.Errorf("cannot get field of %s", obj)
		}
		f.Stack[top] = obj.GetField(in.FieldIndex)
		if it.recording {
			sp := it.shadowTop()
			sp.stack[top] = it.trace.GetField(sp.stack[top], in.FieldIndex)
		}

	case OP_SET_FIELD:
		top := len(f.Stack) - 1
		obj := f.Stack[top]
		if it.recording {
			sp := it.shadowTop()
			it.emitTypeGuard(sp.stack[top], obj.TypeIndex(), f.PC-1)
		}
		if !obj.IsObject() {
			return false, Nil, fmt.Errorf("cannot set field of %s", obj)
		}
		obj.SetField(in.FieldIndex, f.Stack[top-1])
		f.Stack = f.Stack[:top-1]
		if it.recording {
			sp := it.shadowTop()
			it.trace.SetField(sp.stack[top], in.FieldIndex, sp.stack[top-1])
			sp.stack = sp.stack[:top-1]
		}

	case OP_NEW:
		base := len(f.Stack) - in.NumFields
		obj, aerr := it.arena.NewObject(in.TypeIndex, f.Stack[base:])
		if aerr != nil {
			return false, Nil, aerr
		}
		f.Stack = f.Stack[:base]
		f.Stack = append(f.Stack, obj)
		if it.recording {
			sp := it.shadowTop()
			v := it.trace.New(in.TypeIndex, in.NumFields)
			for i, fid := range sp.stack[base:] {
				it.trace.SetField(v, i, fid)
			}
			sp.stack = sp.stack[:base]
			sp.stack = append(sp.stack, v)
		}

	case OP_CALL:
		return false, Nil, it.execCall(f, in)

	case OP_JMP:
		target := f.PC + in.Target
		if in.LoopBack {
			it.loopBack(f, target)
		}
		f.PC = target

	case OP_JMP_IF_NOT:
		cond := f.Stack[len(f.Stack)-1]
		f.Stack = f.Stack[:len(f.Stack)-1]
		target := f.PC + in.Target
		if it.recording {
			sp := it.shadowTop()
			cid := sp.stack[len(sp.stack)-1]
			sp.stack = sp.stack[:len(sp.stack)-1]
			switch {
			case cond.IsFalse():
				// Branch taken: specialize to the jump, exit to the
				// fallthrough if the condition turns true.
				it.emitGuard(IR_GUARD_FALSE, cid, f.PC)
			case cond.IsTrue():
				it.emitGuard(IR_GUARD_TRUE, cid, target)
			default:
				it.abortRecording("non-boolean branch condition %s", cond)
			}
		}
		if cond.IsFalse() {
			f.PC = target
		}

	case OP_RETURN:
		v := f.Stack[len(f.Stack)-1]
		f.Stack = f.Stack[:len(f.Stack)-1]
		if len(it.frames) == 1 {
			if it.recording {
				it.abortRecording("returned past the trace root")
			}
			return true, v, nil
		}
		it.frames = it.frames[:len(it.frames)-1]
		caller := it.frames[len(it.frames)-1]
		caller.Stack = append(caller.Stack, v)
		if it.recording {
			sp := it.shadowTop()
			rid := sp.stack[len(sp.stack)-1]
			if len(it.shadow) == 1 {
				it.abortRecording("returned past the bottom shadow frame")
			} else {
				it.shadow = it.shadow[:len(it.shadow)-1]
				nsp := it.shadowTop()
				if nsp.method != caller.Method {
					// The recorded call structure no longer matches the
					// concrete one; keep the check and give up.
					it.abortRecording("return frame mismatch: %v != %v", nsp.method, caller.Method)
				} else {
					nsp.stack = append(nsp.stack, rid)
				}
			}
		}

	default:
		return false, Nil, fmt.Errorf("unknown opcode %v", in.Op)
	}
	return false, Nil, nil
}

// execCall dispatches a call on the receiver's type index.
func (it *Interpreter) execCall(f *Frame, in Instruction) error {
	base := len(f.Stack) - in.NumArgs - 1
	if base < 0 {
		return fmt.Errorf("stack underflow in call to %q", in.MethodName)
	}
	recv := f.Stack[base]
	key := MethodKey{TypeIndex: recv.TypeIndex(), Name: in.MethodName}
	callPC := f.PC - 1

	if it.recording {
		// Specialize the dispatch: same receiver type next time, or exit
		// and re-execute the call in the interpreter.
		sp := it.shadowTop()
		it.emitTypeGuard(sp.stack[base], recv.TypeIndex(), callPC)
	}

	if bi := it.builtins[key]; bi != nil {
		resultID := NoValue
		if it.recording {
			sp := it.shadowTop()
			argIDs := append([]ValueID(nil), sp.stack[base:]...)
			resultID = bi.Trace(&TraceCtx{it: it, resumePC: callPC}, argIDs)
		}
		args := append([]Value(nil), f.Stack[base:]...)
		result, err := bi.Concrete(args)
		if err != nil {
			return fmt.Errorf("%q on %s: %w", in.MethodName, recv, err)
		}
		f.Stack = f.Stack[:base]
		f.Stack = append(f.Stack, result)
		if it.recording {
			sp := it.shadowTop()
			sp.stack = sp.stack[:base]
			sp.stack = append(sp.stack, resultID)
		}
		return nil
	}

	if _, ok := it.prog.Methods[key]; ok {
		if it.recording {
			for _, sf := range it.shadow {
				if sf.method == key {
					it.abortRecording("re-entered method %v", key)
					break
				}
			}
		}
		locals := append([]Value(nil), f.Stack[base:]...)
		f.Stack = f.Stack[:base]
		it.frames = append(it.frames, &Frame{Method: key, Locals: locals})
		if it.recording {
			sp := it.shadowTop()
			ids := append([]ValueID(nil), sp.stack[base:]...)
			sp.stack = sp.stack[:base]
			it.shadow = append(it.shadow, &shadowFrame{method: key, locals: ids})
			frameIdx := len(it.shadow) - 1
			for i, vid := range ids {
				it.trace.SetVar(frameIdx, i, vid)
			}
		}
		return nil
	}

	return fmt.Errorf("method %q not found for type index %d", in.MethodName, key.TypeIndex)
}

// === Hotness, recording lifecycle ===

// loopBack services a back-edge: counts hotness, starts recording at the
// threshold, and closes the trace when the anchor comes around again.
func (it *Interpreter) loopBack(f *Frame, target int) {
	pp := ProgramPoint{Method: f.Method, PC: target}
	if it.recording {
		if pp == it.anchor && len(it.shadow) == 1 {
			it.closeTrace()
		}
		return
	}
	if _, ok := it.traces[pp]; ok {
		return
	}
	it.jumpCounts[pp]++
	if it.jumpCounts[pp] >= it.config.TraceThreshold {
		it.startRecording(pp, f)
	}
}

func (it *Interpreter) startRecording(pp ProgramPoint, f *Frame) {
	it.recording = true
	it.anchor = pp
	it.trace = NewTrace()
	it.handlers = nil
	it.nLocals = len(f.Locals)
	it.nStack = len(f.Stack)

	sf := &shadowFrame{method: f.Method}
	bindings := make(map[VarKey]ValueID)
	slot := 0
	for i := range f.Locals {
		id := it.trace.Input(slot)
		slot++
		sf.locals = append(sf.locals, id)
		bindings[VarKey{Frame: 0, Slot: i}] = id
	}
	for range f.Stack {
		id := it.trace.Input(slot)
		slot++
		sf.stack = append(sf.stack, id)
	}
	it.trace.VarBindings = bindings
	it.shadow = []*shadowFrame{sf}
	debugf("recording trace at %v (%d inputs)", pp, slot)
}

// closeTrace ties the phis, optimizes, compiles, and installs.
func (it *Interpreter) closeTrace() {
	sf := it.shadow[0]
	if len(sf.stack) != it.nStack || len(sf.locals) < it.nLocals {
		it.abortRecording("loop-closure shape mismatch")
		return
	}
	for i := 0; i < it.nLocals; i++ {
		it.trace.At(it.trace.Inputs[i]).Phi = sf.locals[i]
	}
	for j := 0; j < it.nStack; j++ {
		it.trace.At(it.trace.Inputs[it.nLocals+j]).Phi = sf.stack[j]
	}

	it.trace.Optimize()
	debugf("closed trace at %v:\n%s", it.anchor, it.trace)

	ct := &CompiledTrace{
		Trace:    it.trace,
		handlers: it.handlers,
		nLocals:  it.nLocals,
		nStack:   it.nStack,
	}
	if it.backend != nil {
		code, err := it.backend.CompileTrace(it.trace, len(it.prog.Constants))
		if err != nil {
			it.abortRecording("codegen failed: %v", err)
			return
		}
		maxKeep := 1
		for _, h := range it.handlers {
			if len(h.keep) > maxKeep {
				maxKeep = len(h.keep)
			}
		}
		inputs, err := newWordBuffer(it.nLocals + it.nStack)
		if err != nil {
			it.abortRecording("input buffer: %v", err)
			return
		}
		exitBuf, err := newWordBuffer(maxKeep)
		if err != nil {
			it.abortRecording("exit buffer: %v", err)
			return
		}
		ct.code = code
		ct.inputs = inputs
		ct.exitBuf = exitBuf
		debugf("installed %d bytes of native code at %v", code.Size(), it.anchor)
	}
	it.traces[it.anchor] = ct
	it.clearRecording()
}

func (it *Interpreter) abortRecording(format string, args ...any) {
	debugf("trace abort at %v: %s", it.anchor, fmt.Sprintf(format, args...))
	it.jumpCounts[it.anchor] = blacklistCount
	it.clearRecording()
}

func (it *Interpreter) clearRecording() {
	it.recording = false
	it.trace = nil
	it.shadow = nil
	it.handlers = nil
}

// === Guard emission ===

// newGuardHandler snapshots the shadow state into an exit descriptor and
// returns the guard id plus the keep list for the guard instruction.
func (it *Interpreter) newGuardHandler(resumePC int) (int, []ValueID) {
	var keep []ValueID
	index := make(map[ValueID]int)
	add := func(id ValueID) int {
		if i, ok := index[id]; ok {
			return i
		}
		i := len(keep)
		index[id] = i
		keep = append(keep, id)
		return i
	}

	frames := make([]exitFrame, len(it.shadow))
	depth0 := len(it.frames) - len(it.shadow)
	for i, sf := range it.shadow {
		pc := it.frames[depth0+i].PC
		if i == len(it.shadow)-1 {
			pc = resumePC
		}
		ef := exitFrame{method: sf.method, pc: pc}
		for _, id := range sf.locals {
			ef.localKeep = append(ef.localKeep, add(id))
		}
		for _, id := range sf.stack {
			ef.stackKeep = append(ef.stackKeep, add(id))
		}
		frames[i] = ef
	}

	gid := len(it.handlers)
	it.handlers = append(it.handlers, &guardHandler{frames: frames, keep: keep})
	return gid, append([]ValueID(nil), keep...)
}

// emitTypeGuard specializes a value to the observed type index.
func (it *Interpreter) emitTypeGuard(v ValueID, typeIndex int, resumePC int) {
	gid, keep := it.newGuardHandler(resumePC)
	switch typeIndex {
	case TypeInt:
		it.trace.Guard(IR_GUARD_INT, gid, v, keep)
	case TypeNil:
		it.trace.Guard(IR_GUARD_NIL, gid, v, keep)
	case TypeBool:
		it.trace.Guard(IR_GUARD_BOOL, gid, v, keep)
	default:
		it.trace.GuardIndex(gid, v, typeIndex, keep)
	}
}

// emitGuard emits a truth guard resuming at resumePC on failure.
func (it *Interpreter) emitGuard(op TraceOp, v ValueID, resumePC int) {
	gid, keep := it.newGuardHandler(resumePC)
	it.trace.Guard(op, gid, v, keep)
}

// === Trace entry and exit reconstruction ===

// enterTrace packs the frame state, dispatches into native code, and
// rebuilds the call stack from the failing guard's descriptor.
func (it *Interpreter) enterTrace(ct *CompiledTrace, f *Frame) (bool, error) {
	if len(f.Stack) != ct.nStack || len(f.Locals) > ct.nLocals {
		return false, nil // shape drifted; stay in the interpreter
	}
	for i := 0; i < ct.nLocals; i++ {
		v := Nil
		if i < len(f.Locals) {
			v = f.Locals[i]
		}
		ct.inputs.Set(i, uint64(v))
	}
	for j := 0; j < ct.nStack; j++ {
		ct.inputs.Set(ct.nLocals+j, uint64(f.Stack[j]))
	}

	ct.Entries++
	gid := callTrace(ct.code.Entry, ct.inputs.Base(), it.constTab.Base(), ct.exitBuf.Base())
	if gid < 0 || gid >= len(ct.handlers) {
		return false, fmt.Errorf("native trace returned bad guard id %d", gid)
	}
	h := ct.handlers[gid]
	debugf("side exit g%d after %d entries", gid, ct.Entries)

	vals := make([]Value, len(h.keep))
	for i := range h.keep {
		vals[i] = Value(ct.exitBuf.Get(i))
	}

	it.frames = it.frames[:len(it.frames)-1]
	for i := range h.frames {
		ef := &h.frames[i]
		nf := &Frame{Method: ef.method, PC: ef.pc}
		for _, ki := range ef.localKeep {
			nf.Locals = append(nf.Locals, vals[ki])
		}
		for _, ki := range ef.stackKeep {
			nf.Stack = append(nf.Stack, vals[ki])
		}
		it.frames = append(it.frames, nf)
	}
	return true, nil
}
