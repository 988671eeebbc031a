package trax

// === Trace optimizer ===
//
// Runs on the finalized instruction stream before register allocation.
// Pass order matters: variable resolution first (it turns the recorded
// var effects into pure SSA), then guard cleanup, then unroll-and-peel
// which splits the stream into a once-run preamble and the hot body.

// Optimize runs the full pipeline.
func (t *Trace) Optimize() {
	t.resolveVars()
	t.removeRedundantGuards()
	t.deadValueElimination()
	t.foldConstantGuards()
	t.removeTrivialGuards()
	t.strengthenGuards()
	t.unrollAndPeel()
}

// resolveVars forwards SetVar stores to GetVar loads and removes both.
// Anchor-frame slots start out bound to their Inputs (VarBindings);
// frames entered during the trace are initialized by the SetVar effects
// the recorder emits when it pushes a shadow frame. A load from a slot
// nothing wrote resolves to nil, matching the interpreter's nil-extended
// locals. Substitutions are applied to every later operand reference,
// guard keep list, and phi link.
func (t *Trace) resolveVars() {
	vars := make(map[VarKey]ValueID, len(t.VarBindings))
	for k, v := range t.VarBindings {
		vars[k] = v
	}
	sub := make(map[ValueID]ValueID)
	lookup := func(id ValueID) ValueID {
		if s, ok := sub[id]; ok {
			return s
		}
		return id
	}

	out := t.stream[:0]
	for _, id := range t.stream {
		in := t.At(id)
		in.rewrite(lookup)
		switch in.Op {
		case IR_GET_VAR:
			key := VarKey{Frame: in.FrameIdx, Slot: in.VarIdx}
			if bound, ok := vars[key]; ok {
				sub[id] = bound
				continue // load folded away
			}
			// Untouched slot: the interpreter would read nil.
			*in = TraceInstr{Op: IR_CONST, ConstIndex: 0, Val: Nil, TypeIndex: TypeNil}
			out = append(out, id)
		case IR_SET_VAR:
			vars[VarKey{Frame: in.FrameIdx, Slot: in.VarIdx}] = in.B
			continue // store folded away
		default:
			out = append(out, id)
		}
	}
	t.stream = out

	for _, inputID := range t.Inputs {
		in := t.At(inputID)
		if in.Phi != NoValue {
			in.Phi = lookup(in.Phi)
		}
	}
}

// guardKey identifies a guard for CSE: kind, operands, and the expected
// type index for guard_index.
type guardKey struct {
	op        TraceOp
	a, b      ValueID
	typeIndex int
}

func makeGuardKey(in *TraceInstr) guardKey {
	k := guardKey{op: in.Op, a: in.A, b: NoValue}
	if in.Op.IsCompoundGuard() {
		k.b = in.B
	}
	if in.Op == IR_GUARD_INDEX {
		k.typeIndex = in.TypeIndex
	}
	return k
}

// removeRedundantGuards keeps the first guard of each (kind, operand)
// pair and drops identical repeats. Guards only narrow, so the first
// occurrence dominates and subsumes the rest.
func (t *Trace) removeRedundantGuards() {
	seen := make(map[guardKey]bool)
	out := t.stream[:0]
	for _, id := range t.stream {
		in := t.At(id)
		if in.Op.IsGuard() {
			key := makeGuardKey(in)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, id)
	}
	t.stream = out
}

// deadValueElimination drops value instructions whose live range is a
// single point. Effects and guards are never dropped; phi'd Inputs are
// pinned live by Liveness.
func (t *Trace) deadValueElimination() {
	live := t.Liveness(t.stream)
	out := t.stream[:0]
	for idx, id := range t.stream {
		in := t.At(id)
		if in.Op.IsValue() {
			if r := live[id]; r.Start == idx && r.End == idx {
				continue
			}
		}
		out = append(out, id)
	}
	t.stream = out
}

// foldConstantGuards evaluates guards whose operand is a constant:
// guaranteed passes are deleted, guaranteed failures warn and stay (the
// trace will always side-exit there).
func (t *Trace) foldConstantGuards() {
	out := t.stream[:0]
	for _, id := range t.stream {
		in := t.At(id)
		if in.Op.IsGuard() && !in.Op.IsCompoundGuard() && t.At(in.A).Op == IR_CONST {
			c := t.At(in.A).Val
			pass := false
			switch in.Op {
			case IR_GUARD_INT:
				pass = c.IsInteger()
			case IR_GUARD_NIL:
				pass = c.IsNil()
			case IR_GUARD_BOOL:
				pass = c.IsBoolean()
			case IR_GUARD_TRUE:
				pass = c.IsTrue()
			case IR_GUARD_FALSE:
				pass = c.IsFalse()
			case IR_GUARD_INDEX:
				pass = c.IsObject() && c.TypeIndex() == in.TypeIndex
			}
			if pass {
				continue
			}
			Warnf("guard g%d (%s) on constant %s is sure to fail", in.GuardID, in.Op, c)
		}
		out = append(out, id)
	}
	t.stream = out
}

// learnType adds the type fact one instruction proves to known.
// Guards narrow their operands; value instructions with a static result
// type define theirs.
func (t *Trace) learnType(known map[ValueID]int, id ValueID) {
	in := t.At(id)
	switch {
	case in.Op == IR_GUARD_INT:
		known[in.A] = TypeInt
	case in.Op == IR_GUARD_NIL:
		known[in.A] = TypeNil
	case in.Op == IR_GUARD_BOOL, in.Op == IR_GUARD_TRUE, in.Op == IR_GUARD_FALSE:
		known[in.A] = TypeBool
	case in.Op == IR_GUARD_INDEX:
		known[in.A] = in.TypeIndex
	case in.Op.IsValue() && in.TypeIndex >= 0:
		known[id] = in.TypeIndex
	}
}

// guardSatisfied reports whether the known-type map already proves the
// guard. Truth guards are never provable from types alone.
func guardSatisfied(in *TraceInstr, known map[ValueID]int) bool {
	ti, ok := known[in.A]
	if !ok {
		return false
	}
	switch in.Op {
	case IR_GUARD_INT:
		return ti == TypeInt
	case IR_GUARD_NIL:
		return ti == TypeNil
	case IR_GUARD_BOOL:
		return ti == TypeBool
	case IR_GUARD_INDEX:
		return ti == in.TypeIndex
	}
	return false
}

// removeTrivialGuards propagates a known-type map and drops any guard
// whose operand is already known to satisfy it.
func (t *Trace) removeTrivialGuards() {
	known := make(map[ValueID]int)
	out := t.stream[:0]
	for _, id := range t.stream {
		in := t.At(id)
		if in.Op.IsGuard() && guardSatisfied(in, known) {
			continue
		}
		t.learnType(known, id)
		out = append(out, id)
	}
	t.stream = out
}

func containsID(ids []ValueID, id ValueID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// strengthenGuards rewrites `v = cmp(a, b); GuardTrue(v)` (v otherwise
// unused) into the single compound guard, inheriting guard id and keep
// list. GuardFalse takes the inverted comparison.
func (t *Trace) strengthenGuards() {
	strengthened := map[TraceOp]TraceOp{
		IR_EQ: IR_GUARD_EQ,
		IR_NE: IR_GUARD_NE,
		IR_LT: IR_GUARD_LT,
		IR_GT: IR_GUARD_GT,
		IR_LE: IR_GUARD_LE,
		IR_GE: IR_GUARD_GE,
	}
	inverted := map[TraceOp]TraceOp{
		IR_EQ: IR_GUARD_NE,
		IR_NE: IR_GUARD_EQ,
		IR_LT: IR_GUARD_GE,
		IR_GT: IR_GUARD_LE,
		IR_LE: IR_GUARD_GT,
		IR_GE: IR_GUARD_LT,
	}

	live := t.Liveness(t.stream)
	out := t.stream[:0]
	for i := 0; i < len(t.stream); i++ {
		id := t.stream[i]
		in := t.At(id)
		if _, isCmp := strengthened[in.Op]; isCmp && i+1 < len(t.stream) {
			next := t.At(t.stream[i+1])
			if (next.Op == IR_GUARD_TRUE || next.Op == IR_GUARD_FALSE) && next.A == id &&
				live[id].End <= i+1 && !containsID(next.Keep, id) {
				table := strengthened
				if next.Op == IR_GUARD_FALSE {
					table = inverted
				}
				// Turn the guard node into the compound form in place so
				// its guard id keeps addressing the same exit descriptor.
				next.Op = table[in.Op]
				next.A = in.A
				next.B = in.B
				out = append(out, t.stream[i+1])
				i++ // comparison dropped, guard consumed
				continue
			}
		}
		out = append(out, id)
	}
	t.stream = out
}

// unrollAndPeel turns the stream into the preamble and synthesizes the
// body by cloning every non-Input, non-Constant instruction with
// operands remapped. Type facts proven by the preamble carry into the
// next iteration through the phi links, so body guards that repeat a
// proven fact are dropped — this is what hoists the common-case guards
// out of the loop. Copy instructions at the preamble tail materialize
// the phis before the body is entered the first time.
func (t *Trace) unrollAndPeel() {
	// Facts that hold at the start of the second iteration.
	known := make(map[ValueID]int)
	for _, id := range t.stream {
		t.learnType(known, id)
	}
	for _, inputID := range t.Inputs {
		in := t.At(inputID)
		if in.Phi == NoValue {
			continue
		}
		if ti, ok := known[in.Phi]; ok {
			known[inputID] = ti
		} else {
			delete(known, inputID)
		}
	}

	preamble := append([]ValueID(nil), t.stream...)

	// Phi values as the preamble produced them, for the boundary copies.
	type phiPair struct{ input, phi ValueID }
	var phis []phiPair
	for _, inputID := range t.Inputs {
		in := t.At(inputID)
		if in.Phi != NoValue && in.Phi != inputID {
			phis = append(phis, phiPair{inputID, in.Phi})
		}
	}

	remap := make(map[ValueID]ValueID)
	lookup := func(id ValueID) ValueID {
		if n, ok := remap[id]; ok {
			return n
		}
		return id
	}
	seenGuards := make(map[guardKey]bool)

	var body []ValueID
	for _, id := range t.stream {
		in := t.At(id)
		switch {
		case in.Op == IR_INPUT || in.Op == IR_CONST:
			remap[id] = id
			continue
		}

		clone := *in
		clone.Keep = append([]ValueID(nil), in.Keep...)
		clone.rewrite(lookup)

		if clone.Op.IsGuard() {
			if guardSatisfied(&clone, known) {
				continue
			}
			key := makeGuardKey(&clone)
			if seenGuards[key] {
				continue
			}
			seenGuards[key] = true
		}

		nid := t.newNode(clone)
		t.learnType(known, nid)
		remap[id] = nid
		body = append(body, nid)
	}

	// Re-point each phi at its body clone for the back-edge moves, and
	// emit the preamble-tail copies from the first-iteration values.
	for _, p := range phis {
		copyID := t.newNode(TraceInstr{Op: IR_COPY, A: p.input, B: p.phi})
		preamble = append(preamble, copyID)
		t.At(p.input).Phi = lookup(p.phi)
	}

	t.Preamble = preamble
	t.Body = body
	t.stream = t.Final()
}
