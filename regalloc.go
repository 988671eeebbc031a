package trax

import "fmt"

// === Liveness and linear-scan register allocation ===

// LiveRange is a half-open [Start, End] index pair over an instruction
// stream; Start is the defining index.
type LiveRange struct {
	Start int
	End   int
}

// Liveness computes (first_def, last_use) per value over instrs. Guard
// keep lists count as uses (the exit stubs read them). Phi'd Inputs and
// their loop-back definitions are live to the end of the stream: both
// ends of the back-edge move must survive the loop.
func (t *Trace) Liveness(instrs []ValueID) map[ValueID]LiveRange {
	live := make(map[ValueID]LiveRange, len(instrs))
	use := func(id ValueID, idx int) {
		r, ok := live[id]
		if !ok {
			// Operand defined outside instrs (shared constant from the
			// preamble); treat the stream start as its definition.
			r = LiveRange{Start: 0, End: idx}
		}
		if idx > r.End {
			r.End = idx
		}
		live[id] = r
	}

	var ops []ValueID
	for idx, id := range instrs {
		in := t.At(id)
		if in.Op.IsValue() {
			// SSA: first and only definition point.
			live[id] = LiveRange{Start: idx, End: idx}
		}
		ops = t.At(id).Operands(ops[:0])
		for _, op := range ops {
			use(op, idx)
		}
		for _, op := range in.Keep {
			use(op, idx)
		}
	}

	end := len(instrs)
	for _, inputID := range t.Inputs {
		in := t.At(inputID)
		if in.Phi == NoValue {
			continue
		}
		if r, ok := live[inputID]; ok {
			r.End = end
			live[inputID] = r
		}
		if r, ok := live[in.Phi]; ok {
			r.End = end
			live[in.Phi] = r
		}
	}
	return live
}

// RegAllocation is the result of linear scan: a register per value plus
// the callee-save registers the trace touches.
type RegAllocation struct {
	Reg             map[ValueID]int
	UsedCalleeSaved []int
}

// AllocateRegisters runs linear scan over instrs with an ordered pool.
// It fails (no spilling) when the pool is exhausted; callers discard the
// trace and fall back to interpretation.
func AllocateRegisters(t *Trace, instrs []ValueID, pool []int, calleeSaved []int) (*RegAllocation, error) {
	live := t.Liveness(instrs)
	alloc := make(map[ValueID]int)
	inUse := make(map[int]bool)

	var ops []ValueID
	for idx, id := range instrs {
		in := t.At(id)

		// Free registers whose holder dies here.
		ops = in.Operands(ops[:0])
		ops = append(ops, in.Keep...)
		for _, op := range ops {
			if r, ok := live[op]; ok && r.End == idx {
				if reg, ok := alloc[op]; ok {
					delete(inUse, reg)
				}
			}
		}

		if !in.Op.IsValue() {
			continue
		}
		assigned := false
		for _, reg := range pool {
			if !inUse[reg] {
				alloc[id] = reg
				inUse[reg] = true
				assigned = true
				break
			}
		}
		if !assigned {
			return nil, fmt.Errorf("register pool exhausted at instruction %d (%s)", idx, in.Op)
		}
	}

	seen := make(map[int]bool)
	for _, reg := range alloc {
		seen[reg] = true
	}
	var used []int
	for _, reg := range calleeSaved {
		if seen[reg] {
			used = append(used, reg)
		}
	}
	return &RegAllocation{Reg: alloc, UsedCalleeSaved: used}, nil
}
