package trax

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLivenessRanges(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0) // 0
	y := tr.Input(1) // 1
	s := tr.Binary(IR_ADD, x, y)  // 2
	_ = tr.Binary(IR_MUL, s, y)   // 3
	tr.Guard(IR_GUARD_INT, 0, s, nil) // 4

	live := tr.Liveness(tr.Stream())
	require.Equal(t, LiveRange{Start: 0, End: 2}, live[x])
	require.Equal(t, LiveRange{Start: 1, End: 3}, live[y])
	require.Equal(t, LiveRange{Start: 2, End: 4}, live[s])
}

func TestLivenessKeepCountsAsUse(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	y := tr.Input(1)
	tr.Binary(IR_ADD, x, x)
	tr.Guard(IR_GUARD_INT, 0, x, []ValueID{y}) // keeps y alive
	live := tr.Liveness(tr.Stream())
	require.Equal(t, 3, live[y].End)
}

func TestLivenessPinsPhis(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	one := tr.Constant(1, FromInt(1))
	next := tr.Binary(IR_ADD, x, one)
	tr.At(x).Phi = next

	live := tr.Liveness(tr.Stream())
	require.Equal(t, tr.Len(), live[x].End)
	require.Equal(t, tr.Len(), live[next].End)
}

func TestLinearScanReusesRegisters(t *testing.T) {
	tr := NewTrace()
	x := tr.Input(0)
	y := tr.Input(1)
	a := tr.Binary(IR_ADD, x, y) // x and y die here
	b := tr.Binary(IR_ADD, a, a)
	tr.Guard(IR_GUARD_INT, 0, b, nil)

	pool := []int{3, 4, 5}
	ra, err := AllocateRegisters(tr, tr.Stream(), pool, nil)
	require.NoError(t, err)

	require.NotEqual(t, ra.Reg[x], ra.Reg[y])
	// a can take a freed register; b reuses one after a dies.
	require.Contains(t, pool, ra.Reg[a])
	require.Contains(t, pool, ra.Reg[b])
}

func TestLinearScanExhaustion(t *testing.T) {
	tr := NewTrace()
	// Three simultaneously live phi-pinned inputs cannot fit two regs.
	for k := 0; k < 3; k++ {
		id := tr.Input(k)
		tr.At(id).Phi = id
	}
	_, err := AllocateRegisters(tr, tr.Stream(), []int{3, 4}, nil)
	require.ErrorContains(t, err, "register pool exhausted")
}

func TestLinearScanReportsCalleeSaved(t *testing.T) {
	tr := NewTrace()
	var ids []ValueID
	for k := 0; k < 4; k++ {
		id := tr.Input(k)
		tr.At(id).Phi = id // all live to the end
		ids = append(ids, id)
	}
	pool := []int{3, 4, 19, 20}
	ra, err := AllocateRegisters(tr, tr.Stream(), pool, []int{19, 20, 21})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{19, 20}, ra.UsedCalleeSaved)
	_ = ids
}

func TestFullTraceAllocates(t *testing.T) {
	tr, _, _, _ := buildCountedLoop()
	tr.Optimize()
	ra, err := AllocateRegisters(tr, tr.Final(), allocatableRegs, calleeSavedRegs)
	require.NoError(t, err)

	// Every value in the final stream has a register, and no two values
	// with overlapping ranges share one.
	live := tr.Liveness(tr.Final())
	for _, id := range tr.Final() {
		if !tr.At(id).Op.IsValue() {
			continue
		}
		require.Contains(t, ra.Reg, id)
		for _, other := range tr.Final() {
			if other == id || !tr.At(other).Op.IsValue() {
				continue
			}
			if ra.Reg[id] == ra.Reg[other] {
				a, b := live[id], live[other]
				overlap := a.Start < b.End && b.Start < a.End
				require.False(t, overlap, "v%d and v%d share a register with overlapping ranges", id, other)
			}
		}
	}
}
