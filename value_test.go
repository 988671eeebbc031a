package trax

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 5, -5, 1 << 40, -(1 << 40), (1 << 62) - 1, -(1 << 62)}
	for _, n := range cases {
		v := FromInt(n)
		require.True(t, v.IsInteger(), "FromInt(%d) must be integer-tagged", n)
		require.Equal(t, n, v.ToInt())
		require.False(t, v.IsBoolean())
		require.False(t, v.IsNil())
		require.False(t, v.IsObject())
	}
}

func TestSingletonTags(t *testing.T) {
	require.False(t, Nil.IsInteger())
	require.False(t, True.IsInteger())
	require.False(t, False.IsInteger())

	require.True(t, Nil.IsNil())
	require.True(t, True.IsTrue())
	require.True(t, False.IsFalse())

	require.True(t, True.IsBoolean())
	require.True(t, False.IsBoolean())
	require.False(t, Nil.IsBoolean())

	require.Equal(t, TypeNil, Nil.TypeIndex())
	require.Equal(t, TypeBool, True.TypeIndex())
	require.Equal(t, TypeBool, False.TypeIndex())
	require.Equal(t, TypeInt, FromInt(42).TypeIndex())
}

func TestFromBool(t *testing.T) {
	require.Equal(t, True, FromBool(true))
	require.Equal(t, False, FromBool(false))
	require.True(t, FromBool(true).ToBool())
	require.False(t, FromBool(false).ToBool())
}

func TestArenaObjects(t *testing.T) {
	arena, err := NewArena(1 << 20)
	require.NoError(t, err)

	obj, err := arena.NewObject(3, []Value{FromInt(5), FromInt(10)})
	require.NoError(t, err)
	require.True(t, obj.IsObject())
	require.Equal(t, 3, obj.TypeIndex())
	require.Equal(t, int64(5), obj.GetField(0).ToInt())
	require.Equal(t, int64(10), obj.GetField(1).ToInt())

	obj.SetField(0, FromInt(7))
	require.Equal(t, int64(7), obj.GetField(0).ToInt())

	// Fresh allocations come back zeroed, so untouched fields read as
	// integer zero words; NewObject always stamps every field.
	other, err := arena.NewObject(4, []Value{Nil})
	require.NoError(t, err)
	require.True(t, other.GetField(0).IsNil())
	require.NotEqual(t, obj.ObjectAddr(), other.ObjectAddr())
	require.Zero(t, obj.ObjectAddr()%8)
	require.Zero(t, other.ObjectAddr()%8)
}

func TestArenaExhaustion(t *testing.T) {
	arena, err := NewArena(4096)
	require.NoError(t, err)
	_, err = arena.Alloc(1 << 20)
	require.Error(t, err)
}
