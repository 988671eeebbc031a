package trax

import (
	"fmt"
	"unsafe"
)

// === Tagged values ===
//
// A Value is a 64-bit word with the low 3 bits used for pointer tagging.
// Bit 0 clear means integer (payload is the signed value shifted left by
// one). Bit 1 set means boolean. Objects are 8-byte-aligned pointers, so
// the tag bits can be masked off to recover the address.

const (
	IntegerTag = 0b000
	NilTag     = 0b001
	FalseTag   = 0b011
	ObjectTag  = 0b101
	TrueTag    = 0b111

	tagMask  = 0b111
	boolMask = 0b011
	ptrMask  = ^uint64(tagMask)
)

// Built-in type indices. User struct types are numbered from 3 upward in
// declaration order by the bytecode compiler.
const (
	TypeInt  = 0
	TypeNil  = 1
	TypeBool = 2
	TypeUser = 3 // first user type index
)

// Value is a tagged 64-bit guest value.
type Value uint64

// Nil, True and False are the canonical singleton encodings.
const (
	Nil   Value = NilTag
	True  Value = TrueTag
	False Value = FalseTag
)

// FromInt tags a host integer. The caller ensures n fits in 63 bits.
func FromInt(n int64) Value {
	return Value(uint64(n) << 1)
}

// FromBool tags a host boolean.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ToInt untags an integer value. Defined only when IsInteger holds.
func (v Value) ToInt() int64 {
	return int64(v) >> 1
}

// ToBool untags a boolean value. Defined only when IsBoolean holds.
func (v Value) ToBool() bool {
	return v == True
}

func (v Value) IsInteger() bool { return v&1 == 0 }
func (v Value) IsNil() bool     { return v&tagMask == NilTag }
func (v Value) IsTrue() bool    { return v&tagMask == TrueTag }
func (v Value) IsFalse() bool   { return v&tagMask == FalseTag }
func (v Value) IsObject() bool  { return v&tagMask == ObjectTag }

// IsBoolean reports whether v is true or false. Booleans are the only
// non-integer forms with both low bits set besides the full true tag, so
// a single two-bit mask suffices.
func (v Value) IsBoolean() bool { return v&boolMask == boolMask }

// ObjectAddr returns the untagged heap address of an object value.
func (v Value) ObjectAddr() uintptr {
	return uintptr(uint64(v) & ptrMask)
}

// TypeIndex returns the dispatch index for v: 0 for integers, 1 for nil,
// 2 for booleans, or the object's header word.
func (v Value) TypeIndex() int {
	switch {
	case v.IsInteger():
		return TypeInt
	case v.IsBoolean():
		return TypeBool
	case v.IsNil():
		return TypeNil
	default:
		return int(*(*uint64)(unsafe.Pointer(v.ObjectAddr())))
	}
}

// GetField loads field slot i of an object value. Callers enforce the
// object precondition via guards or explicit checks.
func (v Value) GetField(i int) Value {
	p := unsafe.Pointer(v.ObjectAddr() + uintptr(i+1)*8)
	return *(*Value)(p)
}

// SetField stores field slot i of an object value.
func (v Value) SetField(i int, val Value) {
	p := unsafe.Pointer(v.ObjectAddr() + uintptr(i+1)*8)
	*(*Value)(p) = val
}

// String renders a value for diagnostics.
func (v Value) String() string {
	switch {
	case v.IsInteger():
		return fmt.Sprintf("Integer(%d)", v.ToInt())
	case v.IsNil():
		return "Nil"
	case v.IsTrue():
		return "True"
	case v.IsFalse():
		return "False"
	case v.IsObject():
		return fmt.Sprintf("Object(addr=0x%x, type=%d)", uint64(v.ObjectAddr()), v.TypeIndex())
	default:
		return fmt.Sprintf("Unknown(0x%x)", uint64(v))
	}
}
