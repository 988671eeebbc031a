package trax

import (
	"encoding/binary"
	"fmt"
)

// === AArch64 assembler ===
//
// Fixed-width 32-bit instructions, little-endian. Branches to labels not
// yet placed record a relocation closure; Finalize patches the 4-byte
// instruction in place once every label has an offset.

// Register numbers. 31 encodes SP or XZR depending on instruction class.
const (
	REG_X0  = 0
	REG_X1  = 1
	REG_X2  = 2
	REG_X16 = 16 // IP0, codegen scratch
	REG_X17 = 17 // IP1, codegen scratch
	REG_FP  = 29
	REG_LR  = 30
	REG_SP  = 31
	REG_XZR = 31
)

// Condition codes for B.cond / CSEL.
const (
	COND_EQ = 0x0
	COND_NE = 0x1
	COND_GE = 0xA
	COND_LT = 0xB
	COND_GT = 0xC
	COND_LE = 0xD
)

// RelocVar is an assembly label; its offset is assigned by AssignLabel.
type RelocVar struct {
	offset int
	bound  bool
}

type relocation struct {
	offset int
	apply  func(inst uint32) (uint32, error)
}

// Assembler accumulates encoded instructions and pending relocations.
type Assembler struct {
	code   []byte
	relocs []relocation
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Offset reports the current code size in bytes.
func (a *Assembler) Offset() int { return len(a.code) }

// AssignLabel binds a label to the current offset.
func (a *Assembler) AssignLabel(v *RelocVar) {
	v.offset = len(a.code)
	v.bound = true
}

func (a *Assembler) emit(inst uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, inst)
}

// Finalize applies all relocations and returns the code bytes.
func (a *Assembler) Finalize() ([]byte, error) {
	for _, r := range a.relocs {
		inst := binary.LittleEndian.Uint32(a.code[r.offset:])
		patched, err := r.apply(inst)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(a.code[r.offset:], patched)
	}
	return a.code, nil
}

// === Data processing, register ===

// Add emits ADD Xd, Xn, Xm, LSL #shift.
func (a *Assembler) Add(rd, rn, rm, shift int) {
	a.emit(0x8B000000 | uint32(rm&31)<<16 | uint32(shift&63)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Sub emits SUB Xd, Xn, Xm.
func (a *Assembler) Sub(rd, rn, rm int) {
	a.emit(0xCB000000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// AddImm emits ADD Xd, Xn, #imm12.
func (a *Assembler) AddImm(rd, rn int, imm uint32) {
	a.emit(0x91000000 | (imm&0xFFF)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// SubImm emits SUB Xd, Xn, #imm12.
func (a *Assembler) SubImm(rd, rn int, imm uint32) {
	a.emit(0xD1000000 | (imm&0xFFF)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Mul emits MUL Xd, Xn, Xm (MADD with XZR accumulator).
func (a *Assembler) Mul(rd, rn, rm int) {
	a.emit(0x9B007C00 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Sdiv emits SDIV Xd, Xn, Xm.
func (a *Assembler) Sdiv(rd, rn, rm int) {
	a.emit(0x9AC00C00 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Msub emits MSUB Xd, Xn, Xm, Xa (Xd = Xa - Xn*Xm).
func (a *Assembler) Msub(rd, rn, rm, ra int) {
	a.emit(0x9B008000 | uint32(rm&31)<<16 | uint32(ra&31)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// And emits AND Xd, Xn, Xm.
func (a *Assembler) And(rd, rn, rm int) {
	a.emit(0x8A000000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Orr emits ORR Xd, Xn, Xm.
func (a *Assembler) Orr(rd, rn, rm int) {
	a.emit(0xAA000000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Eor emits EOR Xd, Xn, Xm.
func (a *Assembler) Eor(rd, rn, rm int) {
	a.emit(0xCA000000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Mvn emits MVN Xd, Xm (ORN with XZR).
func (a *Assembler) Mvn(rd, rm int) {
	a.emit(0xAA2003E0 | uint32(rm&31)<<16 | uint32(rd&31))
}

// Lslv emits LSLV Xd, Xn, Xm.
func (a *Assembler) Lslv(rd, rn, rm int) {
	a.emit(0x9AC02000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Lsrv emits LSRV Xd, Xn, Xm.
func (a *Assembler) Lsrv(rd, rn, rm int) {
	a.emit(0x9AC02400 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Asrv emits ASRV Xd, Xn, Xm.
func (a *Assembler) Asrv(rd, rn, rm int) {
	a.emit(0x9AC02800 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31))
}

// LslImm emits LSL Xd, Xn, #shift (UBFM alias).
func (a *Assembler) LslImm(rd, rn, shift int) {
	immr := uint32(64-shift) & 63
	imms := uint32(63 - shift)
	a.emit(0xD3400000 | immr<<16 | imms<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// LsrImm emits LSR Xd, Xn, #shift (UBFM alias, imms=63).
func (a *Assembler) LsrImm(rd, rn, shift int) {
	a.emit(0xD3400000 | uint32(shift&63)<<16 | 63<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// AsrImm emits ASR Xd, Xn, #shift (SBFM alias, imms=63).
func (a *Assembler) AsrImm(rd, rn, shift int) {
	a.emit(0x93400000 | uint32(shift&63)<<16 | 63<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

// Cmp emits CMP Xn, Xm (SUBS with XZR destination).
func (a *Assembler) Cmp(rn, rm int) {
	a.emit(0xEB000000 | uint32(rm&31)<<16 | uint32(rn&31)<<5 | 31)
}

// CmpImm emits CMP Xn, #imm12.
func (a *Assembler) CmpImm(rn int, imm uint32) {
	a.emit(0xF1000000 | (imm&0xFFF)<<10 | uint32(rn&31)<<5 | 31)
}

// Mov emits MOV Xd, Xm (ORR with XZR source).
func (a *Assembler) Mov(rd, rm int) {
	a.emit(0xAA0003E0 | uint32(rm&31)<<16 | uint32(rd&31))
}

// Movz emits MOVZ Xd, #imm16, LSL #(hw*16).
func (a *Assembler) Movz(rd int, imm uint16, hw int) {
	a.emit(0xD2800000 | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd&31))
}

// Movk emits MOVK Xd, #imm16, LSL #(hw*16).
func (a *Assembler) Movk(rd int, imm uint16, hw int) {
	a.emit(0xF2800000 | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd&31))
}

// MovImm64 loads a full 64-bit value with a fixed-length MOVZ/MOVK
// sequence (always four instructions, so the site is patchable).
func (a *Assembler) MovImm64(rd int, v uint64) {
	a.Movz(rd, uint16(v), 0)
	a.Movk(rd, uint16(v>>16), 1)
	a.Movk(rd, uint16(v>>32), 2)
	a.Movk(rd, uint16(v>>48), 3)
}

// Csel emits CSEL Xd, Xn, Xm, cond.
func (a *Assembler) Csel(rd, rn, rm, cond int) {
	a.emit(0x9A800000 | uint32(rm&31)<<16 | uint32(cond&15)<<12 | uint32(rn&31)<<5 | uint32(rd&31))
}

// === Logical immediates ===

// bitmaskImm encodes a 64-bit bitmask immediate (N:immr:imms) for masks
// that are a rotated contiguous run of ones. Only full-width (element
// size 64) patterns are supported, which covers every mask the code
// generator needs.
func bitmaskImm(mask uint64) (n, immr, imms uint32, ok bool) {
	if mask == 0 || mask == ^uint64(0) {
		return 0, 0, 0, false
	}
	ones := 0
	for v := mask; v != 0; v &= v - 1 {
		ones++
	}
	pattern := uint64(1)<<uint(ones) - 1
	if ones == 64 {
		pattern = ^uint64(0)
	}
	for r := 0; r < 64; r++ {
		rot := pattern>>uint(r) | pattern<<uint(64-r)
		if r == 0 {
			rot = pattern
		}
		if rot == mask {
			return 1, uint32(r), uint32(ones - 1), true
		}
	}
	return 0, 0, 0, false
}

func (a *Assembler) logicalImm(base uint32, rd, rn int, mask uint64) error {
	n, immr, imms, ok := bitmaskImm(mask)
	if !ok {
		return fmt.Errorf("mask %#x is not encodable as a logical immediate", mask)
	}
	a.emit(base | n<<22 | immr<<16 | imms<<10 | uint32(rn&31)<<5 | uint32(rd&31))
	return nil
}

// AndImm emits AND Xd, Xn, #mask.
func (a *Assembler) AndImm(rd, rn int, mask uint64) error {
	return a.logicalImm(0x92000000, rd, rn, mask)
}

// AndsImm emits ANDS Xd, Xn, #mask (use REG_XZR to test only flags).
func (a *Assembler) AndsImm(rd, rn int, mask uint64) error {
	return a.logicalImm(0xF2000000, rd, rn, mask)
}

// OrrImm emits ORR Xd, Xn, #mask.
func (a *Assembler) OrrImm(rd, rn int, mask uint64) error {
	return a.logicalImm(0xB2000000, rd, rn, mask)
}

// EorImm emits EOR Xd, Xn, #mask.
func (a *Assembler) EorImm(rd, rn int, mask uint64) error {
	return a.logicalImm(0xD2000000, rd, rn, mask)
}

// === Loads and stores ===

// Ldr emits LDR Xt, [Xn, #imm] (unsigned scaled offset; imm % 8 == 0).
func (a *Assembler) Ldr(rt, rn, imm int) {
	a.emit(0xF9400000 | uint32(imm>>3)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
}

// Str emits STR Xt, [Xn, #imm] (unsigned scaled offset; imm % 8 == 0).
func (a *Assembler) Str(rt, rn, imm int) {
	a.emit(0xF9000000 | uint32(imm>>3)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
}

// === Branches ===

// B emits an unconditional branch to a label (26-bit field).
func (a *Assembler) B(label *RelocVar) {
	at := len(a.code)
	a.relocs = append(a.relocs, relocation{offset: at, apply: func(inst uint32) (uint32, error) {
		off, err := branchOffset(label, at, 26)
		if err != nil {
			return 0, err
		}
		return inst | uint32(off>>2)&0x3FFFFFF, nil
	}})
	a.emit(0x14000000)
}

// Bcond emits B.<cond> to a label (19-bit field).
func (a *Assembler) Bcond(cond int, label *RelocVar) {
	at := len(a.code)
	a.relocs = append(a.relocs, relocation{offset: at, apply: func(inst uint32) (uint32, error) {
		off, err := branchOffset(label, at, 19)
		if err != nil {
			return 0, err
		}
		return inst | (uint32(off>>2)&0x7FFFF)<<5, nil
	}})
	a.emit(0x54000000 | uint32(cond&15))
}

func (a *Assembler) Beq(label *RelocVar) { a.Bcond(COND_EQ, label) }
func (a *Assembler) Bne(label *RelocVar) { a.Bcond(COND_NE, label) }
func (a *Assembler) Bge(label *RelocVar) { a.Bcond(COND_GE, label) }
func (a *Assembler) Blt(label *RelocVar) { a.Bcond(COND_LT, label) }
func (a *Assembler) Bgt(label *RelocVar) { a.Bcond(COND_GT, label) }
func (a *Assembler) Ble(label *RelocVar) { a.Bcond(COND_LE, label) }

// Blr emits BLR Xn.
func (a *Assembler) Blr(rn int) {
	a.emit(0xD63F0000 | uint32(rn&31)<<5)
}

// Ret emits RET.
func (a *Assembler) Ret() {
	a.emit(0xD65F03C0)
}

// branchOffset resolves a label-relative offset and checks alignment and
// the signed range of the instruction field.
func branchOffset(label *RelocVar, from, bits int) (int, error) {
	if !label.bound {
		return 0, fmt.Errorf("branch to unbound label at offset %d", from)
	}
	if label.offset%4 != 0 || from%4 != 0 {
		return 0, fmt.Errorf("misaligned branch: %d -> %d", from, label.offset)
	}
	off := label.offset - from
	limit := 1 << uint(bits+1) // field counts words, offsets are bytes
	if off >= limit || off < -limit {
		return 0, fmt.Errorf("branch offset %d out of range for %d-bit field", off, bits)
	}
	return off, nil
}
