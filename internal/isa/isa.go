// Package isa is the canonical opcode table shared by the verifier and the
// interpreter, generalizing the teacher's flat Bytecode byte-enum
// (vm/bytecode.go: strToInstrMap/instrToStrMap, NumRequiredOpArgs,
// IsRegisterOp, ...) from a single stack-machine opcode space into the
// spec's (class, operation, operand-form) table for a 64-bit register
// machine.
package isa

import (
	"encoding/binary"
	"fmt"

	"github.com/nevermore/sbpfvm/internal/config"
)

// Size is the width in bytes of one instruction slot. The 64-bit immediate
// load (Lddw) occupies two consecutive slots (FormWide).
const Size = 8

// Class is the low 3 bits of the opcode byte.
type Class uint8

const (
	ClassLD    Class = 0x00
	ClassLDX   Class = 0x01
	ClassST    Class = 0x02
	ClassSTX   Class = 0x03
	ClassALU32 Class = 0x04
	ClassJMP   Class = 0x05
	ClassJMP32 Class = 0x06
	ClassALU64 Class = 0x07
)

func (c Class) String() string {
	switch c {
	case ClassLD:
		return "LD"
	case ClassLDX:
		return "LDX"
	case ClassST:
		return "ST"
	case ClassSTX:
		return "STX"
	case ClassALU32:
		return "ALU32"
	case ClassJMP:
		return "JMP"
	case ClassJMP32:
		return "JMP32"
	case ClassALU64:
		return "ALU64"
	default:
		return "UNKNOWN"
	}
}

// OperandForm describes how the verifier/interpreter should read an
// instruction's dst/src/offset/imm fields.
type OperandForm uint8

const (
	FormNone    OperandForm = iota // dst only, no src or imm (neg64/neg32)
	FormAluReg                     // dst op= src (64 or 32 bit, per class)
	FormAluImm                     // dst op= imm
	FormMem                        // ldx/st/stx: dst/src + offset, fixed width
	FormJumpReg                    // pc += offset if dst <cond> src
	FormJumpImm                    // pc += offset if dst <cond> imm
	FormJa                         // unconditional pc += offset
	FormCall                       // call imm (src selects syscall vs local)
	FormExit                       // exit
	FormWide                       // lddw: two-slot 64-bit immediate load
)

// Width is the access width, in bytes, of a load/store opcode.
type Width uint8

const (
	Width1 Width = 1
	Width2 Width = 2
	Width4 Width = 4
	Width8 Width = 8
)

// Size-selector bits within LD/LDX/ST/STX opcodes.
const (
	sizeW  uint8 = 0x00
	sizeH  uint8 = 0x08
	sizeB  uint8 = 0x10
	sizeDW uint8 = 0x18
	sizeMask uint8 = 0x18
)

// Mode-selector bits within LD/LDX/ST/STX opcodes.
const (
	modeMEM uint8 = 0x60
	modeMask uint8 = 0xE0
)

// Source-selector bit within ALU/JMP opcodes: 0 = K (immediate), 1 = X (register).
const srcReg uint8 = 0x08

// Op-selector bits within ALU/JMP opcodes (high nibble).
const (
	aluAdd  uint8 = 0x00
	aluSub  uint8 = 0x10
	aluMul  uint8 = 0x20
	aluDiv  uint8 = 0x30
	aluOr   uint8 = 0x40
	aluAnd  uint8 = 0x50
	aluLsh  uint8 = 0x60
	aluRsh  uint8 = 0x70
	aluNeg  uint8 = 0x80
	aluMod  uint8 = 0x90
	aluXor  uint8 = 0xA0
	aluMov  uint8 = 0xB0
	aluArsh uint8 = 0xC0
	aluEnd  uint8 = 0xD0

	jmpJa   uint8 = 0x00
	jmpJeq  uint8 = 0x10
	jmpJgt  uint8 = 0x20
	jmpJge  uint8 = 0x30
	jmpJset uint8 = 0x40
	jmpJne  uint8 = 0x50
	jmpJsgt uint8 = 0x60
	jmpJsge uint8 = 0x70
	jmpCall uint8 = 0x80
	jmpExit uint8 = 0x90
	jmpJlt  uint8 = 0xA0
	jmpJle  uint8 = 0xB0
	jmpJslt uint8 = 0xC0
	jmpJsle uint8 = 0xD0

	// aluUdiv/aluUmod are spare high-nibble slots (0xE0/0xF0 are unused by
	// any ALU op above) reserved for the PQR-class unsigned div/mod
	// mnemonics SBPF V1+ adds alongside plain div64/mod64, so they get
	// their own opcode byte instead of colliding with aluDiv/aluMod.
	aluUdiv uint8 = 0xE0
	aluUmod uint8 = 0xF0
)

// Opcode is the full 8-bit instruction opcode byte.
type Opcode uint8

func mk(class Class, op uint8, reg bool) Opcode {
	v := uint8(class) | op
	if reg {
		v |= srcReg
	}
	return Opcode(v)
}

func mkMem(class Class, size uint8) Opcode {
	return Opcode(uint8(class) | modeMEM | size)
}

// Named opcodes, built from the class/op/size tables above instead of
// magic literals so the encoding stays internally consistent by
// construction.
var (
	OpAdd64Imm  = mk(ClassALU64, aluAdd, false)
	OpAdd64Reg  = mk(ClassALU64, aluAdd, true)
	OpSub64Imm  = mk(ClassALU64, aluSub, false)
	OpSub64Reg  = mk(ClassALU64, aluSub, true)
	OpMul64Imm  = mk(ClassALU64, aluMul, false)
	OpMul64Reg  = mk(ClassALU64, aluMul, true)
	OpDiv64Imm  = mk(ClassALU64, aluDiv, false)
	OpDiv64Reg  = mk(ClassALU64, aluDiv, true)
	OpOr64Imm   = mk(ClassALU64, aluOr, false)
	OpOr64Reg   = mk(ClassALU64, aluOr, true)
	OpAnd64Imm  = mk(ClassALU64, aluAnd, false)
	OpAnd64Reg  = mk(ClassALU64, aluAnd, true)
	OpLsh64Imm  = mk(ClassALU64, aluLsh, false)
	OpLsh64Reg  = mk(ClassALU64, aluLsh, true)
	OpRsh64Imm  = mk(ClassALU64, aluRsh, false)
	OpRsh64Reg  = mk(ClassALU64, aluRsh, true)
	OpNeg64     = mk(ClassALU64, aluNeg, false)
	OpMod64Imm  = mk(ClassALU64, aluMod, false)
	OpMod64Reg  = mk(ClassALU64, aluMod, true)
	OpXor64Imm  = mk(ClassALU64, aluXor, false)
	OpXor64Reg  = mk(ClassALU64, aluXor, true)
	OpMov64Imm  = mk(ClassALU64, aluMov, false)
	OpMov64Reg  = mk(ClassALU64, aluMov, true)
	OpArsh64Imm = mk(ClassALU64, aluArsh, false)
	OpArsh64Reg = mk(ClassALU64, aluArsh, true)

	OpAdd32Imm  = mk(ClassALU32, aluAdd, false)
	OpAdd32Reg  = mk(ClassALU32, aluAdd, true)
	OpSub32Imm  = mk(ClassALU32, aluSub, false)
	OpSub32Reg  = mk(ClassALU32, aluSub, true)
	OpMul32Imm  = mk(ClassALU32, aluMul, false)
	OpMul32Reg  = mk(ClassALU32, aluMul, true)
	OpDiv32Imm  = mk(ClassALU32, aluDiv, false)
	OpDiv32Reg  = mk(ClassALU32, aluDiv, true)
	OpOr32Imm   = mk(ClassALU32, aluOr, false)
	OpOr32Reg   = mk(ClassALU32, aluOr, true)
	OpAnd32Imm  = mk(ClassALU32, aluAnd, false)
	OpAnd32Reg  = mk(ClassALU32, aluAnd, true)
	OpLsh32Imm  = mk(ClassALU32, aluLsh, false)
	OpLsh32Reg  = mk(ClassALU32, aluLsh, true)
	OpRsh32Imm  = mk(ClassALU32, aluRsh, false)
	OpRsh32Reg  = mk(ClassALU32, aluRsh, true)
	OpNeg32     = mk(ClassALU32, aluNeg, false)
	OpMod32Imm  = mk(ClassALU32, aluMod, false)
	OpMod32Reg  = mk(ClassALU32, aluMod, true)
	OpXor32Imm  = mk(ClassALU32, aluXor, false)
	OpXor32Reg  = mk(ClassALU32, aluXor, true)
	OpMov32Imm  = mk(ClassALU32, aluMov, false)
	OpMov32Reg  = mk(ClassALU32, aluMov, true)
	OpArsh32Imm = mk(ClassALU32, aluArsh, false)
	OpArsh32Reg = mk(ClassALU32, aluArsh, true)

	// Byte-swap family: imm selects 16/32/64, srcReg bit selects be (1) vs le (0).
	OpLe = mk(ClassALU64, aluEnd, false)
	OpBe = mk(ClassALU64, aluEnd, true)

	OpJa    = mk(ClassJMP, jmpJa, false)
	OpJeqImm  = mk(ClassJMP, jmpJeq, false)
	OpJeqReg  = mk(ClassJMP, jmpJeq, true)
	OpJgtImm  = mk(ClassJMP, jmpJgt, false)
	OpJgtReg  = mk(ClassJMP, jmpJgt, true)
	OpJgeImm  = mk(ClassJMP, jmpJge, false)
	OpJgeReg  = mk(ClassJMP, jmpJge, true)
	OpJsetImm = mk(ClassJMP, jmpJset, false)
	OpJsetReg = mk(ClassJMP, jmpJset, true)
	OpJneImm  = mk(ClassJMP, jmpJne, false)
	OpJneReg  = mk(ClassJMP, jmpJne, true)
	OpJsgtImm = mk(ClassJMP, jmpJsgt, false)
	OpJsgtReg = mk(ClassJMP, jmpJsgt, true)
	OpJsgeImm = mk(ClassJMP, jmpJsge, false)
	OpJsgeReg = mk(ClassJMP, jmpJsge, true)
	OpJltImm  = mk(ClassJMP, jmpJlt, false)
	OpJltReg  = mk(ClassJMP, jmpJlt, true)
	OpJleImm  = mk(ClassJMP, jmpJle, false)
	OpJleReg  = mk(ClassJMP, jmpJle, true)
	OpJsltImm = mk(ClassJMP, jmpJslt, false)
	OpJsltReg = mk(ClassJMP, jmpJslt, true)
	OpJsleImm = mk(ClassJMP, jmpJsle, false)
	OpJsleReg = mk(ClassJMP, jmpJsle, true)
	OpCall  = mk(ClassJMP, jmpCall, false)
	OpExit  = mk(ClassJMP, jmpExit, false)

	OpJa32    = mk(ClassJMP32, jmpJa, false)
	OpJeq32Imm  = mk(ClassJMP32, jmpJeq, false)
	OpJeq32Reg  = mk(ClassJMP32, jmpJeq, true)
	OpJgt32Imm  = mk(ClassJMP32, jmpJgt, false)
	OpJgt32Reg  = mk(ClassJMP32, jmpJgt, true)
	OpJge32Imm  = mk(ClassJMP32, jmpJge, false)
	OpJge32Reg  = mk(ClassJMP32, jmpJge, true)
	OpJset32Imm = mk(ClassJMP32, jmpJset, false)
	OpJset32Reg = mk(ClassJMP32, jmpJset, true)
	OpJne32Imm  = mk(ClassJMP32, jmpJne, false)
	OpJne32Reg  = mk(ClassJMP32, jmpJne, true)
	OpJsgt32Imm = mk(ClassJMP32, jmpJsgt, false)
	OpJsgt32Reg = mk(ClassJMP32, jmpJsgt, true)
	OpJsge32Imm = mk(ClassJMP32, jmpJsge, false)
	OpJsge32Reg = mk(ClassJMP32, jmpJsge, true)
	OpJlt32Imm  = mk(ClassJMP32, jmpJlt, false)
	OpJlt32Reg  = mk(ClassJMP32, jmpJlt, true)
	OpJle32Imm  = mk(ClassJMP32, jmpJle, false)
	OpJle32Reg  = mk(ClassJMP32, jmpJle, true)
	OpJslt32Imm = mk(ClassJMP32, jmpJslt, false)
	OpJslt32Reg = mk(ClassJMP32, jmpJslt, true)
	OpJsle32Imm = mk(ClassJMP32, jmpJsle, false)
	OpJsle32Reg = mk(ClassJMP32, jmpJsle, true)

	OpLddw = Opcode(uint8(ClassLD) | modeMEM | sizeDW) // imm-mode 64-bit immediate load

	OpLdxb  = mkMem(ClassLDX, sizeB)
	OpLdxh  = mkMem(ClassLDX, sizeH)
	OpLdxw  = mkMem(ClassLDX, sizeW)
	OpLdxdw = mkMem(ClassLDX, sizeDW)

	OpStb  = mkMem(ClassST, sizeB)
	OpSth  = mkMem(ClassST, sizeH)
	OpStw  = mkMem(ClassST, sizeW)
	OpStdw = mkMem(ClassST, sizeDW)

	OpStxb  = mkMem(ClassSTX, sizeB)
	OpStxh  = mkMem(ClassSTX, sizeH)
	OpStxw  = mkMem(ClassSTX, sizeW)
	OpStxdw = mkMem(ClassSTX, sizeDW)

	// PQR class: the unsigned div/mod mnemonics SBPF V1+ adds alongside
	// plain div64/mod64 (kept in ALU64 per DESIGN.md's open-question
	// decision). These get their own opcode bytes via aluUdiv/aluUmod so
	// they never alias OpDiv64Reg/OpMod64Reg.
	OpUdiv64Reg = mk(ClassALU64, aluUdiv, true)
	OpUmod64Reg = mk(ClassALU64, aluUmod, true)
)

// Op describes everything the verifier and interpreter need to know about
// one opcode: the teacher's scattered Bytecode predicate methods
// (IsRegisterOp, IsHardwareDeviceOp, NumRequiredOpArgs, NumOptionalOpArgs)
// collapsed into one table row.
type Op struct {
	Mnemonic   string
	Class      Class
	Form       OperandForm
	Width      Width
	MayFault   bool
	MinVersion config.SBPFVersion
}

var table = map[Opcode]Op{}

func reg(op Opcode, mnem string, class Class) {
	table[op] = Op{Mnemonic: mnem, Class: class, Form: FormAluReg}
}
func imm(op Opcode, mnem string, class Class) {
	table[op] = Op{Mnemonic: mnem, Class: class, Form: FormAluImm}
}

func init() {
	for _, c := range []Class{ClassALU64, ClassALU32} {
		suffix := "64"
		if c == ClassALU32 {
			suffix = "32"
		}
		reg(mk(c, aluAdd, true), "add"+suffix, c)
		imm(mk(c, aluAdd, false), "add"+suffix, c)
		reg(mk(c, aluSub, true), "sub"+suffix, c)
		imm(mk(c, aluSub, false), "sub"+suffix, c)
		reg(mk(c, aluMul, true), "mul"+suffix, c)
		imm(mk(c, aluMul, false), "mul"+suffix, c)
		reg(mk(c, aluDiv, true), "div"+suffix, c)
		imm(mk(c, aluDiv, false), "div"+suffix, c)
		reg(mk(c, aluOr, true), "or"+suffix, c)
		imm(mk(c, aluOr, false), "or"+suffix, c)
		reg(mk(c, aluAnd, true), "and"+suffix, c)
		imm(mk(c, aluAnd, false), "and"+suffix, c)
		reg(mk(c, aluLsh, true), "lsh"+suffix, c)
		imm(mk(c, aluLsh, false), "lsh"+suffix, c)
		reg(mk(c, aluRsh, true), "rsh"+suffix, c)
		imm(mk(c, aluRsh, false), "rsh"+suffix, c)
		table[mk(c, aluNeg, false)] = Op{Mnemonic: "neg" + suffix, Class: c, Form: FormNone}
		reg(mk(c, aluMod, true), "mod"+suffix, c)
		imm(mk(c, aluMod, false), "mod"+suffix, c)
		reg(mk(c, aluXor, true), "xor"+suffix, c)
		imm(mk(c, aluXor, false), "xor"+suffix, c)
		reg(mk(c, aluMov, true), "mov"+suffix, c)
		imm(mk(c, aluMov, false), "mov"+suffix, c)
		reg(mk(c, aluArsh, true), "arsh"+suffix, c)
		imm(mk(c, aluArsh, false), "arsh"+suffix, c)
	}
	table[OpUdiv64Reg] = Op{Mnemonic: "udiv64", Class: ClassALU64, Form: FormAluReg, MayFault: true, MinVersion: config.V1}
	table[OpUmod64Reg] = Op{Mnemonic: "umod64", Class: ClassALU64, Form: FormAluReg, MayFault: true, MinVersion: config.V1}
	// mark the plain div/mod ops as fault-capable (division by zero); they
	// stay un-gated ALU ops at every version, per DESIGN.md's open-question
	// decision — only the udiv64/umod64 PQR mnemonics above are V1+-only.
	for _, op := range []Opcode{OpDiv64Imm, OpDiv64Reg, OpMod64Imm, OpMod64Reg, OpDiv32Imm, OpDiv32Reg, OpMod32Imm, OpMod32Reg} {
		e := table[op]
		e.MayFault = true
		table[op] = e
	}

	table[OpLe] = Op{Mnemonic: "le", Class: ClassALU64, Form: FormAluImm}
	table[OpBe] = Op{Mnemonic: "be", Class: ClassALU64, Form: FormAluImm}

	addJump := func(op Opcode, mnem string, class Class, form OperandForm) {
		table[op] = Op{Mnemonic: mnem, Class: class, Form: form}
	}
	jumpOps := []struct {
		nibble uint8
		name   string
	}{
		{jmpJeq, "jeq"}, {jmpJgt, "jgt"}, {jmpJge, "jge"}, {jmpJset, "jset"},
		{jmpJne, "jne"}, {jmpJsgt, "jsgt"}, {jmpJsge, "jsge"},
		{jmpJlt, "jlt"}, {jmpJle, "jle"}, {jmpJslt, "jslt"}, {jmpJsle, "jsle"},
	}
	for _, c := range []Class{ClassJMP, ClassJMP32} {
		for _, j := range jumpOps {
			addJump(mk(c, j.nibble, true), j.name, c, FormJumpReg)
			addJump(mk(c, j.nibble, false), j.name, c, FormJumpImm)
		}
	}
	table[OpJa] = Op{Mnemonic: "ja", Class: ClassJMP, Form: FormJa}
	table[OpJa32] = Op{Mnemonic: "ja", Class: ClassJMP32, Form: FormJa}
	table[OpCall] = Op{Mnemonic: "call", Class: ClassJMP, Form: FormCall}
	table[OpExit] = Op{Mnemonic: "exit", Class: ClassJMP, Form: FormExit}

	ldx := func(op Opcode, mnem string, w Width) {
		table[op] = Op{Mnemonic: mnem, Class: ClassLDX, Form: FormMem, Width: w, MayFault: true}
	}
	ldx(OpLdxb, "ldxb", Width1)
	ldx(OpLdxh, "ldxh", Width2)
	ldx(OpLdxw, "ldxw", Width4)
	ldx(OpLdxdw, "ldxdw", Width8)

	st := func(op Opcode, mnem string, w Width) {
		table[op] = Op{Mnemonic: mnem, Class: ClassST, Form: FormMem, Width: w, MayFault: true}
	}
	st(OpStb, "stb", Width1)
	st(OpSth, "sth", Width2)
	st(OpStw, "stw", Width4)
	st(OpStdw, "stdw", Width8)

	stx := func(op Opcode, mnem string, w Width) {
		table[op] = Op{Mnemonic: mnem, Class: ClassSTX, Form: FormMem, Width: w, MayFault: true}
	}
	stx(OpStxb, "stxb", Width1)
	stx(OpStxh, "stxh", Width2)
	stx(OpStxw, "stxw", Width4)
	stx(OpStxdw, "stxdw", Width8)

	table[OpLddw] = Op{Mnemonic: "lddw", Class: ClassLD, Form: FormWide, MayFault: false}
}

// Lookup returns the Op row for opcode if it is enabled for the given
// version, generalizing the teacher's (bytecode Bytecode) predicate
// methods into a single table-driven query the verifier and interpreter
// both call.
func Lookup(opcode Opcode, version config.SBPFVersion) (Op, bool) {
	op, ok := table[opcode]
	if !ok {
		return Op{}, false
	}
	if version < op.MinVersion {
		return Op{}, false
	}
	return op, true
}

func (op Opcode) String() string {
	if entry, ok := table[op]; ok {
		return entry.Mnemonic
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(op))
}

// Instruction is one decoded 8-byte slot: opcode, 4-bit dst and src
// registers, signed 16-bit offset and signed 32-bit immediate.
type Instruction struct {
	Opcode Opcode
	Dst    uint8
	Src    uint8
	Offset int16
	Imm    int32
}

// Decode reads one 8-byte instruction slot, little-endian, per spec.md §6.
func Decode(buf []byte) (Instruction, error) {
	if len(buf) < Size {
		return Instruction{}, fmt.Errorf("isa: short instruction slot: %d bytes", len(buf))
	}
	regs := buf[1]
	return Instruction{
		Opcode: Opcode(buf[0]),
		Dst:    regs & 0x0F,
		Src:    (regs >> 4) & 0x0F,
		Offset: int16(binary.LittleEndian.Uint16(buf[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// Encode is the inverse of Decode; Encode(Decode(x)) == x is a universal
// property (spec.md §8, property 3).
func Encode(ins Instruction, buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("isa: short destination buffer: %d bytes", len(buf))
	}
	buf[0] = byte(ins.Opcode)
	buf[1] = (ins.Dst & 0x0F) | ((ins.Src & 0x0F) << 4)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(ins.Offset))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ins.Imm))
	return nil
}

// Value64 reassembles the 64-bit immediate carried by a two-slot Lddw pair:
// the first slot's imm supplies the low 32 bits, the second's the high 32.
func Value64(low, high Instruction) uint64 {
	return uint64(uint32(low.Imm)) | uint64(uint32(high.Imm))<<32
}

// IsSourceReg reports whether the opcode's operand source is a register
// (the "X" form) as opposed to an immediate (the "K" form).
func (op Opcode) IsSourceReg() bool {
	return uint8(op)&srcReg != 0
}

// ClassOf extracts the instruction class from an opcode byte.
func ClassOf(op Opcode) Class {
	return Class(uint8(op) & 0x07)
}

// ByMnemonic resolves a textual mnemonic plus whether the second operand
// is a register (as opposed to an immediate) to its opcode. Used by the
// assembler, which works from the same table this package already builds
// rather than keeping a second copy. JMP32 opcodes share their mnemonics
// with the JMP ones and are never returned.
func ByMnemonic(mnemonic string, operandIsReg bool) (Opcode, bool) {
	for op, entry := range table {
		if entry.Mnemonic != mnemonic || entry.Class == ClassJMP32 {
			continue
		}
		switch entry.Form {
		case FormAluReg, FormJumpReg:
			if operandIsReg {
				return op, true
			}
		case FormAluImm, FormJumpImm:
			if !operandIsReg {
				return op, true
			}
		default:
			return op, true
		}
	}
	return 0, false
}

// All returns every (opcode, Op) pair in the table, for tooling that
// needs to enumerate the ISA.
func All() map[Opcode]Op {
	out := make(map[Opcode]Op, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
