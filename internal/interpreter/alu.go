package interpreter

import (
	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/memory"
	"github.com/nevermore/sbpfvm/internal/program"
)

// operand returns the ALU op's right-hand side: a register value or a
// sign-extended immediate, truncated to 32 bits for ALU32 ops (execALU
// zero-extends the destination afterward, per spec.md §4.F).
func operand(st *State, op isa.Op, ins isa.Instruction) uint64 {
	if op.Form == isa.FormAluReg {
		if op.Class == isa.ClassALU32 {
			return uint64(uint32(st.Regs[ins.Src]))
		}
		return st.Regs[ins.Src]
	}
	if op.Class == isa.ClassALU32 {
		return uint64(uint32(ins.Imm))
	}
	return uint64(ins.Imm)
}

func execALU(st *State, exe *program.Executable, op isa.Op, ins isa.Instruction) error {
	is32 := op.Class == isa.ClassALU32
	dst := &st.Regs[ins.Dst]
	rhs := operand(st, op, ins)

	switch op.Mnemonic {
	case "add64", "add32":
		*dst += rhs
	case "sub64", "sub32":
		*dst -= rhs
	case "mul64", "mul32":
		*dst *= rhs
	case "div64", "div32":
		if rhs == 0 {
			return &DivideByZero{PC: st.PC}
		}
		if is32 {
			*dst = uint64(uint32(*dst) / uint32(rhs))
		} else {
			*dst /= rhs
		}
	case "mod64", "mod32":
		if rhs == 0 {
			return &DivideByZero{PC: st.PC}
		}
		if is32 {
			*dst = uint64(uint32(*dst) % uint32(rhs))
		} else {
			*dst %= rhs
		}
	case "udiv64":
		if rhs == 0 {
			return &DivideByZero{PC: st.PC}
		}
		*dst /= rhs
	case "umod64":
		if rhs == 0 {
			return &DivideByZero{PC: st.PC}
		}
		*dst %= rhs
	case "or64", "or32":
		*dst |= rhs
	case "and64", "and32":
		*dst &= rhs
	case "xor64", "xor32":
		*dst ^= rhs
	case "mov64", "mov32":
		*dst = rhs
	case "lsh64":
		*dst <<= rhs % 64
	case "lsh32":
		*dst = uint64(uint32(*dst) << (uint32(rhs) % 32))
	case "rsh64":
		*dst >>= rhs % 64
	case "rsh32":
		*dst = uint64(uint32(*dst) >> (uint32(rhs) % 32))
	case "arsh64":
		*dst = uint64(int64(*dst) >> (rhs % 64))
	case "arsh32":
		*dst = uint64(uint32(int32(uint32(*dst)) >> (uint32(rhs) % 32)))
	case "neg64":
		*dst = uint64(-int64(*dst))
	case "neg32":
		*dst = uint64(uint32(-int32(uint32(*dst))))
	case "le":
		*dst = byteswapLE(*dst, ins.Imm)
	case "be":
		*dst = byteswapBE(*dst, ins.Imm)
	}

	if is32 {
		*dst = uint64(uint32(*dst))
	}
	return nil
}

func byteswapLE(v uint64, width int32) uint64 {
	// On a little-endian host the value is already in the requested
	// width's native order; le just truncates to that width.
	switch width {
	case 16:
		return uint64(uint16(v))
	case 32:
		return uint64(uint32(v))
	default:
		return v
	}
}

func byteswapBE(v uint64, width int32) uint64 {
	switch width {
	case 16:
		x := uint16(v)
		return uint64(x>>8 | x<<8)
	case 32:
		x := uint32(v)
		return uint64((x>>24)&0xff | (x>>8)&0xff00 | (x<<8)&0xff0000 | (x<<24)&0xff000000)
	default:
		x := v
		return (x>>56)&0xff | (x>>40)&0xff00 | (x>>24)&0xff0000 | (x>>8)&0xff000000 |
			(x<<8)&0xff00000000 | (x<<24)&0xff0000000000 | (x<<40)&0xff000000000000 | (x<<56)&0xff00000000000000
	}
}

func execMem(st *State, op isa.Op, ins isa.Instruction) error {
	// LDX reads from [src+offset] into dst; ST/STX write to [dst+offset].
	var vaddr uint64
	var access memory.Access
	switch op.Class {
	case isa.ClassLDX:
		vaddr = uint64(int64(st.Regs[ins.Src]) + int64(ins.Offset))
		access = memory.Read
	case isa.ClassST, isa.ClassSTX:
		vaddr = uint64(int64(st.Regs[ins.Dst]) + int64(ins.Offset))
		access = memory.Write
	}

	width := uint64(op.Width)
	slice, err := st.Mapping.TranslateAligned(vaddr, width, access, st.Cfg.AllowUnaligned)
	if err != nil {
		return err
	}

	switch op.Class {
	case isa.ClassLDX:
		st.Regs[ins.Dst] = loadWidth(slice, op.Width)
	case isa.ClassST:
		storeWidth(slice, op.Width, uint64(ins.Imm))
	case isa.ClassSTX:
		storeWidth(slice, op.Width, st.Regs[ins.Src])
	}
	return nil
}

func loadWidth(b []byte, w isa.Width) uint64 {
	var v uint64
	for i := 0; i < int(w); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func storeWidth(b []byte, w isa.Width, v uint64) {
	for i := 0; i < int(w); i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func evalBranch(st *State, op isa.Op, ins isa.Instruction) (bool, error) {
	is32 := op.Class == isa.ClassJMP32
	lhs := st.Regs[ins.Dst]
	var rhs uint64
	if op.Form == isa.FormJumpReg {
		rhs = st.Regs[ins.Src]
	} else {
		rhs = uint64(ins.Imm)
	}
	if is32 {
		lhs = uint64(uint32(lhs))
		rhs = uint64(uint32(rhs))
	}

	switch op.Mnemonic {
	case "jeq":
		return lhs == rhs, nil
	case "jne":
		return lhs != rhs, nil
	case "jgt":
		return lhs > rhs, nil
	case "jge":
		return lhs >= rhs, nil
	case "jlt":
		return lhs < rhs, nil
	case "jle":
		return lhs <= rhs, nil
	case "jset":
		return lhs&rhs != 0, nil
	case "jsgt":
		return signed(lhs, is32) > signed(rhs, is32), nil
	case "jsge":
		return signed(lhs, is32) >= signed(rhs, is32), nil
	case "jslt":
		return signed(lhs, is32) < signed(rhs, is32), nil
	case "jsle":
		return signed(lhs, is32) <= signed(rhs, is32), nil
	}
	return false, nil
}

func signed(v uint64, is32 bool) int64 {
	if is32 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}
