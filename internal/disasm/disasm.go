// Package disasm renders a verified bytecode stream back to text in
// asmtext's own syntax. Straight-line code, wide loads and calls to
// registered syscalls re-assemble to the same bytecode through
// asmtext.Assemble; jump targets are printed as `pc±N` and local-call
// targets as `fn_<key>` names, which asmtext.Assemble does not resolve
// back to the original offsets and keys. This is a supplemented feature (spec.md's
// distillation only asked for load/verify/run); the teacher has no
// direct analogue, so the line format and register syntax are grounded
// on this repo's own internal/asmtext package rather than on teacher code.
package disasm

import (
	"fmt"
	"strings"

	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/program"
)

// Line is one line of disassembly (an instruction or a function-entry
// label): its slot index and rendered text.
type Line struct {
	PC   uint32
	Text string
}

// Disassemble renders every instruction in exe.Text as asmtext syntax,
// labeling any PC that appears as a function entry in exe.Functions.
func Disassemble(exe *program.Executable) ([]Line, error) {
	names := reverseFunctionNames(exe.Functions)

	var lines []Line
	total := exe.NumInstructions()
	for pc := uint32(0); pc < total; pc++ {
		if label, ok := names[pc]; ok {
			lines = append(lines, Line{PC: pc, Text: label + ":"})
		}

		off := int(pc) * isa.Size
		ins, err := isa.Decode(exe.Text[off : off+isa.Size])
		if err != nil {
			return nil, err
		}
		op, ok := isa.Lookup(ins.Opcode, exe.Config.SBPFVersion)
		if !ok {
			lines = append(lines, Line{PC: pc, Text: fmt.Sprintf("\t.byte 0x%02x ; unknown opcode", byte(ins.Opcode))})
			continue
		}

		startPC := pc
		var text string
		if op.Form == isa.FormWide {
			secondOff := off + isa.Size
			second, err := isa.Decode(exe.Text[secondOff : secondOff+isa.Size])
			if err != nil {
				return nil, err
			}
			text = fmt.Sprintf("lddw r%d, %#x", ins.Dst, isa.Value64(ins, second))
			pc++ // second slot already consumed above
		} else {
			text = render(op, ins, exe)
		}
		lines = append(lines, Line{PC: startPC, Text: "\t" + text})
	}
	return lines, nil
}

// String joins the disassembly into asmtext source text.
func String(exe *program.Executable) (string, error) {
	lines, err := Disassemble(exe)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func reverseFunctionNames(fr *program.FunctionRegistry) map[uint32]string {
	out := map[uint32]string{}
	for _, key := range fr.Keys() {
		pc, _ := fr.Lookup(key)
		out[pc] = fmt.Sprintf("fn_%08x", key)
	}
	return out
}

func render(op isa.Op, ins isa.Instruction, exe *program.Executable) string {
	switch op.Form {
	case isa.FormNone:
		return fmt.Sprintf("%s r%d", op.Mnemonic, ins.Dst)
	case isa.FormExit:
		return op.Mnemonic

	case isa.FormAluReg:
		return fmt.Sprintf("%s r%d, r%d", op.Mnemonic, ins.Dst, ins.Src)
	case isa.FormAluImm:
		if op.Mnemonic == "le" || op.Mnemonic == "be" {
			return fmt.Sprintf("%s%d r%d", op.Mnemonic, ins.Imm, ins.Dst)
		}
		return fmt.Sprintf("%s r%d, %d", op.Mnemonic, ins.Dst, ins.Imm)

	case isa.FormMem:
		switch op.Class {
		case isa.ClassLDX:
			return fmt.Sprintf("%s r%d, [r%d%+d]", op.Mnemonic, ins.Dst, ins.Src, ins.Offset)
		case isa.ClassST:
			return fmt.Sprintf("%s [r%d%+d], %d", op.Mnemonic, ins.Dst, ins.Offset, ins.Imm)
		default: // STX
			return fmt.Sprintf("%s [r%d%+d], r%d", op.Mnemonic, ins.Dst, ins.Offset, ins.Src)
		}

	case isa.FormJa:
		return fmt.Sprintf("ja pc%+d", ins.Offset)

	case isa.FormJumpReg:
		return fmt.Sprintf("%s r%d, r%d, pc%+d", op.Mnemonic, ins.Dst, ins.Src, ins.Offset)
	case isa.FormJumpImm:
		return fmt.Sprintf("%s r%d, %d, pc%+d", op.Mnemonic, ins.Dst, ins.Imm, ins.Offset)

	case isa.FormCall:
		if ins.Src == 0 {
			if _, name, ok := exe.Syscalls.Lookup(uint32(ins.Imm)); ok {
				return fmt.Sprintf("call %s ; syscall", name)
			}
			return fmt.Sprintf("call 0x%x ; syscall", uint32(ins.Imm))
		}
		return fmt.Sprintf("call fn_%08x", uint32(ins.Imm))

	case isa.FormWide:
		return fmt.Sprintf("lddw r%d, %#x", ins.Dst, uint64(uint32(ins.Imm)))
	}
	return "?"
}
