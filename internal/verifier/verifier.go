// Package verifier performs the single linear pass plus per-function
// reachability pass spec.md §4.E requires before any Executable may be
// run. It generalizes the teacher's runtime-only `default:` trap in
// vm/exec.go's execNextInstruction (which only discovers an unknown
// opcode when the interpreter actually reaches it) into an exhaustive
// static pass that runs once and is cached on the Executable.
package verifier

import (
	"fmt"

	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/program"
)

// Kind enumerates the VerifierError taxonomy from spec.md §7.
type Kind string

const (
	UnknownOpcode        Kind = "UnknownOpcode"
	InvalidRegister      Kind = "InvalidRegister"
	JumpOutOfBounds       Kind = "JumpOutOfBounds"
	UnresolvedCall        Kind = "UnresolvedCall"
	DivideByZeroImmediate Kind = "DivideByZeroImmediate"
	Lddw                  Kind = "Lddw"
	UnreachableExit       Kind = "UnreachableExit"
	InvalidFunction       Kind = "InvalidFunction"
)

// Error is the VerifierError carried out of Verify, always tagged with
// the offending PC per spec.md §7 ("every failure path carries the
// offending PC when applicable").
type Error struct {
	Kind Kind
	PC   uint32
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("verifier: %s at pc=%d: %s", e.Kind, e.PC, e.Msg)
}

func fail(kind Kind, pc uint32, format string, args ...any) *Error {
	return &Error{Kind: kind, PC: pc, Msg: fmt.Sprintf(format, args...)}
}

const numRegisters = 11

// funcRange is a half-open [start, end) instruction-index span belonging
// to one function, used for the jump/fall-off-the-end checks.
type funcRange struct {
	start, end uint32
}

// Verify runs the full static pass over exe and caches the outcome via
// Executable.MarkVerified, per spec.md §4.E ("verification runs exactly
// once per Executable; the result is cached on it").
func Verify(exe *program.Executable) error {
	if done, err := exe.Verified(); done {
		return err
	}
	err := verify(exe)
	if markErr := exe.MarkVerified(err); markErr != nil {
		// Should be unreachable: Verified() already reported not-done above.
		return markErr
	}
	return err
}

func verify(exe *program.Executable) error {
	total := exe.NumInstructions()
	if total == 0 {
		return fail(InvalidFunction, 0, "program has no instructions")
	}

	ranges, err := functionRanges(exe, total)
	if err != nil {
		return err
	}

	for pc := uint32(0); pc < total; pc++ {
		ins, err := decodeAt(exe, pc)
		if err != nil {
			return err
		}

		op, ok := isa.Lookup(ins.Opcode, exe.Config.SBPFVersion)
		if !ok {
			return fail(UnknownOpcode, pc, "opcode %#02x not legal for version %s", byte(ins.Opcode), exe.Config.SBPFVersion)
		}

		if err := checkRegisters(op, ins, pc); err != nil {
			return err
		}

		fr := rangeContaining(ranges, pc)

		switch op.Form {
		case isa.FormWide:
			pc++
			if pc >= total {
				return fail(Lddw, pc-1, "lddw missing second slot")
			}
			second, err := decodeAt(exe, pc)
			if err != nil {
				return err
			}
			if second.Opcode != 0 || second.Dst != 0 || second.Src != 0 || second.Offset != 0 {
				return fail(Lddw, pc, "second slot of lddw must be all-zero")
			}
		case isa.FormJumpImm, isa.FormJumpReg, isa.FormJa:
			if err := checkJumpTarget(fr, pc, ins.Offset); err != nil {
				return err
			}
		case isa.FormCall:
			if err := checkCallTarget(exe, ins); err != nil {
				return fail(UnresolvedCall, pc, "%s", err)
			}
		case isa.FormAluImm:
			if isDivOrMod(ins.Opcode) && ins.Imm == 0 {
				return fail(DivideByZeroImmediate, pc, "division/modulo by literal zero")
			}
		}
	}

	for _, fr := range ranges {
		if err := checkFunctionShape(exe, fr); err != nil {
			return err
		}
	}

	return nil
}

func decodeAt(exe *program.Executable, pc uint32) (isa.Instruction, error) {
	off := int(pc) * isa.Size
	if off+isa.Size > len(exe.Text) {
		return isa.Instruction{}, fail(InvalidFunction, pc, "instruction index out of range")
	}
	return isa.Decode(exe.Text[off : off+isa.Size])
}

func checkRegisters(op isa.Op, ins isa.Instruction, pc uint32) error {
	writes := op.Form != isa.FormJumpReg && op.Form != isa.FormJumpImm && op.Form != isa.FormJa &&
		op.Form != isa.FormExit && op.Class != isa.ClassST && op.Class != isa.ClassSTX
	maxDst := uint8(numRegisters)
	if writes {
		maxDst = numRegisters - 1 // r10 is read-only
	}
	if ins.Dst >= maxDst {
		return fail(InvalidRegister, pc, "dst register %d out of range", ins.Dst)
	}
	if ins.Src >= numRegisters {
		return fail(InvalidRegister, pc, "src register %d out of range", ins.Src)
	}
	return nil
}

func isDivOrMod(op isa.Opcode) bool {
	switch op {
	case isa.OpDiv64Imm, isa.OpMod64Imm, isa.OpDiv32Imm, isa.OpMod32Imm:
		return true
	default:
		return false
	}
}

func checkJumpTarget(fr funcRange, pc uint32, offset int16) error {
	target := int64(pc) + 1 + int64(offset)
	if target < int64(fr.start) || target >= int64(fr.end) {
		return fail(JumpOutOfBounds, pc, "target pc %d outside function range [%d,%d)", target, fr.start, fr.end)
	}
	return nil
}

func checkCallTarget(exe *program.Executable, ins isa.Instruction) error {
	key := uint32(ins.Imm)
	if ins.Src == 0 {
		if exe.Syscalls.Has(key) {
			return nil
		}
		return fmt.Errorf("syscall key %#x not registered", key)
	}
	if _, ok := exe.Functions.Lookup(key); ok {
		return nil
	}
	return fmt.Errorf("local call key %#x does not resolve to a function entry", key)
}

// functionRanges derives [start,end) spans from the function registry's
// sorted entry points, plus an implicit function starting at the
// executable's entry point if it isn't already registered.
func functionRanges(exe *program.Executable, total uint32) ([]funcRange, error) {
	starts := append([]uint32{}, exe.Functions.Keys()...)
	entryRegistered := false
	seen := make(map[uint32]bool)
	pcs := make([]uint32, 0, len(starts)+1)
	for _, key := range starts {
		pc, _ := exe.Functions.Lookup(key)
		if pc == exe.EntryPC {
			entryRegistered = true
		}
		if !seen[pc] {
			seen[pc] = true
			pcs = append(pcs, pc)
		}
	}
	if !entryRegistered {
		pcs = append(pcs, exe.EntryPC)
	}
	// insertion sort; function counts are small
	for i := 1; i < len(pcs); i++ {
		for j := i; j > 0 && pcs[j-1] > pcs[j]; j-- {
			pcs[j-1], pcs[j] = pcs[j], pcs[j-1]
		}
	}

	ranges := make([]funcRange, 0, len(pcs))
	for i, start := range pcs {
		if start >= total {
			return nil, fail(InvalidFunction, start, "function entry point outside text segment")
		}
		end := total
		if i+1 < len(pcs) {
			end = pcs[i+1]
		}
		ranges = append(ranges, funcRange{start: start, end: end})
	}
	return ranges, nil
}

func rangeContaining(ranges []funcRange, pc uint32) funcRange {
	for _, fr := range ranges {
		if pc >= fr.start && pc < fr.end {
			return fr
		}
	}
	return funcRange{start: 0, end: 0}
}

// checkFunctionShape enforces "each function must contain at least one
// EXIT and no instruction may fall off the end" (spec.md §4.E).
func checkFunctionShape(exe *program.Executable, fr funcRange) error {
	sawExit := false
	pc := fr.start
	for pc < fr.end {
		ins, err := decodeAt(exe, pc)
		if err != nil {
			return err
		}
		op, _ := isa.Lookup(ins.Opcode, exe.Config.SBPFVersion)
		if op.Form == isa.FormExit {
			sawExit = true
		}
		if op.Form == isa.FormWide {
			pc++
		}
		pc++
	}
	if !sawExit {
		return fail(UnreachableExit, fr.start, "function [%d,%d) has no reachable exit", fr.start, fr.end)
	}
	last, err := lastInstructionForm(exe, fr)
	if err != nil {
		return err
	}
	if last != isa.FormExit && last != isa.FormJa && last != isa.FormJumpImm && last != isa.FormJumpReg {
		return fail(UnreachableExit, fr.end-1, "function falls off the end without exit or jump")
	}
	return nil
}

func lastInstructionForm(exe *program.Executable, fr funcRange) (isa.OperandForm, error) {
	if fr.end == fr.start {
		return isa.FormNone, fail(InvalidFunction, fr.start, "empty function range")
	}
	ins, err := decodeAt(exe, fr.end-1)
	if err != nil {
		return isa.FormNone, err
	}
	op, ok := isa.Lookup(ins.Opcode, exe.Config.SBPFVersion)
	if !ok {
		return isa.FormNone, fail(UnknownOpcode, fr.end-1, "opcode %#02x not legal", byte(ins.Opcode))
	}
	return op.Form, nil
}
