// Package interpreter is the reference executor for verified bytecode,
// directly modeled on the teacher's execInstructions/execNextInstruction
// dispatch loop (vm/vm.go, vm/exec.go) — including the teacher's own
// note that this is a hot loop best kept as one big switch rather than a
// table of function pointers — generalized from 32-bit stack-machine
// opcodes to the spec's 64-bit register-machine ISA (spec.md §4.F).
package interpreter

import (
	"fmt"

	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/memory"
	"github.com/nevermore/sbpfvm/internal/program"
)

// RuntimeError kinds from spec.md §7, beyond AccessViolation and
// UnalignedMemoryAccess, which package memory defines.
type DivideByZero struct{ PC uint32 }

func (e *DivideByZero) Error() string { return fmt.Sprintf("divide by zero at pc=%d", e.PC) }

type CallDepthExceeded struct {
	PC    uint32
	Depth int
}

func (e *CallDepthExceeded) Error() string {
	return fmt.Sprintf("call depth %d exceeded at pc=%d", e.Depth, e.PC)
}

type CallOutsideTextSegment struct {
	PC     uint32
	Target uint32
}

func (e *CallOutsideTextSegment) Error() string {
	return fmt.Sprintf("call target %d outside text segment at pc=%d", e.Target, e.PC)
}

type ExceededMaxInstructions struct{ PC uint32 }

func (e *ExceededMaxInstructions) Error() string {
	return fmt.Sprintf("exceeded max instructions at pc=%d", e.PC)
}

type ExecutionOverrun struct{ PC uint32 }

func (e *ExecutionOverrun) Error() string { return fmt.Sprintf("execution overran text segment at pc=%d", e.PC) }

type SyscallError struct {
	PC   uint32
	Name string
	Err  error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall %q failed at pc=%d: %s", e.Name, e.PC, e.Err)
}
func (e *SyscallError) Unwrap() error { return e.Err }

// frame is one saved call-stack entry: the return PC and the callee-saved
// registers (r6-r9) to restore on exit, per spec.md §3's call-frame model.
type frame struct {
	returnPC      uint32
	savedRegs     [4]uint64 // r6..r9
	savedR10      uint64
	instructionsAtCall uint64
}

// State is the register file, call stack and metering counter the
// interpreter mutates. It is owned exclusively by one invocation (spec.md
// §5) and is the generalization of the teacher's VM.registers/pc/sp trio.
type State struct {
	Regs [11]uint64 // r0..r10; r10 is the frame pointer, read-only to bytecode
	PC   uint32

	Stack    []frame
	MaxDepth int

	Budget    uint64
	Consumed  uint64

	Mapping *memory.Mapping
	Cfg     *config.Config
}

// NewState initializes registers for a fresh invocation: r10 points at the
// top of the first stack frame, everything else zero, per spec.md §3.
func NewState(mapping *memory.Mapping, cfg *config.Config, stackTop uint64, budget uint64) *State {
	s := &State{
		Mapping:  mapping,
		Cfg:      cfg,
		MaxDepth: cfg.MaxCallDepth,
		Budget:   budget,
	}
	s.Regs[10] = stackTop
	return s
}

// weight returns the per-opcode metering cost, per spec.md §4.F (default
// 1; memory ops and multiplies may weigh more).
func weight(op isa.Op) uint64 {
	switch op.Class {
	case isa.ClassLDX, isa.ClassST, isa.ClassSTX, isa.ClassLD:
		return 2
	}
	if op.Mnemonic == "mul64" || op.Mnemonic == "mul32" {
		return 2
	}
	return 1
}

// Run executes exe from exe.EntryPC until it returns, traps, or exhausts
// its budget, returning the final r0 value. This is the direct
// generalization of the teacher's RunProgram loop (vm/run.go), built on
// top of Step the way RunProgram repeatedly calls execInstructions.
func Run(exe *program.Executable, st *State) (uint64, error) {
	if done, err := exe.Verified(); !done {
		return 0, fmt.Errorf("interpreter: executable has not been verified")
	} else if err != nil {
		return 0, fmt.Errorf("interpreter: executable failed verification: %w", err)
	}
	if st.PC == 0 {
		st.PC = exe.EntryPC
	}

	for {
		halted, result, err := Step(exe, st)
		if err != nil {
			return 0, err
		}
		if halted {
			return result, nil
		}
	}
}

// Step executes exactly one instruction (two slots for a wide lddw),
// generalizing the teacher's ExecNextInstruction (vm/vm.go) for the
// CLI's debug single-step mode (vm/run.go's RunProgramDebugMode). halted
// reports whether the outermost call frame just returned via exit, in
// which case result holds r0.
func Step(exe *program.Executable, st *State) (halted bool, result uint64, err error) {
	if st.Budget == 0 {
		return false, 0, &ExceededMaxInstructions{PC: st.PC}
	}
	if st.PC >= exe.NumInstructions() {
		return false, 0, &ExecutionOverrun{PC: st.PC}
	}

	off := int(st.PC) * isa.Size
	ins, err := isa.Decode(exe.Text[off : off+isa.Size])
	if err != nil {
		return false, 0, err
	}
	op, ok := isa.Lookup(ins.Opcode, exe.Config.SBPFVersion)
	if !ok {
		return false, 0, fmt.Errorf("interpreter: unknown opcode %#02x at pc=%d (unreachable past verification)", byte(ins.Opcode), st.PC)
	}

	w := weight(op)
	if st.Budget < w {
		return false, 0, &ExceededMaxInstructions{PC: st.PC}
	}
	st.Budget -= w
	st.Consumed += w

	nextPC := st.PC + 1

	switch op.Form {
	case isa.FormWide:
		secondOff := off + isa.Size
		second, _ := isa.Decode(exe.Text[secondOff : secondOff+isa.Size])
		st.Regs[ins.Dst] = isa.Value64(ins, second)
		nextPC++

	case isa.FormAluReg, isa.FormAluImm, isa.FormNone:
		if err := execALU(st, exe, op, ins); err != nil {
			return false, 0, err
		}

	case isa.FormMem:
		if err := execMem(st, op, ins); err != nil {
			return false, 0, err
		}

	case isa.FormJa:
		nextPC = uint32(int64(st.PC) + 1 + int64(ins.Offset))

	case isa.FormJumpImm, isa.FormJumpReg:
		taken, err := evalBranch(st, op, ins)
		if err != nil {
			return false, 0, err
		}
		if taken {
			nextPC = uint32(int64(st.PC) + 1 + int64(ins.Offset))
		}

	case isa.FormCall:
		np, err := execCall(exe, st, ins)
		if err != nil {
			return false, 0, err
		}
		nextPC = np

	case isa.FormExit:
		if len(st.Stack) == 0 {
			st.PC = nextPC
			return true, st.Regs[0], nil
		}
		fr := st.Stack[len(st.Stack)-1]
		st.Stack = st.Stack[:len(st.Stack)-1]
		copy(st.Regs[6:10], fr.savedRegs[:])
		st.Regs[10] = fr.savedR10
		nextPC = fr.returnPC
	}

	st.PC = nextPC
	return false, 0, nil
}

func execCall(exe *program.Executable, st *State, ins isa.Instruction) (uint32, error) {
	key := uint32(ins.Imm)
	if ins.Src == 0 {
		fn, name, ok := exe.Syscalls.Lookup(key)
		if !ok {
			return 0, fmt.Errorf("interpreter: syscall key %#x not registered (unreachable past verification)", key)
		}
		ret, err := fn(newSyscallContext(st), st.Regs[1], st.Regs[2], st.Regs[3], st.Regs[4], st.Regs[5])
		if err != nil {
			return 0, &SyscallError{PC: st.PC, Name: name, Err: err}
		}
		st.Regs[0] = ret
		return st.PC + 1, nil
	}

	// Depth counts the entry frame, so MaxDepth frames means at most
	// MaxDepth-1 saved frames on st.Stack.
	if len(st.Stack)+1 >= st.MaxDepth {
		return 0, &CallDepthExceeded{PC: st.PC, Depth: len(st.Stack) + 1}
	}
	target, ok := exe.Functions.Lookup(key)
	if !ok {
		return 0, fmt.Errorf("interpreter: local call key %#x unresolved (unreachable past verification)", key)
	}
	if target >= exe.NumInstructions() {
		return 0, &CallOutsideTextSegment{PC: st.PC, Target: target}
	}

	var saved frame
	copy(saved.savedRegs[:], st.Regs[6:10])
	saved.savedR10 = st.Regs[10]
	saved.returnPC = st.PC + 1
	st.Stack = append(st.Stack, saved)
	st.Regs[10] -= st.Cfg.StackFrameSize
	return target, nil
}

type syscallCtx struct{ st *State }

func newSyscallContext(st *State) *syscallCtx { return &syscallCtx{st: st} }

func (c *syscallCtx) Translate(vaddr, length uint64, write bool) ([]byte, error) {
	access := memory.Read
	if write {
		access = memory.Write
	}
	return c.st.Mapping.Translate(vaddr, length, access)
}
