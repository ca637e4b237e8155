// Package vm is the VM / context component from spec.md §4.G: it owns the
// register file, call stack, memory regions and compute counter for one
// program invocation. It generalizes the teacher's VM struct (vm/vm.go:
// registers, pc, sp, stack, errcode) from a single flat stack machine into
// a holder around internal/interpreter.State plus the four memory zones.
package vm

import (
	"fmt"

	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/interpreter"
	"github.com/nevermore/sbpfvm/internal/memory"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/nevermore/sbpfvm/internal/verifier"
)

// Result is returned by ExecuteProgram: the program's r0 value and how
// many (weighted) instructions it consumed, per spec.md §4.G.
type Result struct {
	Value           uint64
	InstructionsUsed uint64
}

// VM is exclusively owned by its invocation goroutine (spec.md §5); no
// field here is ever touched from another goroutine.
type VM struct {
	exe     *program.Executable
	cfg     *config.Config
	alloc   *memory.AlignedMemory
	mapping *memory.Mapping

	fatal error // set once a runtime error has occurred; see Reset
}

// New builds a VM bound to exe and an input region. exe must already be
// loaded (and will be verified here if it hasn't been already, per
// spec.md §4.E). The VM allocates and owns the stack and, if configured,
// heap regions; the input region is supplied by the host and borrowed for
// the duration of one invocation (spec.md §3).
func New(exe *program.Executable, input []byte, inputWritable bool) (*VM, error) {
	if err := verifier.Verify(exe); err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	cfg := exe.Config
	alloc := &memory.AlignedMemory{}

	regions := make([]*memory.Region, 0, 4)

	if len(exe.RoData) > 0 {
		roData, err := alloc.AllocAligned(uint64(len(exe.RoData)))
		if err != nil {
			_ = alloc.Close()
			return nil, err
		}
		copy(roData, exe.RoData)
		regions = append(regions, memory.NewRegion(memory.ZoneBase(memory.ZoneProgram), roData, true, false))
	}

	stackSize := cfg.StackFrameSize * uint64(cfg.MaxCallDepth)
	stack, err := alloc.AllocAligned(stackSize)
	if err != nil {
		_ = alloc.Close()
		return nil, err
	}
	regions = append(regions, memory.NewRegion(memory.ZoneBase(memory.ZoneStack), stack, true, true))

	if cfg.HeapSize > 0 {
		heap, err := alloc.AllocAligned(cfg.HeapSize)
		if err != nil {
			_ = alloc.Close()
			return nil, err
		}
		regions = append(regions, memory.NewRegion(memory.ZoneBase(memory.ZoneHeap), heap, true, true))
	}

	if input != nil {
		regions = append(regions, memory.NewRegion(memory.ZoneBase(memory.ZoneInput), input, true, inputWritable))
	}

	mapping, err := memory.NewMapping(regions...)
	if err != nil {
		_ = alloc.Close()
		return nil, err
	}

	return &VM{exe: exe, cfg: cfg, alloc: alloc, mapping: mapping}, nil
}

// ExecuteProgram runs exe.EntryPC to completion, returning a tagged
// runtime error on any of the kinds in spec.md §7. A VM that has faulted
// is not reusable without Reset (spec.md §4.G).
func (v *VM) ExecuteProgram() (Result, error) {
	if v.fatal != nil {
		return Result{}, fmt.Errorf("vm: not reusable after fatal error without Reset: %w", v.fatal)
	}

	stackTop := memory.ZoneBase(memory.ZoneStack) + v.cfg.StackFrameSize*uint64(v.cfg.MaxCallDepth)
	state := interpreter.NewState(v.mapping, v.cfg, stackTop, v.cfg.ComputeBudget)

	value, err := interpreter.Run(v.exe, state)
	used := v.cfg.ComputeBudget - state.Budget
	if err != nil {
		v.fatal = err
		return Result{InstructionsUsed: used}, err
	}
	return Result{Value: value, InstructionsUsed: used}, nil
}

// Reset clears a fatal error so the VM can be reused for another
// invocation against the same executable, per spec.md §4.G.
func (v *VM) Reset() {
	v.fatal = nil
}

// Close releases every aligned-memory backing this VM acquired,
// regardless of how the invocation ended (spec.md §5).
func (v *VM) Close() error {
	return v.alloc.Close()
}

// Mapping exposes the VM's memory mapping, e.g. for a host that wants to
// seed the heap before the first ExecuteProgram call.
func (v *VM) Mapping() *memory.Mapping {
	return v.mapping
}

// DebugSession drives one invocation a single instruction at a time,
// generalizing the teacher's RunProgramDebugMode (vm/run.go): that
// function owned its own breakpoint set and step loop directly against
// *VM.pc, where here the CLI drives StepOnce and inspects State itself.
type DebugSession struct {
	exe   *program.Executable
	State *interpreter.State
}

// NewDebugSession starts a fresh single-step invocation against v.
func (v *VM) NewDebugSession() *DebugSession {
	stackTop := memory.ZoneBase(memory.ZoneStack) + v.cfg.StackFrameSize*uint64(v.cfg.MaxCallDepth)
	state := interpreter.NewState(v.mapping, v.cfg, stackTop, v.cfg.ComputeBudget)
	return &DebugSession{exe: v.exe, State: state}
}

// StepOnce executes exactly one instruction, returning true and the
// program's r0 once the outermost frame exits.
func (d *DebugSession) StepOnce() (halted bool, result uint64, err error) {
	if d.State.PC == 0 {
		d.State.PC = d.exe.EntryPC
	}
	return interpreter.Step(d.exe, d.State)
}
