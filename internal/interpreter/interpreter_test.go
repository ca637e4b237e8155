package interpreter

import (
	"testing"

	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/memory"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/nevermore/sbpfvm/internal/verifier"
	"github.com/stretchr/testify/require"
)

func assemble(t *testing.T, instrs ...isa.Instruction) []byte {
	t.Helper()
	buf := make([]byte, len(instrs)*isa.Size)
	for i, ins := range instrs {
		require.NoError(t, isa.Encode(ins, buf[i*isa.Size:]))
	}
	return buf
}

func mustExe(t *testing.T, text []byte, syscalls *program.SyscallRegistry, functions map[uint32]uint32, cfg *config.Config) *program.Executable {
	t.Helper()
	fr, err := program.NewFunctionRegistry(functions)
	require.NoError(t, err)
	exe, err := program.NewExecutable(text, nil, fr, syscalls, cfg, 0)
	require.NoError(t, err)
	require.NoError(t, verifier.Verify(exe))
	return exe
}

// S1 — add_imm: mov64 r0,0; add64 r0,2; add64 r0,3; exit. Returns 5,
// instructions_used 4.
func TestScenarioAddImm(t *testing.T) {
	text := assemble(t,
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 0, Imm: 0},
		isa.Instruction{Opcode: isa.OpAdd64Imm, Dst: 0, Imm: 2},
		isa.Instruction{Opcode: isa.OpAdd64Imm, Dst: 0, Imm: 3},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, nil, nil, cfg)
	st := NewState(nil, cfg, 0, cfg.ComputeBudget)

	result, err := Run(exe, st)
	require.NoError(t, err)
	require.Equal(t, uint64(5), result)
	require.Equal(t, uint64(4), st.Consumed)
}

// S2 — division by zero: mov64 r1,0; div64 r0,r1; exit.
func TestScenarioDivideByZero(t *testing.T) {
	text := assemble(t,
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 1, Imm: 0},
		isa.Instruction{Opcode: isa.OpDiv64Reg, Dst: 0, Src: 1},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, nil, nil, cfg)
	st := NewState(nil, cfg, 0, cfg.ComputeBudget)

	_, err := Run(exe, st)
	require.Error(t, err)
	var dz *DivideByZero
	require.ErrorAs(t, err, &dz)
	require.Equal(t, uint32(1), dz.PC)
}

// S4 — call/exit: entry calls local function f which returns 7; entry
// returns that value; call depth observed 2 (entry's frame plus f's,
// while f is executing).
func TestScenarioCallExit(t *testing.T) {
	text := assemble(t,
		isa.Instruction{Opcode: isa.OpCall, Src: 1, Imm: 1},
		isa.Instruction{Opcode: isa.OpExit},
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 0, Imm: 7},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, nil, map[uint32]uint32{1: 2}, cfg)
	st := NewState(nil, cfg, 0x2_0000_1000, cfg.ComputeBudget)
	st.PC = exe.EntryPC

	halted, _, err := Step(exe, st) // executes the call into f
	require.NoError(t, err)
	require.False(t, halted)
	require.Equal(t, uint32(2), st.PC)
	require.Len(t, st.Stack, 1, "entry's frame stays pushed while f runs: depth 2 (entry + f)")

	result, err := Run(exe, st)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result)
	require.Empty(t, st.Stack, "both frames unwound once entry itself exits")
}

// S5 — budget exhaustion: infinite ja -1 with compute_budget=10.
func TestScenarioBudgetExhaustion(t *testing.T) {
	text := assemble(t, isa.Instruction{Opcode: isa.OpJa, Offset: -1}, isa.Instruction{Opcode: isa.OpExit})
	cfg := config.NewConfig(config.WithComputeBudget(10))
	exe := mustExe(t, text, nil, nil, cfg)
	st := NewState(nil, cfg, 0, cfg.ComputeBudget)

	_, err := Run(exe, st)
	require.Error(t, err)
	var ex *ExceededMaxInstructions
	require.ErrorAs(t, err, &ex)
	require.Equal(t, uint64(10), st.Consumed)
}

// S6 — syscall: registers sum mapping (a,b,_,_,_) -> a+b; program
// mov r1,3; mov r2,4; call sum; exit returns 7.
func TestScenarioSyscall(t *testing.T) {
	reg := program.NewSyscallRegistry()
	require.NoError(t, reg.Register("sum", func(_ program.SyscallContext, a, b, _, _, _ uint64) (uint64, error) {
		return a + b, nil
	}))
	key := program.HashSyscallName("sum")

	text := assemble(t,
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 1, Imm: 3},
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 2, Imm: 4},
		isa.Instruction{Opcode: isa.OpCall, Src: 0, Imm: int32(key)},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, reg, nil, cfg)
	st := NewState(nil, cfg, 0, cfg.ComputeBudget)

	result, err := Run(exe, st)
	require.NoError(t, err)
	require.Equal(t, uint64(7), result)
}

// S3 — OOB load: lddw r1, 0x400000000; ldxb r0, [r1-1]; exit. Expected
// AccessViolation{vaddr=0x3FFFFFFFF, len=1, access=Read}.
func TestScenarioOOBLoad(t *testing.T) {
	addr := uint64(0x4_0000_0000)
	text := assemble(t,
		isa.Instruction{Opcode: isa.OpLddw, Dst: 1, Imm: int32(uint32(addr))},
		isa.Instruction{Opcode: 0, Imm: int32(uint32(addr >> 32))},
		isa.Instruction{Opcode: isa.OpLdxb, Dst: 0, Src: 1, Offset: -1},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, nil, nil, cfg)

	alloc := &memory.AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	input, err := alloc.AllocAligned(16)
	require.NoError(t, err)
	mapping, err := memory.NewMapping(memory.NewRegion(addr, input, true, true))
	require.NoError(t, err)

	st := NewState(mapping, cfg, 0, cfg.ComputeBudget)
	_, err = Run(exe, st)
	require.Error(t, err)
	var av *memory.AccessViolation
	require.ErrorAs(t, err, &av)
	require.Equal(t, addr-1, av.VAddr)
	require.Equal(t, uint64(1), av.Len)
	require.Equal(t, memory.Read, av.Access)
}

func Test32BitALUZeroExtends(t *testing.T) {
	text := assemble(t,
		isa.Instruction{Opcode: isa.OpMov64Imm, Dst: 0, Imm: -1},
		isa.Instruction{Opcode: isa.OpAdd32Imm, Dst: 0, Imm: 1},
		isa.Instruction{Opcode: isa.OpExit},
	)
	cfg := config.NewConfig()
	exe := mustExe(t, text, nil, nil, cfg)
	st := NewState(nil, cfg, 0, cfg.ComputeBudget)
	result, err := Run(exe, st)
	require.NoError(t, err)
	// r0 started as all-ones (64-bit -1), then a 32-bit add zero-extends
	// the upper half regardless of carry.
	require.LessOrEqual(t, result, uint64(0xFFFFFFFF))
}
