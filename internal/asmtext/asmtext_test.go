package asmtext

import (
	"testing"

	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, text []byte) []isa.Instruction {
	t.Helper()
	var out []isa.Instruction
	for off := 0; off < len(text); off += isa.Size {
		ins, err := isa.Decode(text[off : off+isa.Size])
		require.NoError(t, err)
		out = append(out, ins)
	}
	return out
}

func TestAssembleAddImm(t *testing.T) {
	text, labels, err := Assemble(`
		; S1
		mov64 r0, 0
		add64 r0, 2
		add64 r0, 3
		exit
	`)
	require.NoError(t, err)
	require.Empty(t, labels)

	instrs := decodeAll(t, text)
	require.Len(t, instrs, 4)
	require.Equal(t, isa.OpMov64Imm, instrs[0].Opcode)
	require.Equal(t, int32(0), instrs[0].Imm)
	require.Equal(t, isa.OpAdd64Imm, instrs[1].Opcode)
	require.Equal(t, int32(2), instrs[1].Imm)
	require.Equal(t, isa.OpExit, instrs[3].Opcode)
}

func TestAssembleResolvesForwardJump(t *testing.T) {
	text, labels, err := Assemble(`
		jeq r0, 0, done
		mov64 r0, 1
	done:
		exit
	`)
	require.NoError(t, err)
	require.Contains(t, labels, "done")

	instrs := decodeAll(t, text)
	require.Len(t, instrs, 3)
	// jeq at slot 0 jumps to slot 2 (done): offset = 2 - 0 - 1 = 1.
	require.Equal(t, int16(1), instrs[0].Offset)
}

func TestAssembleResolvesBackwardJump(t *testing.T) {
	text, labels, err := Assemble(`
	loop:
		ja loop
	`)
	require.NoError(t, err)
	instrs := decodeAll(t, text)
	require.Equal(t, uint32(0), labels["loop"])
	require.Equal(t, int16(-1), instrs[0].Offset)
}

func TestAssembleLocalCallSetsSrcBitAndLddwSplitsSlots(t *testing.T) {
	text, labels, err := Assemble(`
		lddw r1, 0x400000000
		call helper
		exit
	helper:
		mov64 r0, 7
		exit
	`)
	require.NoError(t, err)
	instrs := decodeAll(t, text)
	require.Equal(t, isa.OpLddw, instrs[0].Opcode)
	require.Equal(t, int32(0), instrs[0].Imm)
	require.Equal(t, int32(4), instrs[1].Imm)
	require.Equal(t, uint64(0x400000000), isa.Value64(instrs[0], instrs[1]))

	require.Equal(t, isa.OpCall, instrs[2].Opcode)
	require.Equal(t, uint8(1), instrs[2].Src)
	require.Equal(t, int32(program.HashSyscallName("helper")), instrs[2].Imm)

	functions := FunctionTable(labels)
	require.Equal(t, uint32(4), functions[program.HashSyscallName("helper")])
}

func TestAssembleSyscallCallLeavesSrcZero(t *testing.T) {
	text, _, err := Assemble(`
		call sum
		exit
	`)
	require.NoError(t, err)
	instrs := decodeAll(t, text)
	require.Equal(t, uint8(0), instrs[0].Src)
	require.Equal(t, int32(program.HashSyscallName("sum")), instrs[0].Imm)
}

func TestAssembleRejectsUnknownInstruction(t *testing.T) {
	_, _, err := Assemble("frobnicate r0, r1")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestAssembleRejectsDuplicateLabel(t *testing.T) {
	_, _, err := Assemble(`
	a:
		exit
	a:
		exit
	`)
	require.Error(t, err)
}

func TestAssembleMemoryLoadStore(t *testing.T) {
	text, _, err := Assemble(`
		stxw [r1+4], r2
		ldxw r0, [r1+4]
		stb [r1+0], 9
		exit
	`)
	require.NoError(t, err)
	instrs := decodeAll(t, text)
	require.Equal(t, isa.OpStxw, instrs[0].Opcode)
	require.Equal(t, int16(4), instrs[0].Offset)
	require.Equal(t, isa.OpLdxw, instrs[1].Opcode)
	require.Equal(t, isa.OpStb, instrs[2].Opcode)
	require.Equal(t, int32(9), instrs[2].Imm)
}
