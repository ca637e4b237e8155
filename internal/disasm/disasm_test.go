package disasm

import (
	"testing"

	"github.com/nevermore/sbpfvm/internal/asmtext"
	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/stretchr/testify/require"
)

func TestDisassembleRoundTripsThroughAssemble(t *testing.T) {
	src := `
		mov64 r0, 0
		add64 r0, 2
		add64 r0, 3
		exit
	`
	text, labels, err := asmtext.Assemble(src)
	require.NoError(t, err)

	fr, err := program.NewFunctionRegistry(asmtext.FunctionTable(labels))
	require.NoError(t, err)
	exe, err := program.NewExecutable(text, nil, fr, nil, config.NewConfig(), 0)
	require.NoError(t, err)

	out, err := String(exe)
	require.NoError(t, err)
	require.Contains(t, out, "mov64 r0, 0")
	require.Contains(t, out, "add64 r0, 2")
	require.Contains(t, out, "exit")

	// Reassembling the rendered text should produce the same bytecode.
	text2, _, err := asmtext.Assemble(out)
	require.NoError(t, err)
	require.Equal(t, text, text2)
}

func TestDisassembleLabelsFunctionEntries(t *testing.T) {
	src := `
		call helper
		exit
	helper:
		mov64 r0, 7
		exit
	`
	text, labels, err := asmtext.Assemble(src)
	require.NoError(t, err)
	fr, err := program.NewFunctionRegistry(asmtext.FunctionTable(labels))
	require.NoError(t, err)
	exe, err := program.NewExecutable(text, nil, fr, nil, config.NewConfig(), 0)
	require.NoError(t, err)

	out, err := String(exe)
	require.NoError(t, err)
	require.Contains(t, out, "fn_")
	require.Contains(t, out, "call fn_")
}

func TestDisassembleSyscallCallShowsName(t *testing.T) {
	reg := program.NewSyscallRegistry()
	require.NoError(t, reg.Register("sum", func(program.SyscallContext, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
		return 0, nil
	}))
	text, _, err := asmtext.Assemble(`
		call sum
		exit
	`)
	require.NoError(t, err)
	fr, err := program.NewFunctionRegistry(nil)
	require.NoError(t, err)
	exe, err := program.NewExecutable(text, nil, fr, reg, config.NewConfig(), 0)
	require.NoError(t, err)

	out, err := String(exe)
	require.NoError(t, err)
	require.Contains(t, out, "call sum")
}

func TestDisassembleWideLoad(t *testing.T) {
	text, _, err := asmtext.Assemble(`
		lddw r1, 0x400000000
		exit
	`)
	require.NoError(t, err)
	fr, err := program.NewFunctionRegistry(nil)
	require.NoError(t, err)
	exe, err := program.NewExecutable(text, nil, fr, nil, config.NewConfig(), 0)
	require.NoError(t, err)

	out, err := String(exe)
	require.NoError(t, err)
	require.Contains(t, out, "lddw r1, 0x400000000")
}
