package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("v2")
	require.NoError(t, err)
	require.Equal(t, config.V2, v)

	_, err = parseVersion("v9")
	require.Error(t, err)
}

func TestVerifyCommandAcceptsValidProgram(t *testing.T) {
	path := writeTemp(t, "prog.s", `
		mov64 r0, 0
		add64 r0, 2
		add64 r0, 3
		exit
	`)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"verify", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "ok")
}

func TestRunCommandExecutesProgram(t *testing.T) {
	path := writeTemp(t, "prog.s", `
		mov64 r0, 0
		add64 r0, 2
		add64 r0, 3
		exit
	`)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "r0=5")
}

func TestDisasmCommandRendersInstructions(t *testing.T) {
	path := writeTemp(t, "prog.s", `
		mov64 r0, 0
		exit
	`)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"disasm", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "mov64 r0, 0")
}

func TestVerifyCommandRejectsMissingExit(t *testing.T) {
	path := writeTemp(t, "prog.s", `mov64 r0, 1`)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"verify", path})
	require.Error(t, root.Execute())
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), buildVersion)
}
