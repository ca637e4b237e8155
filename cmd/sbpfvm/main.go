// Command sbpfvm is the CLI entry point, replacing the teacher's
// flag-based main.go (file list + -debug bool) with a cobra command tree:
// run, verify and disasm subcommands, plus single-step debug mode carried
// over from the teacher's execProgramDebugMode.
package main

import (
	"fmt"
	"os"

	"github.com/nevermore/sbpfvm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
