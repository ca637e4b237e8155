// Package cli wires spf13/cobra into the sbpfvm command tree: run,
// verify, disasm and version. It replaces the teacher's flag.Bool(
// "debug", ...) plus positional-file main() (main.go) with persistent
// flags shared across subcommands, generalizing --debug into `run
// --debug` single-step mode (vm/run.go's RunProgramDebugMode).
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevermore/sbpfvm/internal/asmtext"
	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/disasm"
	"github.com/nevermore/sbpfvm/internal/elfload"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/nevermore/sbpfvm/internal/verifier"
	"github.com/nevermore/sbpfvm/internal/vm"
)

// buildVersion is overridden at link time (-ldflags "-X ...=..."); left
// as a plain var, same as the teacher leaves its constants unadorned.
var buildVersion = "dev"

type flags struct {
	sbpfVersion   string
	computeBudget uint64
	maxCallDepth  int
	stackFrame    uint64
	heapSize      uint64
	allowUnalign  bool
	inputPath     string
	debug         bool
}

// NewRootCommand builds the sbpfvm command tree.
func NewRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "sbpfvm",
		Short: "Load, verify and run sandboxed sBPF-style bytecode programs",
	}
	root.PersistentFlags().StringVar(&f.sbpfVersion, "sbpf-version", "v3", "ISA version: v0, v1, v2, v3")
	root.PersistentFlags().Uint64Var(&f.computeBudget, "compute-budget", config.DefaultComputeBudget, "maximum weighted instructions per invocation")
	root.PersistentFlags().IntVar(&f.maxCallDepth, "max-call-depth", config.DefaultMaxCallDepth, "maximum nested local call depth")
	root.PersistentFlags().Uint64Var(&f.stackFrame, "stack-frame-size", config.DefaultStackFrameSize, "bytes reserved per call frame")
	root.PersistentFlags().Uint64Var(&f.heapSize, "heap-size", config.DefaultHeapSize, "bytes reserved for the optional heap region")
	root.PersistentFlags().BoolVar(&f.allowUnalign, "allow-unaligned", false, "disable natural-alignment checking on memory accesses")

	root.AddCommand(newRunCommand(f), newVerifyCommand(f), newDisasmCommand(f), newVersionCommand())
	return root
}

func (f *flags) config() (*config.Config, error) {
	v, err := parseVersion(f.sbpfVersion)
	if err != nil {
		return nil, err
	}
	return config.NewConfig(
		config.WithSBPFVersion(v),
		config.WithComputeBudget(f.computeBudget),
		config.WithMaxCallDepth(f.maxCallDepth),
		config.WithStackFrameSize(f.stackFrame),
		config.WithHeapSize(f.heapSize),
		config.WithAllowUnaligned(f.allowUnalign),
	), nil
}

func parseVersion(s string) (config.SBPFVersion, error) {
	switch strings.ToLower(s) {
	case "v0":
		return config.V0, nil
	case "v1":
		return config.V1, nil
	case "v2":
		return config.V2, nil
	case "v3":
		return config.V3, nil
	}
	return 0, fmt.Errorf("unknown sbpf version %q", s)
}

// load builds an Executable from path: ELF (magic \x7fELF) or asmtext
// source, auto-detected the way the teacher's NewVirtualMachine
// auto-detects nothing and just reads every file as assembly — here we
// branch on content instead of extension so .o and .s both just work.
func load(path string, syscalls *program.SyscallRegistry, cfg *config.Config) (*program.Executable, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(content) >= 4 && content[0] == 0x7f && content[1] == 'E' && content[2] == 'L' && content[3] == 'F' {
		return elfload.Load(content, syscalls, cfg)
	}

	text, labels, err := asmtext.Assemble(string(content))
	if err != nil {
		return nil, err
	}
	fr, err := program.NewFunctionRegistry(asmtext.FunctionTable(labels))
	if err != nil {
		return nil, err
	}
	return program.NewExecutable(text, nil, fr, syscalls, cfg, 0)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sbpfvm build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			return nil
		},
	}
}

func newVerifyCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Load and statically verify a program without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			exe, err := load(args[0], program.NewSyscallRegistry(), cfg)
			if err != nil {
				return err
			}
			if err := verifier.Verify(exe); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newDisasmCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <file>",
		Short: "Disassemble a program to asmtext syntax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			exe, err := load(args[0], program.NewSyscallRegistry(), cfg)
			if err != nil {
				return err
			}
			out, err := disasm.String(exe)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newRunCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Verify and execute a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			exe, err := load(args[0], program.NewSyscallRegistry(), cfg)
			if err != nil {
				return err
			}

			var input []byte
			if f.inputPath != "" {
				input, err = os.ReadFile(f.inputPath)
				if err != nil {
					return err
				}
			}

			machine, err := vm.New(exe, input, true)
			if err != nil {
				return err
			}
			defer machine.Close()

			if f.debug {
				return runDebugSession(cmd, machine)
			}

			result, err := machine.ExecuteProgram()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "instructions_used=%d\n", result.InstructionsUsed)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "r0=%d instructions_used=%d\n", result.Value, result.InstructionsUsed)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.inputPath, "input", "", "file whose bytes are mapped into the input region")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enter single-step debug mode")
	return cmd
}

// runDebugSession is the generalization of the teacher's
// execProgramDebugMode/RunProgramDebugMode: n/next steps one
// instruction, r/run free-runs, b/break <pc> toggles a breakpoint.
func runDebugSession(cmd *cobra.Command, machine *vm.VM) error {
	out := cmd.OutOrStdout()
	sess := machine.NewDebugSession()
	fmt.Fprintln(out, "Commands:\n\tn or next: execute next instruction\n\tr or run: run program\n\tb or break <pc>: toggle breakpoint at pc")

	printState := func() {
		fmt.Fprintf(out, "pc=%d r0..r10=%v\n", sess.State.PC, sess.State.Regs)
	}
	printState()

	reader := bufio.NewReader(cmd.InOrStdin())
	breakpoints := map[uint32]struct{}{}
	waitForInput := true

	for {
		var line string
		if waitForInput {
			fmt.Fprint(out, "-> ")
			l, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			line = strings.ToLower(strings.TrimSpace(l))
		} else if _, hit := breakpoints[sess.State.PC]; hit {
			fmt.Fprintln(out, "breakpoint")
			printState()
			waitForInput = true
			continue
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			halted, result, err := sess.StepOnce()
			if waitForInput {
				printState()
			}
			if err != nil {
				return err
			}
			if halted {
				fmt.Fprintf(out, "r0=%d instructions_used=%d\n", result, sess.State.Consumed)
				return nil
			}

		case line == "r" || line == "run":
			waitForInput = false

		case strings.HasPrefix(line, "b"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "b"))
			arg = strings.TrimSpace(strings.TrimPrefix(arg, "reak"))
			n, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				fmt.Fprintln(out, "unknown pc:", err)
				continue
			}
			pc := uint32(n)
			if _, ok := breakpoints[pc]; ok {
				delete(breakpoints, pc)
			} else {
				breakpoints[pc] = struct{}{}
			}

		case line == "q" || line == "quit":
			return nil
		}
	}
}
