// Package asmtext is a flat text assembler: a non-ELF path to build a
// program.Executable, for tests, the `sbpfvm` CLI's run/disasm commands,
// and interactive debugging. It generalizes the teacher's line-oriented
// preprocessLine/parseInputLine pair (vm/parse.go) — strip comments,
// substitute labels, then parse each instruction line — from the
// teacher's untyped stack-machine mnemonics to the spec's register ISA.
package asmtext

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/program"
)

var commentRe = regexp.MustCompile(`;.*$`)

// ParseError reports the source line an assembly failure occurred on.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string { return fmt.Sprintf("asmtext: line %d: %s", e.Line, e.Msg) }

// rawLine is one non-blank, comment-stripped source line together with
// the source line number it came from (for error messages).
type rawLine struct {
	text string
	src  int
}

// Assemble parses src into a flat instruction stream plus a label table,
// resolving jump/call targets against labels defined anywhere in the
// source (forward or backward) — labels are collected in a first pass
// (preprocess) before any instruction is parsed, mirroring the teacher's
// two-pass label-then-resolve approach in vm/parse.go.
func Assemble(src string) (text []byte, labels map[string]uint32, err error) {
	lines, labelPC, err := preprocess(src)
	if err != nil {
		return nil, nil, err
	}

	instrs := make([]isa.Instruction, 0, len(lines))
	var pc uint32
	for _, l := range lines {
		parsed, err := parseLine(l.text, pc, labelPC)
		if err != nil {
			return nil, nil, &ParseError{Line: l.src, Msg: err.Error()}
		}
		instrs = append(instrs, parsed...)
		pc += uint32(len(parsed))
	}

	buf := make([]byte, len(instrs)*isa.Size)
	for i, ins := range instrs {
		if err := isa.Encode(ins, buf[i*isa.Size:]); err != nil {
			return nil, nil, err
		}
	}
	return buf, labelPC, nil
}

// preprocess strips comments/whitespace, records label->instruction-slot
// positions (accounting for lddw's two-slot width), and returns the
// remaining instruction lines in source order.
func preprocess(src string) ([]rawLine, map[string]uint32, error) {
	labelPC := map[string]uint32{}
	var lines []rawLine
	var pc uint32

	for i, raw := range strings.Split(src, "\n") {
		line := commentRe.ReplaceAllString(raw, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			label := strings.TrimSuffix(line, ":")
			if _, dup := labelPC[label]; dup {
				return nil, nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("duplicate label %q", label)}
			}
			labelPC[label] = pc
			continue
		}
		lines = append(lines, rawLine{text: line, src: i + 1})
		if strings.HasPrefix(line, "lddw ") {
			pc += 2
		} else {
			pc++
		}
	}
	return lines, labelPC, nil
}

var (
	regRe    = regexp.MustCompile(`^r(10|[0-9])$`)
	memLdRe  = regexp.MustCompile(`^(\w+)\s+r(\d+),\s*\[r(\d+)\s*([+-]\s*\d+)?\]$`)
	memStRe  = regexp.MustCompile(`^(\w+)\s+\[r(\d+)\s*([+-]\s*\d+)?\],\s*(.+)$`)
	aluRe    = regexp.MustCompile(`^(\w+)\s+r(\d+),\s*(.+)$`)
	unaryRe  = regexp.MustCompile(`^(neg64|neg32)\s+r(\d+)$`)
	endianRe = regexp.MustCompile(`^(le|be)(16|32|64)\s+r(\d+)$`)
	jumpCond = regexp.MustCompile(`^(\w+)\s+r(\d+),\s*([^,]+),\s*(\S+)$`)
	jaRe     = regexp.MustCompile(`^ja\s+(\S+)$`)
	callRe   = regexp.MustCompile(`^call\s+(\S+)$`)
)

// parseLine parses one source line into one or more encoded instructions
// (two for lddw). pc is the instruction slot this line starts at, needed
// to turn a label reference into a pc-relative offset.
func parseLine(line string, pc uint32, labels map[string]uint32) ([]isa.Instruction, error) {
	switch {
	case line == "exit":
		return []isa.Instruction{{Opcode: isa.OpExit}}, nil

	case strings.HasPrefix(line, "lddw "):
		return parseLddw(line)

	case callRe.MatchString(line):
		m := callRe.FindStringSubmatch(line)
		key := program.HashSyscallName(m[1])
		src := uint8(0)
		if _, isLocal := labels[m[1]]; isLocal {
			src = 1
		}
		return []isa.Instruction{{Opcode: isa.OpCall, Src: src, Imm: int32(key)}}, nil

	case jaRe.MatchString(line):
		m := jaRe.FindStringSubmatch(line)
		target, ok := labels[m[1]]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", m[1])
		}
		return []isa.Instruction{{Opcode: isa.OpJa, Offset: relOffset(pc, target)}}, nil

	case endianRe.MatchString(line):
		m := endianRe.FindStringSubmatch(line)
		width, _ := strconv.Atoi(m[2])
		dst, _ := strconv.Atoi(m[3])
		op := isa.OpLe
		if m[1] == "be" {
			op = isa.OpBe
		}
		return []isa.Instruction{{Opcode: op, Dst: uint8(dst), Imm: int32(width)}}, nil

	case unaryRe.MatchString(line):
		m := unaryRe.FindStringSubmatch(line)
		dst, _ := strconv.Atoi(m[2])
		op, ok := isa.ByMnemonic(m[1], false)
		if !ok {
			return nil, fmt.Errorf("unknown mnemonic %q", m[1])
		}
		return []isa.Instruction{{Opcode: op, Dst: uint8(dst)}}, nil

	case jumpCond.MatchString(line):
		return parseJumpCond(line, pc, labels)

	case memLdRe.MatchString(line):
		return parseMemLoad(line)

	case memStRe.MatchString(line):
		return parseMemStore(line)

	case aluRe.MatchString(line):
		return parseALU(line)
	}
	return nil, fmt.Errorf("unrecognized instruction: %q", line)
}

// relOffset converts a target instruction slot into the pc-relative
// offset a jump at slot pc needs, per spec.md §4.F ("pc+1+offset").
func relOffset(pc, target uint32) int16 {
	return int16(int64(target) - int64(pc) - 1)
}

func parseOperand(tok string) (isReg bool, reg uint8, imm int32, err error) {
	tok = strings.TrimSpace(tok)
	if regRe.MatchString(tok) {
		n, _ := strconv.Atoi(tok[1:])
		return true, uint8(n), 0, nil
	}
	v, err := parseImm(tok)
	if err != nil {
		return false, 0, 0, err
	}
	return false, 0, v, nil
}

func parseImm(tok string) (int32, error) {
	tok = strings.TrimSpace(tok)
	base := 10
	neg := false
	if strings.HasPrefix(tok, "-") {
		neg = true
		tok = tok[1:]
	}
	if strings.HasPrefix(tok, "0x") {
		base = 16
		tok = tok[2:]
	}
	v, err := strconv.ParseInt(tok, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid immediate %q: %w", tok, err)
	}
	if neg {
		v = -v
	}
	return int32(v), nil
}

func parseALU(line string) ([]isa.Instruction, error) {
	m := aluRe.FindStringSubmatch(line)
	mnem, dstTok, rhsTok := m[1], m[2], m[3]
	dst, _ := strconv.Atoi(dstTok)

	isReg, src, imm, err := parseOperand(rhsTok)
	if err != nil {
		return nil, err
	}
	op, ok := isa.ByMnemonic(mnem, isReg)
	if !ok {
		return nil, fmt.Errorf("unknown mnemonic %q", mnem)
	}
	ins := isa.Instruction{Opcode: op, Dst: uint8(dst)}
	if isReg {
		ins.Src = src
	} else {
		ins.Imm = imm
	}
	return []isa.Instruction{ins}, nil
}

func parseJumpCond(line string, pc uint32, labels map[string]uint32) ([]isa.Instruction, error) {
	m := jumpCond.FindStringSubmatch(line)
	mnem, dstTok, rhsTok, target := m[1], m[2], m[3], m[4]
	dst, _ := strconv.Atoi(dstTok)

	isReg, src, imm, err := parseOperand(rhsTok)
	if err != nil {
		return nil, err
	}
	op, ok := isa.ByMnemonic(mnem, isReg)
	if !ok {
		return nil, fmt.Errorf("unknown jump mnemonic %q", mnem)
	}
	targetPC, ok := labels[target]
	if !ok {
		return nil, fmt.Errorf("undefined label %q", target)
	}
	ins := isa.Instruction{Opcode: op, Dst: uint8(dst), Offset: relOffset(pc, targetPC)}
	if isReg {
		ins.Src = src
	} else {
		ins.Imm = imm
	}
	return []isa.Instruction{ins}, nil
}

func parseMemLoad(line string) ([]isa.Instruction, error) {
	m := memLdRe.FindStringSubmatch(line)
	mnem, dstTok, srcTok, offTok := m[1], m[2], m[3], strings.TrimSpace(m[4])
	dst, _ := strconv.Atoi(dstTok)
	src, _ := strconv.Atoi(srcTok)
	op, ok := isa.ByMnemonic(mnem, true)
	if !ok {
		return nil, fmt.Errorf("unknown load mnemonic %q", mnem)
	}
	var off int32
	if offTok != "" {
		v, err := parseImm(strings.ReplaceAll(offTok, " ", ""))
		if err != nil {
			return nil, err
		}
		off = v
	}
	return []isa.Instruction{{Opcode: op, Dst: uint8(dst), Src: uint8(src), Offset: int16(off)}}, nil
}

func parseMemStore(line string) ([]isa.Instruction, error) {
	m := memStRe.FindStringSubmatch(line)
	mnem, dstTok, offTok, rhsTok := m[1], m[2], strings.TrimSpace(m[3]), m[4]
	dst, _ := strconv.Atoi(dstTok)
	var off int32
	if offTok != "" {
		v, err := parseImm(strings.ReplaceAll(offTok, " ", ""))
		if err != nil {
			return nil, err
		}
		off = v
	}
	isReg, src, imm, err := parseOperand(rhsTok)
	if err != nil {
		return nil, err
	}
	op, ok := isa.ByMnemonic(mnem, isReg)
	if !ok {
		return nil, fmt.Errorf("unknown store mnemonic %q", mnem)
	}
	ins := isa.Instruction{Opcode: op, Dst: uint8(dst), Offset: int16(off)}
	if isReg {
		ins.Src = src
	} else {
		ins.Imm = imm
	}
	return []isa.Instruction{ins}, nil
}

func parseLddw(line string) ([]isa.Instruction, error) {
	rest := strings.TrimPrefix(line, "lddw ")
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("lddw requires dst, imm64")
	}
	dstTok := strings.TrimSpace(parts[0])
	if !regRe.MatchString(dstTok) {
		return nil, fmt.Errorf("lddw dst must be a register, got %q", dstTok)
	}
	dst, _ := strconv.Atoi(dstTok[1:])

	immTok := strings.TrimSpace(parts[1])
	base := 10
	if strings.HasPrefix(immTok, "0x") {
		base = 16
		immTok = immTok[2:]
	}
	v, err := strconv.ParseUint(immTok, base, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid 64-bit immediate %q: %w", parts[1], err)
	}
	return []isa.Instruction{
		{Opcode: isa.OpLddw, Dst: uint8(dst), Imm: int32(uint32(v))},
		{Opcode: 0, Imm: int32(uint32(v >> 32))},
	}, nil
}

// FunctionTable derives a program.FunctionRegistry input from a labels
// map, keying each label the same way elfload keys a defined ELF symbol
// (program.HashSyscallName), so asmtext and elfload sources interoperate
// with the same call-resolution convention.
func FunctionTable(labels map[string]uint32) map[uint32]uint32 {
	out := make(map[uint32]uint32, len(labels))
	for name, pc := range labels {
		out[program.HashSyscallName(name)] = pc
	}
	return out
}
