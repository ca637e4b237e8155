// Package config defines the tunable knobs shared by the loader, verifier
// and VM, generalizing the constructor-argument style of the teacher's
// NewVirtualMachine(debug bool, files ...string) into a single struct with
// functional-option constructors.
package config

// SBPFVersion selects which ISA quirks are enabled. The source material
// permits two per-version quirks: whether integer multiply lives in the
// PQR class or the ALU class, and whether callx takes its target from an
// immediate or a register. DESIGN.md "Open Question decisions" records how
// both are resolved: neither is gated by version in the isa table.
type SBPFVersion uint8

const (
	V0 SBPFVersion = iota
	V1
	V2
	V3
)

func (v SBPFVersion) String() string {
	switch v {
	case V0:
		return "V0"
	case V1:
		return "V1"
	case V2:
		return "V2"
	case V3:
		return "V3"
	default:
		return "unknown"
	}
}

// MultiplyInPQR reports whether 64/32-bit multiply is gated through the PQR
// (product/quotient/remainder) class instead of ALU. V0 is the legacy ISA
// and keeps multiply in ALU; V1+ moved it to PQR alongside div/mod. The
// isa table does not consult it: mul64/mul32 are ALU ops at every version.
func (v SBPFVersion) MultiplyInPQR() bool {
	return v >= V1
}

// CallxUsesRegisterTarget reports whether `callx` reads its target address
// from a register (dst) rather than treating the call as a plain local
// call keyed by imm. V2+ added the register-indirect form. The interpreter
// does not consult it: every local call is keyed by imm, and the isa table
// has no register-indirect call opcode.
func (v SBPFVersion) CallxUsesRegisterTarget() bool {
	return v >= V2
}

const (
	DefaultMaxCallDepth    = 64
	DefaultStackFrameSize  = 4096
	DefaultMaxPC           = 64 * 1024 * 1024 / 8 // .text capped at 64 MiB / 8 bytes per insn
	DefaultComputeBudget   = 1 << 20
	DefaultHeapSize        = 0
	DefaultRegionAlignment = 8
)

// Config bundles every option named in spec.md §6.
type Config struct {
	MaxCallDepth                 int
	StackFrameSize               uint64
	EnableStackFrameGaps         bool
	MaxPC                        uint64
	SBPFVersion                  SBPFVersion
	EnableSymbolAndSectionLabels bool
	RejectBrokenElfs             bool
	ComputeBudget                uint64

	// HeapSize is the size, in bytes, of the optional heap region. Zero
	// means no heap region is mapped.
	HeapSize uint64

	// AllowUnaligned disables the natural-alignment requirement on
	// memory accesses (spec.md §4.B).
	AllowUnaligned bool
}

// Option mutates a Config being built by NewConfig.
type Option func(*Config)

// NewConfig builds a Config with spec-mandated defaults, then applies opts.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		MaxCallDepth:         DefaultMaxCallDepth,
		StackFrameSize:       DefaultStackFrameSize,
		MaxPC:                DefaultMaxPC,
		SBPFVersion:          V3,
		RejectBrokenElfs:     true,
		ComputeBudget:        DefaultComputeBudget,
		EnableStackFrameGaps: false,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithMaxCallDepth(depth int) Option {
	return func(c *Config) { c.MaxCallDepth = depth }
}

func WithStackFrameSize(size uint64) Option {
	return func(c *Config) { c.StackFrameSize = size }
}

func WithStackFrameGaps(enabled bool) Option {
	return func(c *Config) { c.EnableStackFrameGaps = enabled }
}

func WithMaxPC(maxPC uint64) Option {
	return func(c *Config) { c.MaxPC = maxPC }
}

func WithSBPFVersion(v SBPFVersion) Option {
	return func(c *Config) { c.SBPFVersion = v }
}

func WithSymbolLabels(enabled bool) Option {
	return func(c *Config) { c.EnableSymbolAndSectionLabels = enabled }
}

func WithRejectBrokenElfs(reject bool) Option {
	return func(c *Config) { c.RejectBrokenElfs = reject }
}

func WithComputeBudget(budget uint64) Option {
	return func(c *Config) { c.ComputeBudget = budget }
}

func WithHeapSize(size uint64) Option {
	return func(c *Config) { c.HeapSize = size }
}

func WithAllowUnaligned(allow bool) Option {
	return func(c *Config) { c.AllowUnaligned = allow }
}
