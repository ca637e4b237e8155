package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nevermore/sbpfvm/internal/config"
	"github.com/nevermore/sbpfvm/internal/isa"
	"github.com/nevermore/sbpfvm/internal/program"
	"github.com/nevermore/sbpfvm/internal/verifier"
)

func TestLoadRejectsGarbageBytes(t *testing.T) {
	_, err := Load([]byte("not an elf file"), nil, nil)
	require.Error(t, err)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, InvalidElf, lerr.Kind)
}

func TestLoadRejectsEmptyInput(t *testing.T) {
	_, err := Load(nil, nil, nil)
	require.Error(t, err)
}

func TestWriteImmPairRoundTrips(t *testing.T) {
	text := make([]byte, 16)
	writeImmPair(text, 0, 0x1122334455667788)
	require.Equal(t, uint64(0x55667788), readImm(text, 0))
	require.Equal(t, uint64(0x11223344), readImm(text, 8))
}

func TestWriteImm32OnlyTouchesImmField(t *testing.T) {
	text := make([]byte, 8)
	text[0] = 0xAA // opcode byte must survive untouched
	writeImm32(text, 0, 0xdeadbeef)
	require.Equal(t, byte(0xAA), text[0])
	require.Equal(t, uint64(0xdeadbeef), readImm(text, 0))
}

func TestKindStringer(t *testing.T) {
	require.Equal(t, "InvalidElf", InvalidElf.String())
	require.Equal(t, "UnresolvedSymbol", UnresolvedSymbol.String())
	require.Equal(t, "DuplicateSymbol", DuplicateSymbol.String())
	require.Equal(t, "RelocationOutOfBounds", RelocationOutOfBounds.String())
	require.Equal(t, "UnsupportedRelocation", UnsupportedRelocation.String())
}

// TestLoadParsesRealELFObject exercises the actual debug/elf parsing path
// against a hand-built ELF64-LE/EM_BPF relocatable object (no .symtab,
// no relocations), since no Go toolchain is available in this environment
// to compile a real .o fixture. The object layout (header, one PROGBITS
// .text section, one STRTAB .shstrtab section, section header table) is
// assembled byte-for-byte per the ELF64 spec so debug/elf.NewFile parses
// it exactly as it would a real object.
func TestLoadParsesRealELFObject(t *testing.T) {
	text := make([]byte, 16)
	require.NoError(t, isa.Encode(isa.Instruction{Opcode: isa.OpMov64Imm, Imm: 5}, text[0:8]))
	require.NoError(t, isa.Encode(isa.Instruction{Opcode: isa.OpExit}, text[8:16]))

	obj := buildMinimalBPFObject(t, text)

	cfg := config.NewConfig()
	exe, err := Load(obj, program.NewSyscallRegistry(), cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(2), exe.NumInstructions())
	require.Equal(t, uint32(0), exe.EntryPC)

	require.NoError(t, verifier.Verify(exe))
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	text := make([]byte, 8)
	require.NoError(t, isa.Encode(isa.Instruction{Opcode: isa.OpExit}, text))

	obj := buildMinimalBPFObject(t, text)
	// e_machine lives at byte offset 18; corrupt it to something other
	// than EM_BPF (247).
	binary.LittleEndian.PutUint16(obj[18:20], 3) // EM_386

	cfg := config.NewConfig()
	_, err := Load(obj, program.NewSyscallRegistry(), cfg)
	require.Error(t, err)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, InvalidElf, lerr.Kind)
}

// buildMinimalBPFObject hand-assembles a minimal well-formed ELF64-LE
// relocatable object (ET_REL, EM_BPF) containing exactly one PROGBITS
// .text section (the bytes in text) and the .shstrtab section naming it.
func buildMinimalBPFObject(t *testing.T, text []byte) []byte {
	t.Helper()
	le := binary.LittleEndian

	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	const (
		textOff  = uint64(64) // right after the 64-byte ELF header
		shEntSz  = 64
		numShdrs = 3
	)
	shstrOff := textOff + uint64(len(text))
	shoff := shstrOff + uint64(len(shstrtab))

	buf := make([]byte, shoff+numShdrs*shEntSz)

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le.PutUint16(buf[16:18], 1)   // e_type = ET_REL
	le.PutUint16(buf[18:20], 247) // e_machine = EM_BPF
	le.PutUint32(buf[20:24], 1)   // e_version
	le.PutUint64(buf[24:32], 0)   // e_entry
	le.PutUint64(buf[32:40], 0)   // e_phoff
	le.PutUint64(buf[40:48], shoff)
	le.PutUint32(buf[48:52], 0)  // e_flags
	le.PutUint16(buf[52:54], 64) // e_ehsize
	le.PutUint16(buf[54:56], 0)  // e_phentsize
	le.PutUint16(buf[56:58], 0)  // e_phnum
	le.PutUint16(buf[58:60], shEntSz)
	le.PutUint16(buf[60:62], numShdrs)
	le.PutUint16(buf[62:64], 2) // e_shstrndx

	copy(buf[textOff:], text)
	copy(buf[shstrOff:], shstrtab)

	writeShdr := func(idx int, name, typ uint32, flags, offset, size, align uint64) {
		base := int(shoff) + idx*shEntSz
		le.PutUint32(buf[base:base+4], name)
		le.PutUint32(buf[base+4:base+8], typ)
		le.PutUint64(buf[base+8:base+16], flags)
		le.PutUint64(buf[base+16:base+24], 0) // sh_addr
		le.PutUint64(buf[base+24:base+32], offset)
		le.PutUint64(buf[base+32:base+40], size)
		le.PutUint32(buf[base+40:base+44], 0) // sh_link
		le.PutUint32(buf[base+44:base+48], 0) // sh_info
		le.PutUint64(buf[base+48:base+56], align)
		le.PutUint64(buf[base+56:base+64], 0) // sh_entsize
	}
	writeShdr(0, 0, 0 /*SHT_NULL*/, 0, 0, 0, 0)
	writeShdr(1, 1, 1 /*SHT_PROGBITS*/, 6 /*ALLOC|EXECINSTR*/, textOff, uint64(len(text)), 8)
	writeShdr(2, 7, 3 /*SHT_STRTAB*/, 0, shstrOff, uint64(len(shstrtab)), 1)

	return buf
}
