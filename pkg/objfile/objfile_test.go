package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(typ uint32, name string, desc []byte) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&b, le, uint32(len(name)))
	_ = binary.Write(&b, le, uint32(len(desc)))
	_ = binary.Write(&b, le, typ)
	b.WriteString(name)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	b.Write(desc)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	return b.Bytes()
}

func TestParseBuildIDNote(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	tests := []struct {
		name string
		data []byte
		want []byte
	}{
		{"single", note(ntGNUBuildID, "GNU\x00", id), id},
		{"after other note", append(note(1, "GNU\x00", []byte{1, 2, 3, 4}), note(ntGNUBuildID, "GNU\x00", id)...), id},
		{"wrong owner", note(ntGNUBuildID, "Go\x00\x00", id), nil},
		{"truncated", note(ntGNUBuildID, "GNU\x00", id)[:18], nil},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBuildIDNote(tt.data, binary.LittleEndian))
		})
	}
}

func TestParseDebugLink(t *testing.T) {
	data := append([]byte("prog.debug\x00\x00"), 0x78, 0x56, 0x34, 0x12)
	name, crc, err := parseDebugLink(data, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "prog.debug", name)
	assert.Equal(t, uint32(0x12345678), crc)

	_, _, err = parseDebugLink([]byte("prog.debug\x00\x00\x01"), binary.LittleEndian)
	assert.ErrorContains(t, err, "missing checksum")

	_, _, err = parseDebugLink([]byte("\x00\x00\x00\x00\x01\x02\x03\x04"), binary.LittleEndian)
	assert.ErrorContains(t, err, "missing file name")
}

func TestParseDebugAltLink(t *testing.T) {
	name, id, err := parseDebugAltLink([]byte("../dwz/common.debug\x00\xab\xcd"))
	require.NoError(t, err)
	assert.Equal(t, "../dwz/common.debug", name)
	assert.Equal(t, []byte{0xab, 0xcd}, id)

	_, _, err = parseDebugAltLink([]byte("no terminator"))
	assert.Error(t, err)
}

func TestBuildIDPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/usr/lib/debug", ".build-id", "ab", "cdef.debug"),
		buildIDPath("/usr/lib/debug", []byte{0xab, 0xcd, 0xef}))
	assert.Equal(t, "", buildIDPath("/usr/lib/debug", []byte{0xab}))
}

func TestFindDebugLink(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(bin, []byte("binary"), 0o600))

	good := []byte("debug contents")
	crc := crc32.ChecksumIEEE(good)

	t.Run("not found", func(t *testing.T) {
		_, err := findDebugLink(bin, "prog.debug", crc, nil)
		assert.ErrorIs(t, err, ErrNoCompanion)
	})

	t.Run("crc mismatch is skipped", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "prog.debug"), []byte("stale"), 0o600))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".debug"), 0o750))
		want := filepath.Join(dir, ".debug", "prog.debug")
		require.NoError(t, os.WriteFile(want, good, 0o600))

		got, err := findDebugLink(bin, "prog.debug", crc, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("global debug directory", func(t *testing.T) {
		root := t.TempDir()
		abs, err := filepath.Abs(dir)
		require.NoError(t, err)
		want := filepath.Join(root, abs, "other.debug")
		require.NoError(t, os.MkdirAll(filepath.Dir(want), 0o750))
		require.NoError(t, os.WriteFile(want, good, 0o600))

		got, err := findDebugLink(bin, "other.debug", crc, []string{root})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("never the binary itself", func(t *testing.T) {
		_, err := findDebugLink(bin, "prog", crc32.ChecksumIEEE([]byte("binary")), nil)
		assert.ErrorIs(t, err, ErrNoCompanion)
	})
}

func zdebug(t *testing.T, payload []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("ZLIB")
	_ = binary.Write(&b, binary.BigEndian, uint64(len(payload)))
	zw := zlib.NewWriter(&b)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return b.Bytes()
}

func TestDecompressZdebug(t *testing.T) {
	payload := bytes.Repeat([]byte("debug_info "), 100)

	got, err := decompressZdebug(".zdebug_info", zdebug(t, payload), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = decompressZdebug(".zdebug_info", zdebug(t, payload), 64)
	assert.ErrorIs(t, err, ErrSectionTooLarge)

	plain := []byte("not compressed at all")
	got, err = decompressZdebug(".zdebug_info", plain, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	corrupt := zdebug(t, payload)
	corrupt[12] = 0xff
	_, err = decompressZdebug(".zdebug_info", corrupt, 0)
	assert.Error(t, err)
}

func rela(off uint64, sym uint32, typ uint32, addend int64) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], off)
	binary.LittleEndian.PutUint64(b[8:], uint64(sym)<<32|uint64(typ))
	binary.LittleEndian.PutUint64(b[16:], uint64(addend))
	return b
}

func TestApplyRela(t *testing.T) {
	symValue := func(idx uint32) (uint64, bool) {
		switch idx {
		case 1:
			return 0x1000, true
		case 2:
			return 0x2000, true
		}
		return 0, false
	}

	tests := []struct {
		name    string
		machine elf.Machine
		relocs  [][]byte
		want    func(out []byte)
	}{
		{
			name:    "x86-64 absolute",
			machine: elf.EM_X86_64,
			relocs: [][]byte{
				rela(0, 1, uint32(elf.R_X86_64_64), 0x10),
				rela(8, 2, uint32(elf.R_X86_64_32), 4),
				rela(12, 1, uint32(elf.R_X86_64_32S), 0),
			},
			want: func(out []byte) {
				binary.LittleEndian.PutUint64(out[0:], 0x1010)
				binary.LittleEndian.PutUint32(out[8:], 0x2004)
				binary.LittleEndian.PutUint32(out[12:], 0x1000)
			},
		},
		{
			name:    "aarch64 absolute",
			machine: elf.EM_AARCH64,
			relocs: [][]byte{
				rela(0, 2, uint32(elf.R_AARCH64_ABS64), 0),
				rela(8, 1, uint32(elf.R_AARCH64_ABS32), 8),
			},
			want: func(out []byte) {
				binary.LittleEndian.PutUint64(out[0:], 0x2000)
				binary.LittleEndian.PutUint32(out[8:], 0x1008)
			},
		},
		{
			name:    "skipped",
			machine: elf.EM_X86_64,
			relocs: [][]byte{
				rela(0, 1, uint32(elf.R_X86_64_PC32), 0),
				rela(12, 1, uint32(elf.R_X86_64_64), 0),
				rela(0, 9, uint32(elf.R_X86_64_64), 0),
			},
			want: func([]byte) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]byte, 16)
			want := make([]byte, 16)
			tt.want(want)
			applyRela(out, bytes.Join(tt.relocs, nil), binary.LittleEndian, tt.machine, symValue)
			assert.Equal(t, want, out)
		})
	}
}

func TestMachOSectionName(t *testing.T) {
	tests := []struct {
		seg, name, want string
	}{
		{"__DWARF", "__debug_info", ".debug_info"},
		{"__DWARF", "__debug_str_offs", ".debug_str_offsets"},
		{"__DWARF", "__debug_line_str", ".debug_line_str"},
		{"__DWARF", "__debug_rnglists", ".debug_rnglists"},
		{"__DWARF", "__zdebug_info", ".zdebug_info"},
		{"__DWARF", "__zdebug_str_off", ".zdebug_str_offsets"},
		{"__TEXT", "__text", "__TEXT,__text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, machoSectionName(tt.seg, tt.name))
	}
	assert.Equal(t,
		filepath.Join("/bin/prog.dSYM", "Contents", "Resources", "DWARF", "prog"),
		dsymPath("/bin/prog"))
}

func TestMemory(t *testing.T) {
	m := NewMemory("mem", 8, binary.LittleEndian).
		AddSection(".debug_info", []byte{1, 2, 3}).
		AddSection(".bss", nil).
		AddSymbol(Symbol{Name: "main", Value: 0x1000, Kind: SymbolFunc})

	data, err := m.Section(".debug_info")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = m.Section(".bss")
	assert.ErrorIs(t, err, ErrNoContents)
	_, err = m.Section(".debug_line")
	assert.ErrorIs(t, err, ErrSectionNotFound)

	m.AddSection(".debug_info", []byte{4})
	require.NoError(t, m.SetSectionAddr(".debug_info", 0x500))
	assert.Equal(t, []SectionHeader{
		{Name: ".debug_info", Addr: 0x500, Size: 1},
		{Name: ".bss"},
	}, m.Sections())
	assert.ErrorIs(t, m.SetSectionAddr(".text", 0), ErrSectionNotFound)

	m.AppendSection(".debug_info", []byte{5, 6})
	data, err = m.Section(".debug_info")
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data, "Section returns the first of several")
	parts, err := m.SectionParts(".debug_info")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{4}, {5, 6}}, parts)
	_, err = m.SectionParts(".debug_line")
	assert.ErrorIs(t, err, ErrSectionNotFound)

	_, err = m.Companion(CompanionDebugAltLink)
	assert.ErrorIs(t, err, ErrNoCompanion)

	syms, err := m.Symbols()
	require.NoError(t, err)
	assert.Len(t, syms, 1)

	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}

func TestOpenUnknownFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("plain text file"), 0o600))

	_, err := Open(p, Options{})
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("test binary is neither ELF nor Mach-O")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	bin, err := Open(exe, Options{DebugDirs: []string{t.TempDir()}})
	require.NoError(t, err)
	defer func() { assert.NoError(t, bin.Close()) }()

	assert.Equal(t, exe, bin.Path())
	assert.Contains(t, []int{4, 8}, bin.AddressSize())
	assert.NotEmpty(t, bin.Sections())

	// go test links with -s, so the symbol table is usually absent.
	syms, err := bin.Symbols()
	require.NoError(t, err)
	var found, goFuncs bool
	for _, s := range syms {
		if s.Kind == SymbolFunc && strings.HasPrefix(s.Name, "runtime.") {
			goFuncs = true
		}
		if strings.HasSuffix(s.Name, "objfile.TestOpenSelf") {
			found = true
			assert.Equal(t, SymbolFunc, s.Kind)
		}
	}
	if goFuncs {
		assert.True(t, found, "test function missing from symbol table")
	}

	ts, ok := bin.(TextSegment)
	require.True(t, ok)
	_, ok = ts.TextSegmentAddr()
	assert.True(t, ok)

	_, err = bin.Companion(CompanionDebugAltLink)
	assert.ErrorIs(t, err, ErrNoCompanion)

	for _, name := range []string{".debug_info", ".zdebug_info"} {
		data, err := bin.Section(name)
		if err == nil {
			assert.NotEmpty(t, data)
		}
	}

	_, err = bin.Section(".no_such_section")
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestOpenSelfSizeLimit(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	bin, err := OpenELF(exe, Options{MaxSectionSize: 16})
	require.NoError(t, err)
	defer func() { _ = bin.Close() }()

	_, err = bin.Section(".text")
	assert.ErrorIs(t, err, ErrSectionTooLarge)
}
