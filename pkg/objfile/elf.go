package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ELF is a Binary backed by an ELF file mapped into memory. Section
// contents returned by Section may alias the mapping and are invalid after
// Close.
type ELF struct {
	path  string
	opts  Options
	data  []byte
	unmap func() error
	file  *elf.File
}

var _ Binary = (*ELF)(nil)
var _ TextSegment = (*ELF)(nil)
var _ SectionParts = (*ELF)(nil)

// OpenELF maps and parses the ELF file at path.
func OpenELF(path string, opts Options) (*ELF, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the binary being symbolized
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, unmap, err := mapFile(f)
	if err != nil {
		return nil, err
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = unmap()
		return nil, fmt.Errorf("failed to parse ELF %s: %w", path, err)
	}

	return &ELF{path: path, opts: opts, data: data, unmap: unmap, file: ef}, nil
}

func (e *ELF) Path() string { return e.path }

func (e *ELF) Sections() []SectionHeader {
	out := make([]SectionHeader, 0, len(e.file.Sections))
	for _, s := range e.file.Sections {
		if s.Name == "" {
			continue
		}
		out = append(out, SectionHeader{Name: s.Name, Addr: s.Addr, Size: s.Size})
	}
	return out
}

func (e *ELF) Section(name string) ([]byte, error) {
	for i, sec := range e.file.Sections {
		if sec.Name == name {
			return e.section(i)
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrSectionNotFound)
}

// SectionParts returns every section called name. Empty parts are left
// out.
func (e *ELF) SectionParts(name string) ([][]byte, error) {
	var parts [][]byte
	found := false
	for i, sec := range e.file.Sections {
		if sec.Name != name {
			continue
		}
		found = true
		data, err := e.section(i)
		if errors.Is(err, ErrNoContents) {
			continue
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
	}
	switch {
	case !found:
		return nil, fmt.Errorf("%s: %w", name, ErrSectionNotFound)
	case len(parts) == 0:
		return nil, fmt.Errorf("%s: %w", name, ErrNoContents)
	}
	return parts, nil
}

// section reads the section with index idx.
func (e *ELF) section(idx int) ([]byte, error) {
	sec := e.file.Sections[idx]
	name := sec.Name
	if sec.Type == elf.SHT_NOBITS || sec.Size == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoContents)
	}
	if err := checkSize(name, sec.Size, e.opts.MaxSectionSize); err != nil {
		return nil, err
	}

	data, err := e.raw(sec)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(name, ".zdebug_") {
		data, err = decompressZdebug(name, data, e.opts.MaxSectionSize)
		if err != nil {
			return nil, err
		}
	}
	return e.relocate(idx, data)
}

// raw returns a section's bytes, slicing the mapping when the section is
// stored uncompressed.
func (e *ELF) raw(sec *elf.Section) ([]byte, error) {
	if sec.Flags&elf.SHF_COMPRESSED == 0 {
		end := sec.Offset + sec.FileSize
		if end < sec.Offset || end > uint64(len(e.data)) {
			return nil, fmt.Errorf("%s: section extends past end of file", sec.Name)
		}
		return e.data[sec.Offset:end:end], nil
	}

	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", sec.Name, err)
	}
	return data, nil
}

// decompressZdebug expands a section in the legacy GNU format: the magic
// "ZLIB", the uncompressed size as a big-endian 64-bit value, then a zlib
// stream.
func decompressZdebug(name string, data []byte, limit uint64) ([]byte, error) {
	if len(data) < 12 || string(data[:4]) != "ZLIB" {
		return data, nil
	}
	size := binary.BigEndian.Uint64(data[4:12])
	if err := checkSize(name, size, limit); err != nil {
		return nil, err
	}
	if size > uint64(len(data))*1032 {
		return nil, fmt.Errorf("%s: implausible uncompressed size %d", name, size)
	}

	zr, err := zlib.NewReader(bytes.NewReader(data[12:]))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	defer func() { _ = zr.Close() }()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	return out, nil
}

// relocate applies the RELA relocations of a relocatable object to a copy
// of section idx. Only the absolute relocation types that appear in DWARF
// sections are handled.
func (e *ELF) relocate(idx int, data []byte) ([]byte, error) {
	if e.file.Type != elf.ET_REL || e.file.Class != elf.ELFCLASS64 {
		return data, nil
	}
	var rela *elf.Section
	for _, s := range e.file.Sections {
		if s.Type == elf.SHT_RELA && s.Info == uint32(idx) {
			rela = s
			break
		}
	}
	if rela == nil {
		return data, nil
	}
	relocs, err := rela.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rela.Name, err)
	}
	syms, err := e.file.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to read symbols of %s: %w", e.path, err)
	}

	symValue := func(idx uint32) (uint64, bool) {
		// debug/elf drops the null symbol at index 0.
		if idx == 0 || int(idx) > len(syms) {
			return 0, false
		}
		s := syms[idx-1]
		return s.Value + e.sectionAddr(s.Section), true
	}
	out := bytes.Clone(data)
	applyRela(out, relocs, e.file.ByteOrder, e.file.Machine, symValue)
	return out, nil
}

func (e *ELF) sectionAddr(idx elf.SectionIndex) uint64 {
	if idx == elf.SHN_UNDEF || idx >= elf.SHN_LORESERVE || int(idx) >= len(e.file.Sections) {
		return 0
	}
	return e.file.Sections[idx].Addr
}

// applyRela patches out with the Elf64_Rela entries in relocs.
func applyRela(out, relocs []byte, order binary.ByteOrder, machine elf.Machine, symValue func(uint32) (uint64, bool)) {
	for ; len(relocs) >= 24; relocs = relocs[24:] {
		off := order.Uint64(relocs[0:])
		info := order.Uint64(relocs[8:])
		addend := order.Uint64(relocs[16:])

		size := relocSize(machine, uint32(info))
		if size == 0 || off > uint64(len(out)) || uint64(len(out))-off < size {
			continue
		}
		val, ok := symValue(uint32(info >> 32))
		if !ok {
			continue
		}
		val += addend
		if size == 8 {
			order.PutUint64(out[off:], val)
		} else {
			order.PutUint32(out[off:], uint32(val))
		}
	}
}

func relocSize(machine elf.Machine, typ uint32) uint64 {
	switch machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_64:
			return 8
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			return 4
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ABS64:
			return 8
		case elf.R_AARCH64_ABS32:
			return 4
		}
	}
	return 0
}

// Symbols returns the static symbol table, or the dynamic one when the
// binary has been stripped.
func (e *ELF) Symbols() ([]Symbol, error) {
	syms, err := e.file.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		syms, err = e.file.DynamicSymbols()
	}
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read symbols of %s: %w", e.path, err)
	}

	rel := e.file.Type == elf.ET_REL
	out := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		sym := Symbol{
			Name:  s.Name,
			Value: s.Value,
			Size:  s.Size,
			Kind:  elfSymbolKind(elf.ST_TYPE(s.Info)),
		}
		if s.Section != elf.SHN_UNDEF && s.Section < elf.SHN_LORESERVE && int(s.Section) < len(e.file.Sections) {
			sec := e.file.Sections[s.Section]
			sym.Section = sec.Name
			if rel {
				sym.Value += sec.Addr
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

func elfSymbolKind(t elf.SymType) SymbolKind {
	switch t {
	case elf.STT_FUNC, elf.STT_GNU_IFUNC:
		return SymbolFunc
	case elf.STT_OBJECT, elf.STT_TLS, elf.STT_COMMON:
		return SymbolObject
	}
	return SymbolOther
}

func (e *ELF) AddressSize() int {
	if e.file.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func (e *ELF) ByteOrder() binary.ByteOrder { return e.file.ByteOrder }

// TextSegmentAddr returns the virtual address of the first executable
// PT_LOAD segment.
func (e *ELF) TextSegmentAddr() (uint64, bool) {
	for _, p := range e.file.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 {
			return p.Vaddr, true
		}
	}
	return 0, false
}

// BuildID returns the contents of the GNU build-id note, or nil.
func (e *ELF) BuildID() []byte {
	sec := e.file.Section(".note.gnu.build-id")
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil
	}
	data, err := e.raw(sec)
	if err != nil {
		return nil
	}
	return parseBuildIDNote(data, e.file.ByteOrder)
}

func (e *ELF) Companion(kind CompanionKind) (Binary, error) {
	switch kind {
	case CompanionDebugLink:
		return e.openDebugLink()
	case CompanionDebugAltLink:
		return e.openDebugAltLink()
	}
	return nil, fmt.Errorf("%s of %s: %w", kind, e.path, ErrNoCompanion)
}

func (e *ELF) Close() error {
	if e.unmap == nil {
		return nil
	}
	err := e.unmap()
	e.unmap = nil
	e.data = nil
	return err
}
