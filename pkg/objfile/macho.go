package objfile

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MachO is a Binary backed by a Mach-O file. DWARF sections are exposed
// under their ELF names, so __DWARF,__debug_info is ".debug_info".
type MachO struct {
	path  string
	opts  Options
	data  []byte
	unmap func() error
	file  *macho.File
	names []string
}

var _ Binary = (*MachO)(nil)

// OpenMachO maps and parses the Mach-O file at path.
func OpenMachO(path string, opts Options) (*MachO, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the binary being symbolized
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, unmap, err := mapFile(f)
	if err != nil {
		return nil, err
	}
	mf, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = unmap()
		return nil, fmt.Errorf("failed to parse Mach-O %s: %w", path, err)
	}

	m := &MachO{path: path, opts: opts, data: data, unmap: unmap, file: mf}
	m.names = make([]string, len(mf.Sections))
	for i, s := range mf.Sections {
		m.names[i] = machoSectionName(s.Seg, s.Name)
	}
	return m, nil
}

// Mach-O section names are limited to 16 bytes.
var machoTruncated = map[string]string{
	"__debug_str_offs": ".debug_str_offsets",
	"__zdebug_str_off": ".zdebug_str_offsets",
	"__zdebug_line_st": ".zdebug_line_str",
	"__zdebug_rnglist": ".zdebug_rnglists",
	"__zdebug_aranges": ".zdebug_aranges",
}

func machoSectionName(seg, name string) string {
	if full, ok := machoTruncated[name]; ok {
		return full
	}
	if strings.HasPrefix(name, "__debug_") || strings.HasPrefix(name, "__zdebug_") {
		return "." + name[2:]
	}
	return seg + "," + name
}

func (m *MachO) Path() string { return m.path }

func (m *MachO) Sections() []SectionHeader {
	out := make([]SectionHeader, len(m.file.Sections))
	for i, s := range m.file.Sections {
		out[i] = SectionHeader{Name: m.names[i], Addr: s.Addr, Size: s.Size}
	}
	return out
}

func (m *MachO) Section(name string) ([]byte, error) {
	for i, s := range m.file.Sections {
		if m.names[i] != name {
			continue
		}
		if s.Size == 0 || s.Offset == 0 {
			return nil, fmt.Errorf("%s: %w", name, ErrNoContents)
		}
		if err := checkSize(name, s.Size, m.opts.MaxSectionSize); err != nil {
			return nil, err
		}
		start := uint64(s.Offset)
		end := start + s.Size
		if end > uint64(len(m.data)) {
			return nil, fmt.Errorf("%s: section extends past end of file", name)
		}
		data := m.data[start:end:end]
		if strings.HasPrefix(name, ".zdebug_") {
			return decompressZdebug(name, data, m.opts.MaxSectionSize)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrSectionNotFound)
}

const (
	machoStab  = 0xe0
	machoType  = 0x0e
	machoNSect = 0x0e
)

// Symbols returns the defined symbols with the leading underscore of C
// names removed. Symbols in __TEXT,__text are reported as functions.
func (m *MachO) Symbols() ([]Symbol, error) {
	if m.file.Symtab == nil {
		return nil, nil
	}
	out := make([]Symbol, 0, len(m.file.Symtab.Syms))
	for _, s := range m.file.Symtab.Syms {
		if s.Type&machoStab != 0 || s.Type&machoType != machoNSect || s.Sect == 0 {
			continue
		}
		sym := Symbol{
			Name:  strings.TrimPrefix(s.Name, "_"),
			Value: s.Value,
			Kind:  SymbolObject,
		}
		if idx := int(s.Sect) - 1; idx < len(m.file.Sections) {
			sec := m.file.Sections[idx]
			sym.Section = m.names[idx]
			if sec.Seg == "__TEXT" && sec.Name == "__text" {
				sym.Kind = SymbolFunc
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

func (m *MachO) AddressSize() int {
	if m.file.Magic == macho.Magic64 {
		return 8
	}
	return 4
}

func (m *MachO) ByteOrder() binary.ByteOrder { return m.file.ByteOrder }

// TextSegmentAddr returns the address of the __TEXT segment.
func (m *MachO) TextSegmentAddr() (uint64, bool) {
	if seg := m.file.Segment("__TEXT"); seg != nil {
		return seg.Addr, true
	}
	return 0, false
}

// dsymPath returns where dsymutil places the debug file of path.
func dsymPath(path string) string {
	return filepath.Join(path+".dSYM", "Contents", "Resources", "DWARF", filepath.Base(path))
}

// Companion opens the binary's dSYM bundle. Mach-O has no supplementary
// debug files.
func (m *MachO) Companion(kind CompanionKind) (Binary, error) {
	if kind != CompanionDebugLink {
		return nil, fmt.Errorf("%s of %s: %w", kind, m.path, ErrNoCompanion)
	}
	p := dsymPath(m.path)
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("%s of %s: %w", kind, m.path, ErrNoCompanion)
	}
	bin, err := OpenMachO(p, m.opts)
	if err != nil {
		return nil, err
	}
	return bin, nil
}

func (m *MachO) Close() error {
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	m.data = nil
	return err
}
