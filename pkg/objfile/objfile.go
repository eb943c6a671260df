// Package objfile exposes the sections and symbols of an executable or
// object file in the form the DWARF decoder consumes: raw section bytes by
// name, section addresses, the symbol table, and companion debug files
// located through .gnu_debuglink or .gnu_debugaltlink.
package objfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSectionNotFound is returned when a binary has no section of the
	// requested name.
	ErrSectionNotFound = errors.New("section not found")

	// ErrNoContents is returned for sections that occupy no file space,
	// such as SHT_NOBITS sections in a stripped binary.
	ErrNoContents = errors.New("section has no contents")

	// ErrSectionTooLarge is returned when a section exceeds the configured
	// size limit.
	ErrSectionTooLarge = errors.New("section too large")

	// ErrNoCompanion is returned when no companion debug file could be
	// located.
	ErrNoCompanion = errors.New("companion debug file not found")

	// ErrUnknownFormat is returned by Open for files that are neither ELF
	// nor Mach-O.
	ErrUnknownFormat = errors.New("unrecognized object file format")
)

// SectionHeader describes one section of a binary.
type SectionHeader struct {
	Name string
	Addr uint64
	Size uint64
}

// SymbolKind classifies a symbol table entry.
type SymbolKind int

const (
	SymbolOther SymbolKind = iota
	SymbolFunc
	SymbolObject
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolFunc:
		return "func"
	case SymbolObject:
		return "object"
	default:
		return "other"
	}
}

// Symbol is a symbol table entry. Value is the symbol's address.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Kind    SymbolKind
	Section string
}

// CompanionKind selects which separate debug file to open.
type CompanionKind int

const (
	// CompanionDebugLink is the file named by .gnu_debuglink, which holds
	// the debug sections stripped from the binary.
	CompanionDebugLink CompanionKind = iota
	// CompanionDebugAltLink is the supplementary file named by
	// .gnu_debugaltlink (dwz), which holds DIEs and strings shared between
	// several binaries.
	CompanionDebugAltLink
)

func (k CompanionKind) String() string {
	if k == CompanionDebugAltLink {
		return "debugaltlink"
	}
	return "debuglink"
}

// Binary is an opened executable, shared object, object file or separate
// debug file.
type Binary interface {
	// Path returns the file the binary was opened from, or "" for
	// in-memory binaries.
	Path() string

	// Sections returns the headers of all sections in file order.
	Sections() []SectionHeader

	// Section returns the contents of the named section. Relocatable
	// objects have their relocations applied. Sections stored in the
	// legacy .zdebug format are returned decompressed.
	Section(name string) ([]byte, error)

	// Symbols returns the symbol table.
	Symbols() ([]Symbol, error)

	// AddressSize returns the size of a target address in bytes.
	AddressSize() int

	// ByteOrder returns the target byte order.
	ByteOrder() binary.ByteOrder

	// Companion opens the separate debug file of the given kind.
	Companion(kind CompanionKind) (Binary, error)

	Close() error
}

// SectionParts is implemented by binaries that can hold several sections
// of the same name, as relocatable objects built with COMDAT groups do.
// The parts are returned in file order, each relocated and decompressed
// like the result of Section.
type SectionParts interface {
	SectionParts(name string) ([][]byte, error)
}

// TextSegment is implemented by binaries that know the virtual address of
// their executable load segment. It is used to map runtime addresses of
// position-independent executables back to link-time addresses.
type TextSegment interface {
	TextSegmentAddr() (uint64, bool)
}

// Options configures how binaries are opened.
type Options struct {
	// MaxSectionSize rejects sections larger than this many bytes.
	// Zero means no limit.
	MaxSectionSize uint64

	// DebugDirs are searched for companion debug files in addition to the
	// binary's own directory.
	DebugDirs []string
}

// DefaultDebugDirs are the conventional locations of separate debug files.
var DefaultDebugDirs = []string{"/usr/lib/debug"}

// Open opens an ELF or Mach-O file, choosing the format from its magic
// number.
func Open(path string, opts Options) (Binary, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the binary being symbolized
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	var magic [4]byte
	_, err = f.ReadAt(magic[:], 0)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var bin Binary
	switch {
	case magic == [4]byte{0x7f, 'E', 'L', 'F'}:
		bin, err = OpenELF(path, opts)
	case isMachOMagic(magic):
		bin, err = OpenMachO(path, opts)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
	if err != nil {
		return nil, err
	}
	return bin, nil
}

func isMachOMagic(m [4]byte) bool {
	le := binary.LittleEndian.Uint32(m[:])
	be := binary.BigEndian.Uint32(m[:])
	for _, v := range []uint32{0xfeedface, 0xfeedfacf} {
		if le == v || be == v {
			return true
		}
	}
	return false
}

func checkSize(name string, size, limit uint64) error {
	if limit != 0 && size > limit {
		return fmt.Errorf("%s (%d bytes): %w", name, size, ErrSectionTooLarge)
	}
	return nil
}
