package dwarfline

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// SectionKind identifies one of the DWARF sections the decoder reads.
type SectionKind int

const (
	SectionInfo SectionKind = iota
	SectionAbbrev
	SectionLine
	SectionStr
	SectionStrOffsets
	SectionAddr
	SectionLineStr
	SectionRanges
	SectionRnglists
	numSections
)

var sectionNames = [numSections]string{
	SectionInfo:       "info",
	SectionAbbrev:     "abbrev",
	SectionLine:       "line",
	SectionStr:        "str",
	SectionStrOffsets: "str_offsets",
	SectionAddr:       "addr",
	SectionLineStr:    "line_str",
	SectionRanges:     "ranges",
	SectionRnglists:   "rnglists",
}

// Name returns the ELF name of the section.
func (k SectionKind) Name() string {
	if k < 0 || k >= numSections {
		return fmt.Sprintf("SectionKind(%d)", int(k))
	}
	return ".debug_" + sectionNames[k]
}

// aliases returns the names the section may be stored under, uncompressed
// first.
func (k SectionKind) aliases() []string {
	return []string{".debug_" + sectionNames[k], ".zdebug_" + sectionNames[k]}
}

func (k SectionKind) String() string { return k.Name() }

type loadState uint8

const (
	sectionUnloaded loadState = iota
	sectionLoaded
	sectionMissing
)

// sectionStore loads debug sections from a binary on first use and keeps
// them for the lifetime of the store.
type sectionStore struct {
	bin     objfile.Binary
	maxSize uint64
	data    [numSections][]byte
	state   [numSections]loadState
	errs    [numSections]error
}

func newSectionStore(bin objfile.Binary, maxSize uint64) *sectionStore {
	return &sectionStore{bin: bin, maxSize: maxSize}
}

// get returns the contents of a section. A missing or empty section is
// reported once and remembered.
func (s *sectionStore) get(kind SectionKind) ([]byte, error) {
	switch s.state[kind] {
	case sectionLoaded:
		return s.data[kind], nil
	case sectionMissing:
		return nil, s.errs[kind]
	}

	data, err := s.load(kind)
	if err != nil {
		s.state[kind] = sectionMissing
		s.errs[kind] = err
		return nil, err
	}
	s.state[kind] = sectionLoaded
	s.data[kind] = data
	return data, nil
}

// optional returns a section's contents, or nil when it cannot be loaded.
func (s *sectionStore) optional(kind SectionKind) []byte {
	data, _ := s.get(kind)
	return data
}

func (s *sectionStore) load(kind SectionKind) ([]byte, error) {
	headers := s.bin.Sections()
	for _, name := range kind.aliases() {
		var hdr *objfile.SectionHeader
		var total uint64
		count := 0
		for i := range headers {
			if headers[i].Name != name {
				continue
			}
			if hdr == nil {
				hdr = &headers[i]
			}
			count++
			total += headers[i].Size
			if total < headers[i].Size {
				return nil, fmt.Errorf("%s: %w", name, objfile.ErrSectionTooLarge)
			}
		}
		if hdr == nil {
			continue
		}
		if s.maxSize != 0 && total > s.maxSize {
			return nil, fmt.Errorf("%s: %w", name, objfile.ErrSectionTooLarge)
		}
		if kind == SectionInfo && count > 1 {
			if parts, ok := s.bin.(objfile.SectionParts); ok {
				return s.concat(name, parts)
			}
		}

		data, err := s.bin.Section(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s: %w", name, objfile.ErrNoContents)
		}
		if s.maxSize != 0 && uint64(len(data)) > s.maxSize {
			return nil, fmt.Errorf("%s: %w", name, objfile.ErrSectionTooLarge)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", kind.Name(), objfile.ErrSectionNotFound)
}

// concat joins every section called name into one buffer. Relocatable
// objects can carry one .debug_info per COMDAT group; the units in them
// are parsed as if they were a single section.
func (s *sectionStore) concat(name string, bin objfile.SectionParts) ([]byte, error) {
	parts, err := bin.SectionParts(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	var size uint64
	for _, p := range parts {
		size += uint64(len(p))
	}
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", name, objfile.ErrNoContents)
	}
	if s.maxSize != 0 && size > s.maxSize {
		return nil, fmt.Errorf("%s: %w", name, objfile.ErrSectionTooLarge)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// isAbsent reports whether err means the section simply is not there, as
// opposed to being unreadable.
func isAbsent(err error) bool {
	return errors.Is(err, objfile.ErrSectionNotFound) || errors.Is(err, objfile.ErrNoContents)
}
