package objfile

import (
	"encoding/binary"
	"fmt"
)

// Memory is a Binary assembled in memory. It serves tools that already hold
// debug sections, such as a JIT, and tests.
type Memory struct {
	name       string
	addrSize   int
	order      binary.ByteOrder
	sections   []SectionHeader
	contents   [][]byte // parallel to sections
	symbols    []Symbol
	companions map[CompanionKind]Binary
	closed     bool
}

var _ Binary = (*Memory)(nil)
var _ SectionParts = (*Memory)(nil)

// NewMemory returns an empty in-memory binary.
func NewMemory(name string, addrSize int, order binary.ByteOrder) *Memory {
	return &Memory{
		name:       name,
		addrSize:   addrSize,
		order:      order,
		companions: make(map[CompanionKind]Binary),
	}
}

// AddSection adds or replaces a section at address zero.
func (m *Memory) AddSection(name string, data []byte) *Memory {
	for i := range m.sections {
		if m.sections[i].Name == name {
			m.sections[i].Size = uint64(len(data))
			m.contents[i] = data
			return m
		}
	}
	return m.AppendSection(name, data)
}

// AppendSection adds a section even if one of the same name exists, as in
// a relocatable object whose COMDAT groups each carry their own
// .debug_info.
func (m *Memory) AppendSection(name string, data []byte) *Memory {
	m.sections = append(m.sections, SectionHeader{Name: name, Size: uint64(len(data))})
	m.contents = append(m.contents, data)
	return m
}

// SetSectionAddr moves a section, as a linker laying out a relocatable
// object would.
func (m *Memory) SetSectionAddr(name string, addr uint64) error {
	for i := range m.sections {
		if m.sections[i].Name == name {
			m.sections[i].Addr = addr
			return nil
		}
	}
	return fmt.Errorf("%s: %w", name, ErrSectionNotFound)
}

// AddSymbol appends a symbol table entry.
func (m *Memory) AddSymbol(sym Symbol) *Memory {
	m.symbols = append(m.symbols, sym)
	return m
}

// SetCompanion makes Companion(kind) return bin.
func (m *Memory) SetCompanion(kind CompanionKind, bin Binary) *Memory {
	m.companions[kind] = bin
	return m
}

func (m *Memory) Path() string { return m.name }

func (m *Memory) Sections() []SectionHeader {
	return append([]SectionHeader(nil), m.sections...)
}

func (m *Memory) Section(name string) ([]byte, error) {
	parts, err := m.SectionParts(name)
	if err != nil {
		return nil, err
	}
	if len(parts[0]) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoContents)
	}
	return parts[0], nil
}

func (m *Memory) SectionParts(name string) ([][]byte, error) {
	var parts [][]byte
	for i := range m.sections {
		if m.sections[i].Name == name {
			parts = append(parts, m.contents[i])
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrSectionNotFound)
	}
	return parts, nil
}

func (m *Memory) Symbols() ([]Symbol, error) {
	return append([]Symbol(nil), m.symbols...), nil
}

func (m *Memory) AddressSize() int { return m.addrSize }

func (m *Memory) ByteOrder() binary.ByteOrder { return m.order }

func (m *Memory) Companion(kind CompanionKind) (Binary, error) {
	bin, ok := m.companions[kind]
	if !ok {
		return nil, fmt.Errorf("%s of %s: %w", kind, m.name, ErrNoCompanion)
	}
	return bin, nil
}

// Close marks the binary closed. Closed reports whether it was called.
func (m *Memory) Close() error {
	m.closed = true
	return nil
}

func (m *Memory) Closed() bool { return m.closed }
