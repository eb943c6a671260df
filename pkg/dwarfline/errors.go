package dwarfline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDebugInfo is returned when neither the binary nor its
	// .gnu_debuglink companion carries a .debug_info section.
	ErrNoDebugInfo = errors.New("no DWARF debug info")

	// ErrRecursionLimit is recorded when a chain of DW_AT_specification or
	// DW_AT_abstract_origin references is too deep, which in practice
	// means it is cyclic.
	ErrRecursionLimit = errors.New("abstract instance recursion limit reached")

	// ErrBadReference is recorded when a DIE reference points outside the
	// unit or file it refers into.
	ErrBadReference = errors.New("invalid DIE reference")

	// ErrUnknownAbbrev is recorded when a DIE uses an abbreviation code its
	// unit's table does not define.
	ErrUnknownAbbrev = errors.New("unknown abbreviation code")

	// ErrTruncated is recorded when a unit or line program runs past the
	// end of its section.
	ErrTruncated = errors.New("truncated DWARF data")

	// ErrUnsupportedVersion is recorded for unit and line table versions
	// outside 2 through 5.
	ErrUnsupportedVersion = errors.New("unsupported DWARF version")

	// ErrUnknownForm is recorded for attribute forms the decoder does not
	// know how to skip.
	ErrUnknownForm = errors.New("unknown attribute form")

	// ErrBadHeader is recorded for malformed unit or line program headers.
	ErrBadHeader = errors.New("malformed header")
)

// UnitError describes why a unit was excluded from lookups.
type UnitError struct {
	Offset uint64
	Name   string
	Err    error
}

func (e *UnitError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unit at %#x (%s): %v", e.Offset, e.Name, e.Err)
	}
	return fmt.Sprintf("unit at %#x: %v", e.Offset, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }
