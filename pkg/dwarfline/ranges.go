package dwarfline

import (
	"fmt"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

// Range is a half-open address range [Low, High).
type Range struct {
	Low  uint64
	High uint64
}

// Contains reports whether addr lies in r.
func (r Range) Contains(addr uint64) bool {
	return r.Low <= addr && addr < r.High
}

func (u *unit) maxAddress() uint64 {
	return ^uint64(0) >> (64 - 8*uint(u.addrSize))
}

// readRangeList decodes the range list named by a DW_AT_ranges attribute
// and calls emit for every non-empty range. DWARF 5 units read
// .debug_rnglists, older units .debug_ranges.
func (u *unit) readRangeList(a *attribute, emit func(low, high uint64)) error {
	if !a.isInt() {
		return nil
	}
	off := a.uint()
	if a.form == formRnglistx {
		var err error
		if off, err = u.rnglistOffset(off); err != nil {
			return err
		}
	}
	if u.version >= 5 {
		return u.readRnglists(off, emit)
	}
	return u.readDebugRanges(off, emit)
}

// rnglistOffset maps a DW_FORM_rnglistx index through the offset table at
// the unit's rnglists base.
func (u *unit) rnglistOffset(idx uint64) (uint64, error) {
	data, err := u.file.sections.get(SectionRnglists)
	if err != nil {
		return 0, err
	}
	c := cursor.New(data, u.order)
	c.Seek(u.rnglistsBase + idx*uint64(u.offsetSize))
	rel := c.SectionOffset(u.offsetSize)
	if c.Overrun() {
		return 0, fmt.Errorf("rnglist index %d: %w", idx, ErrTruncated)
	}
	return u.rnglistsBase + rel, nil
}

func (u *unit) readDebugRanges(off uint64, emit func(low, high uint64)) error {
	data, err := u.file.sections.get(SectionRanges)
	if err != nil {
		return err
	}
	if off >= uint64(len(data)) {
		return fmt.Errorf("range list offset %#x: %w", off, ErrTruncated)
	}

	c := cursor.New(data, u.order)
	c.Seek(off)
	base := u.base
	maxAddr := u.maxAddress()
	for {
		low := c.Address(u.addrSize)
		high := c.Address(u.addrSize)
		if c.Overrun() {
			return fmt.Errorf("range list at %#x: %w", off, ErrTruncated)
		}
		if low == 0 && high == 0 {
			return nil
		}
		if low == maxAddr && high != maxAddr {
			base = high
			continue
		}
		if low < high {
			emit(base+low, base+high)
		}
	}
}

func (u *unit) readRnglists(off uint64, emit func(low, high uint64)) error {
	data, err := u.file.sections.get(SectionRnglists)
	if err != nil {
		return err
	}
	if off >= uint64(len(data)) {
		return fmt.Errorf("rnglist offset %#x: %w", off, ErrTruncated)
	}

	c := cursor.New(data, u.order)
	c.Seek(off)
	base := u.base
	add := func(low, high uint64) {
		if low < high {
			emit(low, high)
		}
	}
	for {
		kind := c.U8()
		if c.Overrun() {
			return fmt.Errorf("rnglist at %#x: %w", off, ErrTruncated)
		}
		switch kind {
		case rleEndOfList:
			return nil
		case rleBaseAddressx:
			base = u.indexedAddress(c.ULEB128())
		case rleStartxEndx:
			low := u.indexedAddress(c.ULEB128())
			add(low, u.indexedAddress(c.ULEB128()))
		case rleStartxLength:
			low := u.indexedAddress(c.ULEB128())
			add(low, low+c.ULEB128())
		case rleOffsetPair:
			low := c.ULEB128()
			add(base+low, base+c.ULEB128())
		case rleBaseAddress:
			base = c.Address(u.addrSize)
		case rleStartEnd:
			low := c.Address(u.addrSize)
			add(low, c.Address(u.addrSize))
		case rleStartLength:
			low := c.Address(u.addrSize)
			add(low, low+c.ULEB128())
		default:
			return fmt.Errorf("rnglist at %#x: unknown entry kind %#x: %w", off, kind, ErrBadHeader)
		}
	}
}

// indexedAddress reads entry idx of the unit's .debug_addr table, or 0.
func (u *unit) indexedAddress(idx uint64) uint64 {
	a := attribute{kind: attrAddrIndex, val: idx}
	u.resolveIndexed(&a, true)
	return a.val
}
