package dwarfline

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

// unitState tracks how far a unit has been decoded. unitFailed is sticky:
// a failed unit is skipped by every later query.
type unitState uint8

const (
	unitParsed unitState = iota
	unitLinesRead
	unitDecoded
	unitFailed
)

type unit struct {
	file  *debugFile
	order binary.ByteOrder
	index int

	// start and end delimit the unit, header included, in .debug_info.
	start      uint64
	end        uint64
	childStart uint64

	version    uint16
	unitType   uint8
	addrSize   int
	offsetSize int
	abbrevs    *abbrevTable

	name        string
	compDir     string
	lang        Language
	base        uint64
	stmtList    uint64
	hasStmtList bool

	// Zero means not known yet.
	strOffsetsBase uint64
	addrBase       uint64
	rnglistsBase   uint64
	// readingUnitDIE defers strx and addrx resolution while the unit DIE,
	// which may declare the bases after using them, is read.
	readingUnitDIE bool

	ranges []Range
	lines  *lineTable
	funcs  []*function
	vars   []*variable
	lookup []funcLookup

	state   unitState
	err     error
	visited uint64
}

func (u *unit) isTypeUnit() bool {
	return u.unitType == unitTypeType || u.unitType == unitTypeSplitType
}

// parseUnit reads the unit header at off and the attributes of the unit
// DIE. ok is false when the length field is unusable, in which case nothing
// after off can be trusted. Other header problems produce a failed unit so
// that scanning can continue with the next one.
func (f *debugFile) parseUnit(off uint64) (u *unit, next uint64, ok bool) {
	c := cursor.New(f.info, f.order)
	c.Seek(off)

	offsetSize := 4
	length := uint64(c.U32())
	switch length {
	case 0xffffffff:
		offsetSize = 8
		length = c.U64()
	case 0:
		// IRIX 64-bit DWARF 2: the high half of an 8-byte length.
		offsetSize = 8
		length = uint64(c.U32())
	}
	if c.Overrun() || length == 0 || length > uint64(c.Remaining()) {
		return nil, 0, false
	}
	end := c.Pos() + length

	u = &unit{
		file:       f,
		order:      f.order,
		index:      len(f.units),
		start:      off,
		end:        end,
		offsetSize: offsetSize,
	}
	if err := u.parseHeader(c.Pos()); err != nil {
		u.fail(err)
	}
	return u, end, true
}

func (u *unit) parseHeader(pos uint64) error {
	c := cursor.New(u.file.info[:u.end], u.order)
	c.Seek(pos)

	u.version = c.U16()
	if u.version < 2 || u.version > 5 {
		return fmt.Errorf("version %d: %w", u.version, ErrUnsupportedVersion)
	}

	var abbrevOffset uint64
	if u.version < 5 {
		u.unitType = unitTypeCompile
		abbrevOffset = c.SectionOffset(u.offsetSize)
		u.addrSize = int(c.U8())
	} else {
		u.unitType = c.U8()
		u.addrSize = int(c.U8())
		abbrevOffset = c.SectionOffset(u.offsetSize)
	}
	switch u.unitType {
	case unitTypeType, unitTypeSplitType:
		c.Skip(8) // type signature
		c.SectionOffset(u.offsetSize)
	case unitTypeSkeleton, unitTypeSplitCompile:
		c.Skip(8) // dwo id
	}
	if c.Overrun() {
		return fmt.Errorf("unit header: %w", ErrTruncated)
	}
	switch u.addrSize {
	case 2, 4, 8:
	default:
		return fmt.Errorf("address size %d: %w", u.addrSize, ErrBadHeader)
	}

	table, ok := u.file.abbrevs.get(abbrevOffset)
	if !ok {
		return fmt.Errorf("abbrev offset %#x outside .debug_abbrev: %w", abbrevOffset, ErrBadHeader)
	}
	u.abbrevs = table

	code := c.ULEB128()
	if code == 0 {
		// A unit may legitimately consist of a single null entry.
		return nil
	}
	ab := table.lookup(code)
	if ab == nil {
		return fmt.Errorf("unit DIE code %d: %w", code, ErrUnknownAbbrev)
	}

	attrs := make([]attribute, 0, len(ab.attrs))
	u.readingUnitDIE = true
	for _, spec := range ab.attrs {
		a, err := u.readAttribute(c, spec)
		if err != nil {
			u.readingUnitDIE = false
			return fmt.Errorf("unit DIE: %w", err)
		}
		attrs = append(attrs, a)
	}
	u.readingUnitDIE = false
	if c.Overrun() {
		return fmt.Errorf("unit DIE: %w", ErrTruncated)
	}
	if ab.hasChildren {
		u.childStart = c.Pos()
	}

	u.applyUnitAttrs(ab.tag, attrs)
	return nil
}

// applyUnitAttrs interprets the unit DIE. The string, address and range
// list bases may follow the attributes that depend on them, so they are
// picked up first.
func (u *unit) applyUnitAttrs(tag dwarf.Tag, attrs []attribute) {
	for i := range attrs {
		a := &attrs[i]
		if !a.isInt() {
			continue
		}
		switch a.name {
		case dwarf.AttrStrOffsetsBase:
			u.strOffsetsBase = a.uint()
		case dwarf.AttrAddrBase, attrGNUAddrBase:
			u.addrBase = a.uint()
		case dwarf.AttrRnglistsBase:
			u.rnglistsBase = a.uint()
		}
	}
	for i := range attrs {
		if attrs[i].pending() {
			u.resolveIndexed(&attrs[i], true)
		}
	}

	var low, high uint64
	var highRelative bool
	var rangesAttr *attribute
	for i := range attrs {
		a := &attrs[i]
		switch a.name {
		case dwarf.AttrStmtList:
			if a.isInt() {
				u.stmtList = a.uint()
				u.hasStmtList = true
			}
		case dwarf.AttrName:
			if a.isString() {
				u.name = a.str
			}
		case dwarf.AttrLowpc:
			if a.isInt() {
				low = a.uint()
				if tag == dwarf.TagCompileUnit || tag == dwarf.TagPartialUnit || tag == dwarf.TagSkeletonUnit {
					u.base = low
				}
			}
		case dwarf.AttrHighpc:
			if a.isInt() {
				high = a.uint()
				highRelative = !isAddressForm(a.form)
			}
		case dwarf.AttrRanges:
			rangesAttr = a
		case dwarf.AttrCompDir:
			if a.isString() {
				u.compDir = stripHostPrefix(a.str)
			}
		case dwarf.AttrLanguage:
			if a.isInt() {
				u.lang = Language(a.uint())
			}
		}
	}

	if rangesAttr != nil {
		if err := u.readRangeList(rangesAttr, u.addRange); err != nil {
			u.file.stash.log.Debug().Err(err).Uint64("unit", u.start).Msg("Ignoring unreadable unit range list")
		}
	}
	if highRelative {
		high += low
	}
	if high != 0 {
		u.addRange(low, high)
	}
}

func isAddressForm(f form) bool {
	switch f {
	case formAddr, formAddrx, formAddrx1, formAddrx2, formAddrx3, formAddrx4, formGNUAddrIndex:
		return true
	}
	return false
}

// stripHostPrefix removes the "<host>.:" prefix that IRIX compilers put in
// front of DW_AT_comp_dir.
func stripHostPrefix(dir string) string {
	i := strings.IndexByte(dir, ':')
	if i > 0 && dir[i-1] == '.' && i+1 < len(dir) && dir[i+1] == '/' {
		return dir[i+1:]
	}
	return dir
}

// addRange records that the unit covers [low, high) and indexes it.
func (u *unit) addRange(low, high uint64) {
	if low >= high {
		return
	}
	u.ranges = appendRange(u.ranges, low, high)
	if !u.isTypeUnit() {
		u.file.trie.Insert(u, low, high)
	}
}

// appendRange adds [low, high) to rs, extending an existing range it
// overlaps or touches.
func appendRange(rs []Range, low, high uint64) []Range {
	if low >= high {
		return rs
	}
	for i := range rs {
		if low <= rs[i].High && rs[i].Low <= high {
			rs[i].Low = min(rs[i].Low, low)
			rs[i].High = max(rs[i].High, high)
			return rs
		}
	}
	return append(rs, Range{Low: low, High: high})
}

func (u *unit) containsAddr(addr uint64) bool {
	for _, r := range u.ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// mayContain reports whether addr could belong to the unit. Units whose
// line program has not run yet may still gain ranges.
func (u *unit) mayContain(addr uint64) bool {
	if u.state == unitFailed {
		return false
	}
	if len(u.ranges) == 0 || u.state == unitParsed {
		return true
	}
	return u.containsAddr(addr)
}

func (u *unit) fail(err error) {
	u.state = unitFailed
	u.err = &UnitError{Offset: u.start, Name: u.name, Err: err}
	u.lines = nil
	u.funcs = nil
	u.vars = nil
	u.lookup = nil
	u.file.stash.unitFailed(u)
}

// ensureLines decodes the line program. It does not scan the DIE tree, so
// it is safe to call on a unit whose functions are being resolved.
func (u *unit) ensureLines() bool {
	switch u.state {
	case unitFailed:
		return false
	case unitLinesRead, unitDecoded:
		return true
	}
	t, err := u.decodeLines()
	if err != nil {
		u.fail(fmt.Errorf("line program: %w", err))
		return false
	}
	u.lines = t
	u.state = unitLinesRead
	return true
}

// decode brings the unit to unitDecoded: line table, functions, variables
// and the function lookup table.
func (u *unit) decode() bool {
	if !u.ensureLines() {
		return false
	}
	if u.state == unitDecoded {
		return true
	}
	if err := u.scanSymbols(); err != nil {
		u.fail(err)
		return false
	}
	u.buildLookup()
	u.state = unitDecoded
	return true
}
