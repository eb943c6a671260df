package dwarfline

import (
	"debug/dwarf"
	"fmt"
	"math"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

type lineHeader struct {
	version       uint16
	offsetSize    int
	addrSize      int
	minInstLength uint64
	maxOps        uint64
	defaultIsStmt bool
	lineBase      int8
	lineRange     uint8
	opcodeBase    uint8
	opLengths     []uint8
	programStart  uint64
	programEnd    uint64
}

// decodeLines runs the line number program at the unit's DW_AT_stmt_list.
// Every completed sequence is added to the unit's address ranges.
func (u *unit) decodeLines() (*lineTable, error) {
	t := &lineTable{compDir: u.compDir, version: u.version}
	if !u.hasStmtList {
		t.finalize()
		return t, nil
	}

	data, err := u.file.sections.get(SectionLine)
	if err != nil {
		return nil, err
	}
	if u.stmtList >= uint64(len(data)) {
		return nil, fmt.Errorf("line program offset %#x: %w", u.stmtList, ErrTruncated)
	}

	c := cursor.New(data, u.order)
	c.Seek(u.stmtList)
	hdr, err := u.readLineHeader(c, t)
	if err != nil {
		return nil, err
	}

	// Strings in a DWARF64 line table use 8-byte offsets even if the unit
	// header was read as DWARF32.
	lu := u
	if hdr.offsetSize != u.offsetSize {
		cp := *u
		cp.offsetSize = hdr.offsetSize
		lu = &cp
	}
	if t.version >= 5 {
		if err := lu.readEntryTables(c, t); err != nil {
			return nil, err
		}
	} else {
		readLegacyTables(c, t)
	}
	if c.Overrun() {
		return nil, fmt.Errorf("line program header at %#x: %w", u.stmtList, ErrTruncated)
	}

	c.Seek(hdr.programStart)
	u.runLineProgram(c, hdr, t)
	t.finalize()
	return t, nil
}

func (u *unit) readLineHeader(c *cursor.Cursor, t *lineTable) (*lineHeader, error) {
	start := c.Pos()
	hdr := &lineHeader{offsetSize: 4, addrSize: u.addrSize}

	length := uint64(c.U32())
	if length == 0xffffffff {
		hdr.offsetSize = 8
		length = c.U64()
	}
	if c.Overrun() || length > uint64(c.Remaining()) {
		return nil, fmt.Errorf("line program at %#x: length %#x exceeds section: %w", start, length, ErrTruncated)
	}
	hdr.programEnd = c.Pos() + length

	hdr.version = c.U16()
	if hdr.version < 2 || hdr.version > 5 {
		return nil, fmt.Errorf("line program at %#x: version %d: %w", start, hdr.version, ErrUnsupportedVersion)
	}
	t.version = hdr.version

	if hdr.version >= 5 {
		if size := int(c.U8()); size != 0 {
			hdr.addrSize = size
		}
		c.U8() // segment selector size
	}

	headerLength := c.SectionOffset(hdr.offsetSize)
	if c.Overrun() || c.Pos() > hdr.programEnd || headerLength > hdr.programEnd-c.Pos() {
		return nil, fmt.Errorf("line program at %#x: header length %#x: %w", start, headerLength, ErrBadHeader)
	}
	hdr.programStart = c.Pos() + headerLength

	hdr.minInstLength = uint64(c.U8())
	hdr.maxOps = 1
	if hdr.version >= 4 {
		hdr.maxOps = uint64(c.U8())
		if hdr.maxOps == 0 {
			return nil, fmt.Errorf("line program at %#x: maximum_operations_per_instruction is zero: %w", start, ErrBadHeader)
		}
	}
	hdr.defaultIsStmt = c.U8() != 0
	hdr.lineBase = c.I8()
	hdr.lineRange = c.U8()
	if hdr.lineRange == 0 {
		return nil, fmt.Errorf("line program at %#x: line_range is zero: %w", start, ErrBadHeader)
	}
	hdr.opcodeBase = c.U8()
	if hdr.opcodeBase == 0 {
		return nil, fmt.Errorf("line program at %#x: opcode_base is zero: %w", start, ErrBadHeader)
	}
	hdr.opLengths = make([]uint8, hdr.opcodeBase-1)
	for i := range hdr.opLengths {
		hdr.opLengths[i] = c.U8()
	}
	if c.Overrun() {
		return nil, fmt.Errorf("line program at %#x: %w", start, ErrTruncated)
	}
	return hdr, nil
}

// readLegacyTables reads the NUL-terminated directory and file lists of a
// DWARF 2-4 header.
func readLegacyTables(c *cursor.Cursor, t *lineTable) {
	for !c.Overrun() {
		dir := c.CString()
		if dir == "" {
			break
		}
		t.dirs = append(t.dirs, dir)
	}
	for !c.Overrun() {
		name := c.CString()
		if name == "" {
			break
		}
		dir := c.ULEB128()
		c.ULEB128() // modification time
		c.ULEB128() // length
		t.files = append(t.files, fileEntry{name: name, dir: dir})
	}
}

// readEntryTables reads the self-describing directory and file tables of a
// DWARF 5 header.
func (u *unit) readEntryTables(c *cursor.Cursor, t *lineTable) error {
	read := func(add func(name string, dir uint64)) error {
		formats := make([]attrSpec, c.U8())
		for i := range formats {
			formats[i].name = dwarf.Attr(c.ULEB128())
			formats[i].form = form(c.ULEB128())
		}
		count := c.ULEB128()
		if c.Overrun() {
			return fmt.Errorf("line table entry formats: %w", ErrTruncated)
		}
		if len(formats) == 0 && count != 0 {
			return fmt.Errorf("%d line table entries without formats: %w", count, ErrBadHeader)
		}
		// A count larger than the bytes left cannot be genuine.
		if count > uint64(c.Remaining()) {
			return fmt.Errorf("line table entry count %d exceeds section: %w", count, ErrBadHeader)
		}
		for i := uint64(0); i < count && !c.Overrun(); i++ {
			var name string
			var dir uint64
			for _, spec := range formats {
				a, err := u.readAttribute(c, spec)
				if err != nil {
					return fmt.Errorf("line table entry: %w", err)
				}
				switch spec.name {
				case lnctPath:
					if a.isString() {
						name = a.str
					}
				case lnctDirectoryIndex:
					if a.isInt() {
						dir = a.uint()
					}
				}
			}
			add(name, dir)
		}
		return nil
	}

	if err := read(func(name string, _ uint64) { t.dirs = append(t.dirs, name) }); err != nil {
		return err
	}
	return read(func(name string, dir uint64) {
		t.files = append(t.files, fileEntry{name: name, dir: dir})
	})
}

type lineState struct {
	addr    uint64
	opIndex uint64
	file    uint64
	line    uint64
	column  uint64
	disc    uint64
	isStmt  bool
}

func (u *unit) runLineProgram(c *cursor.Cursor, hdr *lineHeader, t *lineTable) {
	end := hdr.programEnd
	reset := func() lineState {
		return lineState{file: 1, line: 1, isStmt: hdr.defaultIsStmt}
	}
	st := reset()
	seqLow, seqHigh := uint64(math.MaxUint64), uint64(0)

	emit := func(isEnd bool) {
		t.addRow(lineRow{
			addr:    st.addr,
			opIndex: uint32(st.opIndex),
			end:     isEnd,
			file:    st.file,
			line:    st.line,
			column:  st.column,
			disc:    st.disc,
		})
		st.disc = 0
		seqLow = min(seqLow, st.addr)
		seqHigh = max(seqHigh, st.addr)
	}
	advance := func(opAdvance uint64) {
		if hdr.maxOps == 1 {
			st.addr += opAdvance * hdr.minInstLength
			return
		}
		ops := st.opIndex + opAdvance
		st.addr += (ops / hdr.maxOps) * hdr.minInstLength
		st.opIndex = ops % hdr.maxOps
	}

	for c.Pos() < end && !c.Overrun() {
		op := c.U8()
		switch {
		case op >= hdr.opcodeBase:
			adj := uint64(op - hdr.opcodeBase)
			advance(adj / uint64(hdr.lineRange))
			st.line += uint64(int64(hdr.lineBase) + int64(adj%uint64(hdr.lineRange)))
			emit(false)

		case op == 0:
			length := c.ULEB128()
			if length == 0 {
				continue
			}
			if c.Overrun() || c.Pos() >= end || length > end-c.Pos() {
				// The operation runs past the program; nothing after it
				// can be trusted.
				return
			}
			next := c.Pos() + length
			switch c.U8() {
			case lneEndSequence:
				emit(true)
				if seqLow < seqHigh {
					u.addRange(seqLow, seqHigh)
				}
				st = reset()
				seqLow, seqHigh = math.MaxUint64, 0
			case lneSetAddress:
				size := int(length - 1)
				switch size {
				case 1, 2, 4, 8:
				default:
					size = hdr.addrSize
				}
				st.addr = c.Address(size)
				st.opIndex = 0
			case lneDefineFile:
				name := c.CString()
				dir := c.ULEB128()
				t.files = append(t.files, fileEntry{name: name, dir: dir})
			case lneSetDiscriminator:
				st.disc = c.ULEB128()
			case lneHPSourceFileCorrelation:
				// HP's correlation tables are skipped by length.
			}
			c.Seek(next)

		case op == lnsCopy:
			emit(false)
		case op == lnsAdvancePC:
			advance(c.ULEB128())
		case op == lnsAdvanceLine:
			st.line += uint64(c.SLEB128())
		case op == lnsSetFile:
			st.file = c.ULEB128()
		case op == lnsSetColumn:
			st.column = c.ULEB128()
		case op == lnsNegateStmt:
			st.isStmt = !st.isStmt
		case op == lnsSetBasicBlock:
		case op == lnsConstAddPC:
			advance(uint64(255-hdr.opcodeBase) / uint64(hdr.lineRange))
		case op == lnsFixedAdvancePC:
			st.addr += uint64(c.U16())
			st.opIndex = 0
		default:
			// Unknown standard opcode; skip its ULEB128 operands.
			for i := uint8(0); i < hdr.opLengths[op-1]; i++ {
				c.ULEB128()
			}
		}
	}
}
