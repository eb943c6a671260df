package testutil

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// Form is a DWARF attribute form code.
type Form uint16

// Attribute forms understood by DwarfBuilder.
const (
	FormAddr          Form = 0x01
	FormBlock1        Form = 0x0a
	FormData1         Form = 0x0b
	FormData2         Form = 0x05
	FormData4         Form = 0x06
	FormData8         Form = 0x07
	FormString        Form = 0x08
	FormFlag          Form = 0x0c
	FormSdata         Form = 0x0d
	FormStrp          Form = 0x0e
	FormUdata         Form = 0x0f
	FormRefAddr       Form = 0x10
	FormRef4          Form = 0x13
	FormIndirect      Form = 0x16
	FormSecOffset     Form = 0x17
	FormExprloc       Form = 0x18
	FormFlagPresent   Form = 0x19
	FormStrx          Form = 0x1a
	FormAddrx         Form = 0x1b
	FormLineStrp      Form = 0x1f
	FormImplicitConst Form = 0x21
	FormRnglistx      Form = 0x23
	FormStrx1         Form = 0x25
	FormAddrx1        Form = 0x29
	FormGNURefAlt     Form = 0x1f20
	FormGNUStrpAlt    Form = 0x1f21
)

// Unit types of DWARF 5 unit headers.
const (
	UnitCompile  = 0x01
	UnitType     = 0x02
	UnitPartial  = 0x03
	UnitSkeleton = 0x04
)

// Attr is one attribute of a DIE. Value is an integer for constant,
// address and offset forms, a string for string forms, a []byte for
// blocks, a *Label for references and an Attr for FormIndirect.
type Attr struct {
	Name  dwarf.Attr
	Form  Form
	Value any
}

// Label names a DIE so that references can point at it, including from
// DIEs written before it.
type Label struct {
	set     bool
	unitOff uint64
	infoOff uint64
}

// Offset returns the DIE's offset in .debug_info.
func (l *Label) Offset() uint64 { return l.infoOff }

type fixup struct {
	pos   int
	label *Label
	// abs selects the .debug_info offset over the unit-relative one.
	abs bool
}

type abbrevKey struct {
	tag      dwarf.Tag
	children bool
	attrs    string
}

// DwarfBuilder assembles little-endian DWARF sections for tests, in the
// manner of a compiler emitting them unit by unit.
type DwarfBuilder struct {
	info       bytes.Buffer
	abbrev     bytes.Buffer
	line       bytes.Buffer
	lineStr    bytes.Buffer
	str        bytes.Buffer
	strs       map[string]uint64
	ranges     bytes.Buffer
	rnglists   bytes.Buffer
	addr       bytes.Buffer
	strOffsets bytes.Buffer

	codes  map[abbrevKey]uint64
	fixups []fixup

	unitStart int
	version   int
	addrSize  int
	depth     int
}

// NewDwarfBuilder returns an empty builder. All units share one
// abbreviation table at offset 0.
func NewDwarfBuilder() *DwarfBuilder {
	return &DwarfBuilder{
		strs:  make(map[string]uint64),
		codes: make(map[abbrevKey]uint64),
	}
}

// BeginUnit starts a compile unit. Versions outside 2-5 are written with
// the DWARF 4 header layout.
func (b *DwarfBuilder) BeginUnit(version, addrSize int) {
	b.BeginUnitType(version, addrSize, UnitCompile)
}

// BeginUnitType starts a unit of the given DWARF 5 unit type.
func (b *DwarfBuilder) BeginUnitType(version, addrSize, unitType int) {
	b.unitStart = b.info.Len()
	b.version = version
	b.addrSize = addrSize
	b.depth = 0

	b.u32(&b.info, 0) // length, patched by EndUnit
	b.u16(&b.info, uint16(version))
	if version == 5 {
		b.info.WriteByte(byte(unitType))
		b.info.WriteByte(byte(addrSize))
		b.u32(&b.info, 0) // abbrev offset
		switch unitType {
		case UnitType:
			b.u64(&b.info, 0x1234) // signature
			b.u32(&b.info, 0)      // type offset
		case UnitSkeleton:
			b.u64(&b.info, 0x5678) // dwo id
		}
		return
	}
	b.u32(&b.info, 0)
	b.info.WriteByte(byte(addrSize))
}

// Die writes a DIE. Children follow until the matching End.
func (b *DwarfBuilder) Die(tag dwarf.Tag, children bool, attrs ...Attr) *Label {
	l := &Label{}
	b.DieLabel(l, tag, children, attrs...)
	return l
}

// DieLabel writes a DIE at a label created earlier.
func (b *DwarfBuilder) DieLabel(l *Label, tag dwarf.Tag, children bool, attrs ...Attr) {
	l.set = true
	l.infoOff = uint64(b.info.Len())
	l.unitOff = uint64(b.info.Len() - b.unitStart)

	b.uleb(&b.info, b.abbrevCode(tag, children, attrs))
	for _, a := range attrs {
		b.writeValue(a)
	}
	if children {
		b.depth++
	}
}

// End closes the children of the innermost open DIE.
func (b *DwarfBuilder) End() {
	b.info.WriteByte(0)
	b.depth--
}

// EndUnit closes any open DIEs and patches the unit length.
func (b *DwarfBuilder) EndUnit() {
	for b.depth > 0 {
		b.End()
	}
	data := b.info.Bytes()
	binary.LittleEndian.PutUint32(data[b.unitStart:], uint32(len(data)-b.unitStart-4))
}

// RawInfo appends bytes to .debug_info as they are.
func (b *DwarfBuilder) RawInfo(p []byte) {
	b.info.Write(p)
}

// InfoLen returns the current size of .debug_info.
func (b *DwarfBuilder) InfoLen() uint64 { return uint64(b.info.Len()) }

// Str interns s in .debug_str and returns its offset.
func (b *DwarfBuilder) Str(s string) uint64 {
	if off, ok := b.strs[s]; ok {
		return off
	}
	off := uint64(b.str.Len())
	b.str.WriteString(s)
	b.str.WriteByte(0)
	b.strs[s] = off
	return off
}

func (b *DwarfBuilder) abbrevCode(tag dwarf.Tag, children bool, attrs []Attr) uint64 {
	var sig strings.Builder
	for _, a := range attrs {
		fmt.Fprintf(&sig, "%d/%d", a.Name, a.Form)
		if a.Form == FormImplicitConst {
			fmt.Fprintf(&sig, "=%d", toInt(a.Value))
		}
		sig.WriteByte(';')
	}
	key := abbrevKey{tag: tag, children: children, attrs: sig.String()}
	if code, ok := b.codes[key]; ok {
		return code
	}

	code := uint64(len(b.codes) + 1)
	b.codes[key] = code
	b.uleb(&b.abbrev, code)
	b.uleb(&b.abbrev, uint64(tag))
	if children {
		b.abbrev.WriteByte(1)
	} else {
		b.abbrev.WriteByte(0)
	}
	for _, a := range attrs {
		b.uleb(&b.abbrev, uint64(a.Name))
		b.uleb(&b.abbrev, uint64(a.Form))
		if a.Form == FormImplicitConst {
			b.sleb(&b.abbrev, toInt(a.Value))
		}
	}
	b.abbrev.Write([]byte{0, 0})
	return code
}

func (b *DwarfBuilder) writeValue(a Attr) {
	buf := &b.info
	switch a.Form {
	case FormAddr:
		b.addrTo(buf, b.addrSize, toUint(a.Value))
	case FormData1, FormFlag, FormStrx1, FormAddrx1:
		buf.WriteByte(byte(toUint(a.Value)))
	case FormData2:
		b.u16(buf, uint16(toUint(a.Value)))
	case FormData4, FormSecOffset:
		b.u32(buf, uint32(toUint(a.Value)))
	case FormData8:
		b.u64(buf, toUint(a.Value))
	case FormUdata, FormStrx, FormAddrx, FormRnglistx:
		b.uleb(buf, toUint(a.Value))
	case FormSdata:
		b.sleb(buf, toInt(a.Value))
	case FormString:
		buf.WriteString(a.Value.(string))
		buf.WriteByte(0)
	case FormStrp:
		b.u32(buf, uint32(b.Str(a.Value.(string))))
	case FormGNUStrpAlt:
		b.u32(buf, uint32(toUint(a.Value)))
	case FormLineStrp:
		off := b.lineStr.Len()
		b.lineStr.WriteString(a.Value.(string))
		b.lineStr.WriteByte(0)
		b.u32(buf, uint32(off))
	case FormRef4:
		b.ref(a.Value, false, 4)
	case FormRefAddr:
		size := 4
		if b.version == 2 {
			size = b.addrSize
		}
		b.ref(a.Value, true, size)
	case FormGNURefAlt:
		b.u32(buf, uint32(toUint(a.Value)))
	case FormExprloc:
		p := a.Value.([]byte)
		b.uleb(buf, uint64(len(p)))
		buf.Write(p)
	case FormBlock1:
		p := a.Value.([]byte)
		buf.WriteByte(byte(len(p)))
		buf.Write(p)
	case FormFlagPresent, FormImplicitConst:
	case FormIndirect:
		inner := a.Value.(Attr)
		b.uleb(buf, uint64(inner.Form))
		b.writeValue(inner)
	default:
		panic(fmt.Sprintf("testutil: unsupported form %#x", a.Form))
	}
}

func (b *DwarfBuilder) ref(v any, abs bool, size int) {
	l, ok := v.(*Label)
	if !ok {
		b.addrTo(&b.info, size, toUint(v))
		return
	}
	b.fixups = append(b.fixups, fixup{pos: b.info.Len(), label: l, abs: abs})
	b.addrTo(&b.info, size, 0)
}

// Ranges writes a .debug_ranges list of [low, high) pairs and returns its
// offset. A pair with low equal to the maximum address selects a new base.
func (b *DwarfBuilder) Ranges(addrSize int, pairs ...[2]uint64) uint64 {
	off := uint64(b.ranges.Len())
	for _, p := range pairs {
		b.addrTo(&b.ranges, addrSize, p[0])
		b.addrTo(&b.ranges, addrSize, p[1])
	}
	b.addrTo(&b.ranges, addrSize, 0)
	b.addrTo(&b.ranges, addrSize, 0)
	return off
}

// Range list entry kinds.
const (
	RLEBaseAddressx  = 0x01
	RLEStartxEndx    = 0x02
	RLEStartxLength  = 0x03
	RLEOffsetPair    = 0x04
	RLEBaseAddress   = 0x05
	RLEStartEnd      = 0x06
	RLEStartLength   = 0x07
	rleEndOfList     = 0x00
	rnglistHeaderLen = 12
)

// RLE is one entry of a DWARF 5 range list.
type RLE struct {
	Kind uint8
	A, B uint64
}

// Rnglists writes a .debug_rnglists contribution holding lists and an
// offset table for them. It returns the DW_AT_rnglists_base of the
// contribution and the section offset of every list.
func (b *DwarfBuilder) Rnglists(addrSize int, lists ...[]RLE) (base uint64, offsets []uint64) {
	var body bytes.Buffer
	rel := make([]uint64, len(lists))
	tableLen := uint64(4 * len(lists))
	for i, list := range lists {
		rel[i] = tableLen + uint64(body.Len())
		for _, e := range list {
			body.WriteByte(e.Kind)
			switch e.Kind {
			case RLEBaseAddressx:
				b.uleb(&body, e.A)
			case RLEStartxEndx, RLEStartxLength, RLEOffsetPair:
				b.uleb(&body, e.A)
				b.uleb(&body, e.B)
			case RLEBaseAddress:
				b.addrTo(&body, addrSize, e.A)
			case RLEStartEnd:
				b.addrTo(&body, addrSize, e.A)
				b.addrTo(&body, addrSize, e.B)
			case RLEStartLength:
				b.addrTo(&body, addrSize, e.A)
				b.uleb(&body, e.B)
			}
		}
		body.WriteByte(rleEndOfList)
	}

	start := uint64(b.rnglists.Len())
	b.u32(&b.rnglists, uint32(8+tableLen+uint64(body.Len())))
	b.u16(&b.rnglists, 5)
	b.rnglists.WriteByte(byte(addrSize))
	b.rnglists.WriteByte(0)
	b.u32(&b.rnglists, uint32(len(lists)))
	base = start + rnglistHeaderLen
	for _, r := range rel {
		b.u32(&b.rnglists, uint32(r))
		offsets = append(offsets, base+r)
	}
	b.rnglists.Write(body.Bytes())
	return base, offsets
}

// AddrTable writes a .debug_addr contribution and returns its
// DW_AT_addr_base.
func (b *DwarfBuilder) AddrTable(addrSize int, addrs ...uint64) uint64 {
	b.u32(&b.addr, uint32(4+len(addrs)*addrSize))
	b.u16(&b.addr, 5)
	b.addr.WriteByte(byte(addrSize))
	b.addr.WriteByte(0)
	base := uint64(b.addr.Len())
	for _, a := range addrs {
		b.addrTo(&b.addr, addrSize, a)
	}
	return base
}

// StrOffsets writes a .debug_str_offsets contribution for strs and returns
// its DW_AT_str_offsets_base.
func (b *DwarfBuilder) StrOffsets(strs ...string) uint64 {
	b.u32(&b.strOffsets, uint32(4+4*len(strs)))
	b.u16(&b.strOffsets, 5)
	b.u16(&b.strOffsets, 0)
	base := uint64(b.strOffsets.Len())
	for _, s := range strs {
		b.u32(&b.strOffsets, uint32(b.Str(s)))
	}
	return base
}

// Line program opcodes.
const (
	lnsCopy             = 0x01
	lnsAdvancePC        = 0x02
	lnsAdvanceLine      = 0x03
	lnsSetFile          = 0x04
	lnsSetColumn        = 0x05
	lnsConstAddPC       = 0x08
	lnsFixedAdvancePC   = 0x09
	lneEndSequence      = 0x01
	lneSetAddress       = 0x02
	lneDefineFile       = 0x03
	lneSetDiscriminator = 0x04
)

// LineFile is a file table entry of a line program.
type LineFile struct {
	Name string
	Dir  uint64
}

// LineProgram accumulates the opcodes of one line number program.
type LineProgram struct {
	Version  int
	AddrSize int
	// MaxOps is maximum_operations_per_instruction; zero means 1.
	MaxOps    uint8
	LineBase  int8
	LineRange uint8
	Dirs      []string
	Files     []LineFile

	ops bytes.Buffer
}

// NewLineProgram returns a program with the common GCC header parameters.
func NewLineProgram(version, addrSize int) *LineProgram {
	return &LineProgram{Version: version, AddrSize: addrSize, LineBase: -5, LineRange: 14}
}

const lineOpcodeBase = 13

var stdOpcodeLengths = []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

func (p *LineProgram) extended(op byte, operand []byte) *LineProgram {
	p.ops.WriteByte(0)
	putUleb(&p.ops, uint64(1+len(operand)))
	p.ops.WriteByte(op)
	p.ops.Write(operand)
	return p
}

func (p *LineProgram) SetAddress(addr uint64) *LineProgram {
	var buf bytes.Buffer
	putAddr(&buf, p.AddrSize, addr)
	return p.extended(lneSetAddress, buf.Bytes())
}

func (p *LineProgram) EndSequence() *LineProgram { return p.extended(lneEndSequence, nil) }

func (p *LineProgram) SetDiscriminator(d uint64) *LineProgram {
	var buf bytes.Buffer
	putUleb(&buf, d)
	return p.extended(lneSetDiscriminator, buf.Bytes())
}

func (p *LineProgram) DefineFile(name string, dir uint64) *LineProgram {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	putUleb(&buf, dir)
	buf.Write([]byte{0, 0})
	return p.extended(lneDefineFile, buf.Bytes())
}

func (p *LineProgram) Copy() *LineProgram {
	p.ops.WriteByte(lnsCopy)
	return p
}

func (p *LineProgram) AdvancePC(n uint64) *LineProgram {
	p.ops.WriteByte(lnsAdvancePC)
	putUleb(&p.ops, n)
	return p
}

func (p *LineProgram) AdvanceLine(n int64) *LineProgram {
	p.ops.WriteByte(lnsAdvanceLine)
	putSleb(&p.ops, n)
	return p
}

func (p *LineProgram) SetFile(n uint64) *LineProgram {
	p.ops.WriteByte(lnsSetFile)
	putUleb(&p.ops, n)
	return p
}

func (p *LineProgram) SetColumn(n uint64) *LineProgram {
	p.ops.WriteByte(lnsSetColumn)
	putUleb(&p.ops, n)
	return p
}

func (p *LineProgram) ConstAddPC() *LineProgram {
	p.ops.WriteByte(lnsConstAddPC)
	return p
}

func (p *LineProgram) FixedAdvancePC(n uint16) *LineProgram {
	p.ops.WriteByte(lnsFixedAdvancePC)
	p.ops.Write([]byte{byte(n), byte(n >> 8)})
	return p
}

// Special emits a special opcode advancing the operation pointer by
// opAdvance and the line by lineAdvance, which must fit the header.
func (p *LineProgram) Special(opAdvance uint64, lineAdvance int64) *LineProgram {
	adj := lineAdvance - int64(p.LineBase)
	if adj < 0 || adj >= int64(p.LineRange) {
		panic(fmt.Sprintf("testutil: line advance %d does not fit a special opcode", lineAdvance))
	}
	op := uint64(adj) + uint64(p.LineRange)*opAdvance + lineOpcodeBase
	if op > 255 {
		panic(fmt.Sprintf("testutil: address advance %d does not fit a special opcode", opAdvance))
	}
	p.ops.WriteByte(byte(op))
	return p
}

// Row emits a row after advancing the address and line.
func (p *LineProgram) Row(pcAdvance uint64, lineAdvance int64) *LineProgram {
	if pcAdvance != 0 {
		p.AdvancePC(pcAdvance)
	}
	if lineAdvance != 0 {
		p.AdvanceLine(lineAdvance)
	}
	return p.Copy()
}

// AddLineProgram appends p to .debug_line and returns its offset, the
// value of DW_AT_stmt_list.
func (b *DwarfBuilder) AddLineProgram(p *LineProgram) uint64 {
	maxOps := p.MaxOps
	if maxOps == 0 {
		maxOps = 1
	}

	var hdr bytes.Buffer
	hdr.WriteByte(1) // minimum_instruction_length
	if p.Version >= 4 {
		hdr.WriteByte(maxOps)
	}
	hdr.WriteByte(1) // default_is_stmt
	hdr.WriteByte(byte(p.LineBase))
	hdr.WriteByte(p.LineRange)
	hdr.WriteByte(lineOpcodeBase)
	hdr.Write(stdOpcodeLengths)

	if p.Version >= 5 {
		hdr.WriteByte(1)
		putUleb(&hdr, 1) // DW_LNCT_path
		putUleb(&hdr, uint64(FormString))
		putUleb(&hdr, uint64(len(p.Dirs)))
		for _, d := range p.Dirs {
			hdr.WriteString(d)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(2)
		putUleb(&hdr, 1)
		putUleb(&hdr, uint64(FormString))
		putUleb(&hdr, 2) // DW_LNCT_directory_index
		putUleb(&hdr, uint64(FormUdata))
		putUleb(&hdr, uint64(len(p.Files)))
		for _, f := range p.Files {
			hdr.WriteString(f.Name)
			hdr.WriteByte(0)
			putUleb(&hdr, f.Dir)
		}
	} else {
		for _, d := range p.Dirs {
			hdr.WriteString(d)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(0)
		for _, f := range p.Files {
			hdr.WriteString(f.Name)
			hdr.WriteByte(0)
			putUleb(&hdr, f.Dir)
			hdr.Write([]byte{0, 0})
		}
		hdr.WriteByte(0)
	}

	var unit bytes.Buffer
	b.u16(&unit, uint16(p.Version))
	if p.Version >= 5 {
		unit.WriteByte(byte(p.AddrSize))
		unit.WriteByte(0)
	}
	b.u32(&unit, uint32(hdr.Len()))
	unit.Write(hdr.Bytes())
	unit.Write(p.ops.Bytes())

	off := uint64(b.line.Len())
	b.u32(&b.line, uint32(unit.Len()))
	b.line.Write(unit.Bytes())
	return off
}

// Sections resolves references and returns the non-empty sections by ELF
// name.
func (b *DwarfBuilder) Sections() map[string][]byte {
	info := bytes.Clone(b.info.Bytes())
	for _, f := range b.fixups {
		if !f.label.set {
			panic("testutil: reference to a label that was never placed")
		}
		v := f.label.unitOff
		if f.abs {
			v = f.label.infoOff
		}
		binary.LittleEndian.PutUint32(info[f.pos:], uint32(v))
	}

	abbrev := append(bytes.Clone(b.abbrev.Bytes()), 0)
	out := map[string][]byte{
		".debug_info":   info,
		".debug_abbrev": abbrev,
	}
	for name, buf := range map[string]*bytes.Buffer{
		".debug_line":        &b.line,
		".debug_line_str":    &b.lineStr,
		".debug_str":         &b.str,
		".debug_ranges":      &b.ranges,
		".debug_rnglists":    &b.rnglists,
		".debug_addr":        &b.addr,
		".debug_str_offsets": &b.strOffsets,
	} {
		if buf.Len() > 0 {
			out[name] = bytes.Clone(buf.Bytes())
		}
	}
	return out
}

// Binary returns an in-memory binary holding the built sections.
func (b *DwarfBuilder) Binary(name string, addrSize int) *objfile.Memory {
	m := objfile.NewMemory(name, addrSize, binary.LittleEndian)
	secs := b.Sections()
	for _, n := range []string{
		".debug_info", ".debug_abbrev", ".debug_line", ".debug_line_str", ".debug_str",
		".debug_ranges", ".debug_rnglists", ".debug_addr", ".debug_str_offsets",
	} {
		if data, ok := secs[n]; ok {
			m.AddSection(n, data)
		}
	}
	return m
}

func (b *DwarfBuilder) u16(buf *bytes.Buffer, v uint16) {
	buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (b *DwarfBuilder) u32(buf *bytes.Buffer, v uint32) {
	buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (b *DwarfBuilder) u64(buf *bytes.Buffer, v uint64) {
	buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (b *DwarfBuilder) addrTo(buf *bytes.Buffer, size int, v uint64) { putAddr(buf, size, v) }

func (b *DwarfBuilder) uleb(buf *bytes.Buffer, v uint64) { putUleb(buf, v) }

func (b *DwarfBuilder) sleb(buf *bytes.Buffer, v int64) { putSleb(buf, v) }

func putAddr(buf *bytes.Buffer, size int, v uint64) {
	for i := 0; i < size; i++ {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}

func putUleb(buf *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

func putSleb(buf *bytes.Buffer, v int64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		buf.WriteByte(c)
		if done {
			return
		}
	}
}

func toUint(v any) uint64 {
	switch x := v.(type) {
	case int:
		return uint64(x)
	case int64:
		return uint64(x)
	case uint64:
		return x
	case uint32:
		return uint64(x)
	case uint8:
		return uint64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("testutil: %T is not an integer", v))
}

func toInt(v any) int64 {
	if x, ok := v.(int64); ok {
		return x
	}
	return int64(toUint(v))
}
