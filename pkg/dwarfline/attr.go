package dwarfline

import (
	"debug/dwarf"
	"fmt"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

type attrKind uint8

const (
	attrNone attrKind = iota
	attrUnsigned
	attrSigned
	attrString
	attrBlock
	// attrStrIndex and attrAddrIndex hold an index into .debug_str_offsets
	// or .debug_addr that could not be resolved yet because the unit's
	// base offset was unknown when the attribute was read.
	attrStrIndex
	attrAddrIndex
)

// attribute is a decoded attribute value. It is consumed immediately by the
// caller and never retained.
type attribute struct {
	name  dwarf.Attr
	form  form
	kind  attrKind
	val   uint64
	sval  int64
	str   string
	block []byte
}

func (a *attribute) isInt() bool {
	return a.kind == attrUnsigned || a.kind == attrSigned
}

func (a *attribute) isString() bool {
	return a.kind == attrString
}

// uint returns the value of an integer attribute, reinterpreting signed
// values.
func (a *attribute) uint() uint64 {
	if a.kind == attrSigned {
		return uint64(a.sval)
	}
	return a.val
}

func (a *attribute) pending() bool {
	return a.kind == attrStrIndex || a.kind == attrAddrIndex
}

// refAddrSize returns the width of DW_FORM_ref_addr, which was address
// sized in DWARF 2.
func (u *unit) refAddrSize() int {
	if u.version <= 2 {
		return u.addrSize
	}
	return u.offsetSize
}

// readAttribute decodes one attribute of the given spec. Reads past the end
// of the unit produce a zero value and latch the cursor's overrun flag;
// only an unknown form is reported as an error, because its size cannot be
// known and the rest of the DIE cannot be skipped.
func (u *unit) readAttribute(c *cursor.Cursor, spec attrSpec) (attribute, error) {
	a := attribute{name: spec.name, form: spec.form}
	f := spec.form
	implicit := spec.implicit
	if f == formIndirect {
		f = form(c.ULEB128())
		if f == formImplicitConst {
			implicit = c.SLEB128()
		}
		if f == formIndirect {
			return a, fmt.Errorf("%w: nested DW_FORM_indirect", ErrUnknownForm)
		}
		a.form = f
	}

	switch f {
	case formAddr:
		a.kind, a.val = attrUnsigned, c.Address(u.addrSize)
	case formBlock2:
		a.kind, a.block = attrBlock, c.Bytes(uint64(c.U16()))
	case formBlock4:
		a.kind, a.block = attrBlock, c.Bytes(uint64(c.U32()))
	case formBlock, formExprloc:
		a.kind, a.block = attrBlock, c.Bytes(c.ULEB128())
	case formBlock1:
		a.kind, a.block = attrBlock, c.Bytes(uint64(c.U8()))
	case formData16:
		a.kind, a.block = attrBlock, c.Bytes(16)
	case formData1, formFlag, formRef1:
		a.kind, a.val = attrUnsigned, uint64(c.U8())
	case formData2, formRef2:
		a.kind, a.val = attrUnsigned, uint64(c.U16())
	case formData4, formRef4, formRefSup4:
		a.kind, a.val = attrUnsigned, uint64(c.U32())
	case formData8, formRef8, formRefSig8, formRefSup8:
		a.kind, a.val = attrUnsigned, c.U64()
	case formFlagPresent:
		a.kind, a.val = attrUnsigned, 1
	case formSdata:
		a.kind, a.sval = attrSigned, c.SLEB128()
	case formImplicitConst:
		a.kind, a.sval = attrSigned, implicit
	case formUdata, formRefUdata, formLoclistx, formRnglistx:
		a.kind, a.val = attrUnsigned, c.ULEB128()
	case formRefAddr:
		a.kind, a.val = attrUnsigned, c.Uint(u.refAddrSize())
	case formSecOffset, formGNURefAlt:
		a.kind, a.val = attrUnsigned, c.SectionOffset(u.offsetSize)
	case formString:
		a.kind, a.str = attrString, c.CString()
	case formStrp:
		u.setString(&a, u.file.sections.optional(SectionStr), c.SectionOffset(u.offsetSize))
	case formLineStrp:
		u.setString(&a, u.file.sections.optional(SectionLineStr), c.SectionOffset(u.offsetSize))
	case formGNUStrpAlt, formStrpSup:
		off := c.SectionOffset(u.offsetSize)
		if alt := u.file.stash.altFile(); alt != nil {
			u.setString(&a, alt.sections.optional(SectionStr), off)
		}
	case formStrx, formGNUStrIndex:
		a.kind, a.val = attrStrIndex, c.ULEB128()
	case formStrx1:
		a.kind, a.val = attrStrIndex, uint64(c.U8())
	case formStrx2:
		a.kind, a.val = attrStrIndex, uint64(c.U16())
	case formStrx3:
		a.kind, a.val = attrStrIndex, uint64(c.U24())
	case formStrx4:
		a.kind, a.val = attrStrIndex, uint64(c.U32())
	case formAddrx, formGNUAddrIndex:
		a.kind, a.val = attrAddrIndex, c.ULEB128()
	case formAddrx1:
		a.kind, a.val = attrAddrIndex, uint64(c.U8())
	case formAddrx2:
		a.kind, a.val = attrAddrIndex, uint64(c.U16())
	case formAddrx3:
		a.kind, a.val = attrAddrIndex, uint64(c.U24())
	case formAddrx4:
		a.kind, a.val = attrAddrIndex, uint64(c.U32())
	default:
		return a, fmt.Errorf("%w %#x", ErrUnknownForm, uint16(f))
	}

	if a.pending() {
		u.resolveIndexed(&a, !u.readingUnitDIE)
	}
	return a, nil
}

func (u *unit) setString(a *attribute, data []byte, off uint64) {
	if s, ok := cursor.StringAt(data, off); ok {
		a.kind, a.str = attrString, s
	}
}

// resolveIndexed turns a pending strx or addrx attribute into a string or
// address. Unless force is set, nothing happens while the relevant base is
// still unknown. A failed lookup leaves the attribute empty.
func (u *unit) resolveIndexed(a *attribute, force bool) {
	switch a.kind {
	case attrStrIndex:
		if u.strOffsetsBase == 0 && !force {
			return
		}
		idx := a.val
		a.kind, a.val = attrNone, 0
		offsets := u.file.sections.optional(SectionStrOffsets)
		c := cursor.New(offsets, u.order)
		c.Seek(u.strOffsetsBase + idx*uint64(u.offsetSize))
		off := c.SectionOffset(u.offsetSize)
		if c.Overrun() {
			return
		}
		u.setString(a, u.file.sections.optional(SectionStr), off)

	case attrAddrIndex:
		if u.addrBase == 0 && !force {
			return
		}
		idx := a.val
		a.kind, a.val = attrNone, 0
		c := cursor.New(u.file.sections.optional(SectionAddr), u.order)
		c.Seek(u.addrBase + idx*uint64(u.addrSize))
		addr := c.Address(u.addrSize)
		if c.Overrun() {
			return
		}
		a.kind, a.val = attrUnsigned, addr
	}
}

// skipAttribute advances past one attribute without decoding strings.
func (u *unit) skipAttribute(c *cursor.Cursor, spec attrSpec) error {
	f := spec.form
	if f == formIndirect {
		f = form(c.ULEB128())
		if f == formImplicitConst {
			c.SLEB128()
		}
		if f == formIndirect {
			return fmt.Errorf("%w: nested DW_FORM_indirect", ErrUnknownForm)
		}
	}

	switch f {
	case formImplicitConst, formFlagPresent:
	case formData1, formFlag, formRef1, formStrx1, formAddrx1:
		c.Skip(1)
	case formData2, formRef2, formStrx2, formAddrx2:
		c.Skip(2)
	case formStrx3, formAddrx3:
		c.Skip(3)
	case formData4, formRef4, formRefSup4, formStrx4, formAddrx4:
		c.Skip(4)
	case formData8, formRef8, formRefSig8, formRefSup8:
		c.Skip(8)
	case formData16:
		c.Skip(16)
	case formAddr:
		c.Skip(uint64(u.addrSize))
	case formRefAddr:
		c.Skip(uint64(u.refAddrSize()))
	case formSecOffset, formGNURefAlt, formStrp, formLineStrp, formGNUStrpAlt, formStrpSup:
		c.Skip(uint64(u.offsetSize))
	case formSdata:
		c.SLEB128()
	case formUdata, formRefUdata, formLoclistx, formRnglistx, formStrx, formAddrx,
		formGNUStrIndex, formGNUAddrIndex:
		c.ULEB128()
	case formString:
		c.CString()
	case formBlock1:
		c.Skip(uint64(c.U8()))
	case formBlock2:
		c.Skip(uint64(c.U16()))
	case formBlock4:
		c.Skip(uint64(c.U32()))
	case formBlock, formExprloc:
		c.Skip(c.ULEB128())
	default:
		return fmt.Errorf("%w %#x", ErrUnknownForm, uint16(f))
	}
	return nil
}
