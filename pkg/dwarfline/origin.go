package dwarfline

import (
	"debug/dwarf"
	"errors"
	"fmt"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

// maxAbstractDepth bounds chains of DW_AT_specification references.
const maxAbstractDepth = 100

var errNoAltFile = errors.New("supplementary debug file unavailable")

// findAbstractInstance reads the DIE that a DW_AT_abstract_origin or
// DW_AT_specification attribute points at and fills in whatever parts of d
// it provides. A linkage name always replaces a plain name, and a plain
// name is only taken when d has none yet. Further DW_AT_specification
// links are followed up to maxAbstractDepth.
func (u *unit) findAbstractInstance(a *attribute, depth int, d *decl) error {
	if depth >= maxAbstractDepth {
		return ErrRecursionLimit
	}

	ref := a.uint()
	target := u
	var off uint64
	switch a.form {
	case formRefAddr:
		if ref == 0 {
			return nil
		}
		if ref < u.start || ref >= u.end {
			if target = u.file.unitAt(ref); target == nil {
				return fmt.Errorf("DW_FORM_ref_addr %#x: %w", ref, ErrBadReference)
			}
		}
		off = ref

	case formGNURefAlt, formRefSup4, formRefSup8:
		alt := u.file.stash.altFile()
		if alt == nil {
			return fmt.Errorf("reference %#x: %w", ref, errNoAltFile)
		}
		if target = alt.unitAt(ref); target == nil {
			return fmt.Errorf("supplementary reference %#x: %w", ref, ErrBadReference)
		}
		off = ref

	default:
		if ref == 0 {
			return nil
		}
		if ref >= u.end-u.start {
			return fmt.Errorf("unit reference %#x: %w", ref, ErrBadReference)
		}
		off = u.start + ref
	}

	if target.abbrevs == nil {
		return fmt.Errorf("reference %#x into unusable unit at %#x: %w", ref, target.start, ErrBadReference)
	}

	c := cursor.New(target.file.info[:target.end], target.order)
	c.Seek(off)
	code := c.ULEB128()
	if code == 0 {
		return nil
	}
	ab := target.abbrevs.lookup(code)
	if ab == nil {
		return fmt.Errorf("referenced DIE at %#x uses code %d: %w", off, code, ErrUnknownAbbrev)
	}

	for _, spec := range ab.attrs {
		attr, err := target.readAttribute(c, spec)
		if err != nil {
			return err
		}
		if c.Overrun() {
			break
		}
		switch attr.name {
		case dwarf.AttrName:
			if d.name == "" && attr.isString() {
				d.name = attr.str
				if target.lang.plainNamesAreLinkage() {
					d.isLinkage = true
				}
			}
		case dwarf.AttrSpecification:
			if attr.isInt() {
				if err := target.findAbstractInstance(&attr, depth+1, d); err != nil {
					return err
				}
			}
		case dwarf.AttrLinkageName, attrMIPSLinkageName:
			if attr.isString() {
				d.name = attr.str
				d.isLinkage = true
			}
		case dwarf.AttrDeclFile:
			if attr.isInt() && target.ensureLines() {
				d.file = target.lines.filename(attr.uint())
			}
		case dwarf.AttrDeclLine:
			if attr.isInt() {
				d.line = attr.uint()
			}
		}
	}
	return nil
}
