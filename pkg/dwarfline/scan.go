package dwarfline

import (
	"debug/dwarf"
	"errors"
	"fmt"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

func isFunctionTag(tag dwarf.Tag) bool {
	return tag == dwarf.TagSubprogram || tag == dwarf.TagEntryPoint || tag == dwarf.TagInlinedSubroutine
}

func isVariableTag(tag dwarf.Tag) bool {
	return tag == dwarf.TagVariable || tag == dwarf.TagMember
}

// scanSymbols walks the unit's DIE tree twice. The first pass creates the
// functions and variables and links inlined subroutines to their callers;
// the second reads their attributes. Splitting the work lets references to
// DIEs later in the unit be resolved in the second pass.
func (u *unit) scanSymbols() error {
	if u.childStart == 0 {
		return nil
	}
	if err := u.scanStructure(); err != nil {
		return err
	}
	return u.scanAttributes()
}

// nextDIE reads a DIE's abbreviation code. It returns nil for the null
// entry that closes a list of children.
func (u *unit) nextDIE(c *cursor.Cursor) (*abbrev, uint64, error) {
	off := c.Pos()
	if c.AtEnd() {
		return nil, off, fmt.Errorf("DIE tree ends at %#x without closing: %w", off, ErrTruncated)
	}
	code := c.ULEB128()
	if code == 0 {
		return nil, off, nil
	}
	ab := u.abbrevs.lookup(code)
	if ab == nil {
		return nil, off, fmt.Errorf("DIE at %#x uses code %d: %w", off, code, ErrUnknownAbbrev)
	}
	return ab, off, nil
}

func (u *unit) scanStructure() error {
	c := cursor.New(u.file.info[:u.end], u.order)
	c.Seek(u.childStart)

	// nested[level] is the function opened at that depth, if any.
	nested := make([]*function, 1, 16)
	level := 0
	for level >= 0 {
		ab, off, err := u.nextDIE(c)
		if err != nil {
			return err
		}
		if ab == nil {
			level--
			continue
		}

		var fn *function
		switch {
		case isFunctionTag(ab.tag):
			fn = &function{tag: ab.tag, offset: off, unit: u}
			if ab.tag == dwarf.TagInlinedSubroutine {
				for i := level - 1; i >= 0; i-- {
					if nested[i] != nil {
						fn.caller = nested[i]
						break
					}
				}
			}
			u.funcs = append(u.funcs, fn)
		case isVariableTag(ab.tag):
			u.vars = append(u.vars, &variable{tag: ab.tag, offset: off, stack: true})
		}
		nested[level] = fn

		for _, spec := range ab.attrs {
			if err := u.skipAttribute(c, spec); err != nil {
				return fmt.Errorf("DIE at %#x: %w", off, err)
			}
		}
		if c.Overrun() {
			return fmt.Errorf("DIE at %#x: %w", off, ErrTruncated)
		}
		if ab.hasChildren {
			level++
			if level == len(nested) {
				nested = append(nested, nil)
			}
			nested[level] = nil
		}
	}
	return nil
}

func (u *unit) scanAttributes() error {
	c := cursor.New(u.file.info[:u.end], u.order)
	c.Seek(u.childStart)

	var nextFunc, nextVar int
	level := 0
	for level >= 0 {
		ab, off, err := u.nextDIE(c)
		if err != nil {
			return err
		}
		if ab == nil {
			level--
			continue
		}

		switch {
		case isFunctionTag(ab.tag) && nextFunc < len(u.funcs):
			err = u.readFunction(c, ab, u.funcs[nextFunc])
			nextFunc++
		case isVariableTag(ab.tag) && nextVar < len(u.vars):
			err = u.readVariable(c, ab, u.vars[nextVar])
			nextVar++
		default:
			for _, spec := range ab.attrs {
				if err = u.skipAttribute(c, spec); err != nil {
					break
				}
			}
		}
		if err != nil {
			return fmt.Errorf("DIE at %#x: %w", off, err)
		}
		if c.Overrun() {
			return fmt.Errorf("DIE at %#x: %w", off, ErrTruncated)
		}
		if ab.hasChildren {
			level++
		}
	}
	return nil
}

func (u *unit) readFunction(c *cursor.Cursor, ab *abbrev, fn *function) error {
	var low, high uint64
	var highRelative bool
	for _, spec := range ab.attrs {
		a, err := u.readAttribute(c, spec)
		if err != nil {
			return err
		}
		switch a.name {
		case dwarf.AttrCallFile:
			if a.isInt() {
				fn.callFile = u.lines.filename(a.uint())
			}
		case dwarf.AttrCallLine:
			if a.isInt() {
				fn.callLine = a.uint()
			}
		case dwarf.AttrAbstractOrigin, dwarf.AttrSpecification:
			if a.isInt() {
				if err := u.resolveOrigin(&a, &fn.decl); err != nil {
					return err
				}
			}
		case dwarf.AttrName:
			if fn.name == "" && a.isString() {
				fn.name = a.str
				if u.lang.plainNamesAreLinkage() {
					fn.isLinkage = true
				}
			}
		case dwarf.AttrLinkageName, attrMIPSLinkageName:
			if a.isString() {
				fn.name = a.str
				fn.isLinkage = true
			}
		case dwarf.AttrLowpc:
			if a.isInt() {
				low = a.uint()
			}
		case dwarf.AttrHighpc:
			if a.isInt() {
				high = a.uint()
				highRelative = !isAddressForm(a.form)
			}
		case dwarf.AttrRanges:
			if err := u.readRangeList(&a, fn.addRange); err != nil {
				u.file.stash.log.Debug().Err(err).Uint64("die", fn.offset).Msg("Ignoring unreadable function range list")
			}
		case dwarf.AttrDeclFile:
			if a.isInt() {
				fn.file = u.lines.filename(a.uint())
			}
		case dwarf.AttrDeclLine:
			if a.isInt() {
				fn.line = a.uint()
			}
		}
	}

	if highRelative {
		high += low
	}
	if high != 0 {
		fn.addRange(low, high)
	}
	return nil
}

func (u *unit) readVariable(c *cursor.Cursor, ab *abbrev, v *variable) error {
	for _, spec := range ab.attrs {
		a, err := u.readAttribute(c, spec)
		if err != nil {
			return err
		}
		switch a.name {
		case dwarf.AttrSpecification:
			if a.isInt() && a.uint() != 0 {
				if err := u.resolveOrigin(&a, &v.decl); err != nil {
					return err
				}
			}
		case dwarf.AttrName:
			if a.isString() {
				v.name = a.str
			}
		case dwarf.AttrDeclFile:
			if a.isInt() {
				v.file = u.lines.filename(a.uint())
			}
		case dwarf.AttrDeclLine:
			if a.isInt() {
				v.line = a.uint()
			}
		case dwarf.AttrExternal:
			if a.isInt() && a.uint() != 0 {
				v.stack = false
			}
		case dwarf.AttrLocation:
			if a.kind == attrBlock && len(a.block) > 0 && a.block[0] == opAddr {
				v.stack = false
				// Only a lone DW_OP_addr gives a usable address.
				if len(a.block) == u.addrSize+1 {
					v.addr = cursor.New(a.block[1:], u.order).Address(u.addrSize)
				}
			}
		}
	}
	return nil
}

// resolveOrigin follows a reference to the DIE carrying the real
// declaration. A cyclic chain or a missing supplementary file leaves the
// declaration incomplete without failing the unit.
func (u *unit) resolveOrigin(a *attribute, d *decl) error {
	err := u.findAbstractInstance(a, 0, d)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecursionLimit) || errors.Is(err, errNoAltFile) {
		u.file.stash.referenceProblem(u, err)
		return nil
	}
	return err
}
