package dwarfline

import (
	"debug/dwarf"
	"encoding/binary"

	"github.com/coral-mesh/addrline/pkg/dwarfline/cursor"
)

type attrSpec struct {
	name dwarf.Attr
	form form
	// implicit holds the value of a DW_FORM_implicit_const attribute.
	implicit int64
}

type abbrev struct {
	code        uint64
	tag         dwarf.Tag
	hasChildren bool
	attrs       []attrSpec
}

// abbrevTable is one run of abbreviation declarations. Tables are shared by
// every unit that names the same offset and are never modified after
// decoding.
type abbrevTable struct {
	offset  uint64
	entries map[uint64]*abbrev
}

func (t *abbrevTable) lookup(code uint64) *abbrev {
	return t.entries[code]
}

type abbrevCache struct {
	data   []byte
	order  binary.ByteOrder
	tables map[uint64]*abbrevTable
}

func newAbbrevCache(data []byte, order binary.ByteOrder) *abbrevCache {
	return &abbrevCache{data: data, order: order, tables: make(map[uint64]*abbrevTable)}
}

// get returns the table starting at offset, decoding it on first use.
// ok is false when offset lies outside .debug_abbrev.
func (c *abbrevCache) get(offset uint64) (*abbrevTable, bool) {
	if t, ok := c.tables[offset]; ok {
		return t, true
	}
	if offset >= uint64(len(c.data)) {
		return nil, false
	}
	t := decodeAbbrevTable(c.data, c.order, offset)
	c.tables[offset] = t
	return t, true
}

// decodeAbbrevTable reads declarations until a zero code or the end of the
// section. Some producers omit the terminating zero, so a code that was
// already seen in this run is taken as the start of the next unit's table.
func decodeAbbrevTable(data []byte, order binary.ByteOrder, offset uint64) *abbrevTable {
	t := &abbrevTable{offset: offset, entries: make(map[uint64]*abbrev)}
	c := cursor.New(data, order)
	c.Seek(offset)

	for !c.AtEnd() {
		code := c.ULEB128()
		if code == 0 || c.Overrun() {
			break
		}
		if _, dup := t.entries[code]; dup {
			break
		}

		a := &abbrev{
			code:        code,
			tag:         dwarf.Tag(c.ULEB128()),
			hasChildren: c.U8() != 0,
		}
		for {
			name := c.ULEB128()
			f := form(c.ULEB128())
			var implicit int64
			if f == formImplicitConst {
				implicit = c.SLEB128()
			}
			if name == 0 && f == 0 {
				break
			}
			if c.Overrun() {
				break
			}
			a.attrs = append(a.attrs, attrSpec{name: dwarf.Attr(name), form: f, implicit: implicit})
		}
		if c.Overrun() {
			break
		}
		t.entries[code] = a
	}
	return t
}
