package dwarfline

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/addrline/internal/testutil"
)

func TestDecodeAbbrevTable(t *testing.T) {
	data := []byte{
		// code 1: compile_unit, children, name/string, language/data1
		0x01, 0x11, 0x01, 0x03, 0x08, 0x13, 0x0b, 0x00, 0x00,
		// code 2: subprogram, no children, decl_line/implicit_const -3
		0x02, 0x2e, 0x00, 0x3b, 0x21, 0x7d, 0x00, 0x00,
		0x00,
		// second table at offset 18: code 1 variable
		0x01, 0x34, 0x00, 0x03, 0x08, 0x00, 0x00,
		0x00,
	}

	tab := decodeAbbrevTable(data, binary.LittleEndian, 0)
	require.Len(t, tab.entries, 2)

	cu := tab.lookup(1)
	require.NotNil(t, cu)
	assert.Equal(t, dwarf.TagCompileUnit, cu.tag)
	assert.True(t, cu.hasChildren)
	assert.Equal(t, []attrSpec{
		{name: dwarf.AttrName, form: formString},
		{name: dwarf.AttrLanguage, form: formData1},
	}, cu.attrs)

	sub := tab.lookup(2)
	require.NotNil(t, sub)
	assert.False(t, sub.hasChildren)
	assert.Equal(t, []attrSpec{{name: dwarf.AttrDeclLine, form: formImplicitConst, implicit: -3}}, sub.attrs)

	assert.Nil(t, tab.lookup(3))

	second := decodeAbbrevTable(data, binary.LittleEndian, 18)
	require.Len(t, second.entries, 1)
	assert.Equal(t, dwarf.TagVariable, second.lookup(1).tag)
}

func TestDecodeAbbrevTableWithoutTerminator(t *testing.T) {
	data := []byte{
		0x01, 0x11, 0x00, 0x00, 0x00,
		0x02, 0x2e, 0x00, 0x00, 0x00,
		// next table, no zero code in between
		0x01, 0x34, 0x00, 0x00, 0x00,
	}
	tab := decodeAbbrevTable(data, binary.LittleEndian, 0)
	assert.Len(t, tab.entries, 2)
	assert.Equal(t, dwarf.TagSubprogram, tab.lookup(2).tag)
}

func TestAbbrevCache(t *testing.T) {
	t.Run("out of range offset", func(t *testing.T) {
		c := newAbbrevCache([]byte{0x00}, binary.LittleEndian)
		_, ok := c.get(4)
		assert.False(t, ok)
	})

	t.Run("units share a table", func(t *testing.T) {
		b := testutil.NewDwarfBuilder()
		addSimpleUnit(b, "a.c", "a", 0x1000, 0x20, 1)
		addSimpleUnit(b, "b.c", "b", 0x2000, 0x20, 1)
		s := newTestStash(t, b.Binary("prog", 8))
		s.main.parseAll()

		require.Len(t, s.main.units, 2)
		assert.Same(t, s.main.units[0].abbrevs, s.main.units[1].abbrevs)
		assert.Len(t, s.main.abbrevs.tables, 1)
	})
}
