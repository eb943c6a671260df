package dwarfline

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/addrline/internal/testutil"
	"github.com/coral-mesh/addrline/pkg/objfile"
)

func TestFindNearestLine(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	lp := testutil.NewLineProgram(4, 8)
	lp.Dirs = []string{"src"}
	lp.Files = []testutil.LineFile{{Name: "main.c", Dir: 1}, {Name: "util.h"}}
	lp.SetAddress(0x1000).AdvanceLine(9).Copy().
		SetColumn(4).Row(0x10, 2).
		SetFile(2).Row(0x8, 88).
		AdvancePC(0x8).EndSequence()
	stmt := b.AddLineProgram(lp)

	b.BeginUnit(4, 8)
	b.Die(dwarf.TagCompileUnit, true,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormStrp, Value: "main.c"},
		testutil.Attr{Name: dwarf.AttrCompDir, Form: testutil.FormString, Value: "/work"},
		testutil.Attr{Name: dwarf.AttrLanguage, Form: testutil.FormData1, Value: langC99},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x1000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x20},
		testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
	)
	b.Die(dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "main"},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x1000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x20},
	)
	b.EndUnit()

	bin := b.Binary("prog", 8)
	bin.AddSymbol(objfile.Symbol{Name: "stripped", Value: 0x9000, Size: 0x100, Kind: objfile.SymbolFunc})
	s := newTestStash(t, bin)

	tests := []struct {
		name string
		addr uint64
		want Location
	}{
		{
			name: "first row",
			addr: 0x1004,
			want: Location{Found: Exact, File: "/work/src/main.c", Function: "main", Line: 10},
		},
		{
			name: "row with column",
			addr: 0x1010,
			want: Location{Found: Exact, File: "/work/src/main.c", Function: "main", Line: 12, Column: 4},
		},
		{
			name: "file without directory",
			addr: 0x101f,
			want: Location{Found: Exact, File: "/work/util.h", Function: "main", Line: 100, Column: 4},
		},
		{
			name: "end of sequence is exclusive",
			addr: 0x1020,
			want: Location{Found: Miss},
		},
		{
			name: "before the unit",
			addr: 0xfff,
			want: Location{Found: Miss},
		},
		{
			name: "symbol table only",
			addr: 0x9010,
			want: Location{Found: Approximate, Function: "stripped"},
		},
		{
			name: "past the symbol's size",
			addr: 0x9100,
			want: Location{Found: Miss},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := s.FindNearestLine(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, loc)
		})
	}
}

func TestFindNearestLineAdjacentUnits(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	addSimpleUnit(b, "first.c", "first", 0x1000, 0x1000, 1)
	addSimpleUnit(b, "second.c", "second", 0x2000, 0x1000, 1)
	s := newTestStash(t, b.Binary("prog", 8))

	tests := []struct {
		addr uint64
		want Location
	}{
		{0x1500, Location{Found: Exact, File: "/build/first.c", Function: "first", Line: 0x51}},
		{0x2500, Location{Found: Exact, File: "/build/second.c", Function: "second", Line: 0x51}},
		{0x1fff, Location{Found: Exact, File: "/build/first.c", Function: "first", Line: 0x100}},
		{0x2000, Location{Found: Exact, File: "/build/second.c", Function: "second", Line: 1}},
		{0x500, Location{Found: Miss}},
		{0x3000, Location{Found: Miss}},
	}
	for _, tt := range tests {
		loc, err := s.FindNearestLine(tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.want, loc, "%#x", tt.addr)
	}
}

// buildInlined writes a C++ unit where leaf is inlined into inner, which is
// inlined into outer.
func buildInlined(b *testutil.DwarfBuilder) {
	lp := testutil.NewLineProgram(4, 8)
	lp.Files = []testutil.LineFile{{Name: "outer.cc"}, {Name: "inner.h"}}
	lp.SetAddress(0x2000).Copy().
		SetFile(2).Row(0x18, 49).
		AdvancePC(0xe8).EndSequence()
	stmt := b.AddLineProgram(lp)

	b.BeginUnit(4, 8)
	b.Die(dwarf.TagCompileUnit, true,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "outer.cc"},
		testutil.Attr{Name: dwarf.AttrCompDir, Form: testutil.FormString, Value: "/src"},
		testutil.Attr{Name: dwarf.AttrLanguage, Form: testutil.FormData1, Value: langCPP},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x2000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x100},
		testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
	)
	inner := b.Die(dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "inner"},
		testutil.Attr{Name: dwarf.AttrDeclFile, Form: testutil.FormData1, Value: 2},
		testutil.Attr{Name: dwarf.AttrDeclLine, Form: testutil.FormData1, Value: 30},
		testutil.Attr{Name: dwarf.AttrInline, Form: testutil.FormData1, Value: 3},
	)
	leaf := &testutil.Label{}
	b.Die(dwarf.TagSubprogram, true,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "outer"},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x2000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x100},
	)
	b.Die(dwarf.TagInlinedSubroutine, true,
		testutil.Attr{Name: dwarf.AttrAbstractOrigin, Form: testutil.FormRef4, Value: inner},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x2010},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x20},
		testutil.Attr{Name: dwarf.AttrCallFile, Form: testutil.FormData1, Value: 1},
		testutil.Attr{Name: dwarf.AttrCallLine, Form: testutil.FormData1, Value: 42},
	)
	b.Die(dwarf.TagLexDwarfBlock, true)
	b.Die(dwarf.TagInlinedSubroutine, false,
		testutil.Attr{Name: dwarf.AttrAbstractOrigin, Form: testutil.FormRef4, Value: leaf},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x2018},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x8},
		testutil.Attr{Name: dwarf.AttrCallFile, Form: testutil.FormData1, Value: 2},
		testutil.Attr{Name: dwarf.AttrCallLine, Form: testutil.FormData1, Value: 7},
	)
	b.End() // lexical block
	b.End() // inner
	b.End() // outer
	b.DieLabel(leaf, dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "leaf"},
		testutil.Attr{Name: dwarf.AttrInline, Form: testutil.FormData1, Value: 3},
	)
	b.EndUnit()
}

func TestFindInlinerInfo(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	buildInlined(b)
	s := newTestStash(t, b.Binary("prog", 8))

	loc, err := s.FindNearestLine(0x201c)
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/src/inner.h", Function: "leaf", Line: 50}, loc)

	caller, ok := s.FindInlinerInfo()
	require.True(t, ok)
	assert.Equal(t, Location{Found: Exact, File: "/src/inner.h", Function: "inner", Line: 7}, caller)

	caller, ok = s.FindInlinerInfo()
	require.True(t, ok)
	assert.Equal(t, Location{Found: Exact, File: "/src/outer.cc", Function: "outer", Line: 42}, caller)

	_, ok = s.FindInlinerInfo()
	assert.False(t, ok, "outer is not inlined")

	t.Run("new query resets the chain", func(t *testing.T) {
		loc, err := s.FindNearestLine(0x2004)
		require.NoError(t, err)
		assert.Equal(t, "outer", loc.Function)
		_, ok := s.FindInlinerInfo()
		assert.False(t, ok)
	})

	t.Run("single level", func(t *testing.T) {
		loc, err := s.FindNearestLine(0x2010)
		require.NoError(t, err)
		assert.Equal(t, "inner", loc.Function)

		caller, ok := s.FindInlinerInfo()
		require.True(t, ok)
		assert.Equal(t, "outer", caller.Function)
		assert.Equal(t, uint64(42), caller.Line)
		_, ok = s.FindInlinerInfo()
		assert.False(t, ok)
	})
}

func TestFindNearestLineSymbolNames(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	buildInlined(b)
	bin := b.Binary("prog", 8)
	bin.AddSymbol(objfile.Symbol{Name: "_Z5outerv", Value: 0x2000, Size: 0x100, Kind: objfile.SymbolFunc})
	s := newTestStash(t, bin)

	loc, err := s.FindNearestLine(0x2004)
	require.NoError(t, err)
	assert.Equal(t, "_Z5outerv", loc.Function, "plain C++ names give way to the symbol at the entry point")

	// The inlined instance does not start at a symbol and keeps its name.
	loc, err = s.FindNearestLine(0x2010)
	require.NoError(t, err)
	assert.Equal(t, "inner", loc.Function)
}

func TestFindNearestLineDWARF5(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	addrBase := b.AddrTable(8, 0x4000, 0x4010)
	strBase := b.StrOffsets("cu.c", "indexed_fn")

	lp := testutil.NewLineProgram(5, 8)
	lp.Dirs = []string{"/v5", "include"}
	lp.Files = []testutil.LineFile{{Name: "cu.c"}, {Name: "defs.h", Dir: 1}}
	lp.SetAddress(0x4000).SetFile(0).AdvanceLine(2).Copy().
		SetFile(1).Row(0x10, 10).
		AdvancePC(0x30).EndSequence()
	stmt := b.AddLineProgram(lp)

	b.BeginUnit(5, 8)
	// The bases follow the attributes that need them.
	b.Die(dwarf.TagCompileUnit, true,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormStrx1, Value: 0},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddrx1, Value: 0},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x40},
		testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
		testutil.Attr{Name: dwarf.AttrCompDir, Form: testutil.FormLineStrp, Value: "/v5"},
		testutil.Attr{Name: dwarf.AttrStrOffsetsBase, Form: testutil.FormSecOffset, Value: strBase},
		testutil.Attr{Name: dwarf.AttrAddrBase, Form: testutil.FormSecOffset, Value: addrBase},
	)
	b.Die(dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormStrx1, Value: 1},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddrx1, Value: 1},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x10},
		testutil.Attr{Name: dwarf.AttrDeclFile, Form: testutil.FormImplicitConst, Value: 0},
		testutil.Attr{Name: dwarf.AttrDeclLine, Form: testutil.FormImplicitConst, Value: 8},
	)
	b.EndUnit()
	s := newTestStash(t, b.Binary("prog", 8))

	loc, err := s.FindNearestLine(0x4014)
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/v5/include/defs.h", Function: "indexed_fn", Line: 13}, loc)

	loc, err = s.FindNearestLine(0x4004)
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/v5/cu.c", Line: 3}, loc)

	infos, err := s.Units()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "cu.c", infos[0].Name)
	assert.Equal(t, []Range{{Low: 0x4000, High: 0x4040}}, infos[0].Ranges)

	loc, err = s.FindLineForSymbol(objfile.Symbol{Name: "indexed_fn", Value: 0x4010, Kind: objfile.SymbolFunc})
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/v5/cu.c", Function: "indexed_fn", Line: 8}, loc)
}

func TestFindNearestLineRangeLists(t *testing.T) {
	t.Run("debug_rnglists", func(t *testing.T) {
		b := testutil.NewDwarfBuilder()
		base, _ := b.Rnglists(8,
			[]testutil.RLE{
				{Kind: testutil.RLEOffsetPair, A: 0x3000, B: 0x3010},
				{Kind: testutil.RLEStartLength, A: 0x3100, B: 0x20},
			},
			[]testutil.RLE{
				{Kind: testutil.RLEBaseAddress, A: 0x3000},
				{Kind: testutil.RLEOffsetPair, A: 0, B: 0x10},
				{Kind: testutil.RLEStartEnd, A: 0x3100, B: 0x3120},
			},
		)

		lp := testutil.NewLineProgram(5, 8)
		lp.Dirs = []string{"/r"}
		lp.Files = []testutil.LineFile{{Name: "split.c"}}
		lp.SetAddress(0x3000).SetFile(0).AdvanceLine(4).Copy().AdvancePC(0x10).EndSequence()
		lp.SetAddress(0x3100).SetFile(0).AdvanceLine(19).Copy().AdvancePC(0x20).EndSequence()
		stmt := b.AddLineProgram(lp)

		b.BeginUnit(5, 8)
		b.Die(dwarf.TagCompileUnit, true,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "split.c"},
			testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0},
			testutil.Attr{Name: dwarf.AttrRanges, Form: testutil.FormRnglistx, Value: 0},
			testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
			testutil.Attr{Name: dwarf.AttrRnglistsBase, Form: testutil.FormSecOffset, Value: base},
		)
		b.Die(dwarf.TagSubprogram, false,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "split"},
			testutil.Attr{Name: dwarf.AttrRanges, Form: testutil.FormRnglistx, Value: 1},
		)
		b.EndUnit()
		s := newTestStash(t, b.Binary("prog", 8))

		loc, err := s.FindNearestLine(0x3104)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Exact, File: "/r/split.c", Function: "split", Line: 20}, loc)

		loc, err = s.FindNearestLine(0x3008)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Exact, File: "/r/split.c", Function: "split", Line: 5}, loc)

		assert.Equal(t, []Range{{Low: 0x3000, High: 0x3010}, {Low: 0x3100, High: 0x3120}}, s.main.units[0].ranges)

		loc, err = s.FindNearestLine(0x3050)
		require.NoError(t, err)
		assert.Equal(t, Miss, loc.Found)
	})

	t.Run("debug_ranges with base selection", func(t *testing.T) {
		b := testutil.NewDwarfBuilder()
		off := b.Ranges(8,
			[2]uint64{0x10, 0x20},
			[2]uint64{^uint64(0), 0x8000},
			[2]uint64{0x0, 0x30},
		)
		addSimpleUnit(b, "pad.c", "pad", 0x100, 0x10, 1)

		b.BeginUnit(3, 8)
		b.Die(dwarf.TagCompileUnit, true,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "ranged.c"},
			testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x6000},
			testutil.Attr{Name: dwarf.AttrRanges, Form: testutil.FormData4, Value: off},
		)
		b.Die(dwarf.TagSubprogram, false,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "ranged"},
			testutil.Attr{Name: dwarf.AttrRanges, Form: testutil.FormData4, Value: off},
		)
		b.EndUnit()
		s := newTestStash(t, b.Binary("prog", 8))

		loc, err := s.FindNearestLine(0x6018)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Approximate, Function: "ranged"}, loc)

		loc, err = s.FindNearestLine(0x8020)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Approximate, Function: "ranged"}, loc)

		assert.Equal(t, []Range{{Low: 0x6010, High: 0x6020}, {Low: 0x8000, High: 0x8030}}, s.main.units[1].ranges)
	})
}

func TestFindNearestLineUnitWithoutRanges(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	lp := testutil.NewLineProgram(3, 8)
	lp.Files = []testutil.LineFile{{Name: "/abs/noranges.c"}}
	lp.SetAddress(0x7000).AdvanceLine(69).Copy().AdvancePC(0x40).EndSequence()
	stmt := b.AddLineProgram(lp)

	b.BeginUnit(3, 8)
	b.Die(dwarf.TagCompileUnit, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "noranges.c"},
		testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormData4, Value: stmt},
	)
	b.EndUnit()
	addSimpleUnit(b, "later.c", "later", 0x1000, 0x20, 1)
	s := newTestStash(t, b.Binary("prog", 8))

	loc, err := s.FindNearestLine(0x1000)
	require.NoError(t, err)
	assert.Equal(t, "later", loc.Function)
	require.Len(t, s.withoutRanges, 1)

	loc, err = s.FindNearestLine(0x7020)
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/abs/noranges.c", Line: 70}, loc)
	assert.Equal(t, []Range{{Low: 0x7000, High: 0x7040}}, s.main.units[0].ranges)

	loc, err = s.FindNearestLine(0x9000)
	require.NoError(t, err)
	assert.Equal(t, Miss, loc.Found)
	assert.Empty(t, s.withoutRanges, "the line program supplied ranges")
}

func TestFindNearestLineSupplementaryFile(t *testing.T) {
	buildMain := func(altOff, altStr uint64) *testutil.DwarfBuilder {
		b := testutil.NewDwarfBuilder()
		lp := testutil.NewLineProgram(4, 8)
		lp.Files = []testutil.LineFile{{Name: "/src/dwz.c"}}
		lp.SetAddress(0x5000).Copy().AdvancePC(0x20).EndSequence()
		stmt := b.AddLineProgram(lp)

		b.BeginUnit(4, 8)
		b.Die(dwarf.TagCompileUnit, true,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "dwz.c"},
			testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x5000},
			testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x20},
			testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
		)
		b.Die(dwarf.TagSubprogram, false,
			testutil.Attr{Name: dwarf.AttrAbstractOrigin, Form: testutil.FormGNURefAlt, Value: altOff},
			testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x5000},
			testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x10},
		)
		b.Die(dwarf.TagSubprogram, false,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormGNUStrpAlt, Value: altStr},
			testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x5010},
			testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x10},
		)
		b.EndUnit()
		return b
	}

	alt := testutil.NewDwarfBuilder()
	altStr := alt.Str("shared_name")
	alt.BeginUnitType(4, 8, testutil.UnitPartial)
	alt.Die(dwarf.TagPartialUnit, true)
	target := alt.Die(dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "from_alt"},
	)
	alt.EndUnit()

	t.Run("resolved through companion", func(t *testing.T) {
		altBin := alt.Binary("prog.dwz", 8)
		bin := buildMain(target.Offset(), altStr).Binary("prog", 8)
		bin.SetCompanion(objfile.CompanionDebugAltLink, altBin)
		s := newTestStash(t, bin)

		loc, err := s.FindNearestLine(0x5004)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Exact, File: "/src/dwz.c", Function: "from_alt", Line: 1}, loc)

		loc, err = s.FindNearestLine(0x5014)
		require.NoError(t, err)
		assert.Equal(t, "shared_name", loc.Function)
		assert.NoError(t, s.UnitErrors())

		require.NoError(t, s.Close())
		assert.True(t, altBin.Closed())
	})

	t.Run("missing companion", func(t *testing.T) {
		bin := buildMain(target.Offset(), altStr).Binary("prog", 8)
		s := newTestStash(t, bin)

		loc, err := s.FindNearestLine(0x5004)
		require.NoError(t, err)
		assert.Equal(t, Location{Found: Exact, File: "/src/dwz.c", Line: 1}, loc)
		assert.Error(t, s.UnitErrors())
	})
}

func TestFindNearestLineRecursionLimit(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	lp := testutil.NewLineProgram(4, 8)
	lp.Files = []testutil.LineFile{{Name: "/src/cycle.cc"}}
	lp.SetAddress(0x6000).AdvanceLine(4).Copy().AdvancePC(0x10).EndSequence()
	stmt := b.AddLineProgram(lp)

	b.BeginUnit(4, 8)
	b.Die(dwarf.TagCompileUnit, true,
		testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "cycle.cc"},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x6000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x10},
		testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
	)
	first := &testutil.Label{}
	second := &testutil.Label{}
	b.DieLabel(first, dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrSpecification, Form: testutil.FormRef4, Value: second},
		testutil.Attr{Name: dwarf.AttrLowpc, Form: testutil.FormAddr, Value: 0x6000},
		testutil.Attr{Name: dwarf.AttrHighpc, Form: testutil.FormData4, Value: 0x10},
	)
	b.DieLabel(second, dwarf.TagSubprogram, false,
		testutil.Attr{Name: dwarf.AttrSpecification, Form: testutil.FormRef4, Value: first},
		testutil.Attr{Name: dwarf.AttrDeclaration, Form: testutil.FormFlagPresent},
	)
	b.EndUnit()
	s := newTestStash(t, b.Binary("prog", 8))

	loc, err := s.FindNearestLine(0x6008)
	require.NoError(t, err)
	assert.Equal(t, Location{Found: Exact, File: "/src/cycle.cc", Line: 5}, loc)
	assert.ErrorIs(t, s.UnitErrors(), ErrRecursionLimit)
	assert.NotEqual(t, unitFailed, s.main.units[0].state)
}

func TestFindLineForSymbol(t *testing.T) {
	build := func() *objfile.Memory {
		b := testutil.NewDwarfBuilder()
		addSimpleUnit(b, "a.c", "alpha", 0x1000, 0x40, 10)

		lp := testutil.NewLineProgram(4, 8)
		lp.Files = []testutil.LineFile{{Name: "/src/vars.c"}}
		stmt := b.AddLineProgram(lp)
		b.BeginUnit(4, 8)
		b.Die(dwarf.TagCompileUnit, true,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "vars.c"},
			testutil.Attr{Name: dwarf.AttrStmtList, Form: testutil.FormSecOffset, Value: stmt},
		)
		b.Die(dwarf.TagVariable, false,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "counter"},
			testutil.Attr{Name: dwarf.AttrDeclFile, Form: testutil.FormData1, Value: 1},
			testutil.Attr{Name: dwarf.AttrDeclLine, Form: testutil.FormData1, Value: 3},
			testutil.Attr{Name: dwarf.AttrLocation, Form: testutil.FormExprloc,
				Value: []byte{0x03, 0x00, 0x80, 0, 0, 0, 0, 0, 0}},
		)
		b.Die(dwarf.TagVariable, false,
			testutil.Attr{Name: dwarf.AttrName, Form: testutil.FormString, Value: "local"},
			testutil.Attr{Name: dwarf.AttrDeclFile, Form: testutil.FormData1, Value: 1},
			testutil.Attr{Name: dwarf.AttrDeclLine, Form: testutil.FormData1, Value: 9},
			testutil.Attr{Name: dwarf.AttrLocation, Form: testutil.FormExprloc, Value: []byte{0x91, 0x70}},
		)
		b.EndUnit()
		addSimpleUnit(b, "b.c", "beta", 0x2000, 0x40, 20)
		return b.Binary("prog", 8)
	}

	tests := []struct {
		name string
		sym  objfile.Symbol
		want Location
	}{
		{
			name: "function",
			sym:  objfile.Symbol{Name: "alpha", Value: 0x1000, Kind: objfile.SymbolFunc},
			want: Location{Found: Exact, File: "/build/a.c", Function: "alpha", Line: 9},
		},
		{
			name: "function in a later unit",
			sym:  objfile.Symbol{Name: "beta", Value: 0x2000, Kind: objfile.SymbolFunc},
			want: Location{Found: Exact, File: "/build/b.c", Function: "beta", Line: 19},
		},
		{
			name: "function at the wrong address",
			sym:  objfile.Symbol{Name: "beta", Value: 0x1000, Kind: objfile.SymbolFunc},
			want: Location{},
		},
		{
			name: "static variable",
			sym:  objfile.Symbol{Name: "counter", Value: 0x8000, Kind: objfile.SymbolObject},
			want: Location{Found: Exact, File: "/src/vars.c", Function: "counter", Line: 3},
		},
		{
			name: "stack variable never matches",
			sym:  objfile.Symbol{Name: "local", Value: 0, Kind: objfile.SymbolObject},
			want: Location{},
		},
	}

	for _, threshold := range []int{-1, 1} {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newTestStash(t, build(), func(o *Options) { o.SymbolIndexThreshold = threshold })
				loc, err := s.FindLineForSymbol(tt.sym)
				require.NoError(t, err)
				assert.Equal(t, tt.want, loc)
			})
		}
	}
}

func TestSymbolIndex(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	addSimpleUnit(b, "a.c", "alpha", 0x1000, 0x40, 10)
	addSimpleUnit(b, "b.c", "beta", 0x2000, 0x40, 20)
	addSimpleUnit(b, "c.c", "gamma", 0x3000, 0x40, 30)
	s := newTestStash(t, b.Binary("prog", 8), func(o *Options) { o.SymbolIndexThreshold = 2 })

	beta := objfile.Symbol{Name: "beta", Value: 0x2000, Kind: objfile.SymbolFunc}
	gamma := objfile.Symbol{Name: "gamma", Value: 0x3000, Kind: objfile.SymbolFunc}

	loc, err := s.FindLineForSymbol(beta)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), loc.Line)
	assert.Equal(t, symIndexOff, s.symIndex.state)
	assert.Len(t, s.main.units, 2)

	loc, err = s.FindLineForSymbol(beta)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), loc.Line)
	assert.Equal(t, symIndexOn, s.symIndex.state)
	assert.Equal(t, 2, s.symIndex.indexed)

	// Not indexed yet: found by parsing the last unit.
	loc, err = s.FindLineForSymbol(gamma)
	require.NoError(t, err)
	assert.Equal(t, "/build/c.c", loc.File)

	loc, err = s.FindLineForSymbol(gamma)
	require.NoError(t, err)
	assert.Equal(t, uint64(29), loc.Line)
	assert.Equal(t, 3, s.symIndex.indexed)
	assert.Len(t, s.symIndex.funcs["gamma"], 1)
}

func TestFindSymbolBias(t *testing.T) {
	b := testutil.NewDwarfBuilder()
	addSimpleUnit(b, "a.c", "alpha", 0x401000, 0x40, 10)
	addSimpleUnit(b, "b.c", "beta", 0x402000, 0x40, 20)

	tests := []struct {
		name string
		syms []objfile.Symbol
		want int64
	}{
		{
			name: "positive",
			syms: []objfile.Symbol{{Name: "beta", Value: 0x2000, Kind: objfile.SymbolFunc}},
			want: 0x400000,
		},
		{
			name: "negative",
			syms: []objfile.Symbol{{Name: "alpha", Value: 0x501000, Kind: objfile.SymbolFunc}},
			want: -0x100000,
		},
		{
			name: "first unit wins",
			syms: []objfile.Symbol{
				{Name: "beta", Value: 0x2000, Kind: objfile.SymbolFunc},
				{Name: "alpha", Value: 0x1000, Kind: objfile.SymbolFunc},
			},
			want: 0x400000,
		},
		{
			name: "data symbols are ignored",
			syms: []objfile.Symbol{{Name: "alpha", Value: 0x1000, Kind: objfile.SymbolObject}},
			want: 0,
		},
		{
			name: "no match",
			syms: []objfile.Symbol{{Name: "delta", Value: 0x1000, Kind: objfile.SymbolFunc}},
			want: 0,
		},
	}

	s := newTestStash(t, b.Binary("prog", 8))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.FindSymbolBias(tt.syms))
		})
	}
}
