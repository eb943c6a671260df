package symbolizer

import (
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolizeProfile(t *testing.T) {
	main := &profile.Mapping{ID: 1, Start: 0x1000, Limit: 0x9000, File: "/opt/bin/prog"}
	libc := &profile.Mapping{ID: 2, Start: 0x7f0000, Limit: 0x7f8000, File: "/lib/libc.so.6"}
	existing := &profile.Function{ID: 7, Name: "already", Filename: "done.c"}

	inlined := &profile.Location{ID: 1, Mapping: main, Address: 0x1020}
	plain := &profile.Location{ID: 2, Mapping: main, Address: 0x1044}
	foreign := &profile.Location{ID: 3, Mapping: libc, Address: 0x7f0010}
	unknown := &profile.Location{ID: 4, Mapping: main, Address: 0x5000}
	done := &profile.Location{ID: 5, Mapping: main, Address: 0x1004,
		Line: []profile.Line{{Function: existing, Line: 1}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{inlined, plain}, Value: []int64{3}},
			{Location: []*profile.Location{foreign, unknown, done}, Value: []int64{1}},
		},
		Mapping:  []*profile.Mapping{main, libc},
		Location: []*profile.Location{inlined, plain, foreign, unknown, done},
		Function: []*profile.Function{existing},
	}

	s := newTestSymbolizer(t, buildProgram(), Options{Inlines: true, Demangle: true})
	stats, err := s.SymbolizeProfile(p)
	require.NoError(t, err)
	assert.Equal(t, ProfileStats{Locations: 5, Symbolized: 2, Skipped: 3}, stats)

	require.Len(t, inlined.Line, 2)
	assert.Equal(t, "helper()", inlined.Line[0].Function.Name)
	assert.Equal(t, "/src/util.h", inlined.Line[0].Function.Filename)
	assert.Equal(t, int64(50), inlined.Line[0].Line)
	assert.Equal(t, "run()", inlined.Line[1].Function.Name)
	assert.Equal(t, int64(11), inlined.Line[1].Line)

	require.Len(t, plain.Line, 1)
	assert.Equal(t, int64(12), plain.Line[0].Line)
	assert.Same(t, inlined.Line[1].Function, plain.Line[0].Function, "functions are shared by name and file")
	assert.Greater(t, plain.Line[0].Function.ID, existing.ID)

	assert.Empty(t, foreign.Line)
	assert.Empty(t, unknown.Line)
	assert.Len(t, done.Line, 1)
	assert.Len(t, p.Function, 3)

	assert.True(t, main.HasFunctions)
	assert.True(t, main.HasLineNumbers)
	assert.True(t, main.HasInlineFrames)
	assert.False(t, libc.HasFunctions)
}

func TestOwnsMapping(t *testing.T) {
	s := newTestSymbolizer(t, buildProgram(), Options{})
	first := &profile.Mapping{ID: 1}
	second := &profile.Mapping{ID: 2}
	p := &profile.Profile{Mapping: []*profile.Mapping{first, second}}

	assert.True(t, s.ownsMapping(p, nil))
	assert.True(t, s.ownsMapping(p, first))
	assert.False(t, s.ownsMapping(p, second))
	assert.True(t, s.ownsMapping(p, &profile.Mapping{File: "/elsewhere/prog"}))
	assert.False(t, s.ownsMapping(p, &profile.Mapping{File: "/lib/other.so"}))
}
