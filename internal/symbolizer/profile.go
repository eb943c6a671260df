package symbolizer

import (
	"fmt"
	"path/filepath"

	"github.com/google/pprof/profile"

	"github.com/coral-mesh/addrline/internal/safe"
	"github.com/coral-mesh/addrline/pkg/dwarfline"
	"github.com/coral-mesh/addrline/pkg/objfile"
)

// ProfileStats counts what SymbolizeProfile did.
type ProfileStats struct {
	Locations  int
	Symbolized int
	Skipped    int
}

// SymbolizeProfile fills in function, file and line information for the
// locations of p that belong to this binary and carry only an address.
// Each location's address is translated through its mapping to a
// link-time address before lookup.
func (s *Symbolizer) SymbolizeProfile(p *profile.Profile) (ProfileStats, error) {
	var stats ProfileStats
	textAddr, hasText := uint64(0), false
	if ts, ok := s.bin.(objfile.TextSegment); ok {
		textAddr, hasText = ts.TextSegmentAddr()
	}

	type funcKey struct{ name, file string }
	funcs := make(map[funcKey]*profile.Function, len(p.Function))
	var nextID uint64
	for _, f := range p.Function {
		funcs[funcKey{f.Name, f.Filename}] = f
		nextID = max(nextID, f.ID)
	}
	function := func(fr Frame) *profile.Function {
		key := funcKey{fr.Function, fr.File}
		if f, ok := funcs[key]; ok {
			return f
		}
		nextID++
		f := &profile.Function{ID: nextID, Name: fr.Function, SystemName: fr.Function, Filename: fr.File}
		p.Function = append(p.Function, f)
		funcs[key] = f
		return f
	}

	touched := make(map[*profile.Mapping]bool)
	for _, loc := range p.Location {
		stats.Locations++
		if len(loc.Line) > 0 || loc.Address == 0 || !s.ownsMapping(p, loc.Mapping) {
			stats.Skipped++
			continue
		}

		addr := loc.Address
		if m := loc.Mapping; m != nil && m.Start != 0 && hasText && s.opts.PID == 0 {
			addr = addr - m.Start + textAddr
		}

		frames, err := s.Resolve(addr)
		if err != nil {
			return stats, fmt.Errorf("failed to symbolize location %d: %w", loc.ID, err)
		}
		if len(frames) == 0 || frames[0].Found == dwarfline.Miss {
			stats.Skipped++
			continue
		}

		loc.Line = make([]profile.Line, 0, len(frames))
		for _, fr := range frames {
			line, _ := safe.Uint64ToInt64(fr.Line)
			col, _ := safe.Uint64ToInt64(fr.Column)
			loc.Line = append(loc.Line, profile.Line{Function: function(fr), Line: line, Column: col})
		}
		if loc.Mapping != nil {
			touched[loc.Mapping] = true
			if len(frames) > 1 {
				loc.Mapping.HasInlineFrames = true
			}
		}
		stats.Symbolized++
	}

	for m := range touched {
		m.HasFunctions = true
		m.HasFilenames = true
		m.HasLineNumbers = true
	}

	s.logger.Debug().
		Int("locations", stats.Locations).
		Int("symbolized", stats.Symbolized).
		Int("skipped", stats.Skipped).
		Msg("Profile symbolized")
	return stats, p.CheckValid()
}

// ownsMapping reports whether locations in m belong to the symbolized
// binary. The first mapping of a profile is the main executable by
// convention.
func (s *Symbolizer) ownsMapping(p *profile.Profile, m *profile.Mapping) bool {
	if m == nil {
		return true
	}
	if m.File != "" && filepath.Base(m.File) == filepath.Base(s.bin.Path()) {
		return true
	}
	return m.File == "" && len(p.Mapping) > 0 && p.Mapping[0] == m
}
