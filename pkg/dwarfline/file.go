package dwarfline

import (
	"encoding/binary"

	"github.com/coral-mesh/addrline/pkg/dwarfline/trie"
	"github.com/coral-mesh/addrline/pkg/objfile"
)

// debugFile is the DWARF of one binary: the primary debug file or the
// supplementary file named by .gnu_debugaltlink. Units are parsed from
// .debug_info in order, on demand.
type debugFile struct {
	stash    *Stash
	bin      objfile.Binary
	order    binary.ByteOrder
	sections *sectionStore
	abbrevs  *abbrevCache
	info     []byte

	next      uint64
	exhausted bool
	units     []*unit
	index     *cuIndex
	trie      *trie.Trie[*unit]

	// onParsed is called for every unit added to units.
	onParsed func(*unit)
}

func newDebugFile(s *Stash, bin objfile.Binary) (*debugFile, error) {
	sections := newSectionStore(bin, s.opts.MaxSectionSize)
	info, err := sections.get(SectionInfo)
	if err != nil {
		return nil, err
	}
	order := bin.ByteOrder()
	if order == nil {
		order = binary.LittleEndian
	}
	return &debugFile{
		stash:    s,
		bin:      bin,
		order:    order,
		sections: sections,
		abbrevs:  newAbbrevCache(sections.optional(SectionAbbrev), order),
		info:     info,
		index:    newCUIndex(),
		trie:     trie.New[*unit](),
	}, nil
}

// parseNext parses the next unit from .debug_info. It returns nil once the
// section is exhausted or its remaining bytes cannot be trusted.
func (f *debugFile) parseNext() *unit {
	if f.exhausted {
		return nil
	}
	if f.next >= uint64(len(f.info)) {
		f.exhausted = true
		return nil
	}

	u, next, ok := f.parseUnit(f.next)
	if !ok {
		f.stash.log.Debug().Uint64("offset", f.next).Msg("Bad unit length, ignoring rest of .debug_info")
		f.exhausted = true
		return nil
	}
	f.next = next
	f.units = append(f.units, u)
	f.index.insert(u)
	if f.onParsed != nil {
		f.onParsed(u)
	}
	return u
}

// parseAll parses every remaining unit.
func (f *debugFile) parseAll() {
	for f.parseNext() != nil {
	}
}

// unitAt returns the unit containing the .debug_info offset off, parsing
// further units if needed.
func (f *debugFile) unitAt(off uint64) *unit {
	if u := f.index.find(off); u != nil {
		return u
	}
	for {
		u := f.parseNext()
		if u == nil {
			return nil
		}
		if off >= u.start && off < u.end {
			return u
		}
	}
}
