package dwarfline

import (
	"debug/dwarf"
	"slices"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// Found says how good a Location is.
type Found int

const (
	// Miss means nothing is known about the address.
	Miss Found = iota
	// Exact means the line table covers the address.
	Exact
	// Approximate means only the enclosing function is known, from the
	// DWARF function table or from the symbol table.
	Approximate
)

func (f Found) String() string {
	switch f {
	case Exact:
		return "exact"
	case Approximate:
		return "approximate"
	default:
		return "miss"
	}
}

// Location is the source position of an address or symbol.
type Location struct {
	Found         Found
	File          string
	Function      string
	Line          uint64
	Column        uint64
	Discriminator uint64
}

type match struct {
	row   *lineRow
	lines *lineTable
	fn    *function
}

// FindNearestLine returns the source position of the code at addr. Units
// whose address ranges are known are consulted first, then units whose
// ranges are not known yet, and finally further units are parsed one at a
// time until one of them covers addr.
//
// If the innermost function at addr is an inlined instance,
// FindInlinerInfo can be used afterwards to walk out to its callers.
func (s *Stash) FindNearestLine(addr uint64) (Location, error) {
	if err := s.ready(); err != nil {
		return Location{}, err
	}
	s.inliner = nil
	s.query++

	var m match
	_ = s.searchIndexed(addr, &m) || s.searchWithoutRanges(addr, &m) || s.searchUnparsed(addr, &m)
	return s.location(addr, &m), nil
}

// findInUnit looks addr up in u's line and function tables.
func (s *Stash) findInUnit(u *unit, addr uint64, m *match) bool {
	if u.isTypeUnit() || !u.decode() {
		return false
	}
	fn := u.lookupFunction(addr)
	row, ok := u.lines.lookup(addr)
	if !ok && fn == nil {
		return false
	}
	if fn != nil && fn.tag == dwarf.TagInlinedSubroutine {
		s.inliner = fn
	}
	m.fn = fn
	if ok {
		m.row, m.lines = row, u.lines
	}
	return true
}

// searchIndexed tries the units the address trie associates with addr.
// Decoding a unit can add ranges for other units, so the trie is consulted
// again until it yields no unit not yet visited by this query.
func (s *Stash) searchIndexed(addr uint64, m *match) bool {
	for {
		var candidates []*unit
		s.main.trie.Lookup(addr, func(u *unit, _, _ uint64) bool {
			if u.visited != s.query {
				u.visited = s.query
				candidates = append(candidates, u)
			}
			return true
		})
		if len(candidates) == 0 {
			return false
		}
		for _, u := range candidates {
			if s.findInUnit(u, addr, m) {
				return true
			}
		}
	}
}

// searchWithoutRanges tries parsed units that declared no address ranges.
// Units that have gained ranges since, or failed, leave the list.
func (s *Stash) searchWithoutRanges(addr uint64, m *match) bool {
	found := false
	for _, u := range slices.Clone(s.withoutRanges) {
		if u.visited == s.query {
			continue
		}
		u.visited = s.query
		if s.findInUnit(u, addr, m) {
			found = true
			break
		}
	}
	s.withoutRanges = slices.DeleteFunc(s.withoutRanges, func(u *unit) bool {
		return u.state == unitFailed || len(u.ranges) > 0
	})
	return found
}

// searchUnparsed parses further units until one covers addr.
func (s *Stash) searchUnparsed(addr uint64, m *match) bool {
	for {
		before := len(s.main.units)
		u := s.main.parseNext()
		if u == nil {
			return false
		}
		u.visited = s.query
		if u.state != unitFailed && (len(u.ranges) == 0 || u.containsAddr(addr)) && s.findInUnit(u, addr, m) {
			return true
		}
		// Resolving references may have parsed units beyond u.
		if len(s.main.units) > before+1 {
			if s.searchIndexed(addr, m) || s.searchWithoutRanges(addr, m) {
				return true
			}
		}
	}
}

func (s *Stash) location(addr uint64, m *match) Location {
	var loc Location
	if m.row != nil {
		loc.Found = Exact
		loc.File = m.lines.filename(m.row.file)
		loc.Line = m.row.line
		loc.Column = m.row.column
		loc.Discriminator = m.row.disc
	}
	if m.fn != nil {
		s.checkSymbolName(m.fn)
		loc.Function = m.fn.name
	}
	if loc.Function == "" {
		if sym, ok := s.symbols().covering(addr); ok {
			loc.Function = sym.Name
		}
	}
	if loc.Found == Miss && loc.Function != "" {
		loc.Found = Approximate
	}
	return loc
}

// checkSymbolName replaces a plain DWARF name with the name of the symbol
// starting at the function's entry address, which is usually the mangled
// form. The symbol table is consulted once per function.
func (s *Stash) checkSymbolName(fn *function) {
	if fn.isLinkage || fn.symChecked || len(fn.ranges) == 0 {
		return
	}
	fn.symChecked = true
	entry := fn.ranges[0].Low
	if sym, ok := s.symbols().covering(entry); ok && sym.Value == entry {
		fn.name = sym.Name
		fn.isLinkage = true
	}
}

// FindInlinerInfo reports the call site of the inlined function matched by
// the last FindNearestLine call, and moves to its caller so that repeated
// calls walk the whole inline chain. It returns false once the outermost
// function has been reached.
func (s *Stash) FindInlinerInfo() (Location, bool) {
	fn := s.inliner
	if fn == nil || fn.caller == nil {
		return Location{}, false
	}
	s.inliner = fn.caller
	return Location{
		Found:    Exact,
		File:     fn.callFile,
		Function: fn.caller.name,
		Line:     fn.callLine,
	}, true
}

// FindLineForSymbol returns the declaration position of a function or
// statically allocated variable. Functions must have a DWARF range
// containing the symbol's address; variables must sit exactly at it.
func (s *Stash) FindLineForSymbol(sym objfile.Symbol) (Location, error) {
	if err := s.ready(); err != nil {
		return Location{}, err
	}
	s.inliner = nil
	isFunc := sym.Kind == objfile.SymbolFunc

	if s.symIndex.noteQuery() {
		s.symIndex.update(s.main)
		if fn, v := s.symIndex.find(sym); fn != nil || v != nil {
			return symbolLocation(fn, v), nil
		}
	} else {
		for i := 0; i < len(s.main.units); i++ {
			u := s.main.units[i]
			if isFunc && !u.mayContain(sym.Value) {
				continue
			}
			if loc, ok := s.findSymbolInUnit(u, sym); ok {
				return loc, nil
			}
		}
	}

	for {
		u := s.main.parseNext()
		if u == nil {
			return Location{}, nil
		}
		if isFunc && !u.mayContain(sym.Value) {
			continue
		}
		if loc, ok := s.findSymbolInUnit(u, sym); ok {
			return loc, nil
		}
	}
}

func (s *Stash) findSymbolInUnit(u *unit, sym objfile.Symbol) (Location, bool) {
	if u.isTypeUnit() || !u.decode() {
		return Location{}, false
	}
	if sym.Kind == objfile.SymbolFunc {
		if fn := matchFunction(u.funcs, sym); fn != nil {
			return symbolLocation(fn, nil), true
		}
		return Location{}, false
	}
	if v := matchVariable(u.vars, sym); v != nil {
		return symbolLocation(nil, v), true
	}
	return Location{}, false
}

func symbolLocation(fn *function, v *variable) Location {
	if fn != nil {
		return Location{Found: Exact, File: fn.file, Function: fn.name, Line: fn.line}
	}
	return Location{Found: Exact, File: v.file, Function: v.name, Line: v.line}
}

// FindSymbolBias estimates the load bias of the binary: the difference
// between the DWARF entry address of the first named function that also
// appears in syms and that symbol's value. It decodes every unit and
// returns 0 if no function matches.
func (s *Stash) FindSymbolBias(syms []objfile.Symbol) int64 {
	if err := s.ready(); err != nil {
		return 0
	}
	byName := newSymbolTable(syms).byName
	if len(byName) == 0 {
		return 0
	}

	s.main.parseAll()
	for i := 0; i < len(s.main.units); i++ {
		u := s.main.units[i]
		if u.isTypeUnit() || !u.decode() {
			continue
		}
		for _, fn := range u.funcs {
			if fn.name == "" || len(fn.ranges) == 0 || fn.ranges[0].Low == 0 {
				continue
			}
			if sym, ok := byName[fn.name]; ok {
				return int64(fn.ranges[0].Low - sym.Value)
			}
		}
	}
	return 0
}
