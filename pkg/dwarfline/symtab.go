package dwarfline

import (
	"cmp"
	"slices"
	"sort"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// symbolTable is the binary's function symbols ordered by address.
type symbolTable struct {
	funcs  []objfile.Symbol
	byName map[string]objfile.Symbol
}

func newSymbolTable(syms []objfile.Symbol) *symbolTable {
	t := &symbolTable{byName: make(map[string]objfile.Symbol)}
	for _, sym := range syms {
		if sym.Kind != objfile.SymbolFunc || sym.Name == "" {
			continue
		}
		t.funcs = append(t.funcs, sym)
		if _, dup := t.byName[sym.Name]; !dup {
			t.byName[sym.Name] = sym
		}
	}
	slices.SortStableFunc(t.funcs, func(a, b objfile.Symbol) int {
		return cmp.Compare(a.Value, b.Value)
	})
	return t
}

// covering returns the function symbol at or below addr whose size, when
// known, reaches addr.
func (t *symbolTable) covering(addr uint64) (objfile.Symbol, bool) {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Value > addr }) - 1
	if i < 0 {
		return objfile.Symbol{}, false
	}
	sym := t.funcs[i]
	if sym.Size != 0 && addr-sym.Value >= sym.Size {
		return objfile.Symbol{}, false
	}
	return sym, true
}

func (s *Stash) symbols() *symbolTable {
	if s.symtab == nil {
		syms, err := s.bin.Symbols()
		if err != nil {
			s.log.Debug().Err(err).Msg("Symbol table not available")
		}
		s.symtab = newSymbolTable(syms)
	}
	return s.symtab
}
