package dwarfline

import (
	"github.com/coral-mesh/addrline/pkg/objfile"
)

// DefaultSymbolIndexThreshold is the number of symbol queries after which
// the name index is built.
const DefaultSymbolIndexThreshold = 100

type symIndexState uint8

const (
	symIndexOff symIndexState = iota
	symIndexOn
	symIndexDisabled
)

// symbolIndex maps names to the functions and variables of decoded units.
// It is only built once enough symbol queries have been made to pay for
// decoding every parsed unit, and then kept up to date as units are
// parsed.
type symbolIndex struct {
	state     symIndexState
	threshold int
	queries   int
	funcs     map[string][]*function
	vars      map[string][]*variable
	// indexed is the number of units, in parse order, already added.
	indexed int
}

func newSymbolIndex(threshold int) symbolIndex {
	switch {
	case threshold < 0:
		return symbolIndex{state: symIndexDisabled}
	case threshold == 0:
		threshold = DefaultSymbolIndexThreshold
	}
	return symbolIndex{threshold: threshold}
}

// noteQuery counts a symbol query and reports whether the index should be
// used for it.
func (x *symbolIndex) noteQuery() bool {
	if x.state == symIndexOff {
		x.queries++
		if x.queries >= x.threshold {
			x.state = symIndexOn
			x.funcs = make(map[string][]*function)
			x.vars = make(map[string][]*variable)
		}
	}
	return x.state == symIndexOn
}

func (x *symbolIndex) add(u *unit) {
	for _, fn := range u.funcs {
		if fn.name != "" {
			x.funcs[fn.name] = append(x.funcs[fn.name], fn)
		}
	}
	for _, v := range u.vars {
		if v.name != "" && !v.stack {
			x.vars[v.name] = append(x.vars[v.name], v)
		}
	}
}

func (x *symbolIndex) find(sym objfile.Symbol) (*function, *variable) {
	if sym.Kind == objfile.SymbolFunc {
		return matchFunction(x.funcs[sym.Name], sym), nil
	}
	return nil, matchVariable(x.vars[sym.Name], sym)
}

// update indexes every unit of f parsed since the last update.
func (x *symbolIndex) update(f *debugFile) {
	for ; x.indexed < len(f.units); x.indexed++ {
		if u := f.units[x.indexed]; u.decode() {
			x.add(u)
		}
	}
}
