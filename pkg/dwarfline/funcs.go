package dwarfline

import (
	"cmp"
	"debug/dwarf"
	"slices"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// decl holds the declaration details that may be inherited through
// DW_AT_abstract_origin and DW_AT_specification.
type decl struct {
	name string
	// isLinkage is set when name is the symbol name: a linkage name, or a
	// plain name in a language without mangling.
	isLinkage bool
	file      string
	line      uint64
}

type function struct {
	decl
	tag      dwarf.Tag
	offset   uint64
	unit     *unit
	ranges   []Range
	caller   *function
	callFile string
	callLine uint64
	// symChecked is set once the symbol table has been consulted for the
	// function's name.
	symChecked bool
}

func (fn *function) addRange(low, high uint64) {
	fn.ranges = appendRange(fn.ranges, low, high)
}

type variable struct {
	decl
	tag    dwarf.Tag
	offset uint64
	addr   uint64
	// stack is cleared for variables with static storage: external ones
	// and those located by a plain DW_OP_addr expression.
	stack bool
}

// funcLookup is one entry of a unit's function search table. high is the
// largest end address of this entry and every entry before it, which keeps
// the table binary searchable when functions nest.
type funcLookup struct {
	fn   *function
	low  uint64
	high uint64
	idx  int
}

func (u *unit) buildLookup() {
	u.lookup = u.lookup[:0]
	for i, fn := range u.funcs {
		if len(fn.ranges) == 0 {
			continue
		}
		e := funcLookup{fn: fn, low: fn.ranges[0].Low, high: fn.ranges[0].High, idx: i}
		for _, r := range fn.ranges[1:] {
			e.low = min(e.low, r.Low)
			e.high = max(e.high, r.High)
		}
		u.lookup = append(u.lookup, e)
	}

	slices.SortFunc(u.lookup, func(a, b funcLookup) int {
		if c := cmp.Compare(a.low, b.low); c != 0 {
			return c
		}
		if c := cmp.Compare(a.high, b.high); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})
	for i := 1; i < len(u.lookup); i++ {
		u.lookup[i].high = max(u.lookup[i].high, u.lookup[i-1].high)
	}
}

// lookupFunction returns the innermost function covering addr: the one with
// the smallest containing range, preferring the later DIE on ties.
func (u *unit) lookupFunction(addr uint64) *function {
	lo, hi := 0, len(u.lookup)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		e := &u.lookup[mid]
		switch {
		case addr < e.low:
			hi = mid
		case addr >= e.high:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	var best *function
	var bestLen uint64
	bestIdx := -1
	for ; lo < len(u.lookup); lo++ {
		e := &u.lookup[lo]
		if e.low > addr {
			break
		}
		for _, r := range e.fn.ranges {
			if !r.Contains(addr) {
				continue
			}
			n := r.High - r.Low
			if best == nil || n < bestLen || (n == bestLen && e.idx > bestIdx) {
				best, bestLen, bestIdx = e.fn, n, e.idx
			}
		}
	}
	return best
}

// matchFunction picks, among fns, the function named like sym with the
// smallest range containing the symbol's address.
func matchFunction(fns []*function, sym objfile.Symbol) *function {
	var best *function
	var bestLen uint64
	for _, fn := range fns {
		if fn.file == "" || fn.name != sym.Name {
			continue
		}
		for _, r := range fn.ranges {
			if !r.Contains(sym.Value) {
				continue
			}
			if n := r.High - r.Low; best == nil || n < bestLen {
				best, bestLen = fn, n
			}
		}
	}
	return best
}

// matchVariable finds a statically allocated variable named like sym at the
// symbol's address. Later declarations win.
func matchVariable(vars []*variable, sym objfile.Symbol) *variable {
	for i := len(vars) - 1; i >= 0; i-- {
		v := vars[i]
		if !v.stack && v.file != "" && v.name == sym.Name && v.addr == sym.Value {
			return v
		}
	}
	return nil
}
