package dwarfline

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// span is the key of the unit index: a unit's byte range in .debug_info.
type span struct {
	start, end uint64
}

// compareSpans orders disjoint spans and treats overlapping ones as equal,
// so a one-byte span finds the unit containing that byte.
func compareSpans(a, b interface{}) int {
	x := a.(span)
	y := b.(span)
	switch {
	case x.end <= y.start:
		return -1
	case y.end <= x.start:
		return 1
	default:
		return 0
	}
}

// cuIndex maps .debug_info offsets to the units containing them.
type cuIndex struct {
	tree *redblacktree.Tree
}

func newCUIndex() *cuIndex {
	return &cuIndex{tree: redblacktree.NewWith(compareSpans)}
}

func (x *cuIndex) insert(u *unit) {
	if u.end <= u.start {
		return
	}
	x.tree.Put(span{start: u.start, end: u.end}, u)
}

// find returns the unit whose range contains off, or nil.
func (x *cuIndex) find(off uint64) *unit {
	v, ok := x.tree.Get(span{start: off, end: off + 1})
	if !ok {
		return nil
	}
	return v.(*unit)
}

func (x *cuIndex) size() int { return x.tree.Size() }
