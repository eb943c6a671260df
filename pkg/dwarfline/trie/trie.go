// Package trie implements a radix-256 trie that maps 64-bit address ranges
// to values.
//
// Each level of the trie consumes one byte of the address, most significant
// byte first. Leaves hold small arrays of ranges and are promoted to
// 256-way interior nodes when they fill up, unless every range in the leaf
// covers the whole bucket or the leaf is already at the bottom of the
// address width, in which case the leaf grows instead.
package trie

const (
	addrBits        = 64
	initialLeafSize = 16
)

type entry[T comparable] struct {
	value     T
	low, high uint64
}

type node[T comparable] interface {
	isNode()
}

type leaf[T comparable] struct {
	entries []entry[T]
	room    int
}

type interior[T comparable] struct {
	children [256]node[T]
}

func (*leaf[T]) isNode()     {}
func (*interior[T]) isNode() {}

func newLeaf[T comparable](room int) *leaf[T] {
	return &leaf[T]{entries: make([]entry[T], 0, room), room: room}
}

// Trie maps half-open address ranges [low, high) to values. The zero value
// is not usable; call New.
type Trie[T comparable] struct {
	root   node[T]
	ranges int
}

// New returns an empty trie.
func New[T comparable]() *Trie[T] {
	return &Trie[T]{root: newLeaf[T](initialLeafSize)}
}

// Ranges returns the number of ranges passed to Insert that were not empty.
func (t *Trie[T]) Ranges() int { return t.ranges }

// Insert records that v covers [low, high). Empty ranges are ignored.
// Ranges of the same value that overlap or touch an entry already stored in
// a leaf are merged into it.
func (t *Trie[T]) Insert(v T, low, high uint64) {
	if low >= high {
		return
	}
	t.ranges++
	t.root = insert(t.root, 0, 0, v, low, high)
}

// bucketLast returns the last address (inclusive) of the bucket that starts
// at prefix after consumed bits.
func bucketLast(prefix uint64, consumed uint) uint64 {
	if consumed >= addrBits {
		return prefix
	}
	return prefix + (^uint64(0) >> consumed)
}

func touches(low1, high1, low2, high2 uint64) bool {
	if low1 == low2 || high1 == high2 {
		return true
	}
	if low1 > low2 {
		low1, high1, low2, high2 = low2, high2, low1, high1
	}
	return low2 <= high1
}

func insert[T comparable](n node[T], prefix uint64, consumed uint, v T, low, high uint64) node[T] {
	if lf, ok := n.(*leaf[T]); ok {
		for i := range lf.entries {
			e := &lf.entries[i]
			if e.value == v && touches(low, high, e.low, e.high) {
				e.low = min(e.low, low)
				e.high = max(e.high, high)
				return lf
			}
		}

		if len(lf.entries) < lf.room {
			lf.entries = append(lf.entries, entry[T]{value: v, low: low, high: high})
			return lf
		}

		if consumed < addrBits && splitHelps(lf, prefix, consumed) {
			in := &interior[T]{}
			for _, e := range lf.entries {
				insertChildren(in, prefix, consumed, e.value, e.low, e.high)
			}
			n = in
		} else {
			grown := newLeaf[T](lf.room * 2)
			grown.entries = append(grown.entries, lf.entries...)
			grown.entries = append(grown.entries, entry[T]{value: v, low: low, high: high})
			return grown
		}
	}

	insertChildren(n.(*interior[T]), prefix, consumed, v, low, high)
	return n
}

// splitHelps reports whether some entry in lf does not cover the whole
// bucket. If they all do, every child would receive a copy of every entry.
// A range ending at the top of the address space counts as reaching the end
// of the bucket, since no half-open range can contain the last address.
func splitHelps[T comparable](lf *leaf[T], prefix uint64, consumed uint) bool {
	last := bucketLast(prefix, consumed)
	for _, e := range lf.entries {
		if e.low > prefix || (e.high-1 < last && e.high != ^uint64(0)) {
			return true
		}
	}
	return false
}

func insertChildren[T comparable](in *interior[T], prefix uint64, consumed uint, v T, low, high uint64) {
	first := max(low, prefix)
	last := min(high-1, bucketLast(prefix, consumed))
	if first > last {
		return
	}

	shift := addrBits - consumed - 8
	from := (first >> shift) & 0xff
	to := (last >> shift) & 0xff
	for ch := from; ch <= to; ch++ {
		child := in.children[ch]
		if child == nil {
			child = newLeaf[T](initialLeafSize)
		}
		in.children[ch] = insert(child, prefix+ch<<shift, consumed+8, v, low, high)
	}
}

// Lookup calls fn for every stored range that contains addr. The same value
// can be reported more than once when it was inserted with several ranges.
// Lookup stops early when fn returns false.
func (t *Trie[T]) Lookup(addr uint64, fn func(v T, low, high uint64) bool) {
	n := t.root
	shift := uint(addrBits - 8)
	for n != nil {
		switch cur := n.(type) {
		case *interior[T]:
			n = cur.children[(addr>>shift)&0xff]
			shift -= 8
		case *leaf[T]:
			for _, e := range cur.entries {
				if e.low <= addr && addr < e.high {
					if !fn(e.value, e.low, e.high) {
						return
					}
				}
			}
			return
		}
	}
}
