package dwarfline

import (
	"cmp"
	"slices"
	"sort"
	"strings"
)

type lineRow struct {
	addr    uint64
	opIndex uint32
	end     bool
	file    uint64
	line    uint64
	column  uint64
	disc    uint64
}

// sortsAfter reports whether r belongs strictly after o in a sequence.
func (r *lineRow) sortsAfter(o *lineRow) bool {
	return r.addr > o.addr || (r.addr == o.addr && r.opIndex > o.opIndex)
}

func (r *lineRow) sameSlot(o *lineRow) bool {
	return r.addr == o.addr && r.opIndex == o.opIndex && r.end == o.end
}

// sequence is a run of rows ending in an end_sequence row. Rows are kept in
// ascending (address, op index) order as they are inserted.
type sequence struct {
	low  uint64
	high uint64
	rows []lineRow
	// hint is the index of the row the last out-of-order insertion went in
	// front of. Runs of out-of-order rows usually land next to each other.
	hint  int
	order int
}

func (s *sequence) last() *lineRow { return &s.rows[len(s.rows)-1] }

type fileEntry struct {
	name string
	dir  uint64
}

// lineTable is the decoded line number program of one unit.
type lineTable struct {
	version   uint16
	compDir   string
	dirs      []string
	files     []fileEntry
	seqs      []*sequence
	cur       *sequence
	finalized bool
}

// addRow inserts r into the open sequence, starting a new sequence after an
// end_sequence row. Rows normally arrive in ascending order and are
// appended. Out-of-order rows are placed by trying the position of the
// previous out-of-order row first and scanning backwards from the end
// otherwise. A row that lands on the same (address, op index, end) slot as
// an existing row replaces it.
func (t *lineTable) addRow(r lineRow) {
	seq := t.cur
	if seq == nil {
		seq = &sequence{low: r.addr, high: r.addr, order: len(t.seqs)}
		seq.rows = append(seq.rows, r)
		t.seqs = append(t.seqs, seq)
		t.cur = seq
		if r.end {
			t.cur = nil
		}
		return
	}

	last := seq.last()
	switch {
	case last.sameSlot(&r):
		*last = r
	case r.end || r.sortsAfter(last):
		seq.rows = append(seq.rows, r)
	default:
		h := seq.hint
		if h <= 0 || h >= len(seq.rows) || !fitsBefore(seq.rows, h, &r) {
			h = len(seq.rows) - 1
			for h > 0 && !fitsBefore(seq.rows, h, &r) {
				h--
			}
		}
		if seq.rows[h].sameSlot(&r) {
			seq.rows[h] = r
		} else {
			seq.rows = slices.Insert(seq.rows, h, r)
			h++
		}
		seq.hint = h
	}

	seq.low = min(seq.low, r.addr)
	seq.high = seq.last().addr
	if r.end {
		t.cur = nil
	}
}

// fitsBefore reports whether r can be inserted at index h without breaking
// the ascending order of rows.
func fitsBefore(rows []lineRow, h int, r *lineRow) bool {
	if r.sortsAfter(&rows[h]) {
		return false
	}
	return h == 0 || r.sortsAfter(&rows[h-1])
}

// finalize sorts the sequences by start address and removes overlaps so
// the table can be binary searched. Nested sequences are dropped and
// partially overlapping ones are clipped at the front. It is safe to call
// more than once.
func (t *lineTable) finalize() {
	if t.finalized {
		return
	}
	t.finalized = true
	t.cur = nil
	if len(t.seqs) == 0 {
		return
	}

	slices.SortStableFunc(t.seqs, func(a, b *sequence) int {
		if c := cmp.Compare(a.low, b.low); c != 0 {
			return c
		}
		if c := cmp.Compare(b.high, a.high); c != 0 {
			return c
		}
		if c := cmp.Compare(b.last().opIndex, a.last().opIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	kept := t.seqs[:1]
	lastHigh := t.seqs[0].high
	for _, s := range t.seqs[1:] {
		if s.low < lastHigh {
			if s.high <= lastHigh {
				continue
			}
			s.low = lastHigh
		}
		lastHigh = s.high
		kept = append(kept, s)
	}
	clear(t.seqs[len(kept):])
	t.seqs = kept
}

// lookup returns the row covering addr. The final row of a sequence marks
// its end and is never returned.
func (t *lineTable) lookup(addr uint64) (*lineRow, bool) {
	t.finalize()

	i := sort.Search(len(t.seqs), func(i int) bool { return t.seqs[i].high > addr })
	if i == len(t.seqs) || addr < t.seqs[i].low {
		return nil, false
	}
	seq := t.seqs[i]

	j := sort.Search(len(seq.rows), func(j int) bool { return seq.rows[j].addr > addr }) - 1
	if j < 0 || j == len(seq.rows)-1 || seq.rows[j].end {
		return nil, false
	}
	return &seq.rows[j], true
}

// filename builds the path of file entry idx. DWARF 5 numbers files and
// directories from 0, earlier versions from 1 with directory 0 meaning the
// compilation directory. Relative names are joined to their directory, and
// relative directories to the compilation directory.
func (t *lineTable) filename(idx uint64) string {
	i := idx
	if t.version < 5 {
		if idx == 0 {
			return ""
		}
		i = idx - 1
	}
	if i >= uint64(len(t.files)) {
		return ""
	}

	f := t.files[i]
	if isAbsPath(f.name) {
		return f.name
	}

	var subdir string
	if t.version >= 5 {
		if f.dir < uint64(len(t.dirs)) {
			subdir = t.dirs[f.dir]
		}
	} else if f.dir != 0 && f.dir <= uint64(len(t.dirs)) {
		subdir = t.dirs[f.dir-1]
	}

	var dir string
	if subdir == "" || !isAbsPath(subdir) {
		dir = t.compDir
	}
	if dir == "" {
		dir, subdir = subdir, ""
	}
	switch {
	case dir == "":
		return f.name
	case subdir != "":
		return dir + "/" + subdir + "/" + f.name
	default:
		return dir + "/" + f.name
	}
}

// isAbsPath accepts both POSIX paths and the DOS forms that cross compilers
// record.
func isAbsPath(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '/' || p[2] == '\\')
}
