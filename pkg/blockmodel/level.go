// Package blockmodel maintains block partitions of a connectome and the
// nested hierarchy built from them.
package blockmodel

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// Cell is one non-zero entry e_rs of a block matrix.
type Cell struct {
	Row    int   `json:"row"`
	Col    int   `json:"col"`
	Weight int64 `json:"weight"`
}

// Level is a partition of one node graph into blocks together with the
// aggregated block matrix. Block ids are dense in [0, NumBlocks); blocks
// may be transiently empty until Prune removes them.
type Level struct {
	g     *graph.Store
	stale bool

	b       []int   // vertex -> block
	pos     []int   // index of each vertex inside members[b[v]]
	members [][]int // block -> vertices
	size    []int

	outW []int64         // e_r+
	inW  []int64         // e_r-
	out  []map[int]int64 // out[r][s] = e_rs
	in   []map[int]int64 // in[s][r] = e_rs

	empty map[int]struct{}
}

// NewLevel partitions g according to assignment. Labels must be
// non-negative; the level gets max(label)+1 blocks.
func NewLevel(g *graph.Store, assignment []int) (*Level, error) {
	if len(assignment) != g.NumVertices() {
		return nil, fmt.Errorf("%w: assignment covers %d vertices, graph has %d",
			ErrInvalidVertex, len(assignment), g.NumVertices())
	}

	numBlocks := 0
	for v, r := range assignment {
		if r < 0 {
			return nil, fmt.Errorf("%w: vertex %d assigned to %d", ErrInvalidBlock, v, r)
		}
		numBlocks = max(numBlocks, r+1)
	}

	l := &Level{
		g:   g,
		b:   slices.Clone(assignment),
		pos: make([]int, len(assignment)),
	}
	l.allocBlocks(numBlocks)
	for v, r := range l.b {
		l.pos[v] = len(l.members[r])
		l.members[r] = append(l.members[r], v)
		l.size[r]++
	}
	l.recount()
	return l, nil
}

// Singletons places every vertex of g in its own block.
func Singletons(g *graph.Store) *Level {
	assignment := make([]int, g.NumVertices())
	for v := range assignment {
		assignment[v] = v
	}
	l, _ := NewLevel(g, assignment)
	return l
}

func (l *Level) allocBlocks(n int) {
	l.members = make([][]int, n)
	l.size = make([]int, n)
	l.outW = make([]int64, n)
	l.inW = make([]int64, n)
	l.out = make([]map[int]int64, n)
	l.in = make([]map[int]int64, n)
	for r := 0; r < n; r++ {
		l.out[r] = make(map[int]int64)
		l.in[r] = make(map[int]int64)
	}
}

// recount rebuilds the block matrix from the node graph.
func (l *Level) recount() {
	for r := range l.size {
		l.outW[r] = 0
		l.inW[r] = 0
		clear(l.out[r])
		clear(l.in[r])
	}
	for e := range l.g.Edges() {
		l.addCell(l.b[e.Source], l.b[e.Target], e.Weight)
	}
	l.empty = make(map[int]struct{})
	for r, n := range l.size {
		if n == 0 {
			l.empty[r] = struct{}{}
		}
	}
}

func (l *Level) addCell(r, s int, w int64) {
	if w == 0 {
		return
	}
	v := l.out[r][s] + w
	if v == 0 {
		delete(l.out[r], s)
		delete(l.in[s], r)
	} else {
		l.out[r][s] = v
		l.in[s][r] = v
	}
	l.outW[r] += w
	l.inW[s] += w
}

// Graph returns the node graph this level partitions.
func (l *Level) Graph() *graph.Store { return l.g }

// Stale reports whether the node graph needs rebuilding before vertex moves.
func (l *Level) Stale() bool { return l.stale }

// NumVertices returns the number of nodes at this level.
func (l *Level) NumVertices() int { return len(l.b) }

// NumBlocks returns the number of block ids, including empty ones.
func (l *Level) NumBlocks() int { return len(l.size) }

// NonEmptyBlocks returns B, the number of occupied blocks.
func (l *Level) NonEmptyBlocks() int { return len(l.size) - len(l.empty) }

// EmptyBlocks lists empty block ids in increasing order.
func (l *Level) EmptyBlocks() []int {
	ids := slices.Collect(maps.Keys(l.empty))
	slices.Sort(ids)
	return ids
}

// TotalWeight returns E, the total weight of the block matrix.
func (l *Level) TotalWeight() int64 { return l.g.TotalWeight() }

// Block returns the block of v, or -1 when v is not a vertex of this level.
func (l *Level) Block(v int) int {
	if v < 0 || v >= len(l.b) {
		return -1
	}
	return l.b[v]
}

// BlockOf is Block with an error for invalid vertices.
func (l *Level) BlockOf(v int) (int, error) {
	if v < 0 || v >= len(l.b) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVertex, v)
	}
	return l.b[v], nil
}

// HasBlock reports whether r is a valid block id.
func (l *Level) HasBlock(r int) bool { return r >= 0 && r < len(l.size) }

// BlockSize returns n_r.
func (l *Level) BlockSize(r int) int {
	if !l.HasBlock(r) {
		return 0
	}
	return l.size[r]
}

// BlockOut returns e_r+, the total weight leaving block r.
func (l *Level) BlockOut(r int) int64 {
	if !l.HasBlock(r) {
		return 0
	}
	return l.outW[r]
}

// BlockIn returns e_r-, the total weight entering block r.
func (l *Level) BlockIn(r int) int64 {
	if !l.HasBlock(r) {
		return 0
	}
	return l.inW[r]
}

// EdgeCount returns e_rs.
func (l *Level) EdgeCount(r, s int) int64 {
	if !l.HasBlock(r) || !l.HasBlock(s) {
		return 0
	}
	return l.out[r][s]
}

// OutRow yields the non-zero cells (s, e_rs) of row r in increasing s.
func (l *Level) OutRow(r int) iter.Seq2[int, int64] {
	return sortedEntries(l, r, true)
}

// InColumn yields the non-zero cells (r, e_rs) of column s in increasing r.
func (l *Level) InColumn(s int) iter.Seq2[int, int64] {
	return sortedEntries(l, s, false)
}

func sortedEntries(l *Level, r int, out bool) iter.Seq2[int, int64] {
	return func(yield func(int, int64) bool) {
		if !l.HasBlock(r) {
			return
		}
		m := l.in[r]
		if out {
			m = l.out[r]
		}
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

// Cells yields every non-zero block matrix entry in row-major order.
func (l *Level) Cells() iter.Seq[Cell] {
	return func(yield func(Cell) bool) {
		for r := range l.out {
			for s, w := range l.OutRow(r) {
				if !yield(Cell{Row: r, Col: s, Weight: w}) {
					return
				}
			}
		}
	}
}

// Members returns a copy of the vertices of block r.
func (l *Level) Members(r int) []int {
	if !l.HasBlock(r) {
		return nil
	}
	return slices.Clone(l.members[r])
}

// Assignment returns a copy of the vertex -> block map.
func (l *Level) Assignment() []int {
	return slices.Clone(l.b)
}

// Assign moves v into block s, updating the block matrix in O(deg(v)).
func (l *Level) Assign(v, s int) error {
	if l.stale {
		return ErrStaleLevel
	}
	if v < 0 || v >= len(l.b) {
		return fmt.Errorf("%w: %d", ErrInvalidVertex, v)
	}
	if !l.HasBlock(s) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, s)
	}
	r := l.b[v]
	if r == s {
		return nil
	}

	for u, w := range l.g.Neighbors(v, graph.Out) {
		if u == v {
			l.addCell(r, r, -w)
			l.addCell(s, s, w)
			continue
		}
		t := l.b[u]
		l.addCell(r, t, -w)
		l.addCell(s, t, w)
	}
	for u, w := range l.g.Neighbors(v, graph.In) {
		if u == v {
			continue
		}
		t := l.b[u]
		l.addCell(t, r, -w)
		l.addCell(t, s, w)
	}

	l.removeMember(v)
	l.b[v] = s
	l.addMember(v)
	return nil
}

func (l *Level) removeMember(v int) {
	r := l.b[v]
	i := l.pos[v]
	last := l.members[r][len(l.members[r])-1]
	l.members[r][i] = last
	l.pos[last] = i
	l.members[r] = l.members[r][:len(l.members[r])-1]
	l.size[r]--
	if l.size[r] == 0 {
		l.empty[r] = struct{}{}
	}
}

func (l *Level) addMember(v int) {
	s := l.b[v]
	l.pos[v] = len(l.members[s])
	l.members[s] = append(l.members[s], v)
	l.size[s]++
	if l.size[s] == 1 {
		delete(l.empty, s)
	}
}

// AddBlock appends an empty block and returns its id.
func (l *Level) AddBlock() int {
	id := len(l.size)
	l.members = append(l.members, nil)
	l.size = append(l.size, 0)
	l.outW = append(l.outW, 0)
	l.inW = append(l.inW, 0)
	l.out = append(l.out, make(map[int]int64))
	l.in = append(l.in, make(map[int]int64))
	l.empty[id] = struct{}{}
	return id
}

// MergeBlocks moves every vertex of c into a. Block c is left empty.
// Only block matrix rows and columns of a and c are touched.
func (l *Level) MergeBlocks(a, c int) error {
	if !l.HasBlock(a) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, a)
	}
	if !l.HasBlock(c) || a == c {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, c)
	}

	for x, w := range l.out[c] {
		delete(l.in[x], c)
		if x == c {
			x = a
		}
		l.out[a][x] += w
		l.in[x][a] += w
	}
	for x, w := range l.in[c] {
		if x == c {
			continue
		}
		delete(l.out[x], c)
		l.out[x][a] += w
		l.in[a][x] += w
	}
	l.out[c] = make(map[int]int64)
	l.in[c] = make(map[int]int64)
	l.outW[a] += l.outW[c]
	l.inW[a] += l.inW[c]
	l.outW[c] = 0
	l.inW[c] = 0

	for _, v := range l.members[c] {
		l.b[v] = a
		l.pos[v] = len(l.members[a])
		l.members[a] = append(l.members[a], v)
	}
	if l.size[c] > 0 && l.size[a] == 0 {
		delete(l.empty, a)
	}
	l.size[a] += l.size[c]
	l.size[c] = 0
	l.members[c] = nil
	l.empty[c] = struct{}{}
	return nil
}

// SplitBlock moves the vertices of r selected by toNew into a fresh block
// and returns its id.
func (l *Level) SplitBlock(r int, toNew func(v int) bool) (int, error) {
	if l.stale {
		return 0, ErrStaleLevel
	}
	if !l.HasBlock(r) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBlock, r)
	}
	s := l.AddBlock()
	for _, v := range l.Members(r) {
		if toNew(v) {
			if err := l.Assign(v, s); err != nil {
				return 0, err
			}
		}
	}
	return s, nil
}

// Prune removes every empty block, filling each hole with the highest id.
// It returns the number of removed blocks.
func (l *Level) Prune() int {
	return l.prune(nil)
}

func (l *Level) prune(onRemove func(r int)) int {
	removed := 0
	for r := 0; r < len(l.size); {
		if l.size[r] != 0 {
			r++
			continue
		}
		l.removeEmptyBlock(r)
		if onRemove != nil {
			onRemove(r)
		}
		removed++
	}
	return removed
}

// removeEmptyBlock deletes empty block r by relabelling the last block to r.
func (l *Level) removeEmptyBlock(r int) {
	last := len(l.size) - 1
	if r != last {
		row, col := l.out[last], l.in[last]
		newRow := make(map[int]int64, len(row))
		newCol := make(map[int]int64, len(col))
		for x, w := range row {
			if x == last {
				newRow[r] = w
				continue
			}
			newRow[x] = w
			delete(l.in[x], last)
			l.in[x][r] = w
		}
		for x, w := range col {
			if x == last {
				newCol[r] = w
				continue
			}
			newCol[x] = w
			delete(l.out[x], last)
			l.out[x][r] = w
		}
		l.out[r], l.in[r] = newRow, newCol
		l.outW[r], l.inW[r] = l.outW[last], l.inW[last]
		l.size[r] = l.size[last]
		l.members[r] = l.members[last]
		for _, v := range l.members[r] {
			l.b[v] = r
		}
		delete(l.empty, r)
		if _, ok := l.empty[last]; ok {
			l.empty[r] = struct{}{}
		}
	}
	delete(l.empty, last)
	l.members = l.members[:last]
	l.size = l.size[:last]
	l.outW = l.outW[:last]
	l.inW = l.inW[:last]
	l.out = l.out[:last]
	l.in = l.in[:last]
}

// appendVertex adds an isolated node to block r. The level becomes stale.
func (l *Level) appendVertex(r int) {
	v := len(l.b)
	l.b = append(l.b, r)
	l.pos = append(l.pos, 0)
	l.addMember(v)
	l.stale = true
}

// removeVertex deletes isolated node v, relabelling the last node to v.
func (l *Level) removeVertex(v int) {
	l.removeMember(v)
	last := len(l.b) - 1
	if v != last {
		r := l.b[last]
		l.members[r][l.pos[last]] = v
		l.pos[v] = l.pos[last]
		l.b[v] = r
	}
	l.b = l.b[:last]
	l.pos = l.pos[:last]
	l.stale = true
}

// rebind swaps in a rebuilt node graph and recounts the block matrix.
func (l *Level) rebind(g *graph.Store) error {
	if g.NumVertices() != len(l.b) {
		return fmt.Errorf("%w: rebuilt graph has %d vertices, level has %d",
			ErrInconsistent, g.NumVertices(), len(l.b))
	}
	l.g = g
	l.recount()
	l.stale = false
	return nil
}

// BlockGraph returns the block matrix as a graph whose vertices are the
// block ids of this level.
func (l *Level) BlockGraph() *graph.Store {
	edges := make([]graph.Edge, 0)
	for c := range l.Cells() {
		edges = append(edges, graph.Edge{Source: c.Row, Target: c.Col, Weight: c.Weight})
	}
	g, _ := graph.Load(len(l.size), edges)
	return g
}

// Clone returns a deep copy sharing only the immutable node graph.
func (l *Level) Clone() *Level {
	c := &Level{
		g:       l.g,
		stale:   l.stale,
		b:       slices.Clone(l.b),
		pos:     slices.Clone(l.pos),
		members: make([][]int, len(l.members)),
		size:    slices.Clone(l.size),
		outW:    slices.Clone(l.outW),
		inW:     slices.Clone(l.inW),
		out:     make([]map[int]int64, len(l.out)),
		in:      make([]map[int]int64, len(l.in)),
		empty:   maps.Clone(l.empty),
	}
	for r := range l.members {
		c.members[r] = slices.Clone(l.members[r])
		c.out[r] = maps.Clone(l.out[r])
		c.in[r] = maps.Clone(l.in[r])
	}
	return c
}

// Validate recounts the level from scratch and compares it with the
// incrementally maintained statistics.
func (l *Level) Validate() error {
	if l.stale {
		return ErrStaleLevel
	}
	fresh, err := NewLevel(l.g, l.b)
	if err != nil {
		return err
	}
	if len(fresh.size) > len(l.size) {
		return fmt.Errorf("%w: vertex assigned beyond %d blocks", ErrInconsistent, len(l.size))
	}
	for r := range l.size {
		var n int
		var outW, inW int64
		if r < len(fresh.size) {
			n, outW, inW = fresh.size[r], fresh.outW[r], fresh.inW[r]
		}
		if l.size[r] != n || len(l.members[r]) != n {
			return fmt.Errorf("%w: block %d size %d, recount %d", ErrInconsistent, r, l.size[r], n)
		}
		if l.outW[r] != outW || l.inW[r] != inW {
			return fmt.Errorf("%w: block %d totals (%d, %d), recount (%d, %d)",
				ErrInconsistent, r, l.outW[r], l.inW[r], outW, inW)
		}
		var want map[int]int64
		if r < len(fresh.out) {
			want = fresh.out[r]
		}
		if !maps.Equal(l.out[r], want) {
			return fmt.Errorf("%w: block %d row differs from recount", ErrInconsistent, r)
		}
		for s, w := range l.out[r] {
			if l.in[s][r] != w {
				return fmt.Errorf("%w: cell (%d, %d) row/column mismatch", ErrInconsistent, r, s)
			}
		}
		_, isEmpty := l.empty[r]
		if isEmpty != (n == 0) {
			return fmt.Errorf("%w: block %d empty flag", ErrInconsistent, r)
		}
		for i, v := range l.members[r] {
			if l.b[v] != r || l.pos[v] != i {
				return fmt.Errorf("%w: vertex %d membership", ErrInconsistent, v)
			}
		}
	}
	return nil
}
