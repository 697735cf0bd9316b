// Package entropy scores nested block hierarchies by description length.
package entropy

import (
	"fmt"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// Evaluator scores a hierarchy. Lower is better. Implementations are pure
// functions of the hierarchy state and safe for concurrent use on
// different hierarchies.
type Evaluator interface {
	Name() string
	Score(h *blockmodel.Hierarchy) float64
	Breakdown(h *blockmodel.Hierarchy) Breakdown
	// ScoreDelta returns score(after) - score(before) for m without applying it.
	ScoreDelta(h *blockmodel.Hierarchy, m blockmodel.Move) (float64, error)
	// MergeDelta returns the score change of merging block c into block a at level l.
	MergeDelta(h *blockmodel.Hierarchy, l, a, c int) (float64, error)
	// MergeShared returns the part of MergeDelta at level l that is the same
	// for every pair of blocks. Pair deltas taken at different block counts
	// compare correctly once it is subtracted.
	MergeShared(h *blockmodel.Hierarchy, l int) float64
}

// LevelTerms is the contribution of one level.
type LevelTerms struct {
	Level      int     `json:"level" yaml:"level"`
	Vertices   int     `json:"vertices" yaml:"vertices"`
	Blocks     int     `json:"blocks" yaml:"blocks"`
	Likelihood float64 `json:"likelihood" yaml:"likelihood"`
	Partition  float64 `json:"partition" yaml:"partition"`
}

// Breakdown decomposes a score into per-level terms and the top prior.
type Breakdown struct {
	Levels []LevelTerms `json:"levels" yaml:"levels"`
	Top    float64      `json:"top" yaml:"top"`
	Total  float64      `json:"total" yaml:"total"`
}

// MDL is a two-part description length for a nested Poisson block model.
//
// For each level with node graph A (N live nodes, B blocks of sizes n_r,
// block matrix e_rs with row and column sums e_r+ and e_r-, total E):
//
//	likelihood = E - Σ e_rs ln e_rs + Σ (e_r+ + e_r-) ln n_r + Σ ln A_ij!
//	partition  = ln C(N-1, B-1) + ln N! - Σ ln n_r! + ln N
//
// The top block matrix is encoded as a multiset of E edges over B² cells.
// Every term is finite for empty graphs, isolated vertices and single blocks.
type MDL struct{}

// NewMDL returns the description-length evaluator.
func NewMDL() *MDL {
	return &MDL{}
}

func (*MDL) Name() string {
	return "nested-poisson-mdl"
}

func (m *MDL) Score(h *blockmodel.Hierarchy) float64 {
	return m.Breakdown(h).Total
}

func (*MDL) Breakdown(h *blockmodel.Hierarchy) Breakdown {
	var out Breakdown
	var blocks int
	var total int64
	for l, lvl := range h.Levels() {
		n := h.EffectiveVertices(l)
		total = lvl.TotalWeight()

		t := LevelTerms{Level: l, Vertices: n}
		t.Likelihood = float64(total) + lnFactNodeGraph(h, l)
		for c := range lvl.Cells() {
			t.Likelihood -= xlogx(c.Weight)
		}
		var sumLnFact float64
		blocks = 0
		for r := 0; r < lvl.NumBlocks(); r++ {
			nr := h.LiveSize(l, r)
			if nr == 0 {
				continue
			}
			blocks++
			t.Likelihood += float64(lvl.BlockOut(r)+lvl.BlockIn(r)) * lnInt(nr)
			sumLnFact += lnFact(int64(nr))
		}
		t.Blocks = blocks
		t.Partition = partitionShape(n, blocks) - sumLnFact

		out.Levels = append(out.Levels, t)
		out.Total += t.Likelihood + t.Partition
	}
	out.Top = topTerm(blocks, total)
	out.Total += out.Top
	return out
}

// lnFactNodeGraph is Σ ln A_ij! over the node graph of level l, read from
// the block matrix below so stale node graphs are never consulted.
func lnFactNodeGraph(h *blockmodel.Hierarchy, l int) float64 {
	var s float64
	if l == 0 {
		for e := range h.Graph().Edges() {
			s += lnFact(e.Weight)
		}
		return s
	}
	for c := range h.Level(l - 1).Cells() {
		s += lnFact(c.Weight)
	}
	return s
}

type cellDelta struct {
	row, col int
	d        int64
}

// cellDeltas accumulates weight changes per block matrix cell in first-seen
// order so the float sums are reproducible.
type cellDeltas struct {
	index map[[2]int]int
	cells []cellDelta
}

func (c *cellDeltas) add(r, s int, d int64) {
	k := [2]int{r, s}
	if i, ok := c.index[k]; ok {
		c.cells[i].d += d
		return
	}
	c.index[k] = len(c.cells)
	c.cells = append(c.cells, cellDelta{row: r, col: s, d: d})
}

func (*MDL) ScoreDelta(h *blockmodel.Hierarchy, m blockmodel.Move) (float64, error) {
	l := m.Level
	lvl := h.Level(l)
	if lvl == nil {
		return 0, fmt.Errorf("%w: %d", blockmodel.ErrInvalidLevel, l)
	}
	r, err := lvl.BlockOf(m.Vertex)
	if err != nil {
		return 0, err
	}
	if lvl.Stale() {
		return 0, blockmodel.ErrStaleLevel
	}
	isNew := m.Target == blockmodel.NewBlock
	s := m.Target
	if isNew {
		s = lvl.NumBlocks()
	} else {
		if !lvl.HasBlock(s) {
			return 0, fmt.Errorf("%w: %d", blockmodel.ErrInvalidBlock, s)
		}
		if s == r {
			return 0, nil
		}
	}
	top := h.IsTop(l)
	if !top && !isNew && h.Parent(l, r) != h.Parent(l, s) {
		return 0, fmt.Errorf("%w: level %d blocks %d and %d", blockmodel.ErrParentMismatch, l, r, s)
	}

	nr := h.LiveSize(l, r)
	ns := 0
	if !isNew {
		ns = h.LiveSize(l, s)
	}
	if nr == 1 && ns == 0 {
		return 0, nil
	}

	deltas := cellDeltas{index: make(map[[2]int]int)}
	var kout, kin int64
	for u, w := range lvl.Graph().Neighbors(m.Vertex, graph.Out) {
		kout += w
		if u == m.Vertex {
			deltas.add(r, r, -w)
			deltas.add(s, s, w)
			continue
		}
		t := lvl.Block(u)
		deltas.add(r, t, -w)
		deltas.add(s, t, w)
	}
	for u, w := range lvl.Graph().Neighbors(m.Vertex, graph.In) {
		kin += w
		if u == m.Vertex {
			continue
		}
		t := lvl.Block(u)
		deltas.add(t, r, -w)
		deltas.add(t, s, w)
	}

	var delta float64
	for _, c := range deltas.cells {
		if c.d == 0 {
			continue
		}
		old := lvl.EdgeCount(c.row, c.col)
		next := old + c.d
		delta -= xlogx(next) - xlogx(old)
		if !top {
			delta += lnFact(next) - lnFact(old)
		}
	}

	er := lvl.BlockOut(r) + lvl.BlockIn(r)
	es := lvl.BlockOut(s) + lvl.BlockIn(s)
	k := kout + kin
	delta += float64(er-k)*lnInt(nr-1) - float64(er)*lnInt(nr)
	delta += float64(es+k)*lnInt(ns+1) - float64(es)*lnInt(ns)

	n := h.EffectiveVertices(l)
	b := lvl.NonEmptyBlocks()
	db := 0
	if nr == 1 {
		db--
	}
	if ns == 0 {
		db++
	}
	delta += partitionShape(n, b+db) - partitionShape(n, b)
	delta += lnInt(nr) - lnInt(ns+1)

	if db != 0 {
		delta += aboveDelta(h, l, r, b, db)
	}
	return delta, nil
}

// aboveDelta is the change outside level l when its block count moves by db:
// the top prior, or the partition and size terms of the parent level.
func aboveDelta(h *blockmodel.Hierarchy, l, r, b, db int) float64 {
	lvl := h.Level(l)
	if h.IsTop(l) {
		return topTerm(b+db, lvl.TotalWeight()) - topTerm(b, lvl.TotalWeight())
	}
	parent := h.Level(l + 1)
	p := h.Parent(l, r)
	np := h.LiveSize(l+1, p)
	bp := parent.NonEmptyBlocks()
	ep := parent.BlockOut(p) + parent.BlockIn(p)

	d := partitionShape(b+db, bp) - partitionShape(b, bp)
	d += lnFact(int64(np)) - lnFact(int64(np+db))
	d += float64(ep) * (lnInt(np+db) - lnInt(np))
	return d
}

func (*MDL) MergeDelta(h *blockmodel.Hierarchy, l, a, c int) (float64, error) {
	lvl := h.Level(l)
	if lvl == nil {
		return 0, fmt.Errorf("%w: %d", blockmodel.ErrInvalidLevel, l)
	}
	if a == c || !lvl.HasBlock(a) || !lvl.HasBlock(c) {
		return 0, fmt.Errorf("%w: cannot merge %d into %d", blockmodel.ErrInvalidBlock, c, a)
	}
	na, nc := h.LiveSize(l, a), h.LiveSize(l, c)
	if na == 0 || nc == 0 {
		return 0, fmt.Errorf("%w: merging an empty block", blockmodel.ErrInvalidBlock)
	}
	top := h.IsTop(l)
	if !top && h.Parent(l, a) != h.Parent(l, c) {
		return 0, fmt.Errorf("%w: level %d blocks %d and %d", blockmodel.ErrParentMismatch, l, a, c)
	}

	before := cellDeltas{index: make(map[[2]int]int)}
	for y, w := range lvl.OutRow(a) {
		before.add(a, y, w)
	}
	for y, w := range lvl.OutRow(c) {
		before.add(c, y, w)
	}
	for x, w := range lvl.InColumn(a) {
		if _, ok := before.index[[2]int{x, a}]; !ok {
			before.add(x, a, w)
		}
	}
	for x, w := range lvl.InColumn(c) {
		if _, ok := before.index[[2]int{x, c}]; !ok {
			before.add(x, c, w)
		}
	}
	after := cellDeltas{index: make(map[[2]int]int)}
	for _, cell := range before.cells {
		x, y := cell.row, cell.col
		if x == c {
			x = a
		}
		if y == c {
			y = a
		}
		after.add(x, y, cell.d)
	}

	var delta float64
	for _, cell := range before.cells {
		delta += xlogx(cell.d)
		if !top {
			delta -= lnFact(cell.d)
		}
	}
	for _, cell := range after.cells {
		delta -= xlogx(cell.d)
		if !top {
			delta += lnFact(cell.d)
		}
	}

	ea := lvl.BlockOut(a) + lvl.BlockIn(a)
	ec := lvl.BlockOut(c) + lvl.BlockIn(c)
	delta += float64(ea+ec)*lnInt(na+nc) - float64(ea)*lnInt(na) - float64(ec)*lnInt(nc)

	n := h.EffectiveVertices(l)
	b := lvl.NonEmptyBlocks()
	delta += partitionShape(n, b-1) - partitionShape(n, b)
	delta += lnFact(int64(na)) + lnFact(int64(nc)) - lnFact(int64(na+nc))
	delta += aboveDelta(h, l, a, b, -1)
	return delta, nil
}

func (*MDL) MergeShared(h *blockmodel.Hierarchy, l int) float64 {
	lvl := h.Level(l)
	if lvl == nil {
		return 0
	}
	b := lvl.NonEmptyBlocks()
	if b < 2 {
		return 0
	}
	n := h.EffectiveVertices(l)
	d := partitionShape(n, b-1) - partitionShape(n, b)
	if h.IsTop(l) {
		d += topTerm(b-1, lvl.TotalWeight()) - topTerm(b, lvl.TotalWeight())
	}
	return d
}
