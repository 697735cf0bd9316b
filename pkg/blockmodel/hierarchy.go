package blockmodel

import (
	"fmt"
	"iter"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// NewBlock as a Move target asks for a fresh block that inherits the
// parent of the vertex's current block.
const NewBlock = -1

// Move relocates one vertex at one level.
type Move struct {
	Level  int `json:"level"`
	Vertex int `json:"vertex"`
	Target int `json:"target"`
}

// Hierarchy is an ordered list of levels. Level 0 partitions the input
// graph; level l+1 partitions the blocks of level l, so the number of
// vertices at l+1 equals the number of blocks at l.
//
// Moves at a level below the top are restricted to blocks that share a
// parent. That keeps every coarser block matrix unchanged; only the node
// graph of level l+1 goes stale and must be rebuilt before its own vertices
// move.
type Hierarchy struct {
	g      *graph.Store
	levels []*Level
}

// NewHierarchy returns a one-level hierarchy with every vertex in its own block.
func NewHierarchy(g *graph.Store) *Hierarchy {
	return &Hierarchy{g: g, levels: []*Level{Singletons(g)}}
}

// FromAssignments rebuilds a hierarchy from per-level block labels, as
// produced by Assignments.
func FromAssignments(g *graph.Store, assignments [][]int) (*Hierarchy, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: no levels", ErrInvalidLevel)
	}
	h := &Hierarchy{g: g}
	node := g
	for l, a := range assignments {
		lvl, err := NewLevel(node, a)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", l, err)
		}
		h.levels = append(h.levels, lvl)
		node = lvl.BlockGraph()
	}
	return h, nil
}

// Graph returns the input graph.
func (h *Hierarchy) Graph() *graph.Store { return h.g }

// NumLevels returns the number of levels.
func (h *Hierarchy) NumLevels() int { return len(h.levels) }

// Level returns level l, or nil when l is out of range.
func (h *Hierarchy) Level(l int) *Level {
	if l < 0 || l >= len(h.levels) {
		return nil
	}
	return h.levels[l]
}

// Top returns the coarsest level.
func (h *Hierarchy) Top() *Level { return h.levels[len(h.levels)-1] }

// IsTop reports whether l is the coarsest level.
func (h *Hierarchy) IsTop(l int) bool { return l == len(h.levels)-1 }

// Levels yields (index, level) from finest to coarsest.
func (h *Hierarchy) Levels() iter.Seq2[int, *Level] {
	return func(yield func(int, *Level) bool) {
		for l, lvl := range h.levels {
			if !yield(l, lvl) {
				return
			}
		}
	}
}

func (h *Hierarchy) level(l int) (*Level, error) {
	if l < 0 || l >= len(h.levels) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidLevel, l, len(h.levels))
	}
	return h.levels[l], nil
}

// Parent returns the block at level l+1 containing block r of level l, or
// -1 when l is the top level.
func (h *Hierarchy) Parent(l, r int) int {
	if l < 0 || l+1 >= len(h.levels) {
		return -1
	}
	return h.levels[l+1].Block(r)
}

// LiveSize returns the number of vertices of block r at level l that are
// themselves non-empty blocks of level l-1.
func (h *Hierarchy) LiveSize(l, r int) int {
	lvl := h.Level(l)
	if lvl == nil {
		return 0
	}
	n := lvl.BlockSize(r)
	if l == 0 || n == 0 {
		return n
	}
	for e := range h.levels[l-1].empty {
		if lvl.b[e] == r {
			n--
		}
	}
	return n
}

// EffectiveVertices returns the number of live vertices at level l.
func (h *Hierarchy) EffectiveVertices(l int) int {
	if l == 0 {
		return h.g.NumVertices()
	}
	return h.levels[l-1].NonEmptyBlocks()
}

// BuildNextLevel pushes a singleton level over the block graph of the top
// level. It reports true, and pushes nothing, when the top level already
// has at most one block.
func (h *Hierarchy) BuildNextLevel() (bool, error) {
	top := h.Top()
	if top.NonEmptyBlocks() <= 1 {
		return true, nil
	}
	h.Prune(len(h.levels) - 1)
	h.levels = append(h.levels, Singletons(top.BlockGraph()))
	return false, nil
}

// PushLevel adds a level above the top with the given partition of its blocks.
func (h *Hierarchy) PushLevel(assignment []int) error {
	h.Prune(len(h.levels) - 1)
	lvl, err := NewLevel(h.Top().BlockGraph(), assignment)
	if err != nil {
		return err
	}
	h.levels = append(h.levels, lvl)
	return nil
}

// PopLevel removes the top level. The last remaining level cannot be removed.
func (h *Hierarchy) PopLevel() error {
	if len(h.levels) == 1 {
		return fmt.Errorf("%w: cannot remove level 0", ErrInvalidLevel)
	}
	h.levels = h.levels[:len(h.levels)-1]
	return nil
}

// ResetTop replaces the partition of the top level.
func (h *Hierarchy) ResetTop(assignment []int) error {
	top := h.Top()
	if top.stale {
		return ErrStaleLevel
	}
	lvl, err := NewLevel(top.g, assignment)
	if err != nil {
		return err
	}
	h.levels[len(h.levels)-1] = lvl
	return nil
}

// RebuildLevel recomputes the node graph of level l from the block matrix
// of level l-1 after moves below it.
func (h *Hierarchy) RebuildLevel(l int) error {
	lvl, err := h.level(l)
	if err != nil {
		return err
	}
	if l == 0 || !lvl.stale {
		return nil
	}
	h.Prune(l - 1)
	return lvl.rebind(h.levels[l-1].BlockGraph())
}

func (h *Hierarchy) checkSiblings(l, r, s int) error {
	if h.IsTop(l) {
		return nil
	}
	if h.Parent(l, r) != h.Parent(l, s) {
		return fmt.Errorf("%w: level %d blocks %d and %d", ErrParentMismatch, l, r, s)
	}
	return nil
}

// Assign moves v to existing block s at level l without pruning.
func (h *Hierarchy) Assign(l, v, s int) error {
	lvl, err := h.level(l)
	if err != nil {
		return err
	}
	r, err := lvl.BlockOf(v)
	if err != nil {
		return err
	}
	if !lvl.HasBlock(s) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, s)
	}
	if err := h.checkSiblings(l, r, s); err != nil {
		return err
	}
	if err := lvl.Assign(v, s); err != nil {
		return err
	}
	h.markAboveStale(l)
	return nil
}

// MergeBlocks moves every vertex of block c into block a at level l.
// Block c stays as an empty id until Prune.
func (h *Hierarchy) MergeBlocks(l, a, c int) error {
	lvl, err := h.level(l)
	if err != nil {
		return err
	}
	if !lvl.HasBlock(a) || !lvl.HasBlock(c) {
		return fmt.Errorf("%w: %d or %d", ErrInvalidBlock, a, c)
	}
	if err := h.checkSiblings(l, a, c); err != nil {
		return err
	}
	if err := lvl.MergeBlocks(a, c); err != nil {
		return err
	}
	h.markAboveStale(l)
	return nil
}

// AddBlock creates an empty block at level l under the same parent as
// block sibling and returns its id.
func (h *Hierarchy) AddBlock(l, sibling int) (int, error) {
	lvl, err := h.level(l)
	if err != nil {
		return 0, err
	}
	if !lvl.HasBlock(sibling) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBlock, sibling)
	}
	p := h.Parent(l, sibling)
	id := lvl.AddBlock()
	if p >= 0 {
		h.levels[l+1].appendVertex(p)
	}
	return id, nil
}

// Prune removes empty blocks at level l and the matching vertices of level
// l+1. It returns the number of removed blocks.
func (h *Hierarchy) Prune(l int) int {
	lvl := h.Level(l)
	if lvl == nil {
		return 0
	}
	var parent *Level
	if l+1 < len(h.levels) {
		parent = h.levels[l+1]
	}
	removed := lvl.prune(func(r int) {
		if parent != nil {
			parent.removeVertex(r)
		}
	})
	if parent != nil && parent.NonEmptyBlocks() < parent.NumBlocks() {
		h.Prune(l + 1)
	}
	return removed
}

// Apply executes a move and prunes the source block if it empties. It
// returns the block v ends up in.
func (h *Hierarchy) Apply(m Move) (int, error) {
	lvl, err := h.level(m.Level)
	if err != nil {
		return 0, err
	}
	r, err := lvl.BlockOf(m.Vertex)
	if err != nil {
		return 0, err
	}
	target := m.Target
	if target == NewBlock {
		if lvl.stale {
			return 0, ErrStaleLevel
		}
		if target, err = h.AddBlock(m.Level, r); err != nil {
			return 0, err
		}
	}
	if err := h.Assign(m.Level, m.Vertex, target); err != nil {
		return 0, err
	}
	if lvl.BlockSize(r) == 0 {
		h.Prune(m.Level)
	}
	return lvl.Block(m.Vertex), nil
}

func (h *Hierarchy) markAboveStale(l int) {
	if l+1 < len(h.levels) {
		h.levels[l+1].stale = true
	}
}

// Assignments returns the per-level block labels, finest first.
func (h *Hierarchy) Assignments() [][]int {
	out := make([][]int, len(h.levels))
	for l, lvl := range h.levels {
		out[l] = lvl.Assignment()
	}
	return out
}

// Projection maps every input vertex to its block at level l.
func (h *Hierarchy) Projection(l int) ([]int, error) {
	if _, err := h.level(l); err != nil {
		return nil, err
	}
	out := make([]int, h.g.NumVertices())
	for v := range out {
		x := v
		for i := 0; i <= l; i++ {
			x = h.levels[i].b[x]
		}
		out[v] = x
	}
	return out, nil
}

// Clone returns a deep copy of the hierarchy.
func (h *Hierarchy) Clone() *Hierarchy {
	c := &Hierarchy{g: h.g, levels: make([]*Level, len(h.levels))}
	for l, lvl := range h.levels {
		c.levels[l] = lvl.Clone()
	}
	return c
}

// Validate checks every level against a recount and every node graph
// against the block matrix below it.
func (h *Hierarchy) Validate() error {
	for l, lvl := range h.levels {
		if err := lvl.Validate(); err != nil {
			return fmt.Errorf("level %d: %w", l, err)
		}
		if l == 0 {
			if lvl.g != h.g {
				return fmt.Errorf("level 0: %w: node graph is not the input graph", ErrInconsistent)
			}
			continue
		}
		below := h.levels[l-1]
		if lvl.NumVertices() != below.NumBlocks() {
			return fmt.Errorf("level %d: %w: %d vertices for %d blocks below",
				l, ErrInconsistent, lvl.NumVertices(), below.NumBlocks())
		}
		for c := range below.Cells() {
			if w, _ := lvl.g.Weight(c.Row, c.Col); w != c.Weight {
				return fmt.Errorf("level %d: %w: edge (%d, %d) weight %d, block matrix %d",
					l, ErrInconsistent, c.Row, c.Col, w, c.Weight)
			}
		}
		if lvl.g.TotalWeight() != below.TotalWeight() {
			return fmt.Errorf("level %d: %w: total weight", l, ErrInconsistent)
		}
	}
	return nil
}
