package blockmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

func twoTriangles(t *testing.T) *graph.Store {
	t.Helper()
	g, err := graph.Load(6, []graph.Edge{
		{Source: 0, Target: 1, Weight: 5},
		{Source: 1, Target: 2, Weight: 5},
		{Source: 2, Target: 0, Weight: 5},
		{Source: 3, Target: 4, Weight: 5},
		{Source: 4, Target: 5, Weight: 5},
		{Source: 5, Target: 3, Weight: 5},
	})
	require.NoError(t, err)
	return g
}

// loopy has self-loops and reciprocal edges so every cell update path runs.
func loopy(t *testing.T) *graph.Store {
	t.Helper()
	g, err := graph.Load(5, []graph.Edge{
		{Source: 0, Target: 0, Weight: 2},
		{Source: 0, Target: 1, Weight: 3},
		{Source: 1, Target: 0, Weight: 1},
		{Source: 1, Target: 2, Weight: 4},
		{Source: 2, Target: 2, Weight: 1},
		{Source: 2, Target: 3, Weight: 2},
		{Source: 3, Target: 4, Weight: 6},
		{Source: 4, Target: 1, Weight: 1},
	})
	require.NoError(t, err)
	return g
}

func TestNewLevelBlockMatrix(t *testing.T) {
	lvl, err := NewLevel(twoTriangles(t), []int{0, 0, 0, 1, 1, 1})
	require.NoError(t, err)

	assert.Equal(t, 2, lvl.NumBlocks())
	assert.Equal(t, 2, lvl.NonEmptyBlocks())
	assert.Equal(t, int64(15), lvl.EdgeCount(0, 0))
	assert.Equal(t, int64(15), lvl.EdgeCount(1, 1))
	assert.Equal(t, int64(0), lvl.EdgeCount(0, 1))
	assert.Equal(t, int64(15), lvl.BlockOut(0))
	assert.Equal(t, int64(15), lvl.BlockIn(1))
	assert.Equal(t, 3, lvl.BlockSize(1))
	assert.ElementsMatch(t, []int{3, 4, 5}, lvl.Members(1))
	require.NoError(t, lvl.Validate())
}

func TestNewLevelRejectsBadAssignment(t *testing.T) {
	g := twoTriangles(t)

	_, err := NewLevel(g, []int{0, 0})
	assert.ErrorIs(t, err, ErrInvalidVertex)

	_, err = NewLevel(g, []int{0, 0, 0, -1, 1, 1})
	assert.ErrorIs(t, err, ErrInvalidBlock)
}

func TestAssignKeepsMatrixConsistent(t *testing.T) {
	lvl := Singletons(loopy(t))

	moves := [][2]int{{1, 0}, {2, 0}, {4, 3}, {0, 4}, {2, 2}, {1, 3}}
	for _, m := range moves {
		require.NoError(t, lvl.Assign(m[0], m[1]))
		require.NoError(t, lvl.Validate(), "after moving %d to %d", m[0], m[1])
	}

	var total int64
	for c := range lvl.Cells() {
		total += c.Weight
	}
	assert.Equal(t, lvl.TotalWeight(), total)
}

func TestAssignErrors(t *testing.T) {
	lvl := Singletons(loopy(t))

	assert.ErrorIs(t, lvl.Assign(9, 0), ErrInvalidVertex)
	assert.ErrorIs(t, lvl.Assign(0, 9), ErrInvalidBlock)

	lvl.stale = true
	assert.ErrorIs(t, lvl.Assign(0, 1), ErrStaleLevel)
}

func TestMergeBlocks(t *testing.T) {
	g := loopy(t)
	lvl, err := NewLevel(g, []int{0, 1, 1, 2, 0})
	require.NoError(t, err)

	require.NoError(t, lvl.MergeBlocks(0, 1))
	assert.Equal(t, 0, lvl.BlockSize(1))
	assert.Equal(t, 4, lvl.BlockSize(0))
	assert.Equal(t, 2, lvl.NonEmptyBlocks())
	assert.Equal(t, []int{1}, lvl.EmptyBlocks())
	require.NoError(t, lvl.Validate())

	want, err := NewLevel(g, []int{0, 0, 0, 2, 0})
	require.NoError(t, err)
	for c := range want.Cells() {
		assert.Equal(t, c.Weight, lvl.EdgeCount(c.Row, c.Col))
	}

	assert.ErrorIs(t, lvl.MergeBlocks(0, 0), ErrInvalidBlock)
}

func TestSplitBlock(t *testing.T) {
	lvl, err := NewLevel(twoTriangles(t), []int{0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	s, err := lvl.SplitBlock(0, func(v int) bool { return v >= 3 })
	require.NoError(t, err)
	assert.Equal(t, 1, s)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, lvl.Assignment())
	require.NoError(t, lvl.Validate())
}

func TestPruneRelabelsFromTheEnd(t *testing.T) {
	g := loopy(t)
	lvl, err := NewLevel(g, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, lvl.Assign(1, 0))
	require.NoError(t, lvl.Assign(3, 2))
	assert.Equal(t, 5, lvl.NumBlocks())

	removed := lvl.Prune()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, lvl.NumBlocks())
	assert.Empty(t, lvl.EmptyBlocks())
	// Block 4 fills hole 1; hole 3 is past the end after the pop.
	assert.Equal(t, []int{0, 0, 2, 2, 1}, lvl.Assignment())
	require.NoError(t, lvl.Validate())
}

func TestBlockGraphMatchesCells(t *testing.T) {
	lvl, err := NewLevel(loopy(t), []int{0, 0, 1, 1, 2})
	require.NoError(t, err)

	bg := lvl.BlockGraph()
	assert.Equal(t, 3, bg.NumVertices())
	assert.Equal(t, lvl.TotalWeight(), bg.TotalWeight())
	for c := range lvl.Cells() {
		w, ok := bg.Weight(c.Row, c.Col)
		assert.True(t, ok)
		assert.Equal(t, c.Weight, w)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	lvl := Singletons(loopy(t))
	c := lvl.Clone()

	require.NoError(t, c.Assign(0, 1))
	assert.Equal(t, 0, lvl.Block(0))
	assert.Equal(t, 1, c.Block(0))
	require.NoError(t, lvl.Validate())
	require.NoError(t, c.Validate())
}
