package blockmodel

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoLevel(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := FromAssignments(loopy(t), [][]int{
		{0, 0, 1, 1, 2},
		{0, 0, 1},
	})
	require.NoError(t, err)
	return h
}

func rebuildAll(t *testing.T, h *Hierarchy) {
	t.Helper()
	for l := 1; l < h.NumLevels(); l++ {
		require.NoError(t, h.RebuildLevel(l))
	}
}

func TestFromAssignmentsRoundTrip(t *testing.T) {
	h := twoLevel(t)
	require.NoError(t, h.Validate())

	again, err := FromAssignments(h.Graph(), h.Assignments())
	require.NoError(t, err)
	assert.Equal(t, h.Assignments(), again.Assignments())

	for l, lvl := range h.Levels() {
		var cells, reloaded []Cell
		for c := range lvl.Cells() {
			cells = append(cells, c)
		}
		for c := range again.Level(l).Cells() {
			reloaded = append(reloaded, c)
		}
		assert.Equal(t, cells, reloaded, "level %d", l)
	}
}

func TestFromAssignmentsRejectsMismatchedLevels(t *testing.T) {
	_, err := FromAssignments(loopy(t), [][]int{{0, 0, 1, 1, 2}, {0, 0}})
	assert.ErrorIs(t, err, ErrInvalidVertex)

	_, err = FromAssignments(loopy(t), nil)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestApplySiblingMoveMarksParentStale(t *testing.T) {
	h := twoLevel(t)
	var before []Cell
	for c := range h.Level(1).Cells() {
		before = append(before, c)
	}

	got, err := h.Apply(Move{Level: 0, Vertex: 1, Target: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.True(t, h.Level(1).Stale())
	assert.ErrorIs(t, h.Validate(), ErrStaleLevel)
	assert.ErrorIs(t, h.Level(1).Assign(0, 1), ErrStaleLevel)

	require.NoError(t, h.RebuildLevel(1))
	require.NoError(t, h.Validate())

	var after []Cell
	for c := range h.Level(1).Cells() {
		after = append(after, c)
	}
	assert.Equal(t, before, after)
}

func TestApplyRejectsCrossParentMove(t *testing.T) {
	h := twoLevel(t)

	_, err := h.Apply(Move{Level: 0, Vertex: 4, Target: 0})
	assert.ErrorIs(t, err, ErrParentMismatch)
	assert.Equal(t, 2, h.Level(0).Block(4))

	// The top level has no parents to respect.
	_, err = h.Apply(Move{Level: 1, Vertex: 2, Target: 0})
	require.NoError(t, err)
}

func TestApplyNewBlockInheritsParent(t *testing.T) {
	h := twoLevel(t)

	got, err := h.Apply(Move{Level: 0, Vertex: 0, Target: NewBlock})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, 4, h.Level(1).NumVertices())
	assert.Equal(t, 0, h.Parent(0, 3))

	rebuildAll(t, h)
	require.NoError(t, h.Validate())
}

func TestApplyPrunesEmptiedBlock(t *testing.T) {
	h := twoLevel(t)

	got, err := h.Apply(Move{Level: 0, Vertex: 4, Target: NewBlock})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, []int{0, 0, 1, 1, 2}, h.Level(0).Assignment())
	assert.Equal(t, []int{0, 0, 1}, h.Level(1).Assignment())

	_, err = h.Apply(Move{Level: 0, Vertex: 0, Target: 1})
	require.NoError(t, err)
	_, err = h.Apply(Move{Level: 0, Vertex: 1, Target: 1})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 1, 1, 0}, h.Level(0).Assignment())
	assert.Equal(t, []int{1, 0}, h.Level(1).Assignment())

	rebuildAll(t, h)
	require.NoError(t, h.Validate())
}

func TestProjection(t *testing.T) {
	h := twoLevel(t)

	p, err := h.Projection(1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 1}, p)

	_, err = h.Projection(2)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestBuildNextLevel(t *testing.T) {
	h := NewHierarchy(twoTriangles(t))
	require.NoError(t, h.ResetTop([]int{0, 0, 0, 1, 1, 1}))

	converged, err := h.BuildNextLevel()
	require.NoError(t, err)
	assert.False(t, converged)
	assert.Equal(t, 2, h.NumLevels())
	assert.Equal(t, 2, h.Top().NumVertices())
	require.NoError(t, h.Validate())

	require.NoError(t, h.ResetTop([]int{0, 0}))
	converged, err = h.BuildNextLevel()
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, 2, h.NumLevels())

	require.NoError(t, h.PopLevel())
	assert.ErrorIs(t, h.PopLevel(), ErrInvalidLevel)
}

func TestRandomMovesKeepHierarchyConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("moves, rebuilds and prunes preserve the recount", prop.ForAll(
		func(seed int64) bool {
			h, err := FromAssignments(loopy(t), [][]int{{0, 0, 1, 1, 2}, {0, 0, 1}})
			if err != nil {
				return false
			}
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				l := rng.Intn(h.NumLevels())
				if err := h.RebuildLevel(l); err != nil {
					return false
				}
				lvl := h.Level(l)
				v := rng.Intn(lvl.NumVertices())
				target := NewBlock
				if rng.Intn(3) > 0 {
					target = rng.Intn(lvl.NumBlocks())
				}
				if _, err := h.Apply(Move{Level: l, Vertex: v, Target: target}); err != nil && !errors.Is(err, ErrParentMismatch) {
					return false
				}
			}
			for l := 1; l < h.NumLevels(); l++ {
				if h.RebuildLevel(l) != nil {
					return false
				}
			}
			if h.Validate() != nil {
				return false
			}
			again, err := FromAssignments(h.Graph(), h.Assignments())
			if err != nil {
				return false
			}
			for l, lvl := range h.Levels() {
				for c := range again.Level(l).Cells() {
					if lvl.EdgeCount(c.Row, c.Col) != c.Weight {
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
