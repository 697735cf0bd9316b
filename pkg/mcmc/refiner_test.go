package mcmc

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

func load(t *testing.T, n int, edges []graph.Edge) *graph.Store {
	t.Helper()
	g, err := graph.Load(n, edges)
	require.NoError(t, err)
	return g
}

func twoTriangles(t *testing.T) *graph.Store {
	return load(t, 6, []graph.Edge{
		{Source: 0, Target: 1, Weight: 5}, {Source: 1, Target: 2, Weight: 5}, {Source: 2, Target: 0, Weight: 5},
		{Source: 3, Target: 4, Weight: 5}, {Source: 4, Target: 5, Weight: 5}, {Source: 5, Target: 3, Weight: 5},
	})
}

// communities has four dense groups of five with sparse links between them.
func communities(t *testing.T) *graph.Store {
	var edges []graph.Edge
	for grp := 0; grp < 4; grp++ {
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				if i != j {
					edges = append(edges, graph.Edge{Source: grp*5 + i, Target: grp*5 + j, Weight: 2})
				}
			}
		}
		edges = append(edges, graph.Edge{Source: grp * 5, Target: ((grp+1)%4)*5 + 2, Weight: 1})
	}
	return load(t, 20, edges)
}

func newRefiner(opts Options, seed int64) *Refiner {
	return New(entropy.NewMDL(), opts, rand.New(rand.NewSource(seed)), zerolog.Nop())
}

func scrambled(t *testing.T, g *graph.Store, blocks int, seed int64) *blockmodel.Hierarchy {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	a := make([]int, g.NumVertices())
	for v := range a {
		a[v] = v % blocks
	}
	rng.Shuffle(len(a), func(i, j int) { a[i], a[j] = a[j], a[i] })
	h, err := blockmodel.FromAssignments(g, [][]int{a})
	require.NoError(t, err)
	return h
}

func TestGreedyRefinementNeverIncreasesScore(t *testing.T) {
	h := scrambled(t, communities(t), 4, 1)

	var scores []float64
	opts := DefaultOptions()
	opts.SweepCount = 15
	r := newRefiner(opts, 42)
	r.AddObserver(ObserverFunc(func(p Progress) { scores = append(scores, p.Score) }))

	result, err := r.Refine(context.Background(), h)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	assert.LessOrEqual(t, result.ScoreAfter, result.ScoreBefore)
	assert.Greater(t, result.Improvement, 0.0)
	assert.InDelta(t, entropy.NewMDL().Score(h), result.ScoreAfter, 1e-9)

	prev := result.ScoreBefore
	for _, s := range scores {
		assert.LessOrEqual(t, s, prev+1e-9)
		prev = s
	}
	require.NotEmpty(t, scores)
	assert.InDelta(t, result.ScoreAfter, scores[len(scores)-1], 1e-7)
	assert.Equal(t, Idle, r.State())
}

func TestConvergedHierarchyIsFixedPoint(t *testing.T) {
	h, err := blockmodel.FromAssignments(twoTriangles(t), [][]int{{0, 0, 0, 1, 1, 1}})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.SweepCount = 4
	opts.MergeSplitPeriod = 1
	result, err := newRefiner(opts, 7).Refine(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, h.Level(0).Assignment())
	assert.Zero(t, result.Accepted)
	assert.Zero(t, result.MergeSplitAccepted)
	assert.Positive(t, result.MergeSplitRejected)
	assert.True(t, result.Converged)
	assert.False(t, result.NonConvergence)
	assert.InDelta(t, 0, result.Improvement, 1e-12)
}

func TestMergeSplitSeparatesLoneBlock(t *testing.T) {
	// one block holding two disconnected triangles; no single-vertex move
	// improves it
	h, err := blockmodel.FromAssignments(twoTriangles(t), [][]int{{0, 0, 0, 0, 0, 0}})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.SweepCount = 6
	opts.MergeSplitPeriod = 1
	opts.MergeSplitAttempts = 20
	result, err := newRefiner(opts, 5).Refine(context.Background(), h)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	b := h.Level(0).Assignment()
	assert.Equal(t, 2, h.Level(0).NonEmptyBlocks())
	assert.Equal(t, []int{b[0], b[0], b[0], b[3], b[3], b[3]}, b)
	assert.NotEqual(t, b[0], b[3])
	assert.Positive(t, result.MergeSplitAccepted)
	assert.Less(t, result.ScoreAfter, result.ScoreBefore)
}

func TestMergeSplitRejectedSplitRestoresLabels(t *testing.T) {
	h, err := blockmodel.FromAssignments(twoTriangles(t), [][]int{{0, 0, 0, 1, 1, 1}})
	require.NoError(t, err)
	score := entropy.NewMDL().Score(h)

	opts := DefaultOptions()
	opts.MergeSplitAttempts = 10
	r := newRefiner(opts, 3)
	stats, err := r.MergeSplit(h, 0)
	require.NoError(t, err)

	assert.Zero(t, stats.MergeSplitAccepted)
	assert.Equal(t, 10, stats.MergeSplitRejected)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, h.Level(0).Assignment())
	assert.Equal(t, 2, h.Level(0).NumBlocks())
	assert.InDelta(t, score, entropy.NewMDL().Score(h), 1e-9)
	require.NoError(t, h.Validate())
}

// descend applies improving single-vertex moves until none of the moves a
// sweep can propose lowers the score.
func descend(t *testing.T, h *blockmodel.Hierarchy) {
	t.Helper()
	eval := entropy.NewMDL()
	lvl := h.Level(0)
	for changed := true; changed; {
		changed = false
		for v := 0; v < lvl.NumVertices(); v++ {
			targets := []int{blockmodel.NewBlock}
			for u := range lvl.Graph().Neighbors(v, graph.Both) {
				targets = append(targets, lvl.Block(u))
			}
			if lvl.Graph().Strength(v, graph.Both) == 0 {
				for s := 0; s < lvl.NumBlocks(); s++ {
					targets = append(targets, s)
				}
			}
			for _, s := range targets {
				m := blockmodel.Move{Level: 0, Vertex: v, Target: s}
				d, err := eval.ScoreDelta(h, m)
				require.NoError(t, err)
				if d < -improvementEpsilon {
					_, err := h.Apply(m)
					require.NoError(t, err)
					changed = true
					break
				}
			}
		}
	}
}

func TestExtraSweepAfterConvergenceChangesNothing(t *testing.T) {
	h := scrambled(t, communities(t), 4, 3)
	descend(t, h)

	before := h.Assignments()
	score := entropy.NewMDL().Score(h)
	stats, err := newRefiner(DefaultOptions(), 12).Sweep(h, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Accepted)
	assert.Equal(t, before, h.Assignments())
	assert.Equal(t, score, entropy.NewMDL().Score(h))
}

func TestRefineIsReproducible(t *testing.T) {
	run := func() [][]int {
		h := scrambled(t, communities(t), 5, 9)
		opts := DefaultOptions()
		opts.SweepCount = 6
		_, err := newRefiner(opts, 99).Refine(context.Background(), h)
		require.NoError(t, err)
		return h.Assignments()
	}
	assert.Equal(t, run(), run())
}

func TestNestedRefinementKeepsHierarchyConsistent(t *testing.T) {
	g := communities(t)
	a := make([]int, 20)
	for v := range a {
		a[v] = v / 5 * 2
		if v%5 >= 3 {
			a[v]++
		}
	}
	h, err := blockmodel.FromAssignments(g, [][]int{a, {0, 0, 1, 1, 2, 2, 3, 3}, {0, 0, 1, 1}})
	require.NoError(t, err)

	eval := entropy.NewMDL()
	before := eval.Score(h)

	opts := DefaultOptions()
	opts.SweepCount = 8
	result, err := newRefiner(opts, 5).Refine(context.Background(), h)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	assert.Equal(t, 3, h.NumLevels())
	assert.InDelta(t, before, result.ScoreBefore, 1e-12)
	assert.LessOrEqual(t, result.ScoreAfter, before+1e-9)
	assert.InDelta(t, eval.Score(h), result.ScoreAfter, 1e-9)
}

func TestAnnealingKeepsHierarchyConsistent(t *testing.T) {
	h := scrambled(t, communities(t), 3, 2)
	opts := DefaultOptions()
	opts.InitialTemperature = 2
	opts.CoolingRate = 0.5
	opts.SweepCount = 6

	result, err := newRefiner(opts, 3).Refine(context.Background(), h)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.LessOrEqual(t, result.Sweeps, 6)
	assert.Equal(t, result.Sweeps == 6 && !result.Converged, result.NonConvergence)
	assert.InDelta(t, entropy.NewMDL().Score(h), result.ScoreAfter, 1e-9)
}

func TestRefineCancelledBetweenSweeps(t *testing.T) {
	h := scrambled(t, communities(t), 4, 4)
	ctx, cancel := context.WithCancel(context.Background())

	opts := DefaultOptions()
	opts.SweepCount = 50
	opts.ConvergenceTolerance = -1
	r := newRefiner(opts, 8)
	r.AddObserver(ObserverFunc(func(p Progress) {
		if p.Sweep == 1 {
			cancel()
		}
	}))

	result, err := r.Refine(ctx, h)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Sweeps)
	require.NoError(t, h.Validate())
}

type recorded struct {
	level, vertex, from, to int
}

type sliceRecorder struct{ moves []recorded }

func (s *sliceRecorder) LogMove(_, level, vertex, from, to int, _, _ float64) {
	s.moves = append(s.moves, recorded{level, vertex, from, to})
}

func TestMoveRecorderSeesAcceptedMoves(t *testing.T) {
	h := scrambled(t, communities(t), 4, 6)
	opts := DefaultOptions()
	opts.SweepCount = 3
	opts.MergeSplitPeriod = 0

	rec := &sliceRecorder{}
	r := newRefiner(opts, 13)
	r.SetMoveRecorder(rec)

	result, err := r.Refine(context.Background(), h)
	require.NoError(t, err)
	assert.Len(t, rec.moves, result.Accepted)
	for _, m := range rec.moves {
		assert.Equal(t, 0, m.level)
		assert.GreaterOrEqual(t, m.to, 0)
	}
}

func TestSingleEdgeGraphRefines(t *testing.T) {
	g := load(t, 4, []graph.Edge{{Source: 0, Target: 1, Weight: 1}})
	h := blockmodel.NewHierarchy(g)

	result, err := newRefiner(DefaultOptions(), 1).Refine(context.Background(), h)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.LessOrEqual(t, result.ScoreAfter, result.ScoreBefore)
}
