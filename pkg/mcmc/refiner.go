// Package mcmc refines a block hierarchy with single-vertex moves and
// merge-split proposals, greedily or under simulated annealing.
package mcmc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

var tracer = otel.Tracer("blockmodel.mcmc")

// improvementEpsilon is the smallest score decrease a greedy move must
// achieve. Deltas within it are float noise.
const improvementEpsilon = 1e-10

// State is the position of the refiner in the per-proposal cycle.
type State int

const (
	Idle State = iota
	ProposingMove
	Evaluating
	AcceptedMove
	RejectedMove
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ProposingMove:
		return "proposing"
	case Evaluating:
		return "evaluating"
	case AcceptedMove:
		return "accepted"
	case RejectedMove:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options controls refinement.
type Options struct {
	// InitialTemperature of 0 means greedy: only strictly improving moves.
	InitialTemperature float64
	// CoolingRate multiplies the temperature after every sweep.
	CoolingRate float64
	SweepCount  int
	// MergeSplitPeriod runs a merge-split round every this many sweeps, 0 disables.
	MergeSplitPeriod int
	// MergeSplitAttempts per level and round, 0 means one per block.
	MergeSplitAttempts   int
	SplitRefitSweeps     int
	NewBlockProbability  float64
	ConvergenceTolerance float64
	LogProgress          bool
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		InitialTemperature:   0,
		CoolingRate:          1,
		SweepCount:           10,
		MergeSplitPeriod:     2,
		SplitRefitSweeps:     3,
		NewBlockProbability:  0.1,
		ConvergenceTolerance: 1e-6,
		LogProgress:          true,
	}
}

// Progress is reported after every sweep.
type Progress struct {
	Sweep              int           `json:"sweep"`
	Temperature        float64       `json:"temperature"`
	Score              float64       `json:"score"`
	Improvement        float64       `json:"improvement"`
	Accepted           int           `json:"accepted"`
	Rejected           int           `json:"rejected"`
	MergeSplitAccepted int           `json:"merge_split_accepted"`
	Elapsed            time.Duration `json:"elapsed"`
}

// Observer receives sweep progress.
type Observer interface {
	OnSweep(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p Progress)

func (f ObserverFunc) OnSweep(p Progress) { f(p) }

// MoveRecorder receives every accepted single-vertex move.
type MoveRecorder interface {
	LogMove(moveNum, level, vertex, fromBlock, toBlock int, delta, score float64)
}

// Result summarizes a refinement run. ScoreBefore - ScoreAfter is the
// cumulative improvement.
type Result struct {
	ScoreBefore        float64 `json:"score_before"`
	ScoreAfter         float64 `json:"score_after"`
	Improvement        float64 `json:"improvement"`
	Sweeps             int     `json:"sweeps"`
	Accepted           int     `json:"accepted"`
	Rejected           int     `json:"rejected"`
	MergeSplitAccepted int     `json:"merge_split_accepted"`
	MergeSplitRejected int     `json:"merge_split_rejected"`
	Converged          bool    `json:"converged"`
	// NonConvergence is set when the sweep budget ran out before the
	// improvement per sweep fell under the tolerance.
	NonConvergence bool  `json:"non_convergence"`
	RuntimeMS      int64 `json:"runtime_ms"`
}

// SweepStats counts one sweep.
type SweepStats struct {
	Accepted           int
	Rejected           int
	MergeSplitAccepted int
	MergeSplitRejected int
	Delta              float64
}

func (s *SweepStats) add(o SweepStats) {
	s.Accepted += o.Accepted
	s.Rejected += o.Rejected
	s.MergeSplitAccepted += o.MergeSplitAccepted
	s.MergeSplitRejected += o.MergeSplitRejected
	s.Delta += o.Delta
}

// Refiner owns one random source and must not be shared between
// goroutines. Each hierarchy should be refined by a single Refiner at a time.
type Refiner struct {
	eval      entropy.Evaluator
	opts      Options
	rng       *rand.Rand
	logger    zerolog.Logger
	observers []Observer
	recorder  MoveRecorder

	state     State
	moveCount int
	score     float64
}

// New creates a Refiner drawing all randomness from rng.
func New(eval entropy.Evaluator, opts Options, rng *rand.Rand, logger zerolog.Logger) *Refiner {
	if opts.CoolingRate <= 0 {
		opts.CoolingRate = 1
	}
	return &Refiner{
		eval:   eval,
		opts:   opts,
		rng:    rng,
		logger: logger.With().Str("component", "mcmc").Logger(),
	}
}

// AddObserver registers o for sweep progress.
func (r *Refiner) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// SetMoveRecorder streams accepted moves to rec.
func (r *Refiner) SetMoveRecorder(rec MoveRecorder) {
	r.recorder = rec
}

// State returns the current proposal state.
func (r *Refiner) State() State {
	return r.state
}

// Refine runs up to SweepCount sweeps over every level of h. Cancellation
// is checked between sweeps; on cancellation the partial result is
// returned together with the context error and h is left consistent.
func (r *Refiner) Refine(ctx context.Context, h *blockmodel.Hierarchy) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Refiner.Refine",
		trace.WithAttributes(
			attribute.Int("levels", h.NumLevels()),
			attribute.Int("sweep_count", r.opts.SweepCount),
			attribute.Float64("initial_temperature", r.opts.InitialTemperature),
		),
	)
	defer span.End()

	startTime := time.Now()
	result := &Result{ScoreBefore: r.eval.Score(h)}
	r.score = result.ScoreBefore
	r.state = Idle

	r.logger.Info().
		Int("levels", h.NumLevels()).
		Float64("score", result.ScoreBefore).
		Int("sweeps", r.opts.SweepCount).
		Float64("temperature", r.opts.InitialTemperature).
		Msg("Starting refinement")

	finish := func() error {
		for l := 1; l < h.NumLevels(); l++ {
			if err := h.RebuildLevel(l); err != nil {
				return err
			}
		}
		result.ScoreAfter = r.eval.Score(h)
		result.Improvement = result.ScoreBefore - result.ScoreAfter
		result.RuntimeMS = time.Since(startTime).Milliseconds()
		span.SetAttributes(
			attribute.Int("sweeps", result.Sweeps),
			attribute.Float64("improvement", result.Improvement),
			attribute.Bool("converged", result.Converged),
		)
		return nil
	}

	temperature := r.opts.InitialTemperature
	quiet := 0
	window := max(1, r.opts.MergeSplitPeriod)

	for sweep := 0; sweep < r.opts.SweepCount; sweep++ {
		if ctx.Err() != nil {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("sweeps_completed", sweep)))
			if err := finish(); err != nil {
				return result, err
			}
			return result, ctx.Err()
		}

		stats, err := r.Sweep(h, temperature)
		if err != nil {
			return result, fmt.Errorf("sweep %d: %w", sweep, err)
		}
		if r.opts.MergeSplitPeriod > 0 && (sweep+1)%r.opts.MergeSplitPeriod == 0 {
			ms, err := r.MergeSplit(h, temperature)
			if err != nil {
				return result, fmt.Errorf("merge-split after sweep %d: %w", sweep, err)
			}
			stats.add(ms)
		}

		result.Sweeps++
		result.Accepted += stats.Accepted
		result.Rejected += stats.Rejected
		result.MergeSplitAccepted += stats.MergeSplitAccepted
		result.MergeSplitRejected += stats.MergeSplitRejected

		progress := Progress{
			Sweep:              sweep,
			Temperature:        temperature,
			Score:              r.score,
			Improvement:        result.ScoreBefore - r.score,
			Accepted:           stats.Accepted,
			Rejected:           stats.Rejected,
			MergeSplitAccepted: stats.MergeSplitAccepted,
			Elapsed:            time.Since(startTime),
		}
		if r.opts.LogProgress {
			r.logger.Info().
				Int("sweep", sweep+1).
				Float64("score", progress.Score).
				Float64("improvement", progress.Improvement).
				Float64("temperature", temperature).
				Int("accepted", stats.Accepted).
				Int("merge_split_accepted", stats.MergeSplitAccepted).
				Msg("Sweep progress")
		}
		for _, o := range r.observers {
			o.OnSweep(progress)
		}

		temperature *= r.opts.CoolingRate

		if math.Abs(stats.Delta) <= r.opts.ConvergenceTolerance {
			quiet++
		} else {
			quiet = 0
		}
		if quiet >= window {
			result.Converged = true
			r.logger.Debug().Int("sweep", sweep+1).Msg("Converged: no improving moves")
			break
		}
	}

	if err := finish(); err != nil {
		return result, err
	}
	if !result.Converged {
		result.NonConvergence = true
		r.logger.Warn().
			Int("sweeps", result.Sweeps).
			Float64("score", result.ScoreAfter).
			Msg("Sweep budget exhausted before convergence")
	}

	r.logger.Info().
		Float64("score_before", result.ScoreBefore).
		Float64("score_after", result.ScoreAfter).
		Float64("improvement", result.Improvement).
		Int("accepted", result.Accepted).
		Int64("runtime_ms", result.RuntimeMS).
		Msg("Refinement completed")

	return result, nil
}

// Sweep proposes one move per vertex at every level, finest first, in a
// random vertex order.
func (r *Refiner) Sweep(h *blockmodel.Hierarchy, temperature float64) (SweepStats, error) {
	var stats SweepStats
	for l := 0; l < h.NumLevels(); l++ {
		if err := h.RebuildLevel(l); err != nil {
			return stats, err
		}
		lvl := h.Level(l)
		for _, v := range r.rng.Perm(lvl.NumVertices()) {
			r.state = ProposingMove
			target, ok := r.propose(h, l, v)
			if !ok {
				r.reject(&stats)
				continue
			}

			r.state = Evaluating
			m := blockmodel.Move{Level: l, Vertex: v, Target: target}
			d, err := r.eval.ScoreDelta(h, m)
			if errors.Is(err, blockmodel.ErrParentMismatch) {
				r.reject(&stats)
				continue
			}
			if err != nil {
				r.state = Idle
				return stats, err
			}
			if !r.accept(d, temperature) {
				r.reject(&stats)
				continue
			}

			r.state = AcceptedMove
			from := lvl.Block(v)
			to, err := h.Apply(m)
			if err != nil {
				r.state = Idle
				return stats, err
			}
			stats.Accepted++
			stats.Delta += d
			r.score += d
			r.moveCount++
			if r.recorder != nil {
				r.recorder.LogMove(r.moveCount, l, v, from, to, d, r.score)
			}
			r.state = Idle
		}
	}
	return stats, nil
}

func (r *Refiner) reject(stats *SweepStats) {
	r.state = RejectedMove
	stats.Rejected++
	r.state = Idle
}

// propose picks a new block for v: a fresh block with probability
// NewBlockProbability, otherwise the block of a neighbor drawn in
// proportion to edge weight. Isolated vertices draw a random block.
func (r *Refiner) propose(h *blockmodel.Hierarchy, l, v int) (int, bool) {
	lvl := h.Level(l)
	cur := lvl.Block(v)

	if r.rng.Float64() < r.opts.NewBlockProbability {
		if lvl.BlockSize(cur) <= 1 {
			return 0, false
		}
		return blockmodel.NewBlock, true
	}

	u, ok := r.weightedNeighbor(lvl.Graph(), v)
	if !ok {
		if lvl.NumBlocks() < 2 {
			return 0, false
		}
		s := r.rng.Intn(lvl.NumBlocks())
		if s == cur || lvl.BlockSize(s) == 0 {
			return 0, false
		}
		return s, true
	}
	s := lvl.Block(u)
	if s == cur {
		return 0, false
	}
	return s, true
}

func (r *Refiner) weightedNeighbor(g *graph.Store, v int) (int, bool) {
	k := g.Strength(v, graph.Both)
	if k == 0 {
		return 0, false
	}
	x := r.rng.Int63n(k)
	for u, w := range g.Neighbors(v, graph.Both) {
		if x < w {
			return u, true
		}
		x -= w
	}
	return 0, false
}

func (r *Refiner) accept(delta, temperature float64) bool {
	if temperature <= 0 {
		return delta < -improvementEpsilon
	}
	if delta <= 0 {
		return true
	}
	return r.rng.Float64() < math.Exp(-delta/temperature)
}
