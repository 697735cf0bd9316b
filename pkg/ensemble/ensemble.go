// Package ensemble refines independent copies of a hierarchy under
// different random seeds in parallel and keeps the best-scoring one.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/mcmc"
)

var ErrNoRuns = errors.New("ensemble: no runs requested")

// Options controls an ensemble.
type Options struct {
	Seeds    int
	Workers  int
	BaseSeed int64
	Refine   mcmc.Options
}

// Run is one independent refinement. Run i draws from seed BaseSeed+i.
type Run struct {
	Index     int
	RunID     string
	Seed      int64
	Hierarchy *blockmodel.Hierarchy
	Result    *mcmc.Result
	// Err is set when the run stopped early.
	Err error
}

// usable reports whether the run's hierarchy can be kept. A run cancelled
// between sweeps still holds a consistent hierarchy.
func (r Run) usable() bool {
	if r.Result == nil {
		return false
	}
	return r.Err == nil || errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded)
}

// Result holds the usable runs, in seed order, and the index of the best
// one. Partial is set when the ensemble was interrupted.
type Result struct {
	Runs      []Run
	Best      int
	Partial   bool
	RuntimeMS int64
}

// BestRun returns the lowest-scoring run.
func (r *Result) BestRun() Run { return r.Runs[r.Best] }

// Hooks attach per-run instrumentation. Every field may be nil.
type Hooks struct {
	// Observer returns an observer for the run with the given id.
	Observer func(runID string) mcmc.Observer
	// Recorder returns a move recorder for the run with the given id.
	Recorder func(runID string) mcmc.MoveRecorder
	// Done is called once per finished run, from the run's goroutine.
	Done func(run Run, err error)
}

// Ensemble runs refinements on a bounded worker pool.
type Ensemble struct {
	eval   entropy.Evaluator
	opts   Options
	hooks  Hooks
	logger zerolog.Logger
}

// New creates an Ensemble. Workers defaults to the CPU count.
func New(eval entropy.Evaluator, opts Options, hooks Hooks, logger zerolog.Logger) *Ensemble {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Ensemble{
		eval:   eval,
		opts:   opts,
		hooks:  hooks,
		logger: logger.With().Str("component", "ensemble").Logger(),
	}
}

// Run refines Seeds clones of base. base itself is never modified and
// the input graph is shared read-only. The first failing run cancels the
// others. When the ensemble is interrupted, the runs that finished or were
// cancelled between sweeps are still returned, with Partial set, alongside
// the error. The Result is nil only when no run is usable.
func (e *Ensemble) Run(ctx context.Context, base *blockmodel.Hierarchy) (*Result, error) {
	if e.opts.Seeds <= 0 {
		return nil, ErrNoRuns
	}
	startTime := time.Now()

	runs := make([]Run, e.opts.Seeds)
	for i := range runs {
		runs[i] = Run{
			Index:     i,
			RunID:     uuid.NewString(),
			Seed:      e.opts.BaseSeed + int64(i),
			Hierarchy: base.Clone(),
		}
	}

	e.logger.Info().
		Int("runs", len(runs)).
		Int("workers", e.opts.Workers).
		Int64("base_seed", e.opts.BaseSeed).
		Msg("Starting ensemble")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range runs {
		g.Go(func() error {
			err := e.refine(gctx, &runs[i])
			runs[i].Err = err
			if e.hooks.Done != nil {
				e.hooks.Done(runs[i], err)
			}
			return err
		})
	}
	err := g.Wait()

	kept := make([]Run, 0, len(runs))
	best := 0
	for _, run := range runs {
		if !run.usable() {
			continue
		}
		if len(kept) > 0 && run.Result.ScoreAfter < kept[best].Result.ScoreAfter {
			best = len(kept)
		}
		kept = append(kept, run)
	}
	if len(kept) == 0 {
		return nil, err
	}
	result := &Result{Runs: kept, Best: best, Partial: err != nil, RuntimeMS: time.Since(startTime).Milliseconds()}
	if err != nil {
		e.logger.Warn().
			Err(err).
			Int("usable_runs", len(kept)).
			Str("best_run", kept[best].RunID).
			Float64("best_score", kept[best].Result.ScoreAfter).
			Msg("Ensemble interrupted")
		return result, err
	}
	runs = kept

	e.logger.Info().
		Str("best_run", runs[best].RunID).
		Int64("best_seed", runs[best].Seed).
		Float64("best_score", runs[best].Result.ScoreAfter).
		Int64("runtime_ms", result.RuntimeMS).
		Msg("Ensemble completed")

	return result, nil
}

func (e *Ensemble) refine(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := e.logger.With().Str("run_id", run.RunID).Int64("seed", run.Seed).Logger()
	r := mcmc.New(e.eval, e.opts.Refine, rand.New(rand.NewSource(run.Seed)), logger)
	if e.hooks.Observer != nil {
		r.AddObserver(e.hooks.Observer(run.RunID))
	}
	if e.hooks.Recorder != nil {
		r.SetMoveRecorder(e.hooks.Recorder(run.RunID))
	}

	result, err := r.Refine(ctx, run.Hierarchy)
	run.Result = result
	if err != nil {
		return fmt.Errorf("run %d (seed %d): %w", run.Index, run.Seed, err)
	}
	logger.Debug().
		Float64("score", result.ScoreAfter).
		Int("sweeps", result.Sweeps).
		Bool("converged", result.Converged).
		Msg("Run finished")
	return nil
}
