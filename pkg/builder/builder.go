// Package builder fits an initial nested block hierarchy by greedy
// agglomeration, one level at a time.
package builder

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

var tracer = otel.Tracer("blockmodel.builder")

// tieTolerance treats merge deltas this close as equal so the tie-break
// rules decide instead of float noise.
const tieTolerance = 1e-9

// Options controls the build.
type Options struct {
	MaxLevels            int
	ConvergenceTolerance float64
	ProgressInterval     int // merges between progress logs, 0 disables
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxLevels:            16,
		ConvergenceTolerance: 1e-6,
		ProgressInterval:     10000,
	}
}

// Result summarizes a build.
type Result struct {
	Levels     []LevelInfo `json:"levels"`
	Score      float64     `json:"score"`
	NumLevels  int         `json:"num_levels"`
	Statistics Statistics  `json:"statistics"`
}

// LevelInfo describes one accepted level.
type LevelInfo struct {
	Level     int     `json:"level"`
	Vertices  int     `json:"vertices"`
	Blocks    int     `json:"blocks"`
	Merges    int     `json:"merges"`
	Score     float64 `json:"score"`
	RuntimeMS int64   `json:"runtime_ms"`
}

// Statistics holds build-wide counters.
type Statistics struct {
	TotalMerges  int   `json:"total_merges"`
	RuntimeMS    int64 `json:"runtime_ms"`
	MemoryPeakMB int64 `json:"memory_peak_mb"`
}

// Observer receives a LevelInfo every time a level is accepted.
type Observer interface {
	OnLevel(info LevelInfo)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(info LevelInfo)

func (f ObserverFunc) OnLevel(info LevelInfo) { f(info) }

// Builder agglomerates blocks greedily. It is deterministic: the same graph
// always yields the same hierarchy.
type Builder struct {
	eval      entropy.Evaluator
	opts      Options
	logger    zerolog.Logger
	observers []Observer
}

// New creates a Builder.
func New(eval entropy.Evaluator, opts Options, logger zerolog.Logger) *Builder {
	if opts.MaxLevels < 1 {
		opts.MaxLevels = 1
	}
	return &Builder{
		eval:   eval,
		opts:   opts,
		logger: logger.With().Str("component", "builder").Logger(),
	}
}

// AddObserver registers o for level notifications.
func (b *Builder) AddObserver(o Observer) {
	b.observers = append(b.observers, o)
}

// Build fits a hierarchy to g. Each level starts from singletons and
// applies the best merge until one block remains, then restores the
// lowest-scoring state seen. A new level is kept only if it has fewer
// blocks than vertices and lowers the total score.
func (b *Builder) Build(ctx context.Context, g *graph.Store) (*blockmodel.Hierarchy, *Result, error) {
	ctx, span := tracer.Start(ctx, "Builder.Build",
		trace.WithAttributes(
			attribute.Int("vertices", g.NumVertices()),
			attribute.Int("edges", g.NumEdges()),
			attribute.Int64("total_weight", g.TotalWeight()),
		),
	)
	defer span.End()

	startTime := time.Now()
	b.logger.Info().
		Int("vertices", g.NumVertices()).
		Int("edges", g.NumEdges()).
		Int64("total_weight", g.TotalWeight()).
		Str("evaluator", b.eval.Name()).
		Msg("Starting hierarchy build")

	h := blockmodel.NewHierarchy(g)
	result := &Result{Levels: make([]LevelInfo, 0)}

	levelStart := time.Now()
	merges, err := b.agglomerate(ctx, h)
	if err != nil {
		span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("levels_completed", 0)))
		return nil, nil, err
	}
	b.recordLevel(h, result, merges, levelStart)

	for h.NumLevels() < b.opts.MaxLevels {
		if ctx.Err() != nil {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("levels_completed", h.NumLevels())))
			return nil, nil, ctx.Err()
		}

		levelStart = time.Now()
		level := h.NumLevels()
		without := b.eval.Score(h)

		converged, err := h.BuildNextLevel()
		if err != nil {
			return nil, nil, fmt.Errorf("building level %d: %w", level, err)
		}
		if converged {
			b.logger.Info().Int("level", level-1).Msg("Single block at top, stopping")
			break
		}

		merges, err := b.agglomerate(ctx, h)
		if err != nil {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("levels_completed", level)))
			return nil, nil, err
		}

		top := h.Top()
		with := b.eval.Score(h)
		if top.NonEmptyBlocks() >= top.NumVertices() || with > without-b.opts.ConvergenceTolerance {
			if err := h.PopLevel(); err != nil {
				return nil, nil, err
			}
			b.logger.Info().
				Int("level", level).
				Int("blocks", top.NonEmptyBlocks()).
				Float64("score_with", with).
				Float64("score_without", without).
				Msg("Level does not compress, stopping")
			break
		}
		b.recordLevel(h, result, merges, levelStart)
	}

	result.NumLevels = h.NumLevels()
	result.Score = b.eval.Score(h)
	result.Statistics.RuntimeMS = time.Since(startTime).Milliseconds()
	result.Statistics.MemoryPeakMB = memoryUsageMB()

	span.SetAttributes(
		attribute.Int("levels", result.NumLevels),
		attribute.Float64("score", result.Score),
	)
	b.logger.Info().
		Int("levels", result.NumLevels).
		Float64("score", result.Score).
		Int64("runtime_ms", result.Statistics.RuntimeMS).
		Msg("Hierarchy build completed")

	return h, result, nil
}

func (b *Builder) recordLevel(h *blockmodel.Hierarchy, result *Result, merges int, start time.Time) {
	top := h.Top()
	info := LevelInfo{
		Level:     h.NumLevels() - 1,
		Vertices:  top.NumVertices(),
		Blocks:    top.NonEmptyBlocks(),
		Merges:    merges,
		Score:     b.eval.Score(h),
		RuntimeMS: time.Since(start).Milliseconds(),
	}
	result.Levels = append(result.Levels, info)
	result.Statistics.TotalMerges += merges

	b.logger.Info().
		Int("level", info.Level).
		Int("vertices", info.Vertices).
		Int("blocks", info.Blocks).
		Float64("score", info.Score).
		Msg("Level accepted")
	for _, o := range b.observers {
		o.OnLevel(info)
	}
}

// agglomerate merges the singleton top level down to one block and then
// restores the best partition seen. It returns the number of merges kept.
func (b *Builder) agglomerate(ctx context.Context, h *blockmodel.Hierarchy) (int, error) {
	l := h.NumLevels() - 1
	lvl := h.Top()
	n := lvl.NumBlocks()

	var merges [][2]int
	var cur, best float64
	bestAt := 0
	q, err := newMergeQueue(b.eval, h, l)
	if err != nil {
		return 0, err
	}

	for lvl.NonEmptyBlocks() > 1 {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c, ok, err := q.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if err := h.MergeBlocks(l, c.a, c.c); err != nil {
			return 0, err
		}
		if err := q.merged(c.a, c.c); err != nil {
			return 0, err
		}
		merges = append(merges, [2]int{c.a, c.c})
		cur += c.delta
		if cur < best-b.opts.ConvergenceTolerance {
			best = cur
			bestAt = len(merges)
		}

		if b.opts.ProgressInterval > 0 && len(merges)%b.opts.ProgressInterval == 0 {
			b.logger.Debug().
				Int("level", l).
				Int("blocks", lvl.NonEmptyBlocks()).
				Float64("score_change", cur).
				Msg("Agglomeration progress")
		}
	}

	// Replay the kept merges on the singleton labels.
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, m := range merges[:bestAt] {
		parent[find(m[1])] = find(m[0])
	}
	dense := make(map[int]int)
	assignment := make([]int, n)
	for v := range assignment {
		root := find(v)
		id, ok := dense[root]
		if !ok {
			id = len(dense)
			dense[root] = id
		}
		assignment[v] = id
	}
	if err := h.ResetTop(assignment); err != nil {
		return 0, err
	}

	b.logger.Debug().
		Int("level", l).
		Int("merges_tried", len(merges)).
		Int("merges_kept", bestAt).
		Int("blocks", h.Top().NonEmptyBlocks()).
		Msg("Agglomeration finished")
	return bestAt, nil
}

func memoryUsageMB() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Alloc / 1024 / 1024)
}
