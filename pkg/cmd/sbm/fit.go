package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/builder"
	"github.com/gilchrisn/connectome-blockmodel/pkg/ensemble"
	"github.com/gilchrisn/connectome-blockmodel/pkg/mcmc"
	"github.com/gilchrisn/connectome-blockmodel/pkg/snapshot"
	"github.com/gilchrisn/connectome-blockmodel/pkg/utils"
)

// runFlags are shared by fit and refine.
type runFlags struct {
	output    string
	exportDir string
	prefix    string
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	fs := cmd.Flags()
	fs.StringVarP(&rf.output, "output", "o", "", "snapshot file (.json, .yaml, optionally .sz or .gz); timestamped by default")
	fs.StringVar(&rf.exportDir, "export-dir", "", "also write mapping, hierarchy, root and edges text files here")
	fs.StringVar(&rf.prefix, "prefix", "sbm", "file name prefix for text exports")

	fs.Int64("threshold", 0, "drop edges with weight at or below this")
	fs.Int("seeds", 1, "independent refinement runs")
	fs.Int("workers", 0, "parallel runs (default: CPU count)")
	fs.Int64("seed", 42, "base random seed; run i uses seed+i")
	fs.Int("sweeps", 10, "refinement sweeps per run")
	fs.Float64("temperature", 0, "initial annealing temperature, 0 is greedy")
	fs.Float64("cooling-rate", 1, "temperature multiplier per sweep")
	fs.Bool("track-moves", false, "stream accepted moves as JSON lines")
	fs.String("moves-file", "moves.jsonl", "move log file, .sz for snappy")
	fs.String("metrics-file", "", "write prometheus metrics to this textfile")

	for name, key := range map[string]string{
		"threshold":    "graph.weight_threshold",
		"seeds":        "ensemble.seeds",
		"workers":      "ensemble.workers",
		"seed":         "algorithm.random_seed",
		"sweeps":       "mcmc.sweep_count",
		"temperature":  "mcmc.initial_temperature",
		"cooling-rate": "mcmc.cooling_rate",
		"track-moves":  "analysis.track_moves",
		"moves-file":   "analysis.output_file",
		"metrics-file": "metrics.output_file",
	} {
		bind(fs, name, key)
	}
}

func newFitCmd(a *app) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "fit <graph>",
		Short: "Build a hierarchy from scratch and refine it",
		Long: `fit reads an edge list or FlyWire connections CSV, builds a nested block
hierarchy by greedy agglomeration, refines it with MCMC sweeps under one or
more seeds and saves the best hierarchy as a snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fit(cmd.Context(), cmd.OutOrStdout(), args[0], rf)
		},
	}
	cmd.Flags().Int("max-levels", 16, "maximum hierarchy depth")
	bind(cmd.Flags(), "max-levels", "algorithm.max_levels")
	addRunFlags(cmd, &rf)
	return cmd
}

// check rejects an output name Save cannot encode before any work is done.
func (rf runFlags) check() error {
	if rf.output == "" {
		return nil
	}
	_, _, err := snapshot.Detect(rf.output)
	return err
}

func (a *app) fit(ctx context.Context, out io.Writer, path string, rf runFlags) error {
	if err := rf.check(); err != nil {
		return err
	}
	res, g, err := a.loadGraph(path)
	if err != nil {
		return err
	}

	b := builder.New(a.eval, a.opts.Builder(), a.logger)
	if a.metrics != nil {
		b.AddObserver(a.metrics)
	}
	h, built, err := b.Build(ctx, g)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	best, err := a.runEnsemble(ctx, h)
	if best.Hierarchy == nil {
		return err
	}

	doc := snapshot.NewDocument(best.Hierarchy, a.eval, best.RunID)
	doc.Metadata = a.metadata(path, best)
	doc.Metadata["build_score"] = strconv.FormatFloat(built.Score, 'f', 6, 64)
	if serr := a.save(out, doc, best.Hierarchy, res.Labels(), rf, "sbm_fit"); serr != nil {
		return serr
	}
	return err
}

// runEnsemble refines h under every configured seed and returns the best
// run. An interrupted ensemble returns its best usable run together with
// the error; the run is zero only when nothing can be saved.
func (a *app) runEnsemble(ctx context.Context, h *blockmodel.Hierarchy) (best ensemble.Run, err error) {
	var hooks ensemble.Hooks
	if a.metrics != nil {
		hooks.Observer = func(id string) mcmc.Observer { return a.metrics.ForRun(id) }
	}
	if a.cfg.EnableMoveTracking() {
		tracker, terr := utils.NewMoveTracker(a.cfg.TrackingOutputFile(), "")
		if terr != nil {
			return ensemble.Run{}, terr
		}
		defer func() {
			if cerr := tracker.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		hooks.Recorder = func(id string) mcmc.MoveRecorder { return tracker.ForRun(id) }
	}

	ens := ensemble.New(a.eval, ensemble.Options{
		Seeds:    a.opts.EnsembleSeeds,
		Workers:  a.opts.EnsembleWorkers,
		BaseSeed: a.opts.RandomSeed,
		Refine:   a.opts.Refiner(),
	}, hooks, a.logger)

	result, err := ens.Run(ctx, h)
	if result == nil {
		if a.metrics != nil {
			a.metrics.RecordRun("failed", 0, false)
		}
		return ensemble.Run{}, fmt.Errorf("refine: %w", err)
	}

	status := "completed"
	if result.Partial {
		status = "cancelled"
		a.logger.Warn().Err(err).Str("run_id", result.BestRun().RunID).Msg("Refinement interrupted, keeping best run so far")
	} else {
		a.logAgreement(result)
	}
	if a.metrics != nil {
		for i, run := range result.Runs {
			a.metrics.RecordRun(status, run.Result.ScoreAfter, i == result.Best)
		}
	}
	if ferr := a.flushMetrics(); ferr != nil && err == nil {
		return result.BestRun(), ferr
	}
	if err != nil {
		return result.BestRun(), fmt.Errorf("refine: %w", err)
	}
	return result.BestRun(), nil
}

func (a *app) metadata(input string, run ensemble.Run) map[string]string {
	md := map[string]string{
		"input":            input,
		"seed":             strconv.FormatInt(run.Seed, 10),
		"runs":             strconv.Itoa(a.opts.EnsembleSeeds),
		"weight_threshold": strconv.FormatInt(a.opts.WeightThreshold, 10),
		"sweeps":           strconv.Itoa(run.Result.Sweeps),
		"converged":        strconv.FormatBool(run.Result.Converged),
	}
	if run.Err != nil {
		md["interrupted"] = "true"
	}
	return md
}

// save writes the snapshot, the optional text exports and a short report.
func (a *app) save(out io.Writer, doc *snapshot.Document, h *blockmodel.Hierarchy, labels []string, rf runFlags, base string) error {
	path := rf.output
	if path == "" {
		path = snapshot.TimestampedName(base, "json.sz", time.Now())
	}
	if err := snapshot.Save(path, doc); err != nil {
		return err
	}
	a.logger.Info().Str("file", path).Str("run_id", doc.RunID).Msg("Snapshot saved")

	if rf.exportDir != "" {
		if err := snapshot.NewFileWriter().WriteAll(h, labels, rf.exportDir, rf.prefix); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Snapshot: %s\n", path)
	fmt.Fprintf(out, "Description length: %.4f nats\n", doc.Score)
	for l, lvl := range h.Levels() {
		fmt.Fprintf(out, "  Level %d: %d nodes -> %d blocks\n", l, lvl.NumVertices(), lvl.NonEmptyBlocks())
	}
	return nil
}
