// Package metrics exposes build and refinement progress as Prometheus
// collectors. Observers from this package plug into builder.Builder and
// mcmc.Refiner.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gilchrisn/connectome-blockmodel/pkg/builder"
	"github.com/gilchrisn/connectome-blockmodel/pkg/mcmc"
)

// Registry holds all blockmodel metrics on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	LevelsTotal    prometheus.Counter
	MergesTotal    prometheus.Counter
	LevelBlocks    *prometheus.GaugeVec
	LevelDuration  prometheus.Histogram
	BuildScore     prometheus.Gauge
	SweepsTotal    *prometheus.CounterVec
	ProposalsTotal *prometheus.CounterVec
	RefineScore    *prometheus.GaugeVec
	Temperature    *prometheus.GaugeVec
	SweepDuration  prometheus.Histogram
	RunsTotal      *prometheus.CounterVec
	BestScore      prometheus.Gauge
}

// NewRegistry creates a Registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initBuildMetrics()
	r.initRefineMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initBuildMetrics() {
	f := promauto.With(r.registry)

	r.LevelsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sbm_build_levels_total",
		Help: "Total number of hierarchy levels accepted by the builder",
	})
	r.MergesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sbm_build_merges_total",
		Help: "Total number of block merges kept by the builder",
	})
	r.LevelBlocks = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sbm_level_blocks",
		Help: "Number of blocks at each built level",
	}, []string{"level"})
	r.LevelDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "sbm_build_level_duration_seconds",
		Help:    "Time spent agglomerating one level",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 600},
	})
	r.BuildScore = f.NewGauge(prometheus.GaugeOpts{
		Name: "sbm_build_score_nats",
		Help: "Description length after the latest built level",
	})
}

func (r *Registry) initRefineMetrics() {
	f := promauto.With(r.registry)

	r.SweepsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sbm_refine_sweeps_total",
		Help: "Total number of refinement sweeps",
	}, []string{"run"})
	r.ProposalsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sbm_refine_proposals_total",
		Help: "Refinement proposals by kind and outcome",
	}, []string{"run", "kind", "outcome"})
	r.RefineScore = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sbm_refine_score_nats",
		Help: "Description length after the latest sweep",
	}, []string{"run"})
	r.Temperature = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sbm_refine_temperature",
		Help: "Annealing temperature of the latest sweep",
	}, []string{"run"})
	r.SweepDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "sbm_refine_sweep_duration_seconds",
		Help:    "Wall time of one sweep including merge-split",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60},
	})
	r.RunsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sbm_ensemble_runs_total",
		Help: "Completed ensemble runs by status",
	}, []string{"status"})
	r.BestScore = f.NewGauge(prometheus.GaugeOpts{
		Name: "sbm_ensemble_best_score_nats",
		Help: "Lowest description length among finished ensemble runs",
	})
}

// OnLevel implements builder.Observer.
func (r *Registry) OnLevel(info builder.LevelInfo) {
	r.LevelsTotal.Inc()
	r.MergesTotal.Add(float64(info.Merges))
	r.LevelBlocks.WithLabelValues(strconv.Itoa(info.Level)).Set(float64(info.Blocks))
	r.LevelDuration.Observe(float64(info.RuntimeMS) / 1000)
	r.BuildScore.Set(info.Score)
}

// RecordRun records one finished ensemble run.
func (r *Registry) RecordRun(status string, score float64, best bool) {
	r.RunsTotal.WithLabelValues(status).Inc()
	if best {
		r.BestScore.Set(score)
	}
}

// RunObserver labels refiner progress with a run id.
type RunObserver struct {
	r       *Registry
	run     string
	elapsed float64
}

// ForRun returns an mcmc.Observer that reports under the given run label.
func (r *Registry) ForRun(run string) *RunObserver {
	return &RunObserver{r: r, run: run}
}

// OnSweep implements mcmc.Observer.
func (o *RunObserver) OnSweep(p mcmc.Progress) {
	o.r.SweepsTotal.WithLabelValues(o.run).Inc()
	o.r.ProposalsTotal.WithLabelValues(o.run, "vertex", "accepted").Add(float64(p.Accepted))
	o.r.ProposalsTotal.WithLabelValues(o.run, "vertex", "rejected").Add(float64(p.Rejected))
	o.r.ProposalsTotal.WithLabelValues(o.run, "merge_split", "accepted").Add(float64(p.MergeSplitAccepted))
	o.r.RefineScore.WithLabelValues(o.run).Set(p.Score)
	o.r.Temperature.WithLabelValues(o.run).Set(p.Temperature)

	// Progress carries time since the start of Refine.
	secs := p.Elapsed.Seconds()
	o.r.SweepDuration.Observe(secs - o.elapsed)
	o.elapsed = secs
}

// WriteTextfile dumps the registry in the text exposition format, for the
// node exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
