package metrics

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/connectome-blockmodel/pkg/builder"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
	"github.com/gilchrisn/connectome-blockmodel/pkg/mcmc"
)

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.GetPrometheusRegistry())
	assert.NotNil(t, r.LevelsTotal)
	assert.NotNil(t, r.SweepsTotal)
	assert.NotNil(t, r.BestScore)
}

func TestOnLevel(t *testing.T) {
	r := NewRegistry()
	r.OnLevel(builder.LevelInfo{Level: 0, Vertices: 6, Blocks: 2, Merges: 4, Score: 58.4, RuntimeMS: 3})
	r.OnLevel(builder.LevelInfo{Level: 1, Vertices: 2, Blocks: 1, Merges: 1, Score: 57.0})

	assert.Equal(t, 2.0, counterValue(t, r.LevelsTotal))
	assert.Equal(t, 5.0, counterValue(t, r.MergesTotal))
	assert.Equal(t, 2.0, gaugeValue(t, r.LevelBlocks.WithLabelValues("0")))
	assert.Equal(t, 57.0, gaugeValue(t, r.BuildScore))
}

func TestRunObserver(t *testing.T) {
	r := NewRegistry()
	o := r.ForRun("a")
	o.OnSweep(mcmc.Progress{Sweep: 0, Score: 10, Temperature: 1, Accepted: 3, Rejected: 7, Elapsed: time.Millisecond})
	o.OnSweep(mcmc.Progress{Sweep: 1, Score: 9, Temperature: 0.5, Accepted: 1, Rejected: 9, MergeSplitAccepted: 1, Elapsed: 2 * time.Millisecond})

	assert.Equal(t, 2.0, counterValue(t, r.SweepsTotal.WithLabelValues("a")))
	assert.Equal(t, 4.0, counterValue(t, r.ProposalsTotal.WithLabelValues("a", "vertex", "accepted")))
	assert.Equal(t, 16.0, counterValue(t, r.ProposalsTotal.WithLabelValues("a", "vertex", "rejected")))
	assert.Equal(t, 1.0, counterValue(t, r.ProposalsTotal.WithLabelValues("a", "merge_split", "accepted")))
	assert.Equal(t, 9.0, gaugeValue(t, r.RefineScore.WithLabelValues("a")))
	assert.Equal(t, 0.5, gaugeValue(t, r.Temperature.WithLabelValues("a")))
}

func TestRecordRun(t *testing.T) {
	r := NewRegistry()
	r.RecordRun("ok", 12, true)
	r.RecordRun("ok", 15, false)
	r.RecordRun("error", 0, false)

	assert.Equal(t, 2.0, counterValue(t, r.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, counterValue(t, r.RunsTotal.WithLabelValues("error")))
	assert.Equal(t, 12.0, gaugeValue(t, r.BestScore))
}

func TestObserversWireIntoEngines(t *testing.T) {
	g, err := graph.Load(6, []graph.Edge{
		{Source: 0, Target: 1, Weight: 5}, {Source: 1, Target: 2, Weight: 5}, {Source: 2, Target: 0, Weight: 5},
		{Source: 3, Target: 4, Weight: 5}, {Source: 4, Target: 5, Weight: 5}, {Source: 5, Target: 3, Weight: 5},
	})
	require.NoError(t, err)

	r := NewRegistry()
	b := builder.New(entropy.NewMDL(), builder.DefaultOptions(), zerolog.Nop())
	b.AddObserver(r)
	h, _, err := b.Build(context.Background(), g)
	require.NoError(t, err)

	opts := mcmc.DefaultOptions()
	opts.SweepCount = 2
	opts.ConvergenceTolerance = -1
	ref := mcmc.New(entropy.NewMDL(), opts, rand.New(rand.NewSource(1)), zerolog.Nop())
	ref.AddObserver(r.ForRun("seed-1"))
	_, err = ref.Refine(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, r.LevelsTotal))
	assert.Equal(t, 2.0, counterValue(t, r.SweepsTotal.WithLabelValues("seed-1")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRegistry()
	r.OnLevel(builder.LevelInfo{Level: 0, Blocks: 3, Merges: 2, Score: 1})

	path := filepath.Join(t.TempDir(), "sbm.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `sbm_level_blocks{level="0"} 3`))
	assert.Contains(t, string(data), "sbm_build_merges_total 2")
}
