// Command sbm fits, refines and inspects nested stochastic block models of
// connectome graphs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/config"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
	"github.com/gilchrisn/connectome-blockmodel/pkg/metrics"
	"github.com/gilchrisn/connectome-blockmodel/pkg/parser"
	"github.com/gilchrisn/connectome-blockmodel/pkg/snapshot"
)

// configKey annotates flags that override a configuration key.
const configKey = "sbm_config_key"

// app is the state shared by every command once the root has set it up.
type app struct {
	cfg     *config.Config
	opts    config.Options
	logger  zerolog.Logger
	eval    entropy.Evaluator
	metrics *metrics.Registry
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func newRootCmd() *cobra.Command {
	a := &app{eval: entropy.NewMDL()}
	var configPath string

	root := &cobra.Command{
		Use:   "sbm",
		Short: "Nested stochastic block models for connectomes",
		Long: `sbm fits a nested stochastic block model to a weighted directed graph by
minimizing its description length, refines fitted hierarchies with MCMC
sweeps and reports graph and hierarchy statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level: trace, debug, info, warn, error, disabled")
	bind(root.PersistentFlags(), "log-level", "logging.level")

	root.AddCommand(newFitCmd(a), newRefineCmd(a), newStatsCmd(a), newFilterCmd(a), newCompareCmd(a))
	return root
}

// bind marks flag name as an override for key.
func bind(fs *pflag.FlagSet, name, key string) {
	_ = fs.SetAnnotation(name, configKey, []string{key})
}

func (a *app) setup(cmd *cobra.Command, configPath string) error {
	a.cfg = config.NewConfig()
	if configPath != "" {
		if err := a.cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}

	var bindErr error
	visit := func(f *pflag.Flag) {
		if keys := f.Annotations[configKey]; len(keys) > 0 && bindErr == nil {
			bindErr = a.cfg.BindFlag(keys[0], f)
		}
	}
	cmd.Flags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)
	if bindErr != nil {
		return bindErr
	}

	opts, err := a.cfg.Options()
	if err != nil {
		return err
	}
	a.opts = opts
	a.logger = a.cfg.CreateLogger()
	log.Logger = a.logger

	if a.cfg.MetricsEnabled() || a.cfg.MetricsFile() != "" {
		a.metrics = metrics.NewRegistry()
	}
	return nil
}

// loadGraph parses path and drops edges at or below the weight threshold.
func (a *app) loadGraph(path string) (*parser.ParseResult, *graph.Store, error) {
	res, err := parser.NewGraphParser().ParseFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	g := res.Graph
	if a.opts.WeightThreshold > 0 {
		g = g.FilterByWeight(a.opts.WeightThreshold)
	}
	a.logger.Info().
		Str("file", path).
		Int("vertices", g.NumVertices()).
		Int("edges", g.NumEdges()).
		Int("edges_before_filter", res.Graph.NumEdges()).
		Int64("total_weight", g.TotalWeight()).
		Int64("weight_threshold", a.opts.WeightThreshold).
		Msg("Graph loaded")
	return res, g, nil
}

// restore loads a snapshot onto g.
func restore(path string, g *graph.Store) (*blockmodel.Hierarchy, error) {
	doc, err := snapshot.Load(path)
	if err != nil {
		return nil, err
	}
	h, err := doc.Hierarchy(g)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return h, nil
}

// flushMetrics writes the metrics textfile when one is configured.
func (a *app) flushMetrics() error {
	path := a.cfg.MetricsFile()
	if a.metrics == nil || path == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(path); err != nil {
		return err
	}
	a.logger.Info().Str("file", path).Msg("Metrics written")
	return nil
}
