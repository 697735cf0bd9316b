package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/connectome-blockmodel/pkg/ensemble"
	"github.com/gilchrisn/connectome-blockmodel/pkg/snapshot"
	"github.com/gilchrisn/connectome-blockmodel/pkg/stats"
)

func newCompareCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <graph> <snapshot> <snapshot>",
		Short: "Score the agreement of two fitted hierarchies level by level",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := a.loadGraph(args[0])
			if err != nil {
				return err
			}
			x, err := restore(args[1], g)
			if err != nil {
				return err
			}
			y, err := restore(args[2], g)
			if err != nil {
				return err
			}
			levels, err := stats.CompareHierarchies(x, y)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %8s %8s %8s %8s\n", "level", "blocks_a", "blocks_b", "nmi", "ari")
			for _, la := range levels {
				fmt.Fprintf(out, "%-6d %8d %8d %8.4f %8.4f\n", la.Level, la.BlocksA, la.BlocksB, la.NMI, la.ARI)
			}
			return nil
		},
	}
	cmd.Flags().Int64("threshold", 0, "drop edges with weight at or below this")
	bind(cmd.Flags(), "threshold", "graph.weight_threshold")
	return cmd
}

// logAgreement reports how far each run's finest level is from the best run's.
func (a *app) logAgreement(result *ensemble.Result) {
	if len(result.Runs) < 2 {
		return
	}
	best, err := result.BestRun().Hierarchy.Projection(0)
	if err != nil {
		return
	}
	var sum float64
	for i, run := range result.Runs {
		if i == result.Best {
			continue
		}
		p, err := run.Hierarchy.Projection(0)
		if err != nil {
			return
		}
		ag, err := stats.ComparePartitions(best, p)
		if err != nil {
			return
		}
		sum += ag.NMI
		a.logger.Debug().Str("run_id", run.RunID).Float64("nmi", ag.NMI).Float64("ari", ag.ARI).Msg("Run agreement")
	}
	a.logger.Info().
		Float64("mean_nmi", sum/float64(len(result.Runs)-1)).
		Int("runs", len(result.Runs)).
		Msg("Agreement with best run")
}
