package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/connectome-blockmodel/pkg/snapshot"
)

func newRefineCmd(a *app) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "refine <graph> <snapshot>",
		Short: "Continue refining a saved hierarchy",
		Long: `refine restores a snapshot onto the graph it was fitted to, runs more MCMC
sweeps and saves the result as a new snapshot. Use the same weight threshold
as the original fit.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.refine(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], rf)
		},
	}
	addRunFlags(cmd, &rf)
	return cmd
}

func (a *app) refine(ctx context.Context, out io.Writer, graphPath, snapPath string, rf runFlags) error {
	if err := rf.check(); err != nil {
		return err
	}
	res, g, err := a.loadGraph(graphPath)
	if err != nil {
		return err
	}
	prev, err := snapshot.Load(snapPath)
	if err != nil {
		return err
	}
	h, err := prev.Hierarchy(g)
	if err != nil {
		return fmt.Errorf("restore %s: %w", snapPath, err)
	}
	a.logger.Info().
		Str("run_id", prev.RunID).
		Int("levels", h.NumLevels()).
		Float64("score", prev.Score).
		Msg("Snapshot restored")

	best, err := a.runEnsemble(ctx, h)
	if best.Hierarchy == nil {
		return err
	}

	doc := snapshot.NewDocument(best.Hierarchy, a.eval, best.RunID)
	doc.Metadata = a.metadata(graphPath, best)
	doc.Metadata["parent_run"] = prev.RunID
	if serr := a.save(out, doc, best.Hierarchy, res.Labels(), rf, "sbm_refine"); serr != nil {
		return serr
	}
	return err
}
