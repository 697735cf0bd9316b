package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/connectome-blockmodel/pkg/parser"
)

func newFilterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter <graph> <output>",
		Short: "Write the edges heavier than a synapse threshold",
		Long: `filter keeps only edges whose weight is strictly greater than --threshold
and writes them as an edge list labelled with the original vertex ids. The
output is compressed when its name ends in .gz or .zst.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, g, err := a.loadGraph(args[0])
			if err != nil {
				return err
			}
			if err := parser.SaveEdgeList(args[1], g, res.Labels()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Kept %d of %d edges (%d synapses) in %s\n",
				g.NumEdges(), res.Graph.NumEdges(), g.TotalWeight(), args[1])
			return nil
		},
	}
	cmd.Flags().Int64("threshold", 0, "drop edges with weight at or below this")
	bind(cmd.Flags(), "threshold", "graph.weight_threshold")
	return cmd
}
