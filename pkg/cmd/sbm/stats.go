package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/parser"
	"github.com/gilchrisn/connectome-blockmodel/pkg/stats"
)

type statsFlags struct {
	snapshot    string
	output      string
	top         int
	layoutLevel int
}

// rankedVertex is a PageRank entry with the vertex's original id.
type rankedVertex struct {
	Vertex int     `json:"vertex"`
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
}

type report struct {
	Summary     stats.Summary            `json:"summary"`
	TopPageRank []rankedVertex           `json:"top_pagerank"`
	Neuropils   []stats.NeuropilStrength `json:"neuropils,omitempty"`

	Score     *entropy.Breakdown         `json:"score,omitempty"`
	Hierarchy []stats.LevelSummary       `json:"hierarchy,omitempty"`
	Regions   [][]stats.BlockComposition `json:"regions,omitempty"`
	Layout    []stats.NodeVisual         `json:"layout,omitempty"`
}

func newStatsCmd(a *app) *cobra.Command {
	var sf statsFlags
	cmd := &cobra.Command{
		Use:   "stats <graph>",
		Short: "Report graph statistics and, with a snapshot, hierarchy statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.analyze(cmd.OutOrStdout(), args[0], sf)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&sf.snapshot, "snapshot", "s", "", "fitted hierarchy to analyze")
	fs.StringVarP(&sf.output, "output", "o", "", "write the JSON report here instead of stdout")
	fs.IntVar(&sf.top, "top", 10, "number of PageRank vertices to report")
	fs.IntVar(&sf.layoutLevel, "layout-level", -1, "lay out the blocks of this level, -1 skips")
	fs.Int64("threshold", 0, "drop edges with weight at or below this")
	bind(fs, "threshold", "graph.weight_threshold")
	return cmd
}

func (a *app) analyze(out io.Writer, path string, sf statsFlags) error {
	res, g, err := a.loadGraph(path)
	if err != nil {
		return err
	}
	labels := res.Labels()

	rep := report{
		Summary:   stats.Summarize(g),
		Neuropils: stats.NeuropilStrengths(res.Connections),
	}
	for _, r := range stats.TopRanked(stats.PageRank(g, stats.DefaultDamping, 1e-8), sf.top) {
		rep.TopPageRank = append(rep.TopPageRank, rankedVertex{Vertex: r.Vertex, Label: labels[r.Vertex], Score: r.Score})
	}

	if sf.snapshot != "" {
		h, err := restore(sf.snapshot, g)
		if err != nil {
			return err
		}
		bd := a.eval.Breakdown(h)
		rep.Score = &bd
		if rep.Hierarchy, err = stats.AnalyzeHierarchy(h); err != nil {
			return err
		}
		if slices.Contains(g.AttributeNames(), parser.RegionAttribute) {
			for l := range h.NumLevels() {
				comp, err := stats.RegionComposition(h, l)
				if err != nil {
					return err
				}
				rep.Regions = append(rep.Regions, comp)
			}
		}
		if sf.layoutLevel >= 0 {
			if rep.Layout, err = stats.BlockLayout(h, sf.layoutLevel); err != nil {
				return err
			}
		}
	}

	a.logger.Info().
		Int("vertices", rep.Summary.Vertices).
		Float64("reciprocity", rep.Summary.Reciprocity).
		Float64("clustering", rep.Summary.Clustering).
		Int("pseudo_diameter", rep.Summary.PseudoDiameter).
		Msg("Statistics computed")

	if sf.output != "" {
		f, err := os.Create(sf.output)
		if err != nil {
			return fmt.Errorf("create %s: %w", sf.output, err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
