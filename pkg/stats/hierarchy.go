package stats

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/parser"
)

// LevelSummary describes one level of a hierarchy in terms of the input
// vertices each block covers.
type LevelSummary struct {
	Level    int `json:"level"`
	Vertices int `json:"vertices"`
	Blocks   int `json:"blocks"`
	// EffectiveBlocks is exp of the block-size entropy.
	EffectiveBlocks float64 `json:"effective_blocks"`
	LargestBlock    int     `json:"largest_block"`
	SmallestBlock   int     `json:"smallest_block"`
}

// AnalyzeHierarchy summarizes every level, finest first.
func AnalyzeHierarchy(h *blockmodel.Hierarchy) ([]LevelSummary, error) {
	out := make([]LevelSummary, 0, h.NumLevels())
	for l, lvl := range h.Levels() {
		sizes, err := coveredSizes(h, l)
		if err != nil {
			return nil, err
		}
		ls := LevelSummary{Level: l, Vertices: lvl.NumVertices(), Blocks: len(sizes)}
		if len(sizes) > 0 {
			total := floats.Sum(sizes)
			p := make([]float64, len(sizes))
			for i, s := range sizes {
				p[i] = s / total
			}
			ls.EffectiveBlocks = math.Exp(stat.Entropy(p))
			ls.LargestBlock = int(slices.Max(sizes))
			ls.SmallestBlock = int(slices.Min(sizes))
		}
		out = append(out, ls)
	}
	return out, nil
}

// coveredSizes counts input vertices per non-empty block at level l.
func coveredSizes(h *blockmodel.Hierarchy, l int) ([]float64, error) {
	proj, err := h.Projection(l)
	if err != nil {
		return nil, err
	}
	counts := make([]float64, h.Level(l).NumBlocks())
	for _, r := range proj {
		counts[r]++
	}
	return slices.DeleteFunc(counts, func(c float64) bool { return c == 0 }), nil
}

// RegionCount is how many vertices of a block carry one region label.
type RegionCount struct {
	Region string `json:"region"`
	Count  int    `json:"count"`
}

// BlockComposition lists the region labels inside one block, most common
// first.
type BlockComposition struct {
	Block   int           `json:"block"`
	Size    int           `json:"size"`
	Regions []RegionCount `json:"regions"`
}

// RegionComposition groups the input vertices of every non-empty block at
// level l by their region attribute. Vertices without one count as "None".
func RegionComposition(h *blockmodel.Hierarchy, l int) ([]BlockComposition, error) {
	proj, err := h.Projection(l)
	if err != nil {
		return nil, err
	}
	g := h.Graph()
	byBlock := make(map[int]map[string]int)
	for v, r := range proj {
		region, ok := g.VertexAttribute(parser.RegionAttribute, v)
		if !ok || region == "" {
			region = "None"
		}
		if byBlock[r] == nil {
			byBlock[r] = make(map[string]int)
		}
		byBlock[r][region]++
	}

	out := make([]BlockComposition, 0, len(byBlock))
	for r, regions := range byBlock {
		bc := BlockComposition{Block: r}
		for name, c := range regions {
			bc.Size += c
			bc.Regions = append(bc.Regions, RegionCount{Region: name, Count: c})
		}
		slices.SortFunc(bc.Regions, func(a, b RegionCount) int {
			if c := cmp.Compare(b.Count, a.Count); c != 0 {
				return c
			}
			return cmp.Compare(a.Region, b.Region)
		})
		out = append(out, bc)
	}
	slices.SortFunc(out, func(a, b BlockComposition) int { return cmp.Compare(a.Block, b.Block) })
	return out, nil
}

// NeuropilStrength is the synapse traffic annotated with one neuropil.
type NeuropilStrength struct {
	Neuropil    string  `json:"neuropil"`
	Connections int     `json:"connections"`
	Synapses    int64   `json:"synapses"`
	Mean        float64 `json:"mean_strength"`
}

// NeuropilStrengths aggregates connection rows per neuropil, skipping
// unannotated rows. The result is sorted by neuropil name.
func NeuropilStrengths(conns []parser.Connection) []NeuropilStrength {
	agg := make(map[string]*NeuropilStrength)
	for _, c := range conns {
		if c.Neuropil == "" || c.Neuropil == "None" {
			continue
		}
		ns, ok := agg[c.Neuropil]
		if !ok {
			ns = &NeuropilStrength{Neuropil: c.Neuropil}
			agg[c.Neuropil] = ns
		}
		ns.Connections++
		ns.Synapses += c.Synapses
	}
	out := make([]NeuropilStrength, 0, len(agg))
	for _, ns := range agg {
		ns.Mean = float64(ns.Synapses) / float64(ns.Connections)
		out = append(out, *ns)
	}
	slices.SortFunc(out, func(a, b NeuropilStrength) int { return cmp.Compare(a.Neuropil, b.Neuropil) })
	return out
}
