package stats

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/graph/network"

	cgraph "github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// DefaultDamping is the PageRank damping factor.
const DefaultDamping = 0.85

// Ranked is a vertex with its centrality score.
type Ranked struct {
	Vertex int     `json:"vertex"`
	Score  float64 `json:"score"`
}

// PageRank returns every vertex's PageRank, indexed by vertex.
func PageRank(g *cgraph.Store, damping, tol float64) []float64 {
	ranks := network.PageRankSparse(directed(g), damping, tol)
	out := make([]float64, g.NumVertices())
	for id, r := range ranks {
		out[id] = r
	}
	return out
}

// TopRanked returns the k highest scores, ties broken by vertex id.
func TopRanked(scores []float64, k int) []Ranked {
	ranked := make([]Ranked, len(scores))
	for v, s := range scores {
		ranked[v] = Ranked{Vertex: v, Score: s}
	}
	slices.SortFunc(ranked, func(a, b Ranked) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Vertex, b.Vertex)
	})
	return ranked[:min(k, len(ranked))]
}

// Bin is one bar of a degree histogram.
type Bin struct {
	Degree int64 `json:"degree"`
	Count  int   `json:"count"`
}

// DegreeDistribution counts vertices per degree, ascending. weighted
// selects synapse strength instead of neighbour count.
func DegreeDistribution(g *cgraph.Store, dir cgraph.Direction, weighted bool) []Bin {
	counts := make(map[int64]int)
	for v := 0; v < g.NumVertices(); v++ {
		d := int64(g.Degree(v, dir))
		if weighted {
			d = g.Strength(v, dir)
		}
		counts[d]++
	}
	bins := make([]Bin, 0, len(counts))
	for d, c := range counts {
		bins = append(bins, Bin{Degree: d, Count: c})
	}
	slices.SortFunc(bins, func(a, b Bin) int { return cmp.Compare(a.Degree, b.Degree) })
	return bins
}
