// Package stats computes descriptive statistics of a connectome and of a
// fitted block hierarchy. Graph-theoretic measures run on gonum views of
// the graph.Store.
package stats

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
	"gonum.org/v1/gonum/stat"

	cgraph "github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// DegreeSummary describes one degree sequence.
type DegreeSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary holds whole-graph statistics. Unweighted degrees count distinct
// neighbours; weighted degrees sum synapse counts.
type Summary struct {
	Vertices    int   `json:"vertices"`
	Edges       int   `json:"edges"`
	TotalWeight int64 `json:"total_weight"`
	// MeanDegree is edges per vertex.
	MeanDegree float64 `json:"mean_degree"`

	InDegree      DegreeSummary `json:"in_degree"`
	OutDegree     DegreeSummary `json:"out_degree"`
	TotalDegree   DegreeSummary `json:"total_degree"`
	InStrength    DegreeSummary `json:"in_strength"`
	OutStrength   DegreeSummary `json:"out_strength"`
	TotalStrength DegreeSummary `json:"total_strength"`

	ConnectionProbability float64 `json:"connection_probability"`
	Reciprocity           float64 `json:"reciprocity"`

	Clustering float64 `json:"clustering"`
	Triangles  int64   `json:"triangles"`
	Triples    int64   `json:"triples"`

	PseudoDiameter         int     `json:"pseudo_diameter"`
	WeightedPseudoDiameter float64 `json:"weighted_pseudo_diameter"`
	Components             int     `json:"components"`
	LargestComponent       int     `json:"largest_component"`

	FeedForwardLoops int64 `json:"feed_forward_loops"`
	FeedBackLoops    int64 `json:"feed_back_loops"`
}

// Summarize computes every Summary field.
func Summarize(g *cgraph.Store) Summary {
	n := g.NumVertices()
	s := Summary{
		Vertices:    n,
		Edges:       g.NumEdges(),
		TotalWeight: g.TotalWeight(),
	}
	if n == 0 {
		return s
	}
	s.MeanDegree = float64(s.Edges) / float64(n)
	if n > 1 {
		s.ConnectionProbability = float64(s.Edges) / float64(n*(n-1))
	}

	seq := func(f func(v int) float64) []float64 {
		xs := make([]float64, n)
		for v := range xs {
			xs[v] = f(v)
		}
		return xs
	}
	s.InDegree = describe(seq(func(v int) float64 { return float64(g.Degree(v, cgraph.In)) }))
	s.OutDegree = describe(seq(func(v int) float64 { return float64(g.Degree(v, cgraph.Out)) }))
	s.TotalDegree = describe(seq(func(v int) float64 { return float64(g.Degree(v, cgraph.Both)) }))
	s.InStrength = describe(seq(func(v int) float64 { return float64(g.Strength(v, cgraph.In)) }))
	s.OutStrength = describe(seq(func(v int) float64 { return float64(g.Strength(v, cgraph.Out)) }))
	s.TotalStrength = describe(seq(func(v int) float64 { return float64(g.Strength(v, cgraph.Both)) }))

	s.Reciprocity = Reciprocity(g)
	s.Clustering, s.Triangles, s.Triples = GlobalClustering(g)
	s.FeedForwardLoops, s.FeedBackLoops = CountLoopMotifs(g)

	ug := undirected(g)
	comps := topo.ConnectedComponents(ug)
	s.Components = len(comps)
	largest := largestComponent(comps)
	s.LargestComponent = len(largest)
	if len(largest) > 0 {
		start := slices.MinFunc(largest, func(a, b graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })
		s.PseudoDiameter = pseudoDiameter(ug, start)
		s.WeightedPseudoDiameter = weightedPseudoDiameter(ug, start)
	}
	return s
}

func describe(xs []float64) DegreeSummary {
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		std = 0
	}
	return DegreeSummary{Mean: mean, StdDev: std, Min: floats.Min(xs), Max: floats.Max(xs)}
}

// Reciprocity is the fraction of non-loop edges u->v whose reverse v->u
// also exists.
func Reciprocity(g *cgraph.Store) float64 {
	var total, mutual int
	for e := range g.Edges() {
		if e.Source == e.Target {
			continue
		}
		total++
		if _, ok := g.Weight(e.Target, e.Source); ok {
			mutual++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(mutual) / float64(total)
}

// undirectedNeighbors returns sorted neighbour lists ignoring direction
// and self-loops.
func undirectedNeighbors(g *cgraph.Store) [][]int {
	adj := make([][]int, g.NumVertices())
	for v := range adj {
		for u := range g.Neighbors(v, cgraph.Both) {
			if u != v {
				adj[v] = append(adj[v], u)
			}
		}
		slices.Sort(adj[v])
		adj[v] = slices.Compact(adj[v])
	}
	return adj
}

// GlobalClustering returns the transitivity 3T/P of the undirected simple
// graph along with the triangle count T and connected-triple count P.
func GlobalClustering(g *cgraph.Store) (c float64, triangles, triples int64) {
	adj := undirectedNeighbors(g)
	mark := make([]bool, len(adj))
	for v, nbrs := range adj {
		d := int64(len(nbrs))
		triples += d * (d - 1) / 2
		for _, u := range nbrs {
			mark[u] = true
		}
		// each triangle counted once, from its smallest vertex
		for _, u := range nbrs {
			if u <= v {
				continue
			}
			for _, w := range adj[u] {
				if w > u && mark[w] {
					triangles++
				}
			}
		}
		for _, u := range nbrs {
			mark[u] = false
		}
	}
	if triples > 0 {
		c = 3 * float64(triangles) / float64(triples)
	}
	return c, triangles, triples
}

// CountLoopMotifs counts feed-forward loops (i->j, j->k, i->k) and
// feed-back loops (i->j, j->k, k->i) over distinct vertices. Each
// feed-back loop is counted once rather than once per rotation.
func CountLoopMotifs(g *cgraph.Store) (ffl, fbl int64) {
	var rotations int64
	for i := 0; i < g.NumVertices(); i++ {
		for j := range g.Neighbors(i, cgraph.Out) {
			if j == i {
				continue
			}
			for k := range g.Neighbors(j, cgraph.Out) {
				if k == i || k == j {
					continue
				}
				if _, ok := g.Weight(i, k); ok {
					ffl++
				}
				if _, ok := g.Weight(k, i); ok {
					rotations++
				}
			}
		}
	}
	return ffl, rotations / 3
}

func largestComponent(comps [][]graph.Node) []graph.Node {
	var best []graph.Node
	for _, c := range comps {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

// pseudoDiameter repeats breadth-first searches from the farthest vertex
// found so far until the eccentricity stops growing.
func pseudoDiameter(ug *simple.WeightedUndirectedGraph, start graph.Node) int {
	source, best := start, 0
	for {
		far, depth := source, 0
		var bf traverse.BreadthFirst
		bf.Walk(ug, source, func(n graph.Node, d int) bool {
			if d > depth || (d == depth && n.ID() < far.ID()) {
				far, depth = n, d
			}
			return false
		})
		if depth <= best {
			return best
		}
		source, best = far, depth
	}
}

// weightedPseudoDiameter is pseudoDiameter with synapse counts as edge
// lengths.
func weightedPseudoDiameter(ug *simple.WeightedUndirectedGraph, start graph.Node) float64 {
	source, best := start, 0.0
	for {
		sp := path.DijkstraFrom(source, ug)
		far, dist := source, 0.0
		nodes := ug.Nodes()
		for nodes.Next() {
			n := nodes.Node()
			w := sp.WeightTo(n.ID())
			if math.IsInf(w, 1) {
				continue
			}
			if w > dist || (w == dist && n.ID() < far.ID()) {
				far, dist = n, w
			}
		}
		if dist <= best {
			return best
		}
		source, best = far, dist
	}
}
