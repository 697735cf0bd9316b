package stats

import (
	"gonum.org/v1/gonum/graph/simple"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// directed converts g into a gonum weighted directed graph. Gonum simple
// graphs reject self-loops, so those are left out; every vertex is added
// even when isolated.
func directed(g *graph.Store) *simple.WeightedDirectedGraph {
	dg := simple.NewWeightedDirectedGraph(0, 0)
	for v := 0; v < g.NumVertices(); v++ {
		dg.AddNode(simple.Node(v))
	}
	for e := range g.Edges() {
		if e.Source == e.Target {
			continue
		}
		dg.SetWeightedEdge(dg.NewWeightedEdge(simple.Node(e.Source), simple.Node(e.Target), float64(e.Weight)))
	}
	return dg
}

// undirected collapses edge direction. Reciprocal edges become one edge
// carrying their summed weight.
func undirected(g *graph.Store) *simple.WeightedUndirectedGraph {
	ug := simple.NewWeightedUndirectedGraph(0, 0)
	for v := 0; v < g.NumVertices(); v++ {
		ug.AddNode(simple.Node(v))
	}
	for e := range g.Edges() {
		if e.Source == e.Target {
			continue
		}
		w := float64(e.Weight)
		if prev := ug.WeightedEdge(int64(e.Source), int64(e.Target)); prev != nil {
			w += prev.Weight()
		}
		ug.SetWeightedEdge(ug.NewWeightedEdge(simple.Node(e.Source), simple.Node(e.Target), w))
	}
	return ug
}
