// Package graph holds the immutable weighted directed connectome the block
// model is fitted to.
package graph

import (
	"iter"
	"slices"
	"sort"
)

// Direction selects which adjacency Neighbors walks.
type Direction int

const (
	Out Direction = iota
	In
	Both
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case In:
		return "in"
	default:
		return "both"
	}
}

// Edge is a directed connection; Weight is the synapse count.
type Edge struct {
	Source int   `json:"source"`
	Target int   `json:"target"`
	Weight int64 `json:"weight"`
}

// Neighbor is one adjacency entry.
type Neighbor struct {
	Vertex int
	Weight int64
}

// Store is a weighted directed multigraph collapsed to one edge per ordered
// vertex pair. It never changes after Load, so concurrent readers are safe.
type Store struct {
	numVertices int
	numEdges    int
	totalWeight int64

	out [][]Neighbor // sorted by Vertex
	in  [][]Neighbor // sorted by Vertex

	outStrength []int64
	inStrength  []int64

	attrs map[string][]string
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	attrs map[string][]string
}

// WithVertexAttribute attaches a per-vertex string property, e.g. the
// dominant neuropil of every neuron. values must have one entry per vertex.
func WithVertexAttribute(name string, values []string) Option {
	return func(o *loadOptions) {
		if o.attrs == nil {
			o.attrs = make(map[string][]string)
		}
		o.attrs[name] = values
	}
}

// Load builds a Store over vertices [0, numVertices). Parallel edges are
// merged by summing their weights and zero-weight edges are dropped.
func Load(numVertices int, edges []Edge, opts ...Option) (*Store, error) {
	if numVertices < 0 {
		return nil, &MalformedInputError{Index: -1, Reason: "negative vertex count"}
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	for name, values := range o.attrs {
		if len(values) != numVertices {
			return nil, &MalformedInputError{
				Index:  -1,
				Reason: "attribute " + name + " does not cover every vertex",
			}
		}
	}

	kept := make([]Edge, 0, len(edges))
	for i, e := range edges {
		switch {
		case e.Source < 0 || e.Source >= numVertices:
			return nil, &MalformedInputError{Index: i, Edge: e, Reason: "source out of range"}
		case e.Target < 0 || e.Target >= numVertices:
			return nil, &MalformedInputError{Index: i, Edge: e, Reason: "target out of range"}
		case e.Weight < 0:
			return nil, &MalformedInputError{Index: i, Edge: e, Reason: "negative weight"}
		case e.Weight == 0:
			continue
		}
		kept = append(kept, e)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Source != kept[j].Source {
			return kept[i].Source < kept[j].Source
		}
		return kept[i].Target < kept[j].Target
	})

	g := &Store{
		numVertices: numVertices,
		out:         make([][]Neighbor, numVertices),
		in:          make([][]Neighbor, numVertices),
		outStrength: make([]int64, numVertices),
		inStrength:  make([]int64, numVertices),
		attrs:       make(map[string][]string, len(o.attrs)),
	}
	for name, values := range o.attrs {
		g.attrs[name] = slices.Clone(values)
	}

	for i := 0; i < len(kept); {
		e := kept[i]
		w := int64(0)
		for i < len(kept) && kept[i].Source == e.Source && kept[i].Target == e.Target {
			w += kept[i].Weight
			i++
		}
		// Iterating in (source, target) order keeps both lists sorted.
		g.out[e.Source] = append(g.out[e.Source], Neighbor{Vertex: e.Target, Weight: w})
		g.in[e.Target] = append(g.in[e.Target], Neighbor{Vertex: e.Source, Weight: w})
		g.outStrength[e.Source] += w
		g.inStrength[e.Target] += w
		g.totalWeight += w
		g.numEdges++
	}

	return g, nil
}

// NumVertices returns N.
func (g *Store) NumVertices() int {
	return g.numVertices
}

// NumEdges returns the number of distinct ordered pairs with positive weight.
func (g *Store) NumEdges() int {
	return g.numEdges
}

// TotalWeight returns the sum of all edge weights.
func (g *Store) TotalWeight() int64 {
	return g.totalWeight
}

// HasVertex reports whether v is a valid vertex id.
func (g *Store) HasVertex(v int) bool {
	return v >= 0 && v < g.numVertices
}

// Neighbors yields (neighbor, weight) pairs of v. With Both, out-neighbors
// come first, so a self-loop is yielded twice. Invalid vertices yield nothing.
func (g *Store) Neighbors(v int, dir Direction) iter.Seq2[int, int64] {
	return func(yield func(int, int64) bool) {
		if !g.HasVertex(v) {
			return
		}
		if dir == Out || dir == Both {
			for _, n := range g.out[v] {
				if !yield(n.Vertex, n.Weight) {
					return
				}
			}
		}
		if dir == In || dir == Both {
			for _, n := range g.in[v] {
				if !yield(n.Vertex, n.Weight) {
					return
				}
			}
		}
	}
}

// Weight returns the weight of the edge u -> v.
func (g *Store) Weight(u, v int) (int64, bool) {
	if !g.HasVertex(u) || !g.HasVertex(v) {
		return 0, false
	}
	row := g.out[u]
	i := sort.Search(len(row), func(i int) bool { return row[i].Vertex >= v })
	if i < len(row) && row[i].Vertex == v {
		return row[i].Weight, true
	}
	return 0, false
}

// Degree returns the number of distinct neighbors in the given direction.
func (g *Store) Degree(v int, dir Direction) int {
	if !g.HasVertex(v) {
		return 0
	}
	switch dir {
	case Out:
		return len(g.out[v])
	case In:
		return len(g.in[v])
	default:
		return len(g.out[v]) + len(g.in[v])
	}
}

// Strength returns the weighted degree in the given direction.
func (g *Store) Strength(v int, dir Direction) int64 {
	if !g.HasVertex(v) {
		return 0
	}
	switch dir {
	case Out:
		return g.outStrength[v]
	case In:
		return g.inStrength[v]
	default:
		return g.outStrength[v] + g.inStrength[v]
	}
}

// Edges yields every edge ordered by (source, target).
func (g *Store) Edges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		for u, row := range g.out {
			for _, n := range row {
				if !yield(Edge{Source: u, Target: n.Vertex, Weight: n.Weight}) {
					return
				}
			}
		}
	}
}

// VertexAttribute returns the named property of v.
func (g *Store) VertexAttribute(name string, v int) (string, bool) {
	values, ok := g.attrs[name]
	if !ok || !g.HasVertex(v) {
		return "", false
	}
	return values[v], true
}

// AttributeNames lists the attached vertex properties in sorted order.
func (g *Store) AttributeNames() []string {
	names := make([]string, 0, len(g.attrs))
	for name := range g.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterByWeight returns a new Store keeping only edges whose weight is
// strictly greater than threshold. Vertex ids and attributes are preserved.
func (g *Store) FilterByWeight(threshold int64) *Store {
	edges := make([]Edge, 0, g.numEdges)
	for e := range g.Edges() {
		if e.Weight > threshold {
			edges = append(edges, e)
		}
	}
	opts := make([]Option, 0, len(g.attrs))
	for name, values := range g.attrs {
		opts = append(opts, WithVertexAttribute(name, values))
	}
	// Edges come from a valid store, so Load cannot fail.
	filtered, _ := Load(g.numVertices, edges, opts...)
	return filtered
}
