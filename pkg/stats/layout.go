package stats

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/traverse"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/mds"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
)

// NodeVisual places one block for drawing.
type NodeVisual struct {
	Block  int     `json:"block"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Label  string  `json:"label"`
	Level  int     `json:"level"`
	Size   int     `json:"size"`
}

// BlockLayout positions the non-empty blocks of level l with classical
// multidimensional scaling of their hop distances in the block graph, and
// sizes them by PageRank.
func BlockLayout(h *blockmodel.Hierarchy, l int) ([]NodeVisual, error) {
	lvl := h.Level(l)
	if lvl == nil {
		return nil, fmt.Errorf("%w: %d", blockmodel.ErrInvalidLevel, l)
	}
	bg := lvl.BlockGraph()

	var blocks []int
	for r := 0; r < lvl.NumBlocks(); r++ {
		if lvl.BlockSize(r) > 0 {
			blocks = append(blocks, r)
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	ranks := PageRank(bg, DefaultDamping, 1e-8)
	coords := scale(distanceMatrix(undirected(bg), blocks))

	scores := make([]float64, len(blocks))
	for i, r := range blocks {
		scores[i] = ranks[r]
	}
	lo, hi := floats.Min(scores), floats.Max(scores)
	if hi == lo {
		hi = lo + 1
	}
	base := 8.0
	if l == 0 {
		base = 3.0
	}

	_, cols := coords.Dims()
	out := make([]NodeVisual, len(blocks))
	for i, r := range blocks {
		nv := NodeVisual{
			Block:  r,
			Radius: base + (scores[i]-lo)/(hi-lo)*15,
			Label:  fmt.Sprintf("c0_l%d_%d", l+1, r),
			Level:  l,
			Size:   lvl.BlockSize(r),
		}
		if cols > 0 {
			nv.X = coords.At(i, 0)
		}
		if cols > 1 {
			nv.Y = coords.At(i, 1)
		}
		out[i] = nv
	}
	return out, nil
}

// distanceMatrix holds hop counts between the given nodes; unreachable
// pairs get the node count.
func distanceMatrix(g traverse.Graph, nodes []int) *mat.SymDense {
	n := len(nodes)
	index := make(map[int64]int, n)
	for i, v := range nodes {
		index[int64(v)] = i
	}
	dist := mat.NewSymDense(n, nil)
	for i := range nodes {
		for j := i + 1; j < n; j++ {
			dist.SetSym(i, j, float64(n))
		}
	}
	for i, v := range nodes {
		var bf traverse.BreadthFirst
		bf.Walk(g, node(v), func(x graph.Node, d int) bool {
			if j, ok := index[x.ID()]; ok && j > i {
				dist.SetSym(i, j, float64(d))
			}
			return false
		})
	}
	return dist
}

type node int64

func (n node) ID() int64 { return int64(n) }

func scale(dist *mat.SymDense) *mat.Dense {
	var coords mat.Dense
	if k, _ := mds.TorgersonScaling(&coords, nil, dist); k == 0 {
		return &mat.Dense{}
	}
	return &coords
}
