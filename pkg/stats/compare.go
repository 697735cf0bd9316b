package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
)

var ErrPartitionSize = errors.New("stats: partitions cover different vertex counts")

// Agreement scores how closely two partitions of the same vertices match.
type Agreement struct {
	// NMI is the mutual information normalized by the mean entropy, in [0, 1].
	NMI float64 `json:"nmi"`
	// ARI is the adjusted Rand index, 1 for identical partitions and
	// about 0 for independent ones.
	ARI     float64 `json:"ari"`
	BlocksA int     `json:"blocks_a"`
	BlocksB int     `json:"blocks_b"`
}

// LevelAgreement is the Agreement of one level's projections.
type LevelAgreement struct {
	Level int `json:"level"`
	Agreement
}

type contingency struct {
	n     int
	cells map[[2]int]int
	rows  map[int]int
	cols  map[int]int
}

func newContingency(a, b []int) contingency {
	c := contingency{
		n:     len(a),
		cells: make(map[[2]int]int),
		rows:  make(map[int]int),
		cols:  make(map[int]int),
	}
	for v := range a {
		c.cells[[2]int{a[v], b[v]}]++
		c.rows[a[v]]++
		c.cols[b[v]]++
	}
	return c
}

func distribution(counts map[int]int, n int) []float64 {
	p := make([]float64, 0, len(counts))
	for _, c := range counts {
		p = append(p, float64(c)/float64(n))
	}
	return p
}

func (c contingency) nmi() float64 {
	h1 := stat.Entropy(distribution(c.rows, c.n))
	h2 := stat.Entropy(distribution(c.cols, c.n))
	if h1 == 0 && h2 == 0 {
		return 1
	}
	if h1 == 0 || h2 == 0 {
		return 0
	}
	n := float64(c.n)
	var mi float64
	for k, count := range c.cells {
		pij := float64(count) / n
		pi := float64(c.rows[k[0]]) / n
		pj := float64(c.cols[k[1]]) / n
		mi += pij * math.Log(pij/(pi*pj))
	}
	return clamp(2*mi/(h1+h2), 0, 1)
}

func pairs(x int) float64 { return float64(x) * float64(x-1) / 2 }

func (c contingency) ari() float64 {
	var sumCells, sumRows, sumCols float64
	for _, count := range c.cells {
		sumCells += pairs(count)
	}
	for _, count := range c.rows {
		sumRows += pairs(count)
	}
	for _, count := range c.cols {
		sumCols += pairs(count)
	}
	total := pairs(c.n)
	if total == 0 {
		return 1
	}
	expected := sumRows * sumCols / total
	maxIndex := (sumRows + sumCols) / 2
	if maxIndex == expected {
		return 1
	}
	return clamp((sumCells-expected)/(maxIndex-expected), -1, 1)
}

func clamp(x, lo, hi float64) float64 { return max(lo, min(hi, x)) }

// ComparePartitions scores two block labellings of the same vertices.
// Label values need not match between a and b.
func ComparePartitions(a, b []int) (Agreement, error) {
	if len(a) != len(b) {
		return Agreement{}, fmt.Errorf("%w: %d and %d", ErrPartitionSize, len(a), len(b))
	}
	if len(a) == 0 {
		return Agreement{NMI: 1, ARI: 1}, nil
	}
	c := newContingency(a, b)
	return Agreement{NMI: c.nmi(), ARI: c.ari(), BlocksA: len(c.rows), BlocksB: len(c.cols)}, nil
}

// CompareHierarchies scores the projections of every level both
// hierarchies have, finest first. Both must be fitted to graphs with the
// same vertex count.
func CompareHierarchies(x, y *blockmodel.Hierarchy) ([]LevelAgreement, error) {
	levels := min(x.NumLevels(), y.NumLevels())
	out := make([]LevelAgreement, 0, levels)
	for l := 0; l < levels; l++ {
		px, err := x.Projection(l)
		if err != nil {
			return nil, err
		}
		py, err := y.Projection(l)
		if err != nil {
			return nil, err
		}
		ag, err := ComparePartitions(px, py)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", l, err)
		}
		out = append(out, LevelAgreement{Level: l, Agreement: ag})
	}
	return out, nil
}
