package mcmc

import (
	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
)

// MergeSplit runs one round of merge-split proposals at every level. A
// proposal picks a random vertex and a neighbor drawn by edge weight. When
// they sit in different sibling blocks the two blocks are merged, the union
// is re-split at random and refit greedily, and whichever of the merged or
// split state scores lower is put to the acceptance rule. When they share a
// block, or the vertex has no neighbors, that block alone is split into
// itself and a new sibling the same way. Rejected proposals restore the
// original labels exactly.
func (r *Refiner) MergeSplit(h *blockmodel.Hierarchy, temperature float64) (SweepStats, error) {
	var stats SweepStats
	for l := 0; l < h.NumLevels(); l++ {
		if err := h.RebuildLevel(l); err != nil {
			return stats, err
		}
		lvl := h.Level(l)
		attempts := r.opts.MergeSplitAttempts
		if attempts <= 0 {
			attempts = lvl.NonEmptyBlocks()
		}
		for i := 0; i < attempts; i++ {
			accepted, tried, d, err := r.mergeSplitOnce(h, l, temperature)
			if err != nil {
				return stats, err
			}
			switch {
			case !tried:
			case accepted:
				stats.MergeSplitAccepted++
				stats.Delta += d
				r.score += d
			default:
				stats.MergeSplitRejected++
			}
		}
	}
	return stats, nil
}

func (r *Refiner) mergeSplitOnce(h *blockmodel.Hierarchy, l int, temperature float64) (accepted, tried bool, delta float64, err error) {
	lvl := h.Level(l)
	if lvl.NumVertices() == 0 {
		return false, false, 0, nil
	}
	v := r.rng.Intn(lvl.NumVertices())
	a := lvl.Block(v)
	u, ok := r.weightedNeighbor(lvl.Graph(), v)
	if !ok || lvl.Block(u) == a {
		return r.splitOnce(h, l, a, temperature)
	}
	c := lvl.Block(u)
	if !h.IsTop(l) && h.Parent(l, a) != h.Parent(l, c) {
		return false, false, 0, nil
	}

	p := proposal{members: append(lvl.Members(a), lvl.Members(c)...)}
	p.remember(lvl)

	merged, err := r.eval.MergeDelta(h, l, a, c)
	if err != nil {
		return false, false, 0, err
	}
	if err := h.MergeBlocks(l, a, c); err != nil {
		return false, false, 0, err
	}
	split, err := r.resplit(h, l, a, c, p.members, merged)
	if err != nil {
		return false, false, 0, err
	}

	delta = split
	keepSplit := true
	if merged <= split {
		delta = merged
		keepSplit = false
	}
	if !r.accept(delta, temperature) {
		return false, true, 0, p.restore(h, l)
	}

	if !keepSplit {
		for _, x := range p.members {
			if lvl.Block(x) == c {
				if err := h.Assign(l, x, a); err != nil {
					return false, true, 0, err
				}
			}
		}
	}
	if lvl.BlockSize(a) == 0 || lvl.BlockSize(c) == 0 {
		h.Prune(l)
	}
	return true, true, delta, nil
}

// splitOnce proposes dividing block a between itself and a new sibling.
func (r *Refiner) splitOnce(h *blockmodel.Hierarchy, l, a int, temperature float64) (accepted, tried bool, delta float64, err error) {
	lvl := h.Level(l)
	if lvl.BlockSize(a) < 2 {
		return false, false, 0, nil
	}
	p := proposal{members: lvl.Members(a)}
	p.remember(lvl)

	c, err := h.AddBlock(l, a)
	if err != nil {
		return false, false, 0, err
	}
	delta, err = r.resplit(h, l, a, c, p.members, 0)
	if err != nil {
		return false, false, 0, err
	}
	if !r.accept(delta, temperature) {
		if err := p.restore(h, l); err != nil {
			return false, true, 0, err
		}
		h.Prune(l)
		return false, true, 0, nil
	}
	if lvl.BlockSize(a) == 0 || lvl.BlockSize(c) == 0 {
		h.Prune(l)
	}
	return true, true, delta, nil
}

// resplit starts with every member in block a, moves each to c with
// probability one half, then runs SplitRefitSweeps greedy passes moving
// members between a and c. It returns base plus the score change.
func (r *Refiner) resplit(h *blockmodel.Hierarchy, l, a, c int, members []int, base float64) (float64, error) {
	lvl := h.Level(l)
	total := base
	move := func(x, to int) error {
		d, err := r.eval.ScoreDelta(h, blockmodel.Move{Level: l, Vertex: x, Target: to})
		if err != nil {
			return err
		}
		if err := h.Assign(l, x, to); err != nil {
			return err
		}
		total += d
		return nil
	}

	for _, x := range members {
		if r.rng.Intn(2) == 1 {
			if err := move(x, c); err != nil {
				return 0, err
			}
		}
	}
	for s := 0; s < r.opts.SplitRefitSweeps; s++ {
		for _, x := range members {
			to := a
			if lvl.Block(x) == a {
				to = c
			}
			d, err := r.eval.ScoreDelta(h, blockmodel.Move{Level: l, Vertex: x, Target: to})
			if err != nil {
				return 0, err
			}
			if d < -improvementEpsilon {
				if err := h.Assign(l, x, to); err != nil {
					return 0, err
				}
				total += d
			}
		}
	}
	return total, nil
}

// proposal remembers the blocks of the vertices a merge-split touches.
type proposal struct {
	members []int
	origin  []int
}

func (p *proposal) remember(lvl *blockmodel.Level) {
	p.origin = make([]int, len(p.members))
	for i, x := range p.members {
		p.origin[i] = lvl.Block(x)
	}
}

func (p *proposal) restore(h *blockmodel.Hierarchy, l int) error {
	lvl := h.Level(l)
	for i, x := range p.members {
		if lvl.Block(x) != p.origin[i] {
			if err := h.Assign(l, x, p.origin[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
