package builder

import (
	"container/heap"
	"iter"
	"math"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
)

type candidate struct {
	a, c   int
	delta  float64
	degree int64
	// block versions when delta was taken
	va, vc int
}

func (x candidate) better(y candidate) bool {
	if x.delta < y.delta-tieTolerance {
		return true
	}
	if x.delta > y.delta+tieTolerance {
		return false
	}
	if x.degree != y.degree {
		return x.degree > y.degree
	}
	if x.a != y.a {
		return x.a < y.a
	}
	return x.c < y.c
}

type candidateHeap []candidate

func (q candidateHeap) Len() int           { return len(q) }
func (q candidateHeap) Less(i, j int) bool { return q[i].better(q[j]) }
func (q candidateHeap) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *candidateHeap) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *candidateHeap) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

type sizedBlock struct {
	id, size, version int
}

type blockHeap []sizedBlock

func (q blockHeap) Len() int { return len(q) }
func (q blockHeap) Less(i, j int) bool {
	if q[i].size != q[j].size {
		return q[i].size < q[j].size
	}
	return q[i].id < q[j].id
}
func (q blockHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *blockHeap) Push(x any)   { *q = append(*q, x.(sizedBlock)) }
func (q *blockHeap) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

// marks deduplicates neighbours; every scan gets a fresh epoch so the
// slice is never cleared.
type marks struct {
	seen  []int
	epoch int
}

func (m *marks) next() int {
	m.epoch++
	return m.epoch
}

// mergeQueue orders the candidate merges of one level. Pairs of adjacent
// blocks sit in a heap keyed by their merge delta minus the part shared by
// all pairs. A merge bumps the versions of both blocks, which retires
// every entry naming them, and re-queues the pairs of the surviving block.
// Pairs that only neighbour the merged blocks keep their old key until they
// reach the top, where they are re-scored and re-queued if the key moved.
//
// Once no adjacent pair is left, every remaining block is its own
// component and the two smallest blocks are merged next.
type mergeQueue struct {
	eval    entropy.Evaluator
	h       *blockmodel.Hierarchy
	l       int
	pairs   candidateHeap
	sizes   blockHeap
	version []int
	seen    marks
	// disconnected is set once the pair heap has run dry.
	disconnected bool
}

func newMergeQueue(eval entropy.Evaluator, h *blockmodel.Hierarchy, l int) (*mergeQueue, error) {
	lvl := h.Level(l)
	n := lvl.NumBlocks()
	q := &mergeQueue{
		eval:    eval,
		h:       h,
		l:       l,
		version: make([]int, n),
		seen:    marks{seen: make([]int, n)},
	}
	shared := eval.MergeShared(h, l)
	for a := 0; a < n; a++ {
		if lvl.BlockSize(a) == 0 {
			continue
		}
		if err := q.pushNeighbors(a, true, shared); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// pushNeighbors queues a paired with every adjacent block, or only with
// those of higher id when higher is set.
func (q *mergeQueue) pushNeighbors(a int, higher bool, shared float64) error {
	lvl := q.h.Level(q.l)
	mark := q.seen.next()
	for _, row := range []func(int) iter.Seq2[int, int64]{lvl.OutRow, lvl.InColumn} {
		for x := range row(a) {
			if x == a || (higher && x < a) || q.seen.seen[x] == mark || lvl.BlockSize(x) == 0 {
				continue
			}
			q.seen.seen[x] = mark
			cand, err := q.score(a, x)
			if err != nil {
				return err
			}
			cand.delta -= shared
			heap.Push(&q.pairs, cand)
		}
	}
	return nil
}

// score returns the full merge delta of a and c, lower id first.
func (q *mergeQueue) score(a, c int) (candidate, error) {
	if a > c {
		a, c = c, a
	}
	lvl := q.h.Level(q.l)
	d, err := q.eval.MergeDelta(q.h, q.l, a, c)
	if err != nil {
		return candidate{}, err
	}
	return candidate{
		a:      a,
		c:      c,
		delta:  d,
		degree: lvl.BlockOut(a) + lvl.BlockIn(a) + lvl.BlockOut(c) + lvl.BlockIn(c),
		va:     q.version[a],
		vc:     q.version[c],
	}, nil
}

func (q *mergeQueue) live(cand candidate) bool {
	lvl := q.h.Level(q.l)
	return cand.va == q.version[cand.a] && cand.vc == q.version[cand.c] &&
		lvl.BlockSize(cand.a) > 0 && lvl.BlockSize(cand.c) > 0
}

// next returns the best merge with its full delta, or false when fewer
// than two blocks remain.
func (q *mergeQueue) next() (candidate, bool, error) {
	if !q.disconnected {
		shared := q.eval.MergeShared(q.h, q.l)
		for q.pairs.Len() > 0 {
			top := heap.Pop(&q.pairs).(candidate)
			if !q.live(top) {
				continue
			}
			fresh, err := q.score(top.a, top.c)
			if err != nil {
				return candidate{}, false, err
			}
			if key := fresh.delta - shared; math.Abs(key-top.delta) > tieTolerance {
				fresh.delta = key
				heap.Push(&q.pairs, fresh)
				continue
			}
			return fresh, true, nil
		}
		q.disconnect()
	}

	var picked []int
	for q.sizes.Len() > 0 && len(picked) < 2 {
		b := heap.Pop(&q.sizes).(sizedBlock)
		if b.version == q.version[b.id] && q.h.Level(q.l).BlockSize(b.id) > 0 {
			picked = append(picked, b.id)
		}
	}
	if len(picked) < 2 {
		return candidate{}, false, nil
	}
	cand, err := q.score(picked[0], picked[1])
	return cand, err == nil, err
}

func (q *mergeQueue) disconnect() {
	q.disconnected = true
	q.pairs = nil
	lvl := q.h.Level(q.l)
	for r := 0; r < lvl.NumBlocks(); r++ {
		if n := lvl.BlockSize(r); n > 0 {
			q.sizes = append(q.sizes, sizedBlock{id: r, size: n, version: q.version[r]})
		}
	}
	heap.Init(&q.sizes)
}

// merged records that c was merged into a.
func (q *mergeQueue) merged(a, c int) error {
	q.version[a]++
	q.version[c]++
	if q.disconnected {
		heap.Push(&q.sizes, sizedBlock{id: a, size: q.h.Level(q.l).BlockSize(a), version: q.version[a]})
		return nil
	}
	return q.pushNeighbors(a, false, q.eval.MergeShared(q.h, q.l))
}
