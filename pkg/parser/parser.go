// Package parser reads connectome edge data into a graph.Store. Input may
// be a whitespace edge list or a FlyWire connections CSV, optionally gzip
// or zstd compressed.
package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// RegionAttribute is the vertex attribute holding a neuron's dominant neuropil.
const RegionAttribute = "region"

// noNeuropil marks connections without a neuropil annotation.
const noNeuropil = "None"

var ErrMissingColumn = errors.New("parser: missing column")

// GraphParser maps original vertex ids to dense indices.
type GraphParser struct {
	// Mapping from original node ID to normalized index
	OriginalToNormalized map[string]int
	// Mapping from normalized index to original node ID
	NormalizedToOriginal []string
}

// NewGraphParser creates a new graph parser
func NewGraphParser() *GraphParser {
	return &GraphParser{OriginalToNormalized: make(map[string]int)}
}

// NumNodes is the number of distinct ids seen.
func (p *GraphParser) NumNodes() int { return len(p.NormalizedToOriginal) }

// Connection is one row of a connections table after id normalization.
type Connection struct {
	Pre      int
	Post     int
	Neuropil string
	Synapses int64
}

// ParseResult contains the parsed graph and the id mapping.
type ParseResult struct {
	Graph  *graph.Store
	Parser *GraphParser
	// Connections holds the raw rows of a connections table, before
	// parallel edges are collapsed. Empty for edge lists.
	Connections []Connection
}

// Labels returns the original id of every vertex.
func (r *ParseResult) Labels() []string { return r.Parser.NormalizedToOriginal }

// Open opens path for reading, decompressing .gz and .zst files.
func Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &stackedReader{Reader: gr, closers: []io.Closer{gr, file}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), file}}, nil
	default:
		return file, nil
	}
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ParseFile reads path as a connections CSV when its name contains ".csv"
// and as an edge list otherwise.
func (p *GraphParser) ParseFile(path string) (*ParseResult, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if strings.Contains(strings.ToLower(path), ".csv") {
		return p.ParseConnections(rc)
	}
	return p.ParseEdgeList(rc)
}

type rawEdge struct {
	from, to string
	weight   int64
	neuropil string
}

// ParseEdgeList reads "from to [weight]" lines. Blank lines and lines
// starting with # are skipped. The weight defaults to 1.
func (p *GraphParser) ParseEdgeList(r io.Reader) (*ParseResult, error) {
	var raw []rawEdge
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Fields(text)
		if len(parts) < 2 {
			return nil, fmt.Errorf("line %d: expected at least two fields: %w", line, graph.ErrMalformedInput)
		}
		e := rawEdge{from: parts[0], to: parts[1], weight: 1}
		if len(parts) >= 3 {
			w, err := parseWeight(parts[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			e.weight = w
		}
		raw = append(raw, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	p.createNormalizedMapping(raw)
	g, err := graph.Load(p.NumNodes(), p.normalize(raw))
	if err != nil {
		return nil, err
	}
	return &ParseResult{Graph: g, Parser: p}, nil
}

// ParseConnections reads a CSV with pre_root_id, post_root_id, neuropil
// and syn_count columns, in any order. Parallel rows are summed and every
// neuron is labelled with the neuropil that carries most of its outgoing
// synapses, falling back to incoming ones.
func (p *GraphParser) ParseConnections(r io.Reader) (*ParseResult, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	idx := make([]int, 4)
	for i, name := range []string{"pre_root_id", "post_root_id", "neuropil", "syn_count"} {
		c, ok := col[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		idx[i] = c
	}

	var raw []rawEdge
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		w, err := parseWeight(rec[idx[3]])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		raw = append(raw, rawEdge{
			from:     rec[idx[0]],
			to:       rec[idx[1]],
			neuropil: strings.Clone(rec[idx[2]]),
			weight:   w,
		})
	}

	p.createNormalizedMapping(raw)
	conns := make([]Connection, len(raw))
	for i, e := range raw {
		conns[i] = Connection{
			Pre:      p.OriginalToNormalized[e.from],
			Post:     p.OriginalToNormalized[e.to],
			Neuropil: e.neuropil,
			Synapses: e.weight,
		}
	}

	g, err := graph.Load(p.NumNodes(), p.normalize(raw),
		graph.WithVertexAttribute(RegionAttribute, dominantNeuropil(p.NumNodes(), conns)))
	if err != nil {
		return nil, err
	}
	return &ParseResult{Graph: g, Parser: p, Connections: conns}, nil
}

func parseWeight(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if w, err := strconv.ParseInt(s, 10, 64); err == nil {
		return w, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("weight %q is not an integer count: %w", s, graph.ErrMalformedInput)
	}
	return int64(f), nil
}

// createNormalizedMapping assigns indices to ids not seen before. New ids
// are sorted numerically when they are all integers, lexically otherwise.
func (p *GraphParser) createNormalizedMapping(raw []rawEdge) {
	seen := make(map[string]bool)
	var fresh []string
	for _, e := range raw {
		for _, id := range [2]string{e.from, e.to} {
			if _, ok := p.OriginalToNormalized[id]; ok || seen[id] {
				continue
			}
			seen[id] = true
			fresh = append(fresh, id)
		}
	}

	if allIntegers(fresh) {
		slices.SortFunc(fresh, func(a, b string) int {
			x, _ := strconv.ParseUint(a, 10, 64)
			y, _ := strconv.ParseUint(b, 10, 64)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		})
	} else {
		slices.Sort(fresh)
	}
	for _, id := range fresh {
		p.OriginalToNormalized[id] = len(p.NormalizedToOriginal)
		p.NormalizedToOriginal = append(p.NormalizedToOriginal, id)
	}
}

func allIntegers(ids []string) bool {
	for _, id := range ids {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return false
		}
	}
	return true
}

func (p *GraphParser) normalize(raw []rawEdge) []graph.Edge {
	edges := make([]graph.Edge, len(raw))
	for i, e := range raw {
		edges[i] = graph.Edge{
			Source: p.OriginalToNormalized[e.from],
			Target: p.OriginalToNormalized[e.to],
			Weight: e.weight,
		}
	}
	return edges
}

// dominantNeuropil picks, per neuron, the neuropil with the most outgoing
// synapses, or incoming ones when it has no annotated outputs. Ties go to
// the lexically smaller name. Unannotated neurons get "None".
func dominantNeuropil(n int, conns []Connection) []string {
	out := make([]map[string]int64, n)
	in := make([]map[string]int64, n)
	bump := func(m []map[string]int64, v int, np string, w int64) {
		if m[v] == nil {
			m[v] = make(map[string]int64)
		}
		m[v][np] += w
	}
	for _, c := range conns {
		if c.Neuropil == "" || c.Neuropil == noNeuropil {
			continue
		}
		bump(out, c.Pre, c.Neuropil, c.Synapses)
		bump(in, c.Post, c.Neuropil, c.Synapses)
	}

	labels := make([]string, n)
	for v := range labels {
		counts := out[v]
		if len(counts) == 0 {
			counts = in[v]
		}
		labels[v] = noNeuropil
		best := int64(-1)
		for np, w := range counts {
			if w > best || (w == best && np < labels[v]) {
				labels[v], best = np, w
			}
		}
	}
	return labels
}
