// Package snapshot persists fitted hierarchies and exports them in the
// plain-text community formats used by the clustering tools.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
	"github.com/gilchrisn/connectome-blockmodel/pkg/entropy"
	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// FormatVersion is written into every document.
const FormatVersion = 1

var (
	ErrUnknownFormat = errors.New("snapshot: unknown file format")
	ErrGraphMismatch = errors.New("snapshot: document does not match graph")
)

// GraphInfo identifies the graph a document was fitted to.
type GraphInfo struct {
	Vertices    int   `json:"vertices" yaml:"vertices"`
	Edges       int   `json:"edges" yaml:"edges"`
	TotalWeight int64 `json:"total_weight" yaml:"total_weight"`
}

// Document is the persisted form of a hierarchy: its block labels per
// level, finest first, plus the score it had when saved.
type Document struct {
	Version   int                `json:"version" yaml:"version"`
	RunID     string             `json:"run_id" yaml:"run_id"`
	CreatedAt time.Time          `json:"created_at" yaml:"created_at"`
	Objective string             `json:"objective" yaml:"objective"`
	Graph     GraphInfo          `json:"graph" yaml:"graph"`
	Levels    [][]int            `json:"levels" yaml:"levels,flow"`
	Score     float64            `json:"score" yaml:"score"`
	Breakdown *entropy.Breakdown `json:"breakdown,omitempty" yaml:"breakdown,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewDocument captures h. An empty runID gets a fresh UUID.
func NewDocument(h *blockmodel.Hierarchy, eval entropy.Evaluator, runID string) *Document {
	if runID == "" {
		runID = uuid.NewString()
	}
	g := h.Graph()
	bd := eval.Breakdown(h)
	return &Document{
		Version:   FormatVersion,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Objective: eval.Name(),
		Graph: GraphInfo{
			Vertices:    g.NumVertices(),
			Edges:       g.NumEdges(),
			TotalWeight: g.TotalWeight(),
		},
		Levels:    h.Assignments(),
		Score:     bd.Total,
		Breakdown: &bd,
	}
}

// Hierarchy rebuilds the saved hierarchy on g.
func (d *Document) Hierarchy(g *graph.Store) (*blockmodel.Hierarchy, error) {
	if g.NumVertices() != d.Graph.Vertices {
		return nil, fmt.Errorf("%w: %d vertices, document has %d",
			ErrGraphMismatch, g.NumVertices(), d.Graph.Vertices)
	}
	if d.Graph.TotalWeight != 0 && g.TotalWeight() != d.Graph.TotalWeight {
		return nil, fmt.Errorf("%w: total weight %d, document has %d",
			ErrGraphMismatch, g.TotalWeight(), d.Graph.TotalWeight)
	}
	h, err := blockmodel.FromAssignments(g, d.Levels)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", d.RunID, err)
	}
	return h, nil
}

// Format is an on-disk encoding.
type Format int

const (
	JSON Format = iota
	YAML
)

// Compression wraps an encoded document.
type Compression int

const (
	None Compression = iota
	Snappy
	Gzip
)

// Detect picks format and compression from a file name such as
// "fit.json", "fit.yaml.gz" or "fit.json.sz".
func Detect(path string) (Format, Compression, error) {
	name := strings.ToLower(filepath.Base(path))
	comp := None
	switch {
	case strings.HasSuffix(name, ".sz"):
		comp = Snappy
		name = strings.TrimSuffix(name, ".sz")
	case strings.HasSuffix(name, ".gz"):
		comp = Gzip
		name = strings.TrimSuffix(name, ".gz")
	}
	switch filepath.Ext(name) {
	case ".json":
		return JSON, comp, nil
	case ".yaml", ".yml":
		return YAML, comp, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Encode writes d to w.
func (d *Document) Encode(w io.Writer, f Format) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	default:
		return ErrUnknownFormat
	}
}

// Decode reads a document from r.
func Decode(r io.Reader, f Format) (*Document, error) {
	var d Document
	var err error
	switch f {
	case JSON:
		err = json.NewDecoder(r).Decode(&d)
	case YAML:
		err = yaml.NewDecoder(r).Decode(&d)
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}
	if d.Version > FormatVersion {
		return nil, fmt.Errorf("snapshot: version %d is newer than %d", d.Version, FormatVersion)
	}
	return &d, nil
}

// Save writes d to path in the encoding its name selects.
func Save(path string, d *Document) error {
	f, comp, err := Detect(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	var closer io.Closer
	switch comp {
	case Snappy:
		sw := snappy.NewBufferedWriter(&buf)
		w, closer = sw, sw
	case Gzip:
		gw := gzip.NewWriter(&buf)
		w, closer = gw, gw
	}
	if err := d.Encode(w, f); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("compress %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Load reads a document written by Save.
func Load(path string) (*Document, error) {
	f, comp, err := Detect(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	switch comp {
	case Snappy:
		r = snappy.NewReader(file)
	case Gzip:
		gr, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}
	d, err := Decode(r, f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

// TimestampedName returns "<base>_<YYYYmmdd-HHMMSS>.<ext>".
func TimestampedName(base, ext string, t time.Time) string {
	return fmt.Sprintf("%s_%s.%s", base, t.Format("20060102-150405"), strings.TrimPrefix(ext, "."))
}
