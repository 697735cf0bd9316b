package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/gilchrisn/connectome-blockmodel/pkg/graph"
)

// WriteEdgeList writes g as "from to weight" lines that ParseEdgeList reads
// back. Vertices are written by label when labels is non-nil.
func WriteEdgeList(w io.Writer, g *graph.Store, labels []string) error {
	bw := bufio.NewWriter(w)
	name := func(v int) string {
		if labels != nil {
			return labels[v]
		}
		return fmt.Sprint(v)
	}
	for e := range g.Edges() {
		if _, err := fmt.Fprintf(bw, "%s %s %d\n", name(e.Source), name(e.Target), e.Weight); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveEdgeList writes g to path, compressing .gz and .zst files.
func SaveEdgeList(path string, g *graph.Store, labels []string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	var sink io.WriteCloser
	switch {
	case strings.HasSuffix(path, ".gz"):
		sink = gzip.NewWriter(file)
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(file)
		if err != nil {
			return fmt.Errorf("zstd %s: %w", path, err)
		}
		sink = zw
	}
	if sink == nil {
		return WriteEdgeList(file, g, labels)
	}
	if err := WriteEdgeList(sink, g, labels); err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}
