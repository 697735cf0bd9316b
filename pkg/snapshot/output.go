package snapshot

import (
	"bufio"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/gilchrisn/connectome-blockmodel/pkg/blockmodel"
)

// OutputWriter exports a hierarchy as community text files.
type OutputWriter interface {
	WriteMapping(h *blockmodel.Hierarchy, labels []string, path string) error
	WriteHierarchy(h *blockmodel.Hierarchy, path string) error
	WriteRoot(h *blockmodel.Hierarchy, path string) error
	WriteEdges(h *blockmodel.Hierarchy, path string) error
	WriteAll(h *blockmodel.Hierarchy, labels []string, outputDir, prefix string) error
}

// FileWriter implements OutputWriter for file-based output. Blocks are
// named c0_l<level+1>_<block>.
type FileWriter struct{}

// NewFileWriter creates a new file-based output writer
func NewFileWriter() OutputWriter {
	return &FileWriter{}
}

func blockName(level, block int) string {
	return fmt.Sprintf("c0_l%d_%d", level+1, block)
}

// create opens path and hands a buffered writer to fn.
func create(path string, fn func(w *bufio.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := fn(w); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteAll writes all output files
func (fw *FileWriter) WriteAll(h *blockmodel.Hierarchy, labels []string, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	steps := []struct {
		ext   string
		write func(path string) error
	}{
		{"mapping", func(p string) error { return fw.WriteMapping(h, labels, p) }},
		{"hierarchy", func(p string) error { return fw.WriteHierarchy(h, p) }},
		{"root", func(p string) error { return fw.WriteRoot(h, p) }},
		{"edges", func(p string) error { return fw.WriteEdges(h, p) }},
	}
	for _, s := range steps {
		path := filepath.Join(outputDir, fmt.Sprintf("%s.%s", prefix, s.ext))
		if err := s.write(path); err != nil {
			return fmt.Errorf("failed to write %s: %w", s.ext, err)
		}
	}
	return nil
}

// WriteMapping writes every top-level block followed by its input
// vertices. labels renames vertices; nil writes their indices.
func (fw *FileWriter) WriteMapping(h *blockmodel.Hierarchy, labels []string, path string) error {
	top := h.NumLevels() - 1
	proj, err := h.Projection(top)
	if err != nil {
		return err
	}
	members := make(map[int][]string)
	for v, r := range proj {
		name := strconv.Itoa(v)
		if labels != nil {
			name = labels[v]
		}
		members[r] = append(members[r], name)
	}

	return create(path, func(w *bufio.Writer) error {
		for _, r := range slices.Sorted(maps.Keys(members)) {
			nodes := members[r]
			slices.Sort(nodes)
			fmt.Fprintf(w, "%s\n%d\n", blockName(top, r), len(nodes))
			for _, node := range nodes {
				fmt.Fprintf(w, "%s\n", node)
			}
		}
		return nil
	})
}

// WriteHierarchy writes, for every level above the first, each block and
// the child blocks it contains.
func (fw *FileWriter) WriteHierarchy(h *blockmodel.Hierarchy, path string) error {
	return create(path, func(w *bufio.Writer) error {
		for l := 1; l < h.NumLevels(); l++ {
			lvl := h.Level(l)
			for r := 0; r < lvl.NumBlocks(); r++ {
				children := lvl.Members(r)
				if len(children) == 0 {
					continue
				}
				slices.Sort(children)
				fmt.Fprintf(w, "%s\n%d\n", blockName(l, r), len(children))
				for _, c := range children {
					fmt.Fprintf(w, "%d\n", c)
				}
			}
		}
		return nil
	})
}

// WriteRoot writes the non-empty top-level blocks.
func (fw *FileWriter) WriteRoot(h *blockmodel.Hierarchy, path string) error {
	top := h.Top()
	return create(path, func(w *bufio.Writer) error {
		for r := 0; r < top.NumBlocks(); r++ {
			if top.BlockSize(r) > 0 {
				fmt.Fprintf(w, "%s\n", blockName(h.NumLevels()-1, r))
			}
		}
		return nil
	})
}

// WriteEdges writes the block matrix of every level as
// "<level> <row> <col> <weight>" lines.
func (fw *FileWriter) WriteEdges(h *blockmodel.Hierarchy, path string) error {
	return create(path, func(w *bufio.Writer) error {
		for l, lvl := range h.Levels() {
			for c := range lvl.Cells() {
				fmt.Fprintf(w, "%d %d %d %d\n", l, c.Row, c.Col, c.Weight)
			}
		}
		return nil
	})
}
