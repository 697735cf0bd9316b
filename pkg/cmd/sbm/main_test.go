package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/connectome-blockmodel/pkg/config"
	"github.com/gilchrisn/connectome-blockmodel/pkg/parser"
	"github.com/gilchrisn/connectome-blockmodel/pkg/snapshot"
	"github.com/gilchrisn/connectome-blockmodel/pkg/utils"
)

// writeCommunities writes three dense groups of four neurons, linked by
// single light edges, as a connections CSV.
func writeCommunities(t *testing.T, dir string) string {
	t.Helper()
	regions := []string{"AL_L", "MB_CA_L", "LO_R"}
	var b strings.Builder
	b.WriteString("pre_root_id,post_root_id,neuropil,syn_count\n")
	for grp := 0; grp < 3; grp++ {
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				if i != j {
					fmt.Fprintf(&b, "%d,%d,%s,%d\n", 100+grp*4+i, 100+grp*4+j, regions[grp], 6)
				}
			}
		}
		fmt.Fprintf(&b, "%d,%d,None,1\n", 100+grp*4, 100+((grp+1)%3)*4+1)
	}
	path := filepath.Join(dir, "connections.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "disabled"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFitRefineStats(t *testing.T) {
	dir := t.TempDir()
	input := writeCommunities(t, dir)
	fitted := filepath.Join(dir, "fit.yaml.gz")
	moves := filepath.Join(dir, "moves.jsonl")
	prom := filepath.Join(dir, "sbm.prom")

	out, err := execute(t, "fit", input,
		"-o", fitted,
		"--export-dir", dir,
		"--seeds", "2", "--workers", "2", "--sweeps", "3",
		"--track-moves", "--moves-file", moves,
		"--metrics-file", prom)
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot: "+fitted)
	assert.Contains(t, out, "Level 0: 12 nodes")

	doc, err := snapshot.Load(fitted)
	require.NoError(t, err)
	assert.Equal(t, 12, doc.Graph.Vertices)
	assert.Equal(t, "2", doc.Metadata["runs"])
	assert.Contains(t, []string{"42", "43"}, doc.Metadata["seed"])

	for _, name := range []string{"sbm.mapping", "sbm.hierarchy", "sbm.root", "sbm.edges"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	mapping, err := os.ReadFile(filepath.Join(dir, "sbm.mapping"))
	require.NoError(t, err)
	assert.Contains(t, string(mapping), "100")

	metrics, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `sbm_ensemble_runs_total{status="completed"} 2`)

	_, err = utils.ReadMoves(moves)
	require.NoError(t, err)

	refined := filepath.Join(dir, "refined.json")
	out, err = execute(t, "refine", input, fitted, "-o", refined, "--sweeps", "1", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot: "+refined)
	again, err := snapshot.Load(refined)
	require.NoError(t, err)
	assert.Equal(t, doc.RunID, again.Metadata["parent_run"])
	assert.LessOrEqual(t, again.Score, doc.Score+1e-9)

	report := filepath.Join(dir, "report.json")
	_, err = execute(t, "stats", input, "-s", refined, "-o", report, "--top", "3", "--layout-level", "0")
	require.NoError(t, err)

	raw, err := os.ReadFile(report)
	require.NoError(t, err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(raw, &rep))
	assert.Len(t, rep["top_pagerank"], 3)
	assert.Len(t, rep["neuropils"], 3)
	assert.Len(t, rep["hierarchy"], len(again.Levels))
	assert.Len(t, rep["regions"], len(again.Levels))
	assert.NotEmpty(t, rep["layout"])
	summary := rep["summary"].(map[string]any)
	assert.EqualValues(t, 12, summary["vertices"])
}

func TestFilter(t *testing.T) {
	dir := t.TempDir()
	input := writeCommunities(t, dir)
	output := filepath.Join(dir, "strong.txt.gz")

	out, err := execute(t, "filter", input, output, "--threshold", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Kept 36 of 39 edges")

	res, err := parser.NewGraphParser().ParseFile(output)
	require.NoError(t, err)
	assert.Equal(t, 36, res.Graph.NumEdges())
	assert.Equal(t, int64(216), res.Graph.TotalWeight())
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	input := writeCommunities(t, dir)

	_, err := execute(t, "fit")
	assert.Error(t, err)

	_, err = execute(t, "fit", input, "--seeds", "0", "-o", filepath.Join(dir, "x.json"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = execute(t, "fit", input, "-o", filepath.Join(dir, "x.bin"))
	assert.ErrorIs(t, err, snapshot.ErrUnknownFormat)

	_, err = execute(t, "stats", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	// a snapshot of the unfiltered graph does not fit a thinner one
	fitted := filepath.Join(dir, "fit.json")
	_, err = execute(t, "fit", input, "-o", fitted, "--sweeps", "1")
	require.NoError(t, err)
	_, err = execute(t, "refine", input, fitted, "--threshold", "1", "-o", filepath.Join(dir, "r.json"))
	assert.ErrorIs(t, err, snapshot.ErrGraphMismatch)
}

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	input := writeCommunities(t, dir)
	fitted := filepath.Join(dir, "fit.json.sz")
	_, err := execute(t, "fit", input, "-o", fitted, "--sweeps", "2")
	require.NoError(t, err)

	out, err := execute(t, "compare", input, fitted, fitted)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[0], "nmi")
	assert.Contains(t, lines[1], "1.0000   1.0000")
}
