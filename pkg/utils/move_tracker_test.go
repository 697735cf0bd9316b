package utils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveTrackerRoundTrip(t *testing.T) {
	for _, name := range []string{"moves.jsonl", "moves.jsonl.sz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			mt, err := NewMoveTracker(path, "run-1")
			require.NoError(t, err)

			mt.LogMove(1, 0, 4, 2, 3, -1.5, 10.0)
			mt.LogMove(2, 1, 0, 1, 0, -0.25, 9.75)
			require.NoError(t, mt.Close())

			events, err := ReadMoves(path)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, 4, events[0].Vertex)
			assert.Equal(t, "run-1", events[1].RunID)
			assert.InDelta(t, 9.75, events[1].Score, 1e-12)
		})
	}
}

func TestMoveTrackerSharedBetweenRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.jsonl")
	mt, err := NewMoveTracker(path, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(rec *RunRecorder) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rec.LogMove(i, 0, i, 0, 1, -0.1, 1)
			}
		}(mt.ForRun(id))
	}
	wg.Wait()
	require.NoError(t, mt.Close())

	events, err := ReadMoves(path)
	require.NoError(t, err)
	require.Len(t, events, 150)
	perRun := map[string]int{}
	for _, e := range events {
		perRun[e.RunID]++
	}
	assert.Equal(t, map[string]int{"a": 50, "b": 50, "c": 50}, perRun)
}

func TestNilMoveTracker(t *testing.T) {
	var mt *MoveTracker
	mt.LogMove(1, 0, 0, 0, 1, 0, 0)
	mt.ForRun("x").LogMove(1, 0, 0, 0, 1, 0, 0)
	assert.NoError(t, mt.Close())
}

func TestMoveTrackerReportsWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.jsonl")
	mt, err := NewMoveTracker(path, "run-1")
	require.NoError(t, err)

	mt.LogMove(1, 0, 4, 2, 3, -1.5, 10.0)
	require.NoError(t, mt.file.Close())
	mt.LogMove(2, 0, 5, 2, 3, -0.5, 9.5)
	mt.LogMove(3, 0, 6, 2, 3, -0.5, 9.0)

	err = mt.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "write move 2")

	events, err := ReadMoves(path)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
