package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// MoveEvent is one accepted move, written as a JSON line.
type MoveEvent struct {
	MoveNumber int     `json:"move"`
	RunID      string  `json:"run_id,omitempty"`
	Level      int     `json:"level"`
	Vertex     int     `json:"vertex"`
	FromBlock  int     `json:"from_block"`
	ToBlock    int     `json:"to_block"`
	Delta      float64 `json:"delta"`
	Score      float64 `json:"score"`
	Timestamp  int64   `json:"timestamp"`
}

// MoveTracker streams move events to a file. Files ending in .sz are
// snappy-framed. A nil tracker discards everything.
type MoveTracker struct {
	mu      sync.Mutex
	file    *os.File
	sink    io.WriteCloser
	encoder *json.Encoder
	runID   string
	// err is the first write failure; later moves are dropped.
	err error
}

// NewMoveTracker creates filename and returns a tracker writing to it.
func NewMoveTracker(filename, runID string) (*MoveTracker, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create move log: %w", err)
	}

	mt := &MoveTracker{file: file, runID: runID}
	var w io.Writer = file
	if strings.HasSuffix(filename, ".sz") {
		mt.sink = snappy.NewBufferedWriter(file)
		w = mt.sink
	}
	mt.encoder = json.NewEncoder(w)
	return mt, nil
}

// LogMove records one move. The first write error stops the log and is
// returned by Close.
func (mt *MoveTracker) LogMove(moveNum, level, vertex, fromBlock, toBlock int, delta, score float64) {
	if mt == nil {
		return
	}
	mt.log(mt.runID, moveNum, level, vertex, fromBlock, toBlock, delta, score)
}

func (mt *MoveTracker) log(runID string, moveNum, level, vertex, fromBlock, toBlock int, delta, score float64) {
	event := MoveEvent{
		MoveNumber: moveNum,
		RunID:      runID,
		Level:      level,
		Vertex:     vertex,
		FromBlock:  fromBlock,
		ToBlock:    toBlock,
		Delta:      delta,
		Score:      score,
		Timestamp:  time.Now().Unix(),
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.err != nil {
		return
	}
	if err := mt.encoder.Encode(event); err != nil {
		mt.err = fmt.Errorf("write move %d: %w", moveNum, err)
	}
}

// RunRecorder tags moves written to a shared MoveTracker with one run id.
type RunRecorder struct {
	mt    *MoveTracker
	runID string
}

// ForRun returns a recorder for concurrent runs sharing this log.
func (mt *MoveTracker) ForRun(runID string) *RunRecorder {
	return &RunRecorder{mt: mt, runID: runID}
}

// LogMove records one move under the recorder's run id.
func (r *RunRecorder) LogMove(moveNum, level, vertex, fromBlock, toBlock int, delta, score float64) {
	if r.mt == nil {
		return
	}
	r.mt.log(r.runID, moveNum, level, vertex, fromBlock, toBlock, delta, score)
}

// Close flushes and closes the log. It reports the first failed write
// ahead of any close error.
func (mt *MoveTracker) Close() error {
	if mt == nil || mt.file == nil {
		return nil
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var err error
	if mt.sink != nil {
		err = mt.sink.Close()
	}
	if cerr := mt.file.Close(); err == nil {
		err = cerr
	}
	if mt.err != nil {
		return mt.err
	}
	if err != nil {
		return fmt.Errorf("close move log: %w", err)
	}
	return nil
}

// ReadMoves decodes a log written by MoveTracker.
func ReadMoves(filename string) ([]MoveEvent, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(filename, ".sz") {
		r = snappy.NewReader(file)
	}
	dec := json.NewDecoder(r)
	var events []MoveEvent
	for {
		var e MoveEvent
		if err := dec.Decode(&e); err == io.EOF {
			return events, nil
		} else if err != nil {
			return events, fmt.Errorf("decode move %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
}
