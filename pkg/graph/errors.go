package graph

import (
	"errors"
	"fmt"
)

// ErrMalformedInput is matched by every load failure caused by bad edge or attribute data.
var ErrMalformedInput = errors.New("graph: malformed input")

// MalformedInputError describes the first offending record found by Load.
type MalformedInputError struct {
	Index  int // position of the edge in the input, -1 for attribute errors
	Edge   Edge
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("graph: malformed input: %s", e.Reason)
	}
	return fmt.Sprintf("graph: malformed edge %d (%d -> %d, weight %d): %s",
		e.Index, e.Edge.Source, e.Edge.Target, e.Edge.Weight, e.Reason)
}

func (e *MalformedInputError) Unwrap() error {
	return ErrMalformedInput
}
