package blockmodel

import "errors"

var (
	// ErrInvalidBlock is returned when a referenced block id does not exist.
	ErrInvalidBlock = errors.New("blockmodel: invalid block")

	// ErrInvalidVertex is returned when a vertex id is outside the level.
	ErrInvalidVertex = errors.New("blockmodel: invalid vertex")

	// ErrInvalidLevel is returned when a level index is outside the hierarchy.
	ErrInvalidLevel = errors.New("blockmodel: invalid level")

	// ErrStaleLevel is returned when a level's node graph no longer matches
	// the block matrix below it. Call Hierarchy.RebuildLevel first.
	ErrStaleLevel = errors.New("blockmodel: stale level")

	// ErrParentMismatch is returned when a move or merge at a nested level
	// would join blocks that belong to different parents.
	ErrParentMismatch = errors.New("blockmodel: blocks have different parents")

	// ErrInconsistent is returned by Validate when cached statistics drift
	// from a from-scratch recount.
	ErrInconsistent = errors.New("blockmodel: inconsistent statistics")
)
