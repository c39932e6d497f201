package history

import "errors"

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrTargetMissing    = errors.New("target missing")
	ErrCyclicMove       = errors.New("cyclic move")
	ErrAmbiguousTarget  = errors.New("ambiguous target")
	ErrNothingToUndo    = errors.New("nothing to undo")
	ErrNothingToRedo    = errors.New("nothing to redo")
	ErrNoSnapshot       = errors.New("no snapshot available")
	ErrInvalidOperation = errors.New("invalid operation")
)
