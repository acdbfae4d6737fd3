package queue

import "errors"

var (
	// ErrDescriptionRequired rejects AddTask input whose description is
	// empty after trimming.
	ErrDescriptionRequired = errors.New("description required")

	// ErrInvalidStatus rejects update patches carrying an unknown
	// lifecycle state.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidRecurrence rejects malformed schedule rules. Wrapped with
	// detail at the call site.
	ErrInvalidRecurrence = errors.New("invalid recurrence")
)
