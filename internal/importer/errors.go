package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a per-event failure: the event presupposes a repo,
	// story, or commit this system does not know. Logged and skipped.
	ErrNotFound = errors.New("referenced object not found")

	// ErrUnknownOverwrite is a startup-time contract violation, not a data
	// error; it should surface immediately.
	ErrUnknownOverwrite = errors.New("unknown overwrite policy")
)

// ObjectMovedError signals that the external entity was relocated (e.g. an
// issue moved to another project). It must propagate up so the caller stops
// tracking the entity instead of reimporting a stale copy.
type ObjectMovedError struct {
	Kind string
	ID   int64
}

func (e *ObjectMovedError) Error() string {
	return fmt.Sprintf("external %s %d was moved to another location", e.Kind, e.ID)
}
