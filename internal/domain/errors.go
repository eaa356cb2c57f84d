package domain

import "github.com/pkg/errors"

// Error kinds shared by every JobQueue and ParameterStore implementation.
// Callers match them with errors.Is; implementations wrap them with context.
var (
	// ErrConflict is returned by Enqueue when another job group of the same
	// queue type is still active.
	ErrConflict = errors.New("another active job group exists")

	// ErrStaleLease is returned by version-gated writes when the stored
	// version no longer matches, the job is terminal, or it does not exist.
	ErrStaleLease = errors.New("stale lease")

	ErrNotFound         = errors.New("not found")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrMissingParameter = errors.New("missing parameter")

	// ErrTransient marks store errors that survived the client retry policy.
	ErrTransient = errors.New("transient store error")
)
