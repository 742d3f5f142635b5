// errors.go defines the stable storage and collector error kinds.

package muninn

import "errors"

// Storage error kinds. Store implementations wrap these so callers can
// test with errors.Is regardless of backend.
var (
	// ErrDuplicateEvent is returned by append operations when the event
	// identifier already exists. Batch appends fail atomically on any
	// duplicate.
	ErrDuplicateEvent = errors.New("muninn: duplicate event")

	// ErrEventNotFound is returned by lookups for unknown event ids.
	ErrEventNotFound = errors.New("muninn: event not found")

	// ErrStoreUnavailable indicates the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("muninn: store unavailable")

	// ErrInvalidEvent is returned when an event fails validation before
	// it reaches the store.
	ErrInvalidEvent = errors.New("muninn: invalid event")

	// ErrDuplicateCandidate is returned when saving a candidate chain
	// whose identifier already exists.
	ErrDuplicateCandidate = errors.New("muninn: duplicate candidate")

	// ErrCandidateNotFound is returned by candidate lookups for unknown ids.
	ErrCandidateNotFound = errors.New("muninn: candidate not found")
)

// Collector error kinds.
var (
	// ErrCollectorUnavailable is returned by Observe when the store
	// health check fails. This is the only fatal precondition a
	// collector surfaces to the caller.
	ErrCollectorUnavailable = errors.New("muninn: collector store unavailable")

	// ErrContextClosed is returned by record calls on a closed
	// ObservationContext.
	ErrContextClosed = errors.New("muninn: observation context closed")
)
