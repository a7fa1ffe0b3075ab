package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStaleTransition is returned when a guarded run update finds the run
	// no longer in the expected state: another worker moved it, a reviewer
	// claimed it first, or a cancel request blocks the transition.
	ErrStaleTransition = errors.New("storage: stale run transition")

	// ErrDuplicateDelivery is returned when a webhook invocation ID is
	// already being processed by another request.
	ErrDuplicateDelivery = errors.New("storage: webhook delivery in progress")

	// ErrAlreadyExists is returned when inserting a row whose natural key
	// is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
)
