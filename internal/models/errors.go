package models

import "errors"

// Error taxonomy shared by the queue, the remote adapters and the engine.
var (
	// ErrCapacityExceeded means the queue is full even after compaction.
	ErrCapacityExceeded = errors.New("operation queue capacity exceeded")
	// ErrAdapterFailure wraps a retryable remote or network error.
	ErrAdapterFailure = errors.New("remote adapter failure")
	// ErrVersionConflict means the remote entity changed since the version token was captured.
	ErrVersionConflict = errors.New("remote version conflict")
	// ErrDeadLettered means an operation exhausted its retries and left the active queue.
	ErrDeadLettered = errors.New("operation dead-lettered")
	// ErrManualResolutionRequired means a conflict is parked for a human decision.
	ErrManualResolutionRequired = errors.New("manual conflict resolution required")
	// ErrNotFound is returned for unknown operations, conflicts, dead letters or entities.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by a remote create for an entity that exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidOperation rejects malformed operations at enqueue time.
	ErrInvalidOperation = errors.New("invalid operation")
)
