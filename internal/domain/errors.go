// internal/domain/errors.go
package domain

import "errors"

var (
	// ErrInvalidIDs is returned when a submission carries no work items.
	ErrInvalidIDs = errors.New("invalid ids")
	// ErrInvalidPriority is returned for a priority outside HIGH, MEDIUM and LOW.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrIngestionNotFound is a sentinel error returned when an ingestion is unknown.
	ErrIngestionNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a batch status change skips a state.
	ErrInvalidTransition = errors.New("invalid batch status transition")
)
