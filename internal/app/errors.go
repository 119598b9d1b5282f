package service

import "errors"

var (
	// ErrNotStarted is returned when the service is used before Start.
	ErrNotStarted = errors.New("service not started")
	// ErrInvalidInput is returned for inputs missing identity fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicatePeriod is returned when the entity-period was already applied.
	ErrDuplicatePeriod = errors.New("entity period already applied")
	// ErrInactive is returned when the input's activity does not qualify.
	ErrInactive = errors.New("entity did not qualify for the period")
	// ErrQueueFull is returned when an async submission cannot be queued.
	ErrQueueFull = errors.New("rating queue full")
)
