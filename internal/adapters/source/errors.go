package source

import "errors"

var (
	// ErrEntityNotFound means the source has no input for the requested
	// entity-period.
	ErrEntityNotFound = errors.New("entity input not found")
	// ErrUnavailable means the upstream could not be reached or refused
	// the request.
	ErrUnavailable = errors.New("source unavailable")
)
