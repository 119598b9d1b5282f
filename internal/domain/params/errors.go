package params

import "errors"

// Sentinel kinds for parameter errors.
var (
	ErrInvalidParams = errors.New("invalid parameter set")
)
