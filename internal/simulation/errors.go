package simulation

import "errors"

var (
	ErrRunNotFound    = errors.New("simulation run not found")
	ErrPresetNotFound = errors.New("preset not found")
	ErrPresetExists   = errors.New("preset already exists")
	ErrInvalidRange   = errors.New("invalid period range")
	ErrInvalidConfig  = errors.New("invalid simulation config")
	ErrRunActive      = errors.New("simulation run still active")
)
