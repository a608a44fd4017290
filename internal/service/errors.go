package service

import "errors"

var (
	// ErrRestartExhausted is returned by Monitor once the worker crashed more
	// often than the restart policy allows.
	ErrRestartExhausted = errors.New("restart attempts exhausted")

	// ErrLocked is returned when another supervisor holds the tool lock.
	ErrLocked = errors.New("tool is supervised by another process")

	ErrToolNotFound = errors.New("tool not found")
)
