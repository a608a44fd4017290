package model

import (
	"errors"
)

var (
	ErrScheduleMode  = errors.New("unsupported schedule mode")
	ErrDuplicateTool = errors.New("duplicate tool name")
	ErrNoToken       = errors.New("no token configured")
	ErrNoTarget      = errors.New("no target configured")
)
