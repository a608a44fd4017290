package model

import (
	"errors"
	"fmt"
)

type ScheduleMode string

const (
	ScheduleFixed    ScheduleMode = "fixed"
	ScheduleJittered ScheduleMode = "jittered"
)

// ScheduleConfig drives the cadence of the worker loop. All durations are
// whole seconds.
type ScheduleConfig struct {
	Mode                 ScheduleMode `json:"mode" yaml:"mode"`
	FixedIntervalSeconds int          `json:"fixed_interval_seconds" yaml:"fixed_interval_seconds"`
	MinIntervalSeconds   int          `json:"min_interval_seconds" yaml:"min_interval_seconds"`
	MaxIntervalSeconds   int          `json:"max_interval_seconds" yaml:"max_interval_seconds"`
	BreakEnabled         bool         `json:"break_enabled" yaml:"break_enabled"`
	BreakChance          float64      `json:"break_chance" yaml:"break_chance"`
	MinBreakSeconds      int          `json:"min_break_seconds" yaml:"min_break_seconds"`
	MaxBreakSeconds      int          `json:"max_break_seconds" yaml:"max_break_seconds"`
}

// DefaultSchedule matches the defaults of config.cue.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		Mode:                 ScheduleFixed,
		FixedIntervalSeconds: 8,
		MinIntervalSeconds:   5,
		MaxIntervalSeconds:   15,
		BreakEnabled:         false,
		BreakChance:          0.05,
		MinBreakSeconds:      30,
		MaxBreakSeconds:      300,
	}
}

// Validate checks the fields used by the configured mode. Break bounds are
// only checked when breaks are enabled.
func (c ScheduleConfig) Validate() error {
	var errs []error
	switch c.Mode {
	case ScheduleFixed:
		if c.FixedIntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("fixed_interval_seconds must be > 0, got %d", c.FixedIntervalSeconds))
		}
	case ScheduleJittered:
		if c.MinIntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("min_interval_seconds must be > 0, got %d", c.MinIntervalSeconds))
		}
		if c.MaxIntervalSeconds < c.MinIntervalSeconds {
			errs = append(errs, fmt.Errorf("max_interval_seconds (%d) must be >= min_interval_seconds (%d)", c.MaxIntervalSeconds, c.MinIntervalSeconds))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrScheduleMode, c.Mode))
	}

	if c.BreakChance < 0 || c.BreakChance > 1 {
		errs = append(errs, fmt.Errorf("break_chance must be within [0,1], got %g", c.BreakChance))
	}
	if c.BreakEnabled {
		if c.MinBreakSeconds <= 0 {
			errs = append(errs, fmt.Errorf("min_break_seconds must be > 0, got %d", c.MinBreakSeconds))
		}
		if c.MaxBreakSeconds < c.MinBreakSeconds {
			errs = append(errs, fmt.Errorf("max_break_seconds (%d) must be >= min_break_seconds (%d)", c.MaxBreakSeconds, c.MinBreakSeconds))
		}
	}
	return errors.Join(errs...)
}

// LoopState is the state of the worker loop.
type LoopState int

const (
	Acting LoopState = iota
	Sleeping
	OnBreak
	Stopped
)

func (s LoopState) String() string {
	switch s {
	case Acting:
		return "acting"
	case Sleeping:
		return "sleeping"
	case OnBreak:
		return "on_break"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
