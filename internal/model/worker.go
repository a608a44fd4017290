package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// WorkerSpec describes how to launch a worker process. It is copied on
// Supervisor creation and never mutated afterwards.
type WorkerSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Clone returns a deep copy of the spec.
func (s WorkerSpec) Clone() WorkerSpec {
	return WorkerSpec{
		Command: s.Command,
		Args:    slices.Clone(s.Args),
		Env:     maps.Clone(s.Env),
	}
}

// RestartPolicy bounds how often a crashed worker is relaunched.
// MaxAttempts == 0 means unlimited.
type RestartPolicy struct {
	MaxAttempts     int `json:"max_attempts" yaml:"max_attempts"`
	CooldownSeconds int `json:"cooldown_seconds" yaml:"cooldown_seconds"`
}

func (p RestartPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 0, got %d", p.MaxAttempts))
	}
	if p.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("cooldown_seconds must be >= 0, got %d", p.CooldownSeconds))
	}
	return errors.Join(errs...)
}

// Unlimited reports whether the policy never runs out of attempts.
func (p RestartPolicy) Unlimited() bool {
	return p.MaxAttempts == 0
}

// AttemptsLabel is a human form of MaxAttempts used in logs.
func (p RestartPolicy) AttemptsLabel() string {
	if p.Unlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", p.MaxAttempts)
}
