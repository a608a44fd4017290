package service

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// State is the run state of a supervised tool.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCrashed   State = "crashed"
	StateExhausted State = "exhausted"
	StateStopped   State = "stopped"
)

// Status is a snapshot of a Supervisor.
type Status struct {
	Tool         string    `json:"tool"`
	State        State     `json:"state"`
	Running      bool      `json:"running"`
	RestartCount int       `json:"restart_count"`
	MaxAttempts  int       `json:"max_attempts"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	Pid          int       `json:"pid,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	StoppedAt    time.Time `json:"stopped_at,omitzero"`
}

// Registry indexes supervisors by tool name for status reporting.
type Registry struct {
	mx          sync.RWMutex
	supervisors map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{supervisors: make(map[string]*Supervisor)}
}

func (r *Registry) Add(s *Supervisor) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.supervisors[s.Name()] = s
}

func (r *Registry) Status(name string) (Status, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	s, ok := r.supervisors[name]
	if !ok {
		return Status{}, ErrToolNotFound
	}
	return s.Status(), nil
}

// Statuses returns the status of every tool, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mx.RLock()
	ret := make([]Status, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		ret = append(ret, s.Status())
	}
	r.mx.RUnlock()
	slices.SortFunc(ret, func(a, b Status) int {
		return strings.Compare(a.Tool, b.Tool)
	})
	return ret
}
