package service

import "time"

// EventType is the kind of a supervisor lifecycle event.
type EventType int

const (
	WorkerStarted EventType = iota
	WorkerExited
	RestartScheduled
	RestartExhausted
	CancellationReceived
	LaunchFailed
	SupervisorStopped
)

// String returns the name used for the event attribute in logs.
func (et EventType) String() string {
	switch et {
	case WorkerStarted:
		return "worker-started"
	case WorkerExited:
		return "worker-exited"
	case RestartScheduled:
		return "restart-scheduled"
	case RestartExhausted:
		return "restart-exhausted"
	case CancellationReceived:
		return "cancellation-received"
	case LaunchFailed:
		return "launch-failed"
	case SupervisorStopped:
		return "supervisor-stopped"
	default:
		return "unknown"
	}
}

// Event describes one state change of a Supervisor. Only the fields
// relevant for Type are set.
type Event struct {
	Time     time.Time
	Tool     string
	Type     EventType
	RunID    string
	Pid      int
	ExitCode int
	// Attempt is the restart number, starting at 1.
	Attempt  int
	Cooldown time.Duration
	Err      error
}

// EventHandler receives supervisor events. Handlers are called inline from
// the monitor loop and must return quickly.
type EventHandler func(e Event)

func (s *Supervisor) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Tool = s.name
	for _, handler := range s.handlers {
		handler(e)
	}
}
