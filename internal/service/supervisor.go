package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/presenced/internal/log"
	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/proc"
	"github.com/CZERTAINLY/presenced/internal/worker"
)

const (
	DefaultPollInterval = time.Second
	DefaultGracePeriod  = 3 * time.Second
)

// Handle is a launched worker process as seen by the Supervisor.
type Handle interface {
	Pid() int
	// Poll returns the exit code once the process exited. Never blocks.
	Poll() (code int, exited bool)
	TerminateTree(ctx context.Context, grace time.Duration) error
	Release() error
}

// Launcher starts a worker process.
type Launcher interface {
	Launch(ctx context.Context, spec model.WorkerSpec) (Handle, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, spec model.WorkerSpec) (Handle, error)

func (f LauncherFunc) Launch(ctx context.Context, spec model.WorkerSpec) (Handle, error) {
	return f(ctx, spec)
}

// ProcLauncher starts real processes and forwards their output into the
// supervisor log.
type ProcLauncher struct {
	// WaitDelay bounds the output drain of an exited worker whose orphans
	// keep the pipes open. Zero keeps the proc default.
	WaitDelay time.Duration
}

func (l ProcLauncher) Launch(ctx context.Context, spec model.WorkerSpec) (Handle, error) {
	opts := []proc.Option{proc.WithStdout(workerLine), proc.WithStderr(workerLine)}
	if l.WaitDelay > 0 {
		opts = append(opts, proc.WithWaitDelay(l.WaitDelay))
	}
	p, err := proc.Start(ctx, spec, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// workerLine re-emits one line of worker output. JSON records of the worker
// logger are embedded as they are.
func workerLine(ctx context.Context, line string) {
	if json.Valid([]byte(line)) {
		slog.InfoContext(ctx, "worker output", slog.Any("worker_line", json.RawMessage(line)))
		return
	}
	slog.InfoContext(ctx, "worker output", slog.String("worker_line", line))
}

// Supervisor keeps one worker process alive under a restart policy. Monitor
// may be called once; Status is safe to call from any goroutine.
type Supervisor struct {
	name     string
	spec     model.WorkerSpec
	policy   model.RestartPolicy
	launcher Launcher
	poll     time.Duration
	grace    time.Duration
	handlers []EventHandler
	runID    func() string

	mx     sync.RWMutex
	status Status
}

type Option func(*Supervisor)

// WithPollInterval sets the liveness tick. Values <= 0 keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithGracePeriod sets how long the worker tree gets to exit on shutdown
// before it is killed. Values <= 0 keep the default.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithEventHandler registers a handler; it may be used several times.
func WithEventHandler(handler EventHandler) Option {
	return func(s *Supervisor) {
		s.handlers = append(s.handlers, handler)
	}
}

// WithRunID replaces the generator of per launch ids.
func WithRunID(fn func() string) Option {
	return func(s *Supervisor) {
		s.runID = fn
	}
}

func NewSupervisor(name string, spec model.WorkerSpec, policy model.RestartPolicy, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:     name,
		spec:     spec.Clone(),
		policy:   policy,
		launcher: ProcLauncher{},
		poll:     DefaultPollInterval,
		grace:    DefaultGracePeriod,
		runID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = Status{
		Tool:        name,
		State:       StateStopped,
		MaxAttempts: policy.MaxAttempts,
	}
	return s
}

func (s *Supervisor) Name() string {
	return s.name
}

func (s *Supervisor) Status() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()
	ret := s.status
	if ret.LastExitCode != nil {
		code := *ret.LastExitCode
		ret.LastExitCode = &code
	}
	return ret
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mx.Lock()
	defer s.mx.Unlock()
	fn(&s.status)
}

// Monitor launches the worker and keeps it running until ctx is cancelled,
// the worker exits with code 0, or the restart policy is exhausted.
//
// Returns nil on cancellation and on a clean worker exit,
// ErrRestartExhausted once the policy gives up and the launch error (a
// *proc.LaunchError for real processes) when the worker cannot be started.
// Cancellation terminates the whole worker tree and aborts a pending
// cooldown.
func (s *Supervisor) Monitor(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("tool", s.name))
	slog.DebugContext(ctx, "starting a supervisor",
		"max_attempts", s.policy.AttemptsLabel(),
		"cooldown_seconds", s.policy.CooldownSeconds,
		"poll", s.poll)

	h, runCtx, err := s.launch(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	restarts := 0
	for {
		select {
		case <-ctx.Done():
			s.shutdown(runCtx, h)
			return nil
		case <-ticker.C:
		}

		code, exited := h.Poll()
		if !exited {
			continue
		}
		s.exited(runCtx, h, code)

		if code == 0 {
			slog.InfoContext(ctx, "worker stopped cleanly: supervision ends")
			s.update(func(st *Status) { st.State = StateStopped })
			s.emit(Event{Type: SupervisorStopped})
			return nil
		}

		// the tick may win the select over an already cancelled ctx
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "cancellation received after worker exit",
				"event", CancellationReceived.String())
			s.update(func(st *Status) { st.State = StateStopped })
			s.emit(Event{Type: CancellationReceived})
			return nil
		}

		if !s.policy.Unlimited() && restarts >= s.policy.MaxAttempts {
			slog.ErrorContext(ctx, "restart attempts exhausted",
				"event", RestartExhausted.String(),
				"restart_count", restarts,
				"max_attempts", s.policy.MaxAttempts)
			s.update(func(st *Status) { st.State = StateExhausted })
			s.emit(Event{Type: RestartExhausted, Attempt: restarts})
			return fmt.Errorf("tool %s: %w after %d restarts", s.name, ErrRestartExhausted, restarts)
		}

		restarts++
		cooldown := time.Duration(s.policy.CooldownSeconds) * time.Second
		s.update(func(st *Status) { st.RestartCount = restarts })
		slog.InfoContext(ctx, "restart scheduled",
			"event", RestartScheduled.String(),
			"attempt", restarts,
			"max_attempts", s.policy.AttemptsLabel(),
			"cooldown", cooldown)
		s.emit(Event{Type: RestartScheduled, Attempt: restarts, Cooldown: cooldown})

		if err := wait(ctx, cooldown); err != nil {
			slog.InfoContext(ctx, "cancellation received during cooldown",
				"event", CancellationReceived.String())
			s.update(func(st *Status) { st.State = StateStopped })
			s.emit(Event{Type: CancellationReceived})
			return nil
		}

		h, runCtx, err = s.launch(ctx)
		if err != nil {
			return err
		}
		ticker.Reset(s.poll)
	}
}

// launch starts a new worker with a fresh run id.
func (s *Supervisor) launch(ctx context.Context) (Handle, context.Context, error) {
	runID := s.runID()
	spec := s.spec.Clone()
	if spec.Env == nil {
		spec.Env = make(map[string]string, 1)
	}
	spec.Env[worker.EnvRunID] = runID
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))

	s.update(func(st *Status) {
		st.State = StateStarting
		st.RunID = runID
		st.Pid = 0
	})

	h, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		slog.ErrorContext(ctx, "worker launch failed", "event", LaunchFailed.String(), "command", spec.Command, "error", err)
		s.update(func(st *Status) {
			st.State = StateCrashed
			st.Running = false
			st.StoppedAt = time.Now().UTC()
		})
		s.emit(Event{Type: LaunchFailed, RunID: runID, Err: err})
		return nil, ctx, fmt.Errorf("tool %s: %w", s.name, err)
	}

	pid := h.Pid()
	s.update(func(st *Status) {
		st.State = StateRunning
		st.Running = true
		st.Pid = pid
		st.StartedAt = time.Now().UTC()
		st.StoppedAt = time.Time{}
	})
	slog.InfoContext(ctx, "worker started", "event", WorkerStarted.String(), "pid", pid)
	s.emit(Event{Type: WorkerStarted, RunID: runID, Pid: pid})
	return h, ctx, nil
}

// exited records a natural worker exit and releases its handle.
func (s *Supervisor) exited(ctx context.Context, h Handle, code int) {
	pid := h.Pid()
	state := StateCrashed
	level := slog.LevelWarn
	if code == 0 {
		state = StateStopped
		level = slog.LevelInfo
	}
	s.update(func(st *Status) {
		st.State = state
		st.Running = false
		st.LastExitCode = &code
		st.StoppedAt = time.Now().UTC()
	})
	slog.Log(ctx, level, "worker exited", "event", WorkerExited.String(), "pid", pid, "exit_code", code)
	s.emit(Event{Type: WorkerExited, RunID: s.Status().RunID, Pid: pid, ExitCode: code})
	s.release(ctx, h)
}

// shutdown terminates the worker tree on cancellation.
func (s *Supervisor) shutdown(ctx context.Context, h Handle) {
	slog.InfoContext(ctx, "cancellation received: terminating worker tree",
		"event", CancellationReceived.String(),
		"pid", h.Pid(),
		"grace", s.grace)
	s.emit(Event{Type: CancellationReceived, Pid: h.Pid()})

	// termination must finish even though ctx is done
	tctx := context.WithoutCancel(ctx)
	if err := h.TerminateTree(tctx, s.grace); err != nil {
		slog.WarnContext(ctx, "terminating worker tree", "error", err)
	}

	s.update(func(st *Status) {
		st.State = StateStopped
		st.Running = false
		st.StoppedAt = time.Now().UTC()
		if code, exited := h.Poll(); exited {
			st.LastExitCode = &code
		}
	})
	s.release(ctx, h)
	s.emit(Event{Type: SupervisorStopped})
}

func (s *Supervisor) release(ctx context.Context, h Handle) {
	if err := h.Release(); err != nil {
		slog.WarnContext(ctx, "releasing worker handle", "error", err)
	}
}

// wait sleeps for d unless ctx is done first. A done ctx always wins, even
// for d == 0.
func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
