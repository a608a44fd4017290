package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/presenced/internal/action"
	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/schedule"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Loop alternates action calls and schedule delays until its context is
// cancelled. It is single threaded; State may be read from any goroutine.
type Loop struct {
	client action.Client
	cfg    model.ScheduleConfig
	rnd    schedule.Rand
	sleep  SleepFunc
	state  atomic.Int32
	cycles atomic.Int64
}

type Option func(*Loop)

// WithRand replaces the random source of the schedule engine.
func WithRand(rnd schedule.Rand) Option {
	return func(l *Loop) {
		l.rnd = rnd
	}
}

// WithSleep replaces the interruptible sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(l *Loop) {
		l.sleep = sleep
	}
}

func NewLoop(client action.Client, cfg model.ScheduleConfig, opts ...Option) *Loop {
	l := &Loop{
		client: client,
		cfg:    cfg,
		rnd:    schedule.NewRand(),
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.setState(model.Acting)
	return l
}

func (l *Loop) State() model.LoopState {
	return model.LoopState(l.state.Load())
}

// Cycles returns the number of finished action calls.
func (l *Loop) Cycles() int64 {
	return l.cycles.Load()
}

func (l *Loop) setState(s model.LoopState) {
	l.state.Store(int32(s))
}

// Run drives the loop. Cancellation is checked at every state boundary; an
// action call in flight is allowed to finish, bounded by the client timeout.
// Returns nil once stopped.
func (l *Loop) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker loop started",
		slog.String("mode", string(l.cfg.Mode)),
		slog.Bool("breaks", l.cfg.BreakEnabled))

	for {
		if ctx.Err() != nil {
			return l.stop(ctx)
		}

		l.setState(model.Acting)
		outcome := l.client.Perform(context.WithoutCancel(ctx))
		l.cycles.Add(1)
		l.report(ctx, outcome)

		if ctx.Err() != nil {
			return l.stop(ctx)
		}

		delay, next := schedule.NextDelay(outcome, l.cfg, l.rnd)
		switch next {
		case model.OnBreak:
			l.setState(model.OnBreak)
			slog.InfoContext(ctx, "taking a break",
				slog.String("event", "entered-break"),
				slog.Duration("duration", delay))
		case model.Acting:
			// failed call, the wait before acting again is a backoff
			l.setState(model.Sleeping)
			slog.DebugContext(ctx, "backing off", slog.Duration("delay", delay))
		default:
			l.setState(next)
			slog.DebugContext(ctx, "sleeping", slog.Duration("delay", delay))
		}

		if err := l.sleep(ctx, delay); err != nil {
			return l.stop(ctx)
		}
	}
}

func (l *Loop) report(ctx context.Context, outcome model.ActionOutcome) {
	if outcome.Succeeded {
		slog.InfoContext(ctx, "action succeeded",
			slog.String("event", "action-succeeded"),
			slog.Int("status", outcome.StatusCode))
		return
	}
	level := slog.LevelWarn
	if outcome.ErrorClass == model.PermissionDenied {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "action failed",
		slog.String("event", "action-failed"),
		slog.String("error_class", outcome.ErrorClass.String()),
		slog.Any("outcome", outcome))
}

func (l *Loop) stop(ctx context.Context) error {
	l.setState(model.Stopped)
	slog.InfoContext(ctx, "worker loop stopped",
		slog.String("event", "cancellation-received"),
		slog.Int64("cycles", l.cycles.Load()))
	return nil
}

// Sleep waits for d unless ctx is cancelled first, in which case it returns
// the context error.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
