// Package schedule computes how long the worker waits between actions.
//
// NextDelay is a pure function of the configuration, the previous outcome
// and the random source it is handed, so it can be tested in isolation.
// Delays are whole seconds and never shorter than MinDelay.
package schedule

import (
	"math/rand/v2"
	"time"

	"github.com/CZERTAINLY/presenced/internal/model"
)

const (
	MinDelay      = time.Second
	failureFactor = 2
)

// Rand is the subset of *rand.Rand used by the engine.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// NewRand returns an unseeded random source suitable for production use.
func NewRand() Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NextDelay returns the time to wait and the state the loop is in while
// waiting.
//
//   - failed previous call: twice the base interval, then act again
//   - break drawn: a uniform break duration, OnBreak
//   - otherwise: the fixed or jittered interval, Sleeping
func NextDelay(prev model.ActionOutcome, cfg model.ScheduleConfig, rnd Rand) (time.Duration, model.LoopState) {
	if !prev.Succeeded {
		return clamp(failureFactor * baseInterval(cfg, rnd)), model.Acting
	}

	if cfg.BreakEnabled && rnd.Float64() < cfg.BreakChance {
		return clamp(uniform(rnd, cfg.MinBreakSeconds, cfg.MaxBreakSeconds)), model.OnBreak
	}

	return clamp(baseInterval(cfg, rnd)), model.Sleeping
}

func baseInterval(cfg model.ScheduleConfig, rnd Rand) int {
	if cfg.Mode == model.ScheduleJittered {
		return uniform(rnd, cfg.MinIntervalSeconds, cfg.MaxIntervalSeconds)
	}
	return cfg.FixedIntervalSeconds
}

// uniform draws from [lo, hi]; lo >= hi degenerates to lo.
func uniform(rnd Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rnd.IntN(hi-lo+1)
}

func clamp(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < MinDelay {
		return MinDelay
	}
	return d
}
