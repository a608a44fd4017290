package schedule_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/schedule"
	"github.com/stretchr/testify/require"
)

var (
	ok     = model.Success(204)
	failed = model.Failure(model.Transient, 502, nil)
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// fixedRand replays the same draws on every call.
type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) IntN(n int) int   { return min(r.n, n-1) }

func TestNextDelay_Fixed(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultSchedule()
	cfg.FixedIntervalSeconds = 8
	rnd := seeded(1)

	for range 1000 {
		d, state := schedule.NextDelay(ok, cfg, rnd)
		require.Equal(t, 8*time.Second, d)
		require.Equal(t, model.Sleeping, state)
	}
}

func TestNextDelay_Jittered(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultSchedule()
	cfg.Mode = model.ScheduleJittered
	cfg.MinIntervalSeconds = 5
	cfg.MaxIntervalSeconds = 15
	rnd := seeded(2)

	seen := make(map[time.Duration]struct{})
	for range 10_000 {
		d, state := schedule.NextDelay(ok, cfg, rnd)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
		require.Equal(t, model.Sleeping, state)
		seen[d] = struct{}{}
	}
	// both bounds are reachable
	require.Len(t, seen, 11)
}

func TestNextDelay_Failure(t *testing.T) {
	t.Parallel()

	t.Run("fixed doubles", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		d, state := schedule.NextDelay(failed, cfg, seeded(3))
		require.Equal(t, 16*time.Second, d)
		require.Equal(t, model.Acting, state)
	})

	t.Run("jittered doubles the same draw", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.Mode = model.ScheduleJittered
		cfg.MinIntervalSeconds = 5
		cfg.MaxIntervalSeconds = 15
		for n := range 11 {
			rnd := fixedRand{f: 0.99, n: n}
			okDelay, _ := schedule.NextDelay(ok, cfg, rnd)
			failDelay, _ := schedule.NextDelay(failed, cfg, rnd)
			require.Equal(t, 2*okDelay, failDelay)
		}
	})

	t.Run("jittered bounds double", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.Mode = model.ScheduleJittered
		cfg.MinIntervalSeconds = 5
		cfg.MaxIntervalSeconds = 15
		rnd := seeded(4)
		for range 5000 {
			d, _ := schedule.NextDelay(failed, cfg, rnd)
			require.GreaterOrEqual(t, d, 10*time.Second)
			require.LessOrEqual(t, d, 30*time.Second)
		}
	})

	t.Run("failure never takes a break", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.BreakEnabled = true
		cfg.BreakChance = 1
		_, state := schedule.NextDelay(failed, cfg, fixedRand{})
		require.Equal(t, model.Acting, state)
	})

	t.Run("every error class doubles", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		for _, class := range []model.ErrorClass{model.PermissionDenied, model.RateLimited, model.Transient} {
			d, _ := schedule.NextDelay(model.Failure(class, 0, nil), cfg, fixedRand{})
			require.Equal(t, 16*time.Second, d, class.String())
		}
	})
}

func TestNextDelay_Breaks(t *testing.T) {
	t.Parallel()

	t.Run("frequency", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.BreakEnabled = true
		cfg.BreakChance = 0.05
		rnd := seeded(5)

		const trials = 10_000
		breaks := 0
		for range trials {
			d, state := schedule.NextDelay(ok, cfg, rnd)
			if state == model.OnBreak {
				breaks++
				require.GreaterOrEqual(t, d, 30*time.Second)
				require.LessOrEqual(t, d, 300*time.Second)
			}
		}
		rate := float64(breaks) / trials
		require.GreaterOrEqual(t, rate, 0.03)
		require.LessOrEqual(t, rate, 0.07)
	})

	t.Run("zero chance", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.BreakEnabled = true
		cfg.BreakChance = 0
		_, state := schedule.NextDelay(ok, cfg, fixedRand{f: 0})
		require.Equal(t, model.Sleeping, state)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.BreakChance = 1
		_, state := schedule.NextDelay(ok, cfg, fixedRand{f: 0})
		require.Equal(t, model.Sleeping, state)
	})
}

func TestNextDelay_EdgeCases(t *testing.T) {
	t.Parallel()

	t.Run("min equals max", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.Mode = model.ScheduleJittered
		cfg.MinIntervalSeconds = 7
		cfg.MaxIntervalSeconds = 7
		d, _ := schedule.NextDelay(ok, cfg, seeded(6))
		require.Equal(t, 7*time.Second, d)
	})

	t.Run("clamped to a second", func(t *testing.T) {
		cfg := model.DefaultSchedule()
		cfg.FixedIntervalSeconds = 0
		d, _ := schedule.NextDelay(ok, cfg, seeded(7))
		require.Equal(t, schedule.MinDelay, d)

		cfg.BreakEnabled = true
		cfg.BreakChance = 1
		cfg.MinBreakSeconds = 0
		cfg.MaxBreakSeconds = 0
		d, state := schedule.NextDelay(ok, cfg, fixedRand{})
		require.Equal(t, model.OnBreak, state)
		require.Equal(t, schedule.MinDelay, d)
	})
}
