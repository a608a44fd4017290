// Package worker implements the presence loop that runs inside the
// supervised child process.
//
// The supervisor serializes a tool's action and schedule settings into the
// child environment (Environ); the child reads them back with viper
// (FromEnv). Nothing else is shared between the two processes.
package worker

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/presenced/internal/model"
)

const (
	EnvPrefix = "PRESENCED"
	// EnvRunID carries the id the supervisor assigned to one launch.
	EnvRunID = EnvPrefix + "_RUN_ID"
)

// keys of the worker environment, without the PRESENCED_ prefix
const (
	keyTool            = "tool"
	keyRunID           = "run_id"
	keyLogLevel        = "log_level"
	keyEndpoint        = "endpoint"
	keyTarget          = "target"
	keyToken           = "token"
	keyTimeout         = "timeout_seconds"
	keyMode            = "schedule_mode"
	keyFixedInterval   = "fixed_interval_seconds"
	keyMinInterval     = "min_interval_seconds"
	keyMaxInterval     = "max_interval_seconds"
	keyBreakEnabled    = "break_enabled"
	keyBreakChance     = "break_chance"
	keyMinBreakSeconds = "min_break_seconds"
	keyMaxBreakSeconds = "max_break_seconds"
)

// Config is everything the worker process needs.
type Config struct {
	Tool     string
	RunID    string
	LogLevel string
	Action   model.Action
	Schedule model.ScheduleConfig
}

// Environ encodes cfg as KEY=value pairs for the child process.
func Environ(cfg Config) map[string]string {
	s := cfg.Schedule
	m := map[string]string{
		keyTool:            cfg.Tool,
		keyRunID:           cfg.RunID,
		keyLogLevel:        cfg.LogLevel,
		keyEndpoint:        cfg.Action.Endpoint,
		keyTarget:          cfg.Action.Target,
		keyToken:           cfg.Action.Token,
		keyTimeout:         strconv.Itoa(cfg.Action.TimeoutSeconds),
		keyMode:            string(s.Mode),
		keyFixedInterval:   strconv.Itoa(s.FixedIntervalSeconds),
		keyMinInterval:     strconv.Itoa(s.MinIntervalSeconds),
		keyMaxInterval:     strconv.Itoa(s.MaxIntervalSeconds),
		keyBreakEnabled:    strconv.FormatBool(s.BreakEnabled),
		keyBreakChance:     strconv.FormatFloat(s.BreakChance, 'g', -1, 64),
		keyMinBreakSeconds: strconv.Itoa(s.MinBreakSeconds),
		keyMaxBreakSeconds: strconv.Itoa(s.MaxBreakSeconds),
	}
	ret := make(map[string]string, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		ret[envName(k)] = v
	}
	return ret
}

// EnvNames lists the variables written by Environ, sorted.
func EnvNames(env map[string]string) []string {
	return slices.Sorted(maps.Keys(env))
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// NewViper returns a viper instance bound to the worker environment. The
// legacy single-tool variables (USER_TOKEN, CHANNEL_ID,
// TYPING_INTERVAL, LOG_LEVEL) are accepted as fallbacks.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	_ = v.BindEnv(keyToken, envName(keyToken), "USER_TOKEN")
	_ = v.BindEnv(keyTarget, envName(keyTarget), "CHANNEL_ID")
	_ = v.BindEnv(keyFixedInterval, envName(keyFixedInterval), "TYPING_INTERVAL")
	_ = v.BindEnv(keyLogLevel, envName(keyLogLevel), "LOG_LEVEL")

	def := model.DefaultSchedule()
	v.SetDefault(keyTimeout, 10)
	v.SetDefault(keyMode, string(def.Mode))
	v.SetDefault(keyFixedInterval, def.FixedIntervalSeconds)
	v.SetDefault(keyMinInterval, def.MinIntervalSeconds)
	v.SetDefault(keyMaxInterval, def.MaxIntervalSeconds)
	v.SetDefault(keyBreakEnabled, def.BreakEnabled)
	v.SetDefault(keyBreakChance, def.BreakChance)
	v.SetDefault(keyMinBreakSeconds, def.MinBreakSeconds)
	v.SetDefault(keyMaxBreakSeconds, def.MaxBreakSeconds)
	v.SetDefault(keyLogLevel, "INFO")
	return v
}

// FromEnv reads and validates the worker configuration. A missing token or
// target is an error, so the worker fails before entering the loop.
func FromEnv(v *viper.Viper) (Config, error) {
	cfg := Config{
		Tool:     v.GetString(keyTool),
		RunID:    v.GetString(keyRunID),
		LogLevel: v.GetString(keyLogLevel),
		Action: model.Action{
			Endpoint:       v.GetString(keyEndpoint),
			Target:         v.GetString(keyTarget),
			Token:          v.GetString(keyToken),
			TimeoutSeconds: v.GetInt(keyTimeout),
		},
		Schedule: model.ScheduleConfig{
			Mode:                 model.ScheduleMode(v.GetString(keyMode)),
			FixedIntervalSeconds: v.GetInt(keyFixedInterval),
			MinIntervalSeconds:   v.GetInt(keyMinInterval),
			MaxIntervalSeconds:   v.GetInt(keyMaxInterval),
			BreakEnabled:         v.GetBool(keyBreakEnabled),
			BreakChance:          v.GetFloat64(keyBreakChance),
			MinBreakSeconds:      v.GetInt(keyMinBreakSeconds),
			MaxBreakSeconds:      v.GetInt(keyMaxBreakSeconds),
		},
	}

	var errs []error
	if cfg.Action.Token == "" {
		errs = append(errs, model.ErrNoToken)
	}
	if cfg.Action.Target == "" {
		errs = append(errs, model.ErrNoTarget)
	}
	if cfg.Action.Endpoint == "" {
		errs = append(errs, errors.New("no endpoint configured"))
	}
	if err := cfg.Schedule.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	return cfg, errors.Join(errs...)
}
