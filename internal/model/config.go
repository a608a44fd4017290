package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx         *cue.Context
	schema         cue.Value
	scheduleSchema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}

	scheduleSchema = compiled.LookupPath(cue.ParsePath("#Schedule"))
	if scheduleSchema.Err() != nil {
		panic(scheduleSchema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Tools   []Tool  `json:"tools" yaml:"tools"`
}

type Service struct {
	Verbose            bool   `json:"verbose" yaml:"verbose"`
	StateDir           string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"` // lock files, empty => user cache dir
	LogDir             string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`     // timestamped log file next to stderr
	Status             Status `json:"status" yaml:"status"`
	GracePeriodSeconds int    `json:"grace_period_seconds" yaml:"grace_period_seconds"`
	PollIntervalMS     int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// Status configures the read-only status endpoint.
type Status struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Tool is one supervised worker instance.
type Tool struct {
	Name     string         `json:"name" yaml:"name"`
	Worker   Worker         `json:"worker" yaml:"worker"`
	Restart  RestartPolicy  `json:"restart" yaml:"restart"`
	Action   Action         `json:"action" yaml:"action"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
}

// Worker overrides the launched executable. Empty Command means the
// running presenced binary with Args ["_worker"].
type Worker struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Action describes the presence call. Endpoint may contain {target}.
// Values starting with $ are expanded from the environment.
type Action struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	Target         string `json:"target" yaml:"target"`
	Token          string `json:"token" yaml:"token"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Resolve expands $VAR references and checks the credential and target
// are present.
func (a Action) Resolve() (Action, error) {
	a.Token = expand(a.Token)
	a.Target = expand(a.Target)
	a.Endpoint = expand(a.Endpoint)
	var errs []error
	if a.Token == "" {
		errs = append(errs, ErrNoToken)
	}
	if a.Target == "" {
		errs = append(errs, ErrNoTarget)
	}
	return a, errors.Join(errs...)
}

// URL returns the endpoint with the target substituted.
func (a Action) URL() string {
	return strings.ReplaceAll(a.Endpoint, "{target}", a.Target)
}

func expand(v string) string {
	if strings.HasPrefix(v, "$") {
		return os.ExpandEnv(v)
	}
	return v
}

// Validate checks constraints cue does not express.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Tools))
	for _, t := range c.Tools {
		if _, ok := seen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name))
		}
		seen[t.Name] = struct{}{}
		if err := t.Restart.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.%s.restart: %w", t.Name, err))
		}
		if err := t.Schedule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.%s.schedule: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Tool returns the tool with a given name.
func (c Config) Tool(name string) (Tool, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Status: Status{
				Enabled: false,
				Addr:    "127.0.0.1:8089",
			},
			GracePeriodSeconds: 3,
			PollIntervalMS:     1000,
		},
		Tools: []Tool{
			{
				Name: "default",
				Restart: RestartPolicy{
					MaxAttempts:     0,
					CooldownSeconds: 10,
				},
				Action: Action{
					Endpoint:       "https://presence.example.com/channels/{target}/typing",
					Target:         "$CHANNEL_ID",
					Token:          "$USER_TOKEN",
					TimeoutSeconds: 10,
				},
				Schedule: DefaultSchedule(),
			},
		},
	}
}
