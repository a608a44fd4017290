package service

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/worker"
)

// WorkerArg is the hidden subcommand running the worker loop.
const WorkerArg = "_worker"

// WorkerSpec translates a configured tool into the launch description of its
// worker. self is the executable used when the tool does not name one.
// Action values are resolved here, so a missing credential fails before any
// process is spawned.
func WorkerSpec(tool model.Tool, self string, logLevel string) (model.WorkerSpec, error) {
	act, err := tool.Action.Resolve()
	if err != nil {
		return model.WorkerSpec{}, fmt.Errorf("tool %s: %w", tool.Name, err)
	}

	env := worker.Environ(worker.Config{
		Tool:     tool.Name,
		LogLevel: logLevel,
		Action:   act,
		Schedule: tool.Schedule,
	})
	for k, v := range tool.Worker.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env[strings.ToUpper(k)] = v
	}

	spec := model.WorkerSpec{
		Command: tool.Worker.Command,
		Args:    tool.Worker.Args,
		Env:     env,
	}
	if spec.Command == "" {
		spec.Command = self
		if len(spec.Args) == 0 {
			spec.Args = []string{WorkerArg}
		}
	}
	return spec.Clone(), nil
}
