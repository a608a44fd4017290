package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/presenced/internal/log"
	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/service"
	"github.com/CZERTAINLY/presenced/internal/worker"
)

var workerEnv *viper.Viper

func initWorker(_ *cobra.Command, _ []string) error {
	workerEnv = worker.NewViper()
	level := log.Level(flagVerbose, workerEnv.GetString("log_level"))
	setLogger(level)
	return nil
}

// doWorker runs the presence loop; it is started by the supervisor. A
// missing credential or target fails before the loop is entered.
func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("presenced",
		slog.String("cmd", service.WorkerArg),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	cfg, err := worker.FromEnv(workerEnv)
	if err != nil {
		return fmt.Errorf("worker configuration: %w", err)
	}
	return worker.Run(ctx, cfg)
}

type checkedTool struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Environment []string          `yaml:"environment"`
	Restart     map[string]string `yaml:"restart"`
	Schedule    string            `yaml:"schedule"`
	Endpoint    string            `yaml:"endpoint"`
}

// doCheck resolves the tools the way run would and prints the result. The
// tools may be selected by name; all of them are checked by default.
// Secrets are never printed, only the names of the variables.
func doCheck(cmd *cobra.Command, args []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}

	selected := config.Tools
	if len(args) > 0 {
		selected = make([]model.Tool, 0, len(args))
		for _, name := range args {
			tool, ok := config.Tool(name)
			if !ok {
				return fmt.Errorf("%s: %w", name, service.ErrToolNotFound)
			}
			selected = append(selected, tool)
		}
	}

	var failed int
	tools := make([]checkedTool, 0, len(selected))
	for _, tool := range selected {
		spec, err := service.WorkerSpec(tool, self, "INFO")
		if err != nil {
			slog.ErrorContext(cmd.Context(), "tool is not runnable", "tool", tool.Name, "error", err)
			failed++
			continue
		}
		act, _ := tool.Action.Resolve()
		tools = append(tools, checkedTool{
			Name:        tool.Name,
			Command:     spec.Command,
			Args:        spec.Args,
			Environment: worker.EnvNames(spec.Env),
			Restart: map[string]string{
				"max_attempts": tool.Restart.AttemptsLabel(),
				"cooldown":     fmt.Sprintf("%ds", tool.Restart.CooldownSeconds),
			},
			Schedule: string(tool.Schedule.Mode),
			Endpoint: act.URL(),
		})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"config": configPath, "tools": tools}); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tools are not runnable", failed, len(selected))
	}
	return nil
}
