package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/presenced/internal/model"
)

// Run implements the CLI run command: one Supervisor per configured tool,
// all running concurrently, plus the optional status endpoint. It returns
// once every supervisor has returned; the errors of those which gave up are
// joined.
func Run(ctx context.Context, cfg model.Config, opts ...Option) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating presenced executable: %w", err)
	}
	stateDir, err := StateDir(cfg.Service.StateDir)
	if err != nil {
		return err
	}
	logLevel := "INFO"
	if cfg.Service.Verbose {
		logLevel = "DEBUG"
	}

	grace := time.Duration(cfg.Service.GracePeriodSeconds) * time.Second
	base := []Option{
		WithPollInterval(time.Duration(cfg.Service.PollIntervalMS) * time.Millisecond),
		WithGracePeriod(grace),
		WithLauncher(ProcLauncher{WaitDelay: grace}),
	}

	reg := NewRegistry()
	supervisors := make([]*Supervisor, 0, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		spec, err := WorkerSpec(tool, self, logLevel)
		if err != nil {
			return err
		}
		lock, err := AcquireLock(stateDir, tool.Name)
		if err != nil {
			return fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.WarnContext(ctx, "releasing lock", "path", lock.Path(), "error", err)
			}
		}()

		sup := NewSupervisor(tool.Name, spec, tool.Restart, slices.Concat(base, opts)...)
		reg.Add(sup)
		supervisors = append(supervisors, sup)
	}

	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var server errgroup.Group
	if cfg.Service.Status.Enabled {
		ln, err := net.Listen("tcp", cfg.Service.Status.Addr)
		if err != nil {
			return fmt.Errorf("status endpoint: %w", err)
		}
		server.Go(func() error {
			return ServeStatus(srvCtx, ln, NewStatusHandler(reg))
		})
	}

	var (
		mx   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, sup := range supervisors {
		g.Go(func() error {
			if err := sup.Monitor(ctx); err != nil {
				slog.ErrorContext(ctx, "supervisor gave up", "tool", sup.Name(), "error", err)
				mx.Lock()
				errs = append(errs, err)
				mx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // errors are collected in errs

	stopServer()
	if err := server.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("status endpoint: %w", err))
	}
	return errors.Join(errs...)
}
