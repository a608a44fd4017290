// Package proc starts the worker as a child process and owns it until
// released.
//
// A Process is a thin wrapper around os/exec:
//   - starts the command in its own process group with an environment overlay
//   - waits for it in a goroutine, so Poll never blocks
//   - optionally forwards stdout and stderr line by line
//   - terminates the whole descendant tree, children before the root
//
// Descendants are enumerated with gopsutil; signals are delivered with
// x/sys/unix on unix platforms.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/CZERTAINLY/presenced/internal/model"
)

var (
	ErrReleased = errors.New("process handle released")
	ErrRunning  = errors.New("process still running")
)

// LaunchError is returned by Start when the executable cannot be found or
// spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// LineFunc receives one line of the child output, without the newline.
type LineFunc func(ctx context.Context, line string)

const (
	defaultWaitDelay = 2 * time.Second
	pollGone         = 50 * time.Millisecond
)

type options struct {
	stdout    LineFunc
	stderr    LineFunc
	waitDelay time.Duration
}

type Option func(*options)

func WithStdout(fn LineFunc) Option {
	return func(o *options) {
		o.stdout = fn
	}
}

func WithStderr(fn LineFunc) Option {
	return func(o *options) {
		o.stderr = fn
	}
}

// WithWaitDelay bounds how long output of an exited process is drained when
// an orphaned descendant keeps the pipes open.
func WithWaitDelay(d time.Duration) Option {
	return func(o *options) {
		o.waitDelay = d
	}
}

// Process is a started child process. It is owned by a single caller;
// Poll and Pid are safe to call concurrently.
type Process struct {
	path     string
	pid      int
	cmd      *exec.Cmd
	done     chan struct{}
	state    *os.ProcessState
	waitErr  error
	readers  sync.WaitGroup
	released atomic.Bool
}

// Start launches spec.Command with spec.Args. The environment of the current
// process is inherited and overlaid with spec.Env. Start does not wait for
// the command to finish.
func Start(ctx context.Context, spec model.WorkerSpec, opts ...Option) (*Process, error) {
	o := options{waitDelay: defaultWaitDelay}
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = environ(cmd.Environ(), spec.Env)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = o.waitDelay

	p := &Process{
		path: spec.Command,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var pipes []*io.PipeWriter
	if o.stdout != nil {
		pr, pw := io.Pipe()
		cmd.Stdout = pw
		pipes = append(pipes, pw)
		p.readers.Go(func() { processLines(ctx, pr, o.stdout) })
	}
	if o.stderr != nil {
		pr, pw := io.Pipe()
		cmd.Stderr = pw
		pipes = append(pipes, pw)
		p.readers.Go(func() { processLines(ctx, pr, o.stderr) })
	}
	closePipes := func() {
		for _, pw := range pipes {
			_ = pw.Close()
		}
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		p.readers.Wait()
		return nil, &LaunchError{Path: spec.Command, Err: err}
	}
	p.pid = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		closePipes()
		p.state = cmd.ProcessState
		p.waitErr = err
		close(p.done)
	}()
	return p, nil
}

// environ appends overlay to base; later entries win in os/exec.
func environ(base []string, overlay map[string]string) []string {
	env := slices.Clip(base)
	for _, k := range slices.Sorted(maps.Keys(overlay)) {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func processLines(ctx context.Context, r *io.PipeReader, fn LineFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.WarnContext(ctx, "processing child output", "error", err)
		// keep the writer unblocked
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) Pid() int {
	return p.pid
}

// Poll reports the exit code once the process has exited. It never blocks.
// A process killed by a signal reports -1.
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode(), true
	default:
		return 0, false
	}
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) exitCode() int {
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// TerminateTree stops the process and all of its descendants. Descendants
// get a graceful signal first, deepest first, and are force killed when
// still alive after grace. The root is handled the same way afterwards.
// Processes that are already gone count as terminated, so calling this on an
// exited process is a no-op.
//
// Each stage waits at most grace: descendants, the root after SIGTERM and
// the root after SIGKILL. A tree ignoring every signal thus returns after
// about 3*grace.
func (p *Process) TerminateTree(ctx context.Context, grace time.Duration) error {
	if p.released.Load() {
		return ErrReleased
	}

	if _, exited := p.Poll(); !exited {
		tree := descendants(ctx, int32(p.pid))
		slices.Reverse(tree)
		if len(tree) > 0 {
			slog.DebugContext(ctx, "terminating descendants", "pid", p.pid, "descendants", tree)
		}
		for _, pid := range tree {
			p.signal(ctx, pid, terminate)
		}
		for _, pid := range waitGone(ctx, tree, grace) {
			slog.WarnContext(ctx, "descendant did not exit in time: killing", "pid", pid, "grace", grace)
			p.signal(ctx, pid, kill)
		}

		p.signal(ctx, int32(p.pid), terminate)
		if !p.wait(grace) {
			slog.WarnContext(ctx, "process did not exit in time: killing", "pid", p.pid, "grace", grace)
			p.signal(ctx, int32(p.pid), kill)
			if !p.wait(grace) {
				slog.WarnContext(ctx, "process survived kill", "pid", p.pid)
			}
		}
	}

	// orphans left behind in the process group
	if err := killGroup(p.pid); err != nil && !isGone(err) {
		slog.WarnContext(ctx, "killing process group", "pgid", p.pid, "error", err)
	}
	return nil
}

type signalKind int

const (
	terminate signalKind = iota
	kill
)

func (p *Process) signal(ctx context.Context, pid int32, kind signalKind) {
	var err error
	switch kind {
	case terminate:
		err = signalTerm(int(pid))
	case kill:
		err = signalKill(int(pid))
	}
	if err != nil && !isGone(err) {
		// the process is out of reach, nothing more can be done
		slog.WarnContext(ctx, "signalling process", "pid", pid, "error", err)
	}
}

func (p *Process) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Release waits for the output readers and marks the handle released. It
// fails with ErrRunning while the process is alive; further calls are no-ops.
func (p *Process) Release() error {
	select {
	case <-p.done:
	default:
		return ErrRunning
	}
	if p.released.Swap(true) {
		return nil
	}
	p.readers.Wait()
	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) && !errors.Is(p.waitErr, exec.ErrWaitDelay) {
		return p.waitErr
	}
	return nil
}

// descendants returns the pids of all descendants of pid in pre-order.
func descendants(ctx context.Context, pid int32) []int32 {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var ret []int32
	for _, child := range children {
		ret = append(ret, child.Pid)
		ret = append(ret, descendants(ctx, child.Pid)...)
	}
	return ret
}

// waitGone waits up to d for pids to disappear and returns the survivors.
func waitGone(ctx context.Context, pids []int32, d time.Duration) []int32 {
	deadline := time.Now().Add(d)
	for {
		pids = slices.DeleteFunc(pids, func(pid int32) bool {
			return !alive(ctx, pid)
		})
		if len(pids) == 0 || time.Now().After(deadline) {
			return pids
		}
		time.Sleep(pollGone)
	}
}

func alive(ctx context.Context, pid int32) bool {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}
