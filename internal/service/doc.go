// Package service supervises worker processes.
//
// A Supervisor owns exactly one worker at a time. It launches the worker
// through a Launcher, polls it on a fixed tick and applies the restart
// policy when it exits:
//
//	Monitor
//	   |-- launch ---------------> worker (own process group)
//	   |<-- poll every tick -------|
//	   |   exit 0        -> stop, return nil
//	   |   exit != 0     -> cooldown, relaunch (restart count + 1)
//	   |   budget spent  -> return ErrRestartExhausted
//	   |-- ctx cancelled -> TerminateTree(grace), return nil
//
// Invariants:
//   - Never two workers of one Supervisor at the same time; the old handle is
//     released before the next launch.
//   - The restart count is monotonic for the lifetime of a Supervisor.
//   - Cancellation wins over a pending cooldown.
//   - A launch failure is returned immediately and never retried.
//
// Run wires one Supervisor per configured tool, a lock file per tool and the
// optional status endpoint. Lifecycle transitions are logged with an event
// attribute and delivered to EventHandlers.
package service
