//go:build !windows

package proc

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child into its own process group, pgid == pid.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

func signalKill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func killGroup(pgid int) error {
	return unix.Kill(-pgid, unix.SIGKILL)
}

func isGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
