//go:build windows

package proc

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// There is no graceful terminate on windows, both signals kill.
func signalTerm(pid int) error {
	return signalKill(pid)
}

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(int) error {
	return nil
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
