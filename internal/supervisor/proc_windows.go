//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type windowsSignals struct{}

func newProcessSignals() processSignals { return windowsSignals{} }

func (windowsSignals) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess opens a handle on Windows and fails for dead pids.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer p.Release()
	return true
}

func (windowsSignals) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/PID", fmt.Sprintf("%d", pid), "/T").Run()
}

func (windowsSignals) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/PID", fmt.Sprintf("%d", pid), "/T", "/F").Run()
}

func sysProcAttr() *syscall.SysProcAttr { return nil }
