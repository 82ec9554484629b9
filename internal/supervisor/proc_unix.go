//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

type posixSignals struct{}

func newProcessSignals() processSignals { return posixSignals{} }

func (posixSignals) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks existence
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

func (posixSignals) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// the group may be gone already, fall back to the single process
		return syscall.Kill(pid, syscall.SIGTERM)
	}
	return nil
}

func (posixSignals) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return syscall.Kill(pid, syscall.SIGKILL)
}

// sysProcAttr puts each bot in its own process group so its failure domain
// stays separate from the supervisor and group signals reach its children.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
