//go:build unix

package agent

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// detach puts the agent in its own process group so terminal signals aimed at
// us do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the agent and everything it spawned.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
