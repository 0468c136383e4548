//go:build !unix

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

func detach(cmd *exec.Cmd) {}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	return p.Kill()
}
