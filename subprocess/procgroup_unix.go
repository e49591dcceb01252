//go:build unix

package subprocess

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the process the leader of a new group so helpers it
// forks are signalled along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
