//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in a new process group so group signals
// reach both a shell wrapper and the worker it launches.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess sends a signal to a pid, or to a process group when pid is negative.
func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}
