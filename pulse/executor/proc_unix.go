//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the command in its own process group and
// signals the whole group on cancellation, so children of a shell die too.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
