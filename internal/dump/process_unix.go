//go:build unix

package dump

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the tool as the leader of its own process group
// and makes cancellation kill the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
