//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// configureKill runs the CLI in its own process group and kills the whole
// group on cancellation, so helper processes spawned by the CLI die too.
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
