//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ExitToken is written to a worker's stdin to ask it to exit.
const ExitToken = "exit\n"

// ConfigureSysProcAttr sets platform-specific attributes for Unix-like systems.
// Redirected workers get their own process group so terminal signals aimed
// at the supervisor do not reach them directly. Popup workers share the
// supervisor's terminal and process group.
func ConfigureSysProcAttr(cmd *exec.Cmd, popup bool) {
	if popup {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
