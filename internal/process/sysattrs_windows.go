//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// ExitToken is written to a worker's stdin to ask it to exit.
const ExitToken = "exit\r\n"

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
	CREATE_NEW_CONSOLE       = 0x00000010
)

// ConfigureSysProcAttr sets platform-specific attributes for Windows.
// Redirected workers get a new process group; popup workers get their own
// console window.
func ConfigureSysProcAttr(cmd *exec.Cmd, popup bool) {
	flags := uint32(CREATE_NEW_PROCESS_GROUP)
	if popup {
		flags = CREATE_NEW_CONSOLE
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
}
