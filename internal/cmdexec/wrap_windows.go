//go:build windows

package cmdexec

import (
	"os/exec"
	"strings"
	"syscall"
)

// Node package managers install .cmd and .ps1 shims on Windows; those are
// not directly executable through CreateProcess and need a shell host.
func wrapCommand(name string, args []string) (string, []string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".cmd"), strings.HasSuffix(lower, ".bat"):
		return "cmd", append([]string{"/C", name}, args...)
	case strings.HasSuffix(lower, ".ps1"):
		return "powershell", append([]string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", name}, args...)
	default:
		return name, args
	}
}

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
