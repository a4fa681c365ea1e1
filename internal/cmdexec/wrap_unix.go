//go:build !windows

package cmdexec

import "os/exec"

func wrapCommand(name string, args []string) (string, []string) {
	return name, args
}

func hideWindow(*exec.Cmd) {}
