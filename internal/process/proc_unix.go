//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// spawnDetached starts the command in its own session so it survives the
// orchestrator exiting, with stdout and stderr appended to logPath.
func spawnDetached(name string, args, env []string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// killTree signals the process group: TERM first, KILL if the leader is
// still alive after the grace period.
func killTree(pid int, grace time.Duration) error {
	target := -pid // whole session
	if err := unix.Kill(target, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		// fall back to the single process if the group is gone
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			return err
		}
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := unix.Kill(target, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
