//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// spawnDetached launches the command detached from the console. Some
// managed environments forbid CREATE_BREAKAWAY_FROM_JOB, so a failed
// launch is retried once without it.
func spawnDetached(name string, args, env []string, logPath string) (int, error) {
	flags := []uint32{
		windows.DETACHED_PROCESS | windows.CREATE_NO_WINDOW | windows.CREATE_BREAKAWAY_FROM_JOB,
		windows.DETACHED_PROCESS | windows.CREATE_NO_WINDOW,
	}
	var lastErr error
	for _, f := range flags {
		pid, err := spawnWithFlags(name, args, env, logPath, f)
		if err == nil {
			return pid, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func spawnWithFlags(name string, args, env []string, logPath string, flags uint32) (int, error) {
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
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// killTree delegates to taskkill, which tears down the child tree too.
func killTree(pid int, grace time.Duration) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput()
	if err != nil {
		if !processAlive(pid) {
			return nil
		}
		return fmt.Errorf("taskkill: %v: %s", err, out)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && processAlive(pid) {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
