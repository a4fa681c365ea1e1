package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperr "github.com/clawdesk/clawdesk/internal/errors"
)

const lockStaleAfter = 2 * time.Hour

// lockFile serializes install work across processes. Created with O_EXCL;
// a leftover lock older than lockStaleAfter is treated as abandoned.
type lockFile struct {
	path string
}

func acquireLock(runDir string) (*lockFile, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(runDir, "install.lock")
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &lockFile{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		fi, statErr := os.Stat(path)
		if statErr == nil && time.Since(fi.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		return nil, apperr.New(apperr.CodeLockConflict,
			"another install is already running (lock "+path+", holder pid "+lockHolder(path)+")", nil)
	}
	return nil, apperr.New(apperr.CodeLockConflict, "could not acquire install lock "+path, nil)
}

func lockHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	if fields := strings.Fields(string(data)); len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

func (l *lockFile) release() {
	os.Remove(l.path)
}

// LockStatus reports whether an install lock is currently held.
type LockStatus struct {
	Held      bool   `json:"held"`
	HolderPID string `json:"holder_pid,omitempty"`
	Age       string `json:"age,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
}

// LockInfo inspects the install lock without taking it.
func (ins *Installer) LockInfo() LockStatus {
	path := filepath.Join(ins.layout.RunDir(), "install.lock")
	fi, err := os.Stat(path)
	if err != nil {
		return LockStatus{}
	}
	age := time.Since(fi.ModTime()).Round(time.Second)
	return LockStatus{
		Held:      true,
		HolderPID: lockHolder(path),
		Age:       age.String(),
		Stale:     age > lockStaleAfter,
	}
}
