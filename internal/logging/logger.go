// Package logging provides the orchestrator's file logger: one log file per
// calendar day under the data root, written through a single mutex so every
// line stays atomic with respect to other lines. The logger is an explicit
// service object constructed once and passed to consumers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// maxDayFileMB caps a single day file so a crash-looping child cannot fill
// the disk; lumberjack rolls the file when the cap is hit.
const maxDayFileMB = 64

// Logger writes timestamped lines to logs/YYYY-MM-DD.log.
type Logger struct {
	dir string
	log *logrus.Logger

	out *dailyWriter
}

// New creates a Logger writing under dir. The directory is created lazily on
// first write so construction never fails.
func New(dir string) *Logger {
	out := &dailyWriter{dir: dir}
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})
	return &Logger{dir: dir, log: l, out: out}
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{log: l}
}

func (l *Logger) Infof(format string, args ...any)  { l.log.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log.Errorf(format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log.Debugf(format, args...) }

// SetLevel applies a textual level; unknown values keep the default.
func (l *Logger) SetLevel(level string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.log.SetLevel(parsed)
	}
}

// Close releases the current day's file handle.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.close()
}

// dailyWriter re-points a lumberjack writer at the current day's file name.
// One mutex guards both the day roll and the write, so every log line is
// atomic with respect to other lines.
type dailyWriter struct {
	dir string

	mu  sync.Mutex
	day string
	lj  *lumberjack.Logger
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := time.Now().Format("2006-01-02")
	if w.lj == nil || day != w.day {
		if w.lj != nil {
			_ = w.lj.Close()
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return 0, err
		}
		w.day = day
		w.lj = &lumberjack.Logger{
			Filename: filepath.Join(w.dir, day+".log"),
			MaxSize:  maxDayFileMB,
		}
	}
	return w.lj.Write(p)
}

func (w *dailyWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lj == nil {
		return nil
	}
	err := w.lj.Close()
	w.lj = nil
	return err
}

// Summary describes one log file on disk.
type Summary struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// List enumerates log files, newest first.
func List(dir string) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			Name:       entry.Name(),
			Path:       filepath.Join(dir, entry.Name()),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt > out[j].ModifiedAt })
	return out, nil
}

// Read returns up to maxLines trailing lines of the named log file.
func Read(dir, name string, maxLines int) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid log name: %s", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	content := string(data)
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return content, nil
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n"), nil
}

// Export copies the named log file to output.
func Export(dir, name, output string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid log name: %s", name)
	}
	src := filepath.Join(dir, name)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("log file not found: %s", src)
	}
	if parent := filepath.Dir(output); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return "", err
	}
	return output, nil
}
