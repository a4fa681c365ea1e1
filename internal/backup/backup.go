// Package backup bundles the managed app's home directory and the
// orchestrator's state files into portable zip archives, and restores them
// through a staged extraction so a malformed archive can never write
// outside its target.
package backup

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
)

// Archive namespaces. Everything in a bundle lives under one of these.
const (
	nsAppHome = "app_home/"
	nsState   = "orchestrator_state/"
)

// Info describes one archive on disk.
type Info struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Engine struct {
	layout paths.Layout
	log    *logging.Logger
	now    func() time.Time
}

func NewEngine(layout paths.Layout, log *logging.Logger) *Engine {
	return &Engine{layout: layout, log: log, now: time.Now}
}

// Create writes a new archive named "<prefix>-YYYYMMDD-HHMMSS.zip" and
// returns its Info. An empty prefix defaults to "manual".
func (e *Engine) Create(prefix string) (Info, error) {
	if prefix == "" {
		prefix = "manual"
	}
	if strings.ContainsAny(prefix, `/\`) {
		return Info{}, apperr.New(apperr.CodeValidation, "backup prefix must not contain path separators", nil)
	}
	if err := os.MkdirAll(e.layout.BackupsDir(), 0o755); err != nil {
		return Info{}, err
	}
	ts := e.now().UTC()
	id := fmt.Sprintf("%s-%s", prefix, ts.Format("20060102-150405"))
	target := filepath.Join(e.layout.BackupsDir(), id+".zip")

	tmp := target + ".partial"
	if err := e.writeArchive(tmp); err != nil {
		os.Remove(tmp)
		return Info{}, err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return Info{}, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return Info{}, err
	}
	e.log.Infof("created backup %s (%d bytes)", id, fi.Size())
	return Info{ID: id, Path: target, Size: fi.Size(), CreatedAt: ts}, nil
}

func (e *Engine) writeArchive(dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	if err := e.addTree(zw, e.layout.AppHome, nsAppHome); err != nil {
		zw.Close()
		return err
	}
	if err := e.addTree(zw, e.layout.StateDir(), nsState); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func (e *Engine) addTree(zw *zip.Writer, root, namespace string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil // nothing to bundle yet
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// node_modules trees are reproducible and huge
		if d.IsDir() && d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		name := namespace + filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: fi.ModTime()}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		return err
	})
}

// List returns the archives newest first.
func (e *Engine) List() ([]Info, error) {
	entries, err := os.ReadDir(e.layout.BackupsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".zip")
		out = append(out, Info{
			ID:        id,
			Path:      filepath.Join(e.layout.BackupsDir(), entry.Name()),
			Size:      fi.Size(),
			CreatedAt: createdAt(id, fi.ModTime()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// createdAt prefers the timestamp embedded in the id over file mtime,
// which copying an archive between machines would clobber.
func createdAt(id string, fallback time.Time) time.Time {
	parts := strings.Split(id, "-")
	if len(parts) >= 2 {
		stamp := parts[len(parts)-2] + "-" + parts[len(parts)-1]
		if t, err := time.Parse("20060102-150405", stamp); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// RestoreOptions tunes a restore.
type RestoreOptions struct {
	// SkipSnapshot suppresses the automatic pre-restore backup. Used when
	// the caller already holds a snapshot, for instance during an upgrade
	// rollback.
	SkipSnapshot bool
}

// Restore extracts the named archive over the current app home and state
// dir. The archive is fully extracted into a staging directory first;
// only after every entry passed validation are files copied into place.
func (e *Engine) Restore(id string, opts RestoreOptions) error {
	archive := filepath.Join(e.layout.BackupsDir(), id+".zip")
	if _, err := os.Stat(archive); err != nil {
		return apperr.Newf(apperr.CodeValidation, "backup %s not found", id)
	}

	if !opts.SkipSnapshot {
		if _, err := e.Create("pre-restore"); err != nil {
			return fmt.Errorf("pre-restore snapshot: %w", err)
		}
	}

	staging := filepath.Join(e.layout.BackupsDir(), ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := e.extract(archive, staging); err != nil {
		return err
	}
	if err := copyTree(filepath.Join(staging, "app_home"), e.layout.AppHome); err != nil {
		return err
	}
	if err := copyTree(filepath.Join(staging, "orchestrator_state"), e.layout.StateDir()); err != nil {
		return err
	}
	e.log.Infof("restored backup %s", id)
	return nil
}

func (e *Engine) extract(archive, staging string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return apperr.New(apperr.CodeCorruptedArchive, "cannot open backup archive", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		rel, err := safeEntryPath(f.Name)
		if err != nil {
			return err
		}
		dest := filepath.Join(staging, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return apperr.New(apperr.CodeCorruptedArchive, "cannot read entry "+f.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			src.Close()
			return err
		}
		_, copyErr := io.Copy(out, src)
		src.Close()
		out.Close()
		if copyErr != nil {
			return apperr.New(apperr.CodeCorruptedArchive, "truncated entry "+f.Name, copyErr)
		}
	}
	return nil
}

// safeEntryPath validates an archive entry name and returns the slash
// path relative to the staging root. Absolute paths, traversal segments,
// and names outside the known namespaces are rejected.
func safeEntryPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", apperr.Newf(apperr.CodeCorruptedArchive, "illegal archive entry %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperr.Newf(apperr.CodeCorruptedArchive, "illegal archive entry %q", name)
	}
	if !inNamespace(clean, nsAppHome) && !inNamespace(clean, nsState) {
		return "", apperr.Newf(apperr.CodeCorruptedArchive, "unexpected archive entry %q", name)
	}
	return clean, nil
}

func inNamespace(clean, ns string) bool {
	root := strings.TrimSuffix(ns, "/")
	return clean == root || strings.HasPrefix(clean, ns)
}

// Delete removes an archive by id.
func (e *Engine) Delete(id string) error {
	if strings.ContainsAny(id, `/\`) {
		return apperr.New(apperr.CodeValidation, "invalid backup id", nil)
	}
	err := os.Remove(filepath.Join(e.layout.BackupsDir(), id+".zip"))
	if os.IsNotExist(err) {
		return apperr.Newf(apperr.CodeValidation, "backup %s not found", id)
	}
	return err
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o600)
	})
}
