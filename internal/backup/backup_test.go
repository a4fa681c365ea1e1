package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
)

func testEngine(t *testing.T) (*Engine, paths.Layout) {
	t.Helper()
	layout := paths.Layout{DataRoot: t.TempDir(), AppHome: t.TempDir()}
	e := NewEngine(layout, logging.Discard())
	return e, layout
}

func seed(t *testing.T, layout paths.Layout) {
	t.Helper()
	require.NoError(t, os.MkdirAll(layout.StateDir(), 0o755))
	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(`{"agent":{"model":"gpt-5"}}`), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(layout.AppHome, "workspace"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.AppHome, "workspace", "notes.md"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(layout.StateDir(), "install_state.json"), []byte(`{"method":"npm"}`), 0o600))
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)

	info, err := e.Create("manual")
	require.NoError(t, err)
	assert.FileExists(t, info.Path)

	// mutate, then restore
	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(`{"agent":{"model":"other"}}`), 0o600))
	require.NoError(t, os.Remove(filepath.Join(layout.AppHome, "workspace", "notes.md")))

	require.NoError(t, e.Restore(info.ID, RestoreOptions{SkipSnapshot: true}))

	cfg, err := os.ReadFile(layout.ConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "gpt-5")
	notes, err := os.ReadFile(filepath.Join(layout.AppHome, "workspace", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(notes))
}

func TestCreateIDUsesPrefixAndClock(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)
	e.now = func() time.Time { return time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC) }

	info, err := e.Create("pre-upgrade")
	require.NoError(t, err)
	assert.Equal(t, "pre-upgrade-20260829-103000", info.ID)

	_, err = e.Create("../evil")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestListNewestFirst(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)

	e.now = func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) }
	_, err := e.Create("manual")
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC) }
	_, err = e.Create("manual")
	require.NoError(t, err)

	list, err := e.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "manual-20260802-090000", list[0].ID)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
}

func TestRestoreRejectsTraversalEntry(t *testing.T) {
	e, layout := testEngine(t)
	require.NoError(t, os.MkdirAll(layout.BackupsDir(), 0o755))

	evil := filepath.Join(layout.BackupsDir(), "evil-20260101-000000.zip")
	f, err := os.Create(evil)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("app_home/../../outside.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("gotcha"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	err = e.Restore("evil-20260101-000000", RestoreOptions{SkipSnapshot: true})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeCorruptedArchive))
	assert.NoFileExists(t, filepath.Join(layout.DataRoot, "outside.txt"))
	assert.NoFileExists(t, filepath.Join(layout.AppHome, "outside.txt"))
}

func TestRestoreRejectsForeignNamespace(t *testing.T) {
	e, layout := testEngine(t)
	require.NoError(t, os.MkdirAll(layout.BackupsDir(), 0o755))

	bad := filepath.Join(layout.BackupsDir(), "bad-20260101-000000.zip")
	f, err := os.Create(bad)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	_, err = zw.Create("somewhere/else.txt")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	err = e.Restore("bad-20260101-000000", RestoreOptions{SkipSnapshot: true})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeCorruptedArchive))
}

func TestRestoreUnknownID(t *testing.T) {
	e, _ := testEngine(t)
	err := e.Restore("nope", RestoreOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestRestoreTakesSafetySnapshot(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)

	info, err := e.Create("manual")
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC) }
	require.NoError(t, e.Restore(info.ID, RestoreOptions{}))

	list, err := e.List()
	require.NoError(t, err)
	var snapshots int
	for _, b := range list {
		if b.ID == "pre-restore-20260829-110000" {
			snapshots++
		}
	}
	assert.Equal(t, 1, snapshots)
}

func TestDelete(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)
	info, err := e.Create("manual")
	require.NoError(t, err)

	require.NoError(t, e.Delete(info.ID))
	assert.NoFileExists(t, info.Path)
	err = e.Delete(info.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
	err = e.Delete("../x")
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestBackupSkipsNodeModules(t *testing.T) {
	e, layout := testEngine(t)
	seed(t, layout)
	nm := filepath.Join(layout.AppHome, "node_modules", "pkg")
	require.NoError(t, os.MkdirAll(nm, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nm, "index.js"), []byte("x"), 0o600))

	info, err := e.Create("manual")
	require.NoError(t, err)

	zr, err := zip.OpenReader(info.Path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		assert.NotContains(t, f.Name, "node_modules")
	}
}
