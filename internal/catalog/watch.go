package catalog

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
)

// Watch invalidates the catalog whenever the managed app's config file
// changes on disk, which happens when the user edits it directly or the
// CLI rewrites it. The watch runs until ctx is done.
func (c *Catalog) Watch(ctx context.Context, layout paths.Layout, log *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// watch the directory; editors replace the file and break a direct
	// file watch
	if err := watcher.Add(layout.AppHome); err != nil {
		watcher.Close()
		return err
	}
	configName := filepath.Base(layout.ConfigPath())

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != configName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				log.Infof("app config changed on disk, dropping catalog cache")
				c.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watch error: %v", err)
			}
		}
	}()
	return nil
}
