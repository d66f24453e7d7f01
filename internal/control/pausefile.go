package control

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WatchPauseFile pauses s while path exists. It watches the parent
// directory, so the file may be created and removed any number of times.
// WatchPauseFile blocks until ctx is done.
func WatchPauseFile(ctx context.Context, path string, s *Signals) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating pause file watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	refresh := func() {
		_, err := os.Stat(path)
		present := err == nil
		if present != s.external.Load() {
			log.WithFields(log.Fields{"file": path, "paused": present}).Info("pause file changed")
		}
		s.setExternal(present)
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path {
				refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithField("err", err).Warn("pause file watcher error")
			refresh()
		}
	}
}
