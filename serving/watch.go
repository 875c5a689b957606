package serving

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
)

// DefaultDebounce coalesces the burst of writes one store commit produces.
const DefaultDebounce = 500 * time.Millisecond

// WatchStore reloads h whenever the store file at path (or its -wal/-journal
// siblings) is written. It blocks until ctx is done.
func WatchStore(ctx context.Context, h *Handle, path string, debounce time.Duration, logger log.Logger) error {
	if logger == nil {
		logger = log.GetLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	// ファイル単体ではなくディレクトリを監視する (SQLite は -wal 等に書く)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	logger = logger.With(log.ComponentKey, "serving", "path", path)
	logger.Info("watching store for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", log.ErrAttrKey, err)
		case <-fire:
			fire = nil
			if _, err := h.Reload(ctx); err != nil {
				logger.Warn("reload after store change failed", log.ErrAttrKey, err)
			}
		}
	}
}
