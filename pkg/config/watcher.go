package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// reloadDelay coalesces editor write bursts (and atomic rename-over saves)
// into a single reload.
const reloadDelay = 500 * time.Millisecond

// Watcher watches a topology file and re-loads it on change.
type Watcher struct {
	loader  *Loader
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a topology file watcher.
func NewWatcher(loader *Loader, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		logger: logger.With().Str("component", "config-watcher").Logger(),
	}
}

// Watch starts watching path and calls reloadFn with the re-parsed topology
// on every change. Parse failures are logged and do not stop the watch; the
// previous topology stays in effect. Watching stops when ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, path string, reloadFn func([]*engine.ResourceNode) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	// Watch the parent directory: editors that save via rename replace the
	// file inode, which silently drops a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go w.processEvents(ctx, path, reloadFn)

	w.logger.Info().Str("path", path).Msg("Started watching topology")
	return nil
}

// processEvents filters filesystem events down to the watched file and
// triggers debounced reloads.
func (w *Watcher) processEvents(ctx context.Context, path string, reloadFn func([]*engine.ResourceNode) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Topology file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				w.reload(path, reloadFn)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// reload re-parses the topology and hands it to the callback.
func (w *Watcher) reload(path string, reloadFn func([]*engine.ResourceNode) error) {
	nodes, err := w.loader.Load(path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Topology reload failed")
		return
	}

	if err := reloadFn(nodes); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Topology reload callback failed")
		return
	}

	w.logger.Info().Str("path", path).Int("resources", len(nodes)).Msg("Topology reloaded")
}
