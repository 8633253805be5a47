package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CatalogWatcher reloads a Catalog when its files change. A reload that fails
// keeps the previously registered types.
type CatalogWatcher struct {
	catalog *Catalog
	path    string
	delay   time.Duration
	logger  zerolog.Logger

	// OnReload, when set, is called after every reload attempt.
	OnReload func(specs []TypeSpec, err error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCatalogWatcher creates a watcher for the catalog at path.
func NewCatalogWatcher(catalog *Catalog, path string, logger zerolog.Logger) *CatalogWatcher {
	return &CatalogWatcher{
		catalog: catalog,
		path:    path,
		delay:   500 * time.Millisecond,
		logger:  logger.With().Str("component", "catalog-watcher").Logger(),
	}
}

// Start begins watching. A catalog file is watched through its directory so
// that editors replacing the file are noticed.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat catalog %s: %w", w.path, err)
	}

	dir := w.path
	if !info.IsDir() {
		dir = filepath.Dir(w.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, watcher, done, info.IsDir())

	w.logger.Info().Str("path", w.path).Msg("Watching catalog")
	return nil
}

func (w *CatalogWatcher) relevant(name string, isDir bool) bool {
	if isDir {
		return isCatalogFile(name)
	}
	return filepath.Clean(name) == filepath.Clean(w.path)
}

func (w *CatalogWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}, isDir bool) {
	defer close(done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name, isDir) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *CatalogWatcher) reload() {
	specs, err := w.catalog.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload catalog, keeping current types")
	}
	if w.OnReload != nil {
		w.OnReload(specs, err)
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *CatalogWatcher) Close() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
