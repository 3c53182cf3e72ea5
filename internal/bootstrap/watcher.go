package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rafaeljc/heimdall-sdk/internal/specstore"
)

// DefaultDebounce is the quiet period after the last file event before a
// reload is attempted.
const DefaultDebounce = 200 * time.Millisecond

// Installer installs a raw payload. *syncer.Service satisfies it.
type Installer interface {
	InstallPayload(payload []byte, source specstore.Source) error
}

// Watcher reloads a FileStore when its file changes on disk.
//
// The parent directory is watched rather than the file itself so that
// atomic replacements (write to temp, rename over) are seen; editors and
// config management tools update files that way.
type Watcher struct {
	logger    *slog.Logger
	store     *FileStore
	installer Installer
	debounce  time.Duration
}

// NewWatcher creates a Watcher. A non-positive debounce uses DefaultDebounce.
func NewWatcher(logger *slog.Logger, store *FileStore, installer Installer, debounce time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		panic("bootstrap: file store cannot be nil")
	}
	if installer == nil {
		panic("bootstrap: installer cannot be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{logger: logger, store: store, installer: installer, debounce: debounce}
}

// Run watches the file until ctx is cancelled. Events are coalesced: a
// burst of writes produces one reload once the file has been quiet for
// the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.store.Path())
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	w.logger.Info("bootstrap watcher started",
		slog.String("path", w.store.Path()),
		slog.Int64("debounce_ms", w.debounce.Milliseconds()),
	)

	// Stopped timer; armed by the first relevant event.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("bootstrap watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("bootstrap file event",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("bootstrap watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.store.Path()
}

func (w *Watcher) reload(ctx context.Context) {
	payload, err := w.store.LoadSnapshot(ctx)
	if err != nil {
		w.logger.Error("failed to read bootstrap file", slog.String("error", err.Error()))
		return
	}
	if payload == nil {
		return
	}

	err = w.installer.InstallPayload(payload, specstore.SourceBootstrap)
	switch {
	case err == nil:
		w.logger.Info("bootstrap file reloaded", slog.String("path", w.store.Path()))
	case errors.Is(err, specstore.ErrStaleSnapshot):
		w.logger.Debug("bootstrap file is older than the installed snapshot")
	default:
		w.logger.Warn("bootstrap file rejected", slog.String("error", err.Error()))
	}
}
