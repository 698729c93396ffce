package checklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Invalidator is implemented by caches that can drop their contents.
type Invalidator interface {
	Invalidate()
}

// Watcher invalidates a cache whenever the checklist file changes on disk.
// The parent directory is watched so editors that replace the file through a
// rename are still observed.
type Watcher struct {
	path   string
	target Invalidator
	logger *slog.Logger
	fsw    *fsnotify.Watcher
}

func NewWatcher(path string, target Invalidator, logger *slog.Logger) (*Watcher, error) {
	if target == nil {
		return nil, errors.New("watch target is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve checklist path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, target: target, logger: logger, fsw: fsw}, nil
}

// Run processes events until ctx is done. The underlying watcher is closed on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.target.Invalidate()
				w.logger.Info("checklist changed", "path", w.path, "op", event.Op.String())
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("checklist watch error", "path", w.path, "error", err)
		}
	}
}
