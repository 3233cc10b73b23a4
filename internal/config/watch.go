package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)
}

// NewWatcher creates a watcher for path. The parent directory is watched so
// that editors replacing the file by rename are observed.
func NewWatcher(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{path: abs, w: w, debounce: 50 * time.Millisecond, onChange: onChange, onError: onError}, nil
}

// Run delivers reloads until ctx is cancelled.
func (cw *Watcher) Run(ctx context.Context) error {
	defer cw.w.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cw.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(cw.debounce)
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return nil
			}
			cw.onError(err)
		case <-pending:
			pending = nil
			cfg, err := Load(cw.path)
			if err != nil {
				cw.onError(err)
				continue
			}
			cw.onChange(cfg)
		}
	}
}
