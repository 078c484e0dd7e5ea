package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the files to watch and the callbacks that fire when
// they change. `pai serve` uses this to hot-reload patterns without a
// restart.
type WatchTargets struct {
	// ConfigPath is config.yaml. OnConfigChange fires when it is written.
	ConfigPath     string
	OnConfigChange func()

	// RulePaths are the patterns.yaml candidates. OnRulesChange fires
	// with the changed path when any of them is written, created or
	// removed, since removing a file changes which candidate wins.
	RulePaths     []string
	OnRulesChange func(path string)
}

// Watcher monitors the directories containing the watched files using
// fsnotify. Candidates whose directory does not exist yet are skipped.
//
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	config    string

	mu    sync.RWMutex
	rules map[string]bool
	dirs  map[string]bool
}

// NewWatcher starts watching the target files. Events are processed in a
// background goroutine until Close is called.
func NewWatcher(targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
		rules:     make(map[string]bool),
		dirs:      make(map[string]bool),
	}
	if targets.ConfigPath != "" {
		w.config = filepath.Clean(targets.ConfigPath)
	}
	if w.config != "" {
		if err := w.watchDir(filepath.Dir(w.config)); err != nil {
			fw.Close()
			return nil, err
		}
	}
	if err := w.Add(targets.RulePaths...); err != nil {
		fw.Close()
		return nil, err
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dirs", len(w.dirs))
	return w, nil
}

// Add starts watching more patterns files. `pai serve` calls it for each
// workspace it meets after startup. Paths already watched are ignored.
func (w *Watcher) Add(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		p = filepath.Clean(p)
		if w.rules[p] {
			continue
		}
		w.rules[p] = true
		if err := w.watchDirLocked(filepath.Dir(p)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchDirLocked(dir)
}

// watchDirLocked watches dir once. A directory that does not exist yet is
// skipped. Caller holds w.mu.
func (w *Watcher) watchDirLocked(dir string) error {
	if w.dirs[dir] {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

func (w *Watcher) isRule(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules[name]
}

// processEvents dispatches fsnotify events to the callbacks.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)

			switch {
			case name == w.config:
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				slog.Info("config changed, triggering reload", "path", name)
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}

			case w.isRule(name):
				if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
					continue
				}
				slog.Info("patterns changed, triggering reload", "path", name, "op", event.Op.String())
				if targets.OnRulesChange != nil {
					targets.OnRulesChange(name)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
