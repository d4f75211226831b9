package policy

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps an Engine in sync with one or more layered settings files.
// Each reload builds
// a fresh Engine and swaps it in; engines already handed out are unaffected.
// A reload that fails keeps the previous engine.
type Watcher struct {
	paths   []string
	current atomic.Pointer[Engine]
	fsw     *fsnotify.Watcher

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher loads the layered settings at paths and starts watching them
// for changes.
func NewWatcher(paths ...string) (*Watcher, error) {
	e, err := LoadEngine(paths...)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating settings watcher: %w", err)
	}
	// Watch directories: editors and config-map updates replace files by
	// rename, which drops a watch on the file itself.
	dirs := make(map[string]bool)
	for _, p := range paths {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w := &Watcher{
		paths: paths,
		fsw:   fsw,
		done:  make(chan struct{}),
	}
	w.current.Store(e)

	w.wg.Add(1)
	go w.loop()

	slog.Debug("settings watcher started", "paths", paths)
	return w, nil
}

// Engine returns the engine built from the most recent valid settings.
func (w *Watcher) Engine() *Engine {
	return w.current.Load()
}

// Classify classifies with the current engine.
func (w *Watcher) Classify(operationType, operation string) Decision {
	return w.Engine().Classify(operationType, operation)
}

// Explain explains with the current engine.
func (w *Watcher) Explain(operationType, operation string) Evaluation {
	return w.Engine().Explain(operationType, operation)
}

// Reload rereads the settings files and swaps in a new engine.
func (w *Watcher) Reload() error {
	e, err := LoadEngine(w.paths...)
	if err != nil {
		return err
	}
	prev := w.current.Swap(e)
	if prev == nil || prev.Version() != e.Version() {
		slog.Info("policy engine reloaded", "paths", w.paths, "version", e.Version())
	}
	return nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	watched := make(map[string]bool, len(w.paths))
	for _, p := range w.paths {
		watched[filepath.Clean(p)] = true
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				slog.Warn("settings reload failed; keeping previous engine", "paths", w.paths, "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("settings watcher error", "error", err)
		}
	}
}
