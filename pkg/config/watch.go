package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called with the freshly re-merged Settings after a watched
// file changes, or with a non-nil error if the reload failed (the caller
// decides whether to keep running on the previous Settings).
type ReloadFunc func(*Settings, error)

// Watcher reloads Settings whenever the project or local settings file
// changes on disk, debounced so a editor's save-as-multiple-writes doesn't
// trigger a reload storm.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// Watch starts watching root's settings files, invoking onReload after every
// debounced change. Call Close to stop.
func Watch(root string, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := ProjectSettingsPath(root)
	if err := fsw.Add(filepath.Dir(dir)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		loader: &Loader{ProjectRoot: root},
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	go w.run(onReload)
	return w, nil
}

func (w *Watcher) run(onReload ReloadFunc) {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	fire := func() {
		settings, err := w.loader.Load()
		onReload(settings, err)
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
