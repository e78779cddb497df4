package weave

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher keeps a directory of bundle manifests in sync with the
// runtime: a new or rewritten manifest file (re)installs its bundle, a
// removed file uninstalls it. Only .yaml, .yml and .toml files are
// considered; everything else in the directory is ignored.
type ManifestWatcher struct {
	runtime *Runtime
	logger  Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	bundles map[string]string // manifest path -> bundle name
	done    chan struct{}
}

// WatchManifests starts watching a directory of bundle manifests.
// Manifests already present are applied before the watch loop starts, so
// a cold start and a live drop behave the same.
func (rt *Runtime) WatchManifests(dir string) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &ManifestWatcher{
		runtime: rt,
		logger:  rt.logger,
		watcher: watcher,
		bundles: make(map[string]string),
		done:    make(chan struct{}),
	}

	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		watcher.Close()
		return nil, err
	}
	for _, path := range entries {
		if isManifestPath(path) {
			w.apply(path)
		}
	}

	go w.run()
	return w, nil
}

func isManifestPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func (w *ManifestWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isManifestPath(event.Name) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
				w.apply(event.Name)
			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				w.retract(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Manifest watcher error", "error", err)
		}
	}
}

// apply installs or reinstalls the bundle described by one manifest file.
// Editors commonly write-then-rename, so a Write for a known path tears
// the old bundle down before reapplying.
func (w *ManifestWatcher) apply(path string) {
	manifest, err := LoadManifest(path)
	if err != nil {
		w.logger.Error("Skipping manifest", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	previous, reinstall := w.bundles[path]
	w.mu.Unlock()

	if reinstall {
		if err := w.runtime.UninstallBundle(context.Background(), previous); err != nil {
			w.logger.Error("Error replacing bundle", "bundle", previous, "error", err)
			return
		}
	}

	if _, err := w.runtime.ApplyManifest(manifest); err != nil {
		w.logger.Error("Error applying manifest", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.bundles[path] = manifest.Bundle
	w.mu.Unlock()
	w.logger.Info("Manifest loaded", "path", path, "bundle", manifest.Bundle)
}

// retract uninstalls the bundle whose manifest file disappeared.
func (w *ManifestWatcher) retract(path string) {
	w.mu.Lock()
	bundle, ok := w.bundles[path]
	delete(w.bundles, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.runtime.UninstallBundle(context.Background(), bundle); err != nil {
		w.logger.Error("Error uninstalling bundle", "bundle", bundle, "error", err)
		return
	}
	w.logger.Info("Manifest retracted", "path", path, "bundle", bundle)
}

// Bundles returns the bundle names currently managed by the watcher.
func (w *ManifestWatcher) Bundles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.bundles))
	for _, name := range w.bundles {
		out = append(out, name)
	}
	return out
}

// Close stops the watch loop. Bundles it installed stay installed.
func (w *ManifestWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
