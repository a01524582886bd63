package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"metricsmith/internal/logging"
	"metricsmith/internal/routine"
)

// Watcher observes the routines directory and reacts to source changes made
// outside the deployment path, such as an operator deleting or hand-editing
// a routine on disk. Deleted sources mark their routine unavailable;
// modified sources are rebound through the loader.
type Watcher struct {
	registry *Registry
	loader   Loader
	dir      string
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given routines directory.
func NewWatcher(reg *Registry, loader Loader, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Sources live at <dir>/<id>/routine.go and fsnotify does not recurse,
	// so each deployed routine's directory needs its own watch. New
	// directories are picked up from Create events as they appear.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			sub := filepath.Join(dir, entry.Name())
			if err := fsw.Add(sub); err != nil {
				logging.Registry("Failed to watch %s: %v", sub, err)
			}
		}
	}
	return &Watcher{registry: reg, loader: loader, dir: dir, fsw: fsw}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	logging.Registry("Watching routines directory %s", w.dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.Registry("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// A new routine directory appearing under the root needs its own watch.
	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.dir {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				logging.Registry("Failed to watch %s: %v", event.Name, err)
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".go") {
		return
	}

	rt := w.findBySource(event.Name)
	if rt == nil {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		logging.Registry("Source for routine %s removed, marking unavailable", rt.Name)
		w.registry.MarkUnavailable(rt.ID)

	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		fn, err := w.loader.Load(rt)
		if err != nil {
			logging.Registry("Source for routine %s changed but failed to load: %v", rt.Name, err)
			w.registry.MarkUnavailable(rt.ID)
			return
		}
		logging.Registry("Rebound routine %s after source change", rt.Name)
		w.registry.Rebind(rt.ID, fn)
	}
}

func (w *Watcher) findBySource(path string) *routine.Routine {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, rt := range w.registry.All() {
		rtAbs, err := filepath.Abs(rt.SourcePath)
		if err != nil {
			rtAbs = rt.SourcePath
		}
		if rtAbs == abs {
			return rt
		}
	}
	return nil
}
