package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"metricsmith/internal/logging"
	"metricsmith/internal/routine"
)

// snapshotVersion guards against incompatible snapshot formats.
const snapshotVersion = 1

type snapshot struct {
	Version  int                `json:"version"`
	SavedAt  time.Time          `json:"saved_at"`
	Routines []*routine.Routine `json:"routines"`
}

// Loader binds a routine's entry point from its source on disk. It returns
// an error when the source is missing, fails validation, or does not export
// the expected entry function.
type Loader interface {
	Load(rt *routine.Routine) (routine.EntryFunc, error)
}

// Save writes the full registry state to path. The snapshot is always
// rewritten in full rather than patched, via a temp file renamed into place
// so readers never observe a partial write.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	routines := make([]*routine.Routine, 0, len(r.routines))
	for _, rt := range r.routines {
		routines = append(routines, rt)
	}
	r.mu.RUnlock()

	sort.Slice(routines, func(i, j int) bool { return routines[i].Seq < routines[j].Seq })

	snap := snapshot{Version: snapshotVersion, SavedAt: time.Now(), Routines: routines}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace registry snapshot: %w", err)
	}

	logging.RegistryDebug("Saved %d routines to %s", len(routines), path)
	return nil
}

// LoadFrom restores registry state from a snapshot file and rebinds each
// routine's entry point through the loader. Routines whose source fails to
// load are kept but marked unavailable so they never match requests. A
// missing snapshot file is not an error; the registry just starts empty.
func (r *Registry) LoadFrom(path string, loader Loader) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Registry("No registry snapshot at %s, starting empty", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse registry snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported registry snapshot version %d", snap.Version)
	}

	loaded, unavailable := 0, 0
	for _, rt := range snap.Routines {
		fn, err := loader.Load(rt)
		if err != nil {
			logging.Registry("Routine %s failed to load, marking unavailable: %v", rt.Name, err)
			rt.Status = routine.StatusUnavailable
			rt.Fn = nil
			unavailable++
		} else {
			rt.Status = routine.StatusActive
			rt.Fn = fn
			loaded++
		}
		if err := r.Register(rt); err != nil {
			return fmt.Errorf("failed to re-register routine %s: %w", rt.ID, err)
		}
	}

	logging.Registry("Restored registry: %d active, %d unavailable", loaded, unavailable)
	return nil
}
