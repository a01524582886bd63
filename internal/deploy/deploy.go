// Package deploy persists synthesized routines to disk and installs them in
// the registry. Each deployment gets its own directory named by a fresh
// UUID, holding the routine source and a metadata sidecar.
package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"metricsmith/internal/interp"
	"metricsmith/internal/logging"
	"metricsmith/internal/query"
	"metricsmith/internal/registry"
	"metricsmith/internal/routine"
	"metricsmith/internal/synth"
	"metricsmith/internal/validate"
)

const (
	sourceFile   = "routine.go"
	metadataFile = "metadata.json"
)

// metadata is the sidecar written next to each routine source.
type metadata struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Kind       query.Kind         `json:"kind"`
	Capability routine.Capability `json:"capability"`
	FromOracle bool               `json:"from_oracle"`
	DeployedAt time.Time          `json:"deployed_at"`
}

// Manager deploys, updates and removes routines.
type Manager struct {
	routinesDir  string
	registryPath string
	registry     *registry.Registry
	executor     *interp.Executor
}

// NewManager creates a deployment manager. The routines directory is created
// if missing.
func NewManager(routinesDir, registryPath string, reg *registry.Registry, executor *interp.Executor) (*Manager, error) {
	if err := os.MkdirAll(routinesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create routines directory: %w", err)
	}
	return &Manager{
		routinesDir:  routinesDir,
		registryPath: registryPath,
		registry:     reg,
		executor:     executor,
	}, nil
}

// Loader returns the registry.Loader used to rebind routines from disk.
func (m *Manager) Loader() registry.Loader {
	return &sourceLoader{executor: m.executor}
}

// Deploy writes generated source to disk, loads it, registers the routine
// and rewrites the registry snapshot. The routine's capability is derived
// from the descriptor that triggered synthesis.
func (m *Manager) Deploy(gen *synth.Generated, d *query.Descriptor) (*routine.Routine, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.routinesDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create deployment directory: %w", err)
	}

	srcPath := filepath.Join(dir, sourceFile)
	if err := os.WriteFile(srcPath, []byte(gen.Source), 0644); err != nil {
		m.cleanup(dir)
		return nil, fmt.Errorf("failed to write routine source: %w", err)
	}

	rt := &routine.Routine{
		ID:   id,
		Name: gen.Name,
		Capability: routine.Capability{
			Targets:    d.Targets,
			Metrics:    d.Metrics,
			TimeWindow: d.TimeWindow,
			Filters:    d.Filters,
		},
		SourcePath: srcPath,
		Status:     routine.StatusActive,
		CreatedAt:  time.Now(),
	}

	fn, err := m.executor.Load(gen.Source)
	if err != nil {
		m.cleanup(dir)
		return nil, fmt.Errorf("failed to load routine %s: %w", gen.Name, err)
	}
	rt.Fn = fn

	meta := metadata{
		ID:         id,
		Name:       gen.Name,
		Kind:       gen.Kind,
		Capability: rt.Capability,
		FromOracle: gen.FromOracle,
		DeployedAt: rt.CreatedAt,
	}
	if err := writeMetadata(filepath.Join(dir, metadataFile), meta); err != nil {
		m.cleanup(dir)
		return nil, err
	}

	if err := m.registry.Register(rt); err != nil {
		m.cleanup(dir)
		return nil, fmt.Errorf("failed to register routine %s: %w", gen.Name, err)
	}
	if err := m.registry.Save(m.registryPath); err != nil {
		return nil, fmt.Errorf("failed to persist registry after deploy: %w", err)
	}

	logging.Deploy("Deployed routine %s as %s", gen.Name, id)
	return rt, nil
}

// Undeploy removes a routine from the registry and deletes its files.
func (m *Manager) Undeploy(id string) error {
	if err := m.registry.Unregister(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.routinesDir, id)); err != nil {
		return fmt.Errorf("failed to remove deployment directory: %w", err)
	}
	if err := m.registry.Save(m.registryPath); err != nil {
		return fmt.Errorf("failed to persist registry after undeploy: %w", err)
	}

	logging.Deploy("Undeployed routine %s", id)
	return nil
}

// Update replaces an existing routine's source and capability in place,
// keeping its ID and registration order. The capability is re-derived from
// the descriptor that triggered the update.
func (m *Manager) Update(id string, gen *synth.Generated, d *query.Descriptor) (*routine.Routine, error) {
	existing, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	fn, err := m.executor.Load(gen.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to load updated routine %s: %w", gen.Name, err)
	}

	if err := os.WriteFile(existing.SourcePath, []byte(gen.Source), 0644); err != nil {
		return nil, fmt.Errorf("failed to rewrite routine source: %w", err)
	}

	updated := &routine.Routine{
		ID:   id,
		Name: gen.Name,
		Capability: routine.Capability{
			Targets:    d.Targets,
			Metrics:    d.Metrics,
			TimeWindow: d.TimeWindow,
			Filters:    d.Filters,
		},
		SourcePath: existing.SourcePath,
		Status:     routine.StatusActive,
		CreatedAt:  existing.CreatedAt,
		Fn:         fn,
	}
	if err := m.registry.Replace(updated); err != nil {
		return nil, err
	}

	meta := metadata{
		ID:         id,
		Name:       gen.Name,
		Kind:       gen.Kind,
		Capability: updated.Capability,
		FromOracle: gen.FromOracle,
		DeployedAt: time.Now(),
	}
	if err := writeMetadata(filepath.Join(filepath.Dir(existing.SourcePath), metadataFile), meta); err != nil {
		return nil, err
	}

	if err := m.registry.Save(m.registryPath); err != nil {
		return nil, fmt.Errorf("failed to persist registry after update: %w", err)
	}

	logging.Deploy("Updated routine %s", id)
	return updated, nil
}

func (m *Manager) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logging.Deploy("Failed to clean up %s: %v", dir, err)
	}
}

func writeMetadata(path string, meta metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// sourceLoader rebinds routines from their on-disk source, revalidating
// before handing the code to the interpreter.
type sourceLoader struct {
	executor *interp.Executor
}

func (l *sourceLoader) Load(rt *routine.Routine) (routine.EntryFunc, error) {
	data, err := os.ReadFile(rt.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read routine source: %w", err)
	}

	if result := validate.Source(string(data)); !result.Valid {
		return nil, fmt.Errorf("routine source no longer validates: %s", result.Summary())
	}

	return l.executor.Load(string(data))
}
