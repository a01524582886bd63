// Package registry tracks deployed analytics routines and matches incoming
// request descriptors against their declared capabilities.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"metricsmith/internal/logging"
	"metricsmith/internal/query"
	"metricsmith/internal/routine"
)

// Registry errors.
var (
	ErrRoutineNotFound = errors.New("routine not found")
	ErrRoutineExists   = errors.New("routine already registered")
	ErrNilRoutine      = errors.New("cannot register nil routine")
	ErrNilEntry        = errors.New("cannot rebind nil entry point")
	ErrNoMatch         = errors.New("no routine covers the request")
)

// Registry is a thread-safe store of deployed routines keyed by ID.
type Registry struct {
	mu       sync.RWMutex
	routines map[string]*routine.Routine
	nextSeq  int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		routines: make(map[string]*routine.Routine),
	}
}

// Register adds a routine. The registry assigns the registration sequence
// number used for tie-breaking in Find.
func (r *Registry) Register(rt *routine.Routine) error {
	if rt == nil {
		return ErrNilRoutine
	}
	if rt.ID == "" {
		return fmt.Errorf("routine %q has no ID", rt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routines[rt.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRoutineExists, rt.ID)
	}

	rt.Capability.Normalize()
	rt.Seq = r.nextSeq
	r.nextSeq++
	r.routines[rt.ID] = rt

	logging.Registry("Registered routine %s", rt)
	return nil
}

// Unregister removes a routine by ID.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routines[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	delete(r.routines, id)

	logging.Registry("Unregistered routine %s", id)
	return nil
}

// Replace swaps an existing routine's entry in place, keeping its sequence
// number so re-deployments do not jump the tie-break ordering.
func (r *Registry) Replace(rt *routine.Routine) error {
	if rt == nil {
		return ErrNilRoutine
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.routines[rt.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, rt.ID)
	}
	rt.Capability.Normalize()
	rt.Seq = old.Seq
	r.routines[rt.ID] = rt
	return nil
}

// Get returns a routine by ID.
func (r *Registry) Get(id string) (*routine.Routine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, exists := r.routines[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	return rt, nil
}

// Has reports whether a routine with the given ID is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.routines[id]
	return exists
}

// All returns a snapshot slice of every registered routine.
func (r *Registry) All() []*routine.Routine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*routine.Routine, 0, len(r.routines))
	for _, rt := range r.routines {
		out = append(out, rt)
	}
	return out
}

// Count returns the number of registered routines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routines)
}

// MarkUnavailable flags a routine so it no longer matches requests.
func (r *Registry) MarkUnavailable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, exists := r.routines[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	rt.Status = routine.StatusUnavailable
	rt.Fn = nil
	return nil
}

// Rebind installs a freshly loaded entry point and reactivates the routine.
// A nil entry point would leave the routine active but uncallable, so it is
// rejected.
func (r *Registry) Rebind(id string, fn routine.EntryFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilEntry, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt, exists := r.routines[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoutineNotFound, id)
	}
	rt.Status = routine.StatusActive
	rt.Fn = fn
	return nil
}

// Find returns the active routine whose capability covers the descriptor.
// When several match, the one with the largest metric set wins; ties fall
// back to earliest registration. Unavailable routines never match.
func (r *Registry) Find(d *query.Descriptor) (*routine.Routine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *routine.Routine
	for _, rt := range r.routines {
		if !rt.Active() {
			continue
		}
		if !rt.Capability.Covers(d.Targets, d.Metrics, d.TimeWindow, d.Filters) {
			continue
		}
		if best == nil {
			best = rt
			continue
		}
		bs, rs := best.Capability.Specificity(), rt.Capability.Specificity()
		if rs > bs || (rs == bs && rt.Seq < best.Seq) {
			best = rt
		}
	}

	if best == nil {
		logging.RegistryDebug("No routine covers targets=%v metrics=%v window=%s", d.Targets, d.Metrics, d.TimeWindow)
		return nil, ErrNoMatch
	}
	logging.RegistryDebug("Matched routine %s for hash %s", best.Name, d.Hash())
	return best, nil
}
