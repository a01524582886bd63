// Package routine defines the deployable analytics routine model: what a
// routine can answer (its capability), where its source lives, and the typed
// result shapes an execution can produce.
package routine

import (
	"fmt"
	"sort"
	"time"
)

// Status describes whether a routine is safe to execute.
type Status string

const (
	// StatusActive routines are loadable and executable.
	StatusActive Status = "active"
	// StatusUnavailable marks routines whose source failed to load or
	// validate after a restart. They stay registered for diagnostics but
	// are skipped by capability matching.
	StatusUnavailable Status = "unavailable"
)

// Capability declares the set of requests a routine can answer. A routine
// matches a request when its capability is a superset of the request's
// demands on every axis.
type Capability struct {
	Targets    []string          `json:"targets"`
	Metrics    []string          `json:"metrics"`
	TimeWindow string            `json:"time_window"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Covers reports whether the capability satisfies every demand of the given
// request axes. Empty request axes are satisfied by anything.
func (c Capability) Covers(targets, metrics []string, window string, filters map[string]string) bool {
	if !containsAll(c.Targets, targets) {
		return false
	}
	if !containsAll(c.Metrics, metrics) {
		return false
	}
	if window != "" && c.TimeWindow != "" && c.TimeWindow != window {
		return false
	}
	for k, v := range filters {
		if cv, ok := c.Filters[k]; !ok || cv != v {
			return false
		}
	}
	return true
}

// Specificity scores how much a capability promises, measured by the size
// of its metric set. A routine covering {A, B} beats one covering only {A}
// even for a request that needs just {A}.
func (c Capability) Specificity() int {
	return len(c.Metrics)
}

// Normalize sorts the capability's set axes so snapshots are deterministic.
func (c *Capability) Normalize() {
	sort.Strings(c.Targets)
	sort.Strings(c.Metrics)
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Routine is a deployed analytics routine: generated source on disk plus the
// metadata needed to match, load and execute it.
type Routine struct {
	ID         string     `json:"id"`          // Deployment UUID
	Name       string     `json:"name"`        // Human-readable, derived from capability
	Capability Capability `json:"capability"`  //
	SourcePath string     `json:"source_path"` // Absolute path to routine.go
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	Seq        int64      `json:"seq"` // Registration order, breaks specificity ties

	// Fn is the loaded entry point. Nil until the loader binds it; never
	// serialized.
	Fn EntryFunc `json:"-"`
}

// EntryFunc is the contract every generated routine must export as Analyze.
type EntryFunc func(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error)

// Active reports whether the routine can be matched and executed.
func (r *Routine) Active() bool {
	return r.Status == StatusActive && r.Fn != nil
}

func (r *Routine) String() string {
	return fmt.Sprintf("%s(%s targets=%v metrics=%v window=%s)",
		r.Name, r.Status, r.Capability.Targets, r.Capability.Metrics, r.Capability.TimeWindow)
}
