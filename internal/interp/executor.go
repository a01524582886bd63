// Package interp loads and executes synthesized routine source inside an
// embedded Go interpreter. Each routine gets its own interpreter instance,
// seeded with the standard library symbols plus the injected tracker
// bindings, so routines cannot observe each other's state.
package interp

import (
	"context"
	"errors"
	"fmt"
	"time"

	yaegi "github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"metricsmith/internal/logging"
	"metricsmith/internal/routine"
	"metricsmith/internal/validate"
)

// Executor errors.
var (
	ErrExecutionTimeout = errors.New("routine execution timed out")
	ErrEntryNotFunc     = errors.New("entry symbol is not a function of the expected type")
)

// Executor loads routine source into fresh interpreter instances and runs
// the resulting entry points under a timeout.
type Executor struct {
	timeout time.Duration
	symbols yaegi.Exports
}

// NewExecutor creates an executor. The symbols map is merged into every
// interpreter it creates; pass the tracker bindings here so routine source
// can `import "tracker"` without touching the network packages directly.
func NewExecutor(timeout time.Duration, symbols yaegi.Exports) *Executor {
	return &Executor{timeout: timeout, symbols: symbols}
}

// entrySelector is the interpreter expression that resolves the entry point.
const entrySelector = validate.PackageName + "." + validate.EntryName

// Load compiles routine source in a fresh interpreter and binds its entry
// point. The returned function is safe to call repeatedly; each call runs in
// the same interpreter instance.
func (e *Executor) Load(src string) (routine.EntryFunc, error) {
	i := yaegi.New(yaegi.Options{})

	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if len(e.symbols) > 0 {
		if err := i.Use(e.symbols); err != nil {
			return nil, fmt.Errorf("failed to load tracker symbols: %w", err)
		}
	}

	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("failed to evaluate routine source: %w", err)
	}

	v, err := i.Eval(entrySelector)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", entrySelector, err)
	}

	fn, ok := v.Interface().(func([]string, string, map[string]string) (map[string]interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrEntryNotFunc, v.Interface())
	}
	return routine.EntryFunc(fn), nil
}

// Execute runs a loaded entry point with the executor's timeout layered on
// top of the caller's context. The interpreter goroutine cannot be killed
// mid-evaluation; on timeout it is abandoned and its eventual result
// discarded.
func (e *Executor) Execute(ctx context.Context, fn routine.EntryFunc, targets []string, window string, filters map[string]string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	timer := logging.StartTimer(logging.CategoryExec, "routine execution")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("routine panicked: %v", r)}
			}
		}()
		result, err := fn(targets, window, filters)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		timer.Stop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logging.Exec("Execution timed out after %s", e.timeout)
			return nil, ErrExecutionTimeout
		}
		return nil, ctx.Err()
	case out := <-done:
		timer.Stop()
		if out.err != nil {
			logging.Exec("Execution failed: %v", out.err)
			return nil, out.err
		}
		return out.result, nil
	}
}
