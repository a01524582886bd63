// Package coordinator drives request resolution end to end: analyze the
// request, consult the cache, find or synthesize a covering routine, execute
// it, format the answer, and account for failures.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"metricsmith/internal/cache"
	"metricsmith/internal/format"
	"metricsmith/internal/history"
	"metricsmith/internal/logging"
	"metricsmith/internal/query"
	"metricsmith/internal/registry"
	"metricsmith/internal/routine"
	"metricsmith/internal/synth"
)

// Generator synthesizes routine source for uncovered descriptors.
type Generator interface {
	Generate(ctx context.Context, d *query.Descriptor) (*synth.Generated, error)
}

// Deployer installs generated routines.
type Deployer interface {
	Deploy(gen *synth.Generated, d *query.Descriptor) (*routine.Routine, error)
}

// Executor runs a routine entry point under a timeout.
type Executor interface {
	Execute(ctx context.Context, fn routine.EntryFunc, targets []string, window string, filters map[string]string) (map[string]interface{}, error)
}

// Resolution is the outcome of one resolved request.
type Resolution struct {
	Response string          `json:"response"`
	Hash     string          `json:"hash"`
	Kind     query.Kind      `json:"kind"`
	Outcome  history.Outcome `json:"outcome"`
	Shared   bool            `json:"shared"` // Joined an in-flight resolution
}

// Coordinator is safe for concurrent use. Identical in-flight requests, by
// descriptor hash, collapse onto one resolution.
type Coordinator struct {
	registry     *registry.Registry
	cache        *cache.Cache
	generator    Generator
	deployer     Deployer
	executor     Executor
	budget       *retryBudget
	history      *history.Store // optional
	synthTimeout time.Duration
	flight       singleflight.Group
}

// Options configures a Coordinator.
type Options struct {
	Registry   *registry.Registry
	Cache      *cache.Cache
	Generator  Generator
	Deployer   Deployer
	Executor   Executor
	MaxRetries int
	History    *history.Store

	// SynthTimeout bounds one synthesis attempt, oracle call included.
	// Zero means no bound beyond the caller's context.
	SynthTimeout time.Duration
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		registry:     opts.Registry,
		cache:        opts.Cache,
		generator:    opts.Generator,
		deployer:     opts.Deployer,
		executor:     opts.Executor,
		budget:       newRetryBudget(opts.MaxRetries),
		history:      opts.History,
		synthTimeout: opts.SynthTimeout,
	}
}

// Resolve answers a natural-language analytics request.
func (c *Coordinator) Resolve(ctx context.Context, text string) (*Resolution, error) {
	d := query.Analyze(text)
	hash := d.Hash()

	logging.Resolve("Resolving %q as %s (hash %s)", text, d.Kind, hash)

	v, err, shared := c.flight.Do(hash, func() (interface{}, error) {
		return c.resolve(ctx, d, hash), nil
	})
	if err != nil {
		return nil, err
	}

	res := v.(*Resolution)
	if shared {
		copied := *res
		copied.Shared = true
		res = &copied
	}
	return res, nil
}

// resolve runs the state machine for one descriptor. It always produces a
// response; failures surface as fallback or error text, never as a Go error,
// so every caller collapsed onto this flight gets an answer.
func (c *Coordinator) resolve(ctx context.Context, d *query.Descriptor, hash string) *Resolution {
	start := time.Now()

	if response, ok := c.cache.Get(hash); ok {
		return c.finish(d, hash, start, &Resolution{
			Response: response, Hash: hash, Kind: d.Kind, Outcome: history.OutcomeCacheHit,
		}, "")
	}

	if c.budget.Exhausted(hash) {
		logging.Resolve("Retry budget exhausted for %s, answering with fallback", hash)
		return c.finish(d, hash, start, &Resolution{
			Response: format.Fallback(d), Hash: hash, Kind: d.Kind, Outcome: history.OutcomeFallback,
		}, "")
	}

	rt, err := c.registry.Find(d)
	outcome := history.OutcomeExecuted
	if err != nil {
		rt, err = c.provision(ctx, d)
		if err != nil {
			count := c.budget.Failure(hash)
			logging.Resolve("Provisioning failed for %s (failure %d): %v", hash, count, err)
			return c.finish(d, hash, start, &Resolution{
				Response: fmt.Sprintf("Error generating and deploying analytics: %v", err),
				Hash:     hash, Kind: d.Kind, Outcome: history.OutcomeError,
			}, "")
		}
		outcome = history.OutcomeSynthesized
	}

	raw, err := c.executor.Execute(ctx, rt.Fn, d.Targets, d.TimeWindow, d.Filters)
	if err != nil {
		count := c.budget.Failure(hash)
		logging.Resolve("Execution of %s failed for %s (failure %d): %v", rt.Name, hash, count, err)
		return c.finish(d, hash, start, &Resolution{
			Response: fmt.Sprintf("Error executing analytics: %v", err),
			Hash:     hash, Kind: d.Kind, Outcome: history.OutcomeError,
		}, rt.ID)
	}

	response := format.Response(routine.Classify(raw), d)
	// Attempts that led to this response: prior failures plus this pass
	// when it had to synthesize.
	attempts := c.budget.Count(hash)
	if outcome == history.OutcomeSynthesized {
		attempts++
	}
	c.budget.Success(hash)
	if cacheable(response) {
		c.cache.Put(hash, response, attempts)
	}

	return c.finish(d, hash, start, &Resolution{
		Response: response, Hash: hash, Kind: d.Kind, Outcome: outcome,
	}, rt.ID)
}

// provision synthesizes and deploys a routine for an uncovered descriptor.
// A hung oracle must not stall the resolution, so the configured synthesis
// timeout bounds the generate call.
func (c *Coordinator) provision(ctx context.Context, d *query.Descriptor) (*routine.Routine, error) {
	if c.synthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.synthTimeout)
		defer cancel()
	}

	gen, err := c.generator.Generate(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	rt, err := c.deployer.Deploy(gen, d)
	if err != nil {
		return nil, fmt.Errorf("deployment failed: %w", err)
	}
	return rt, nil
}

func (c *Coordinator) finish(d *query.Descriptor, hash string, start time.Time, res *Resolution, routineID string) *Resolution {
	if c.history != nil {
		err := c.history.Record(&history.Invocation{
			Hash:      hash,
			Request:   d.Raw,
			Kind:      string(d.Kind),
			RoutineID: routineID,
			Outcome:   res.Outcome,
			Duration:  time.Since(start),
		})
		if err != nil {
			logging.Resolve("Failed to record invocation: %v", err)
		}
	}
	return res
}

// cacheable reports whether a response may be stored. Error and fallback
// text never enters the cache; only real formatted results do.
func cacheable(response string) bool {
	return !strings.HasPrefix(response, "Error")
}
