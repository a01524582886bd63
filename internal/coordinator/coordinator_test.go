package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"metricsmith/internal/cache"
	"metricsmith/internal/history"
	"metricsmith/internal/query"
	"metricsmith/internal/registry"
	"metricsmith/internal/routine"
	"metricsmith/internal/synth"
)

func TestMain(m *testing.M) {
	// The genai dependency chain starts an opencensus worker in init that
	// never exits; it is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// stubGenerator counts synthesis requests and hands back a canned source.
type stubGenerator struct {
	calls int32
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, d *query.Descriptor) (*synth.Generated, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.err != nil {
		return nil, g.err
	}
	return &synth.Generated{Source: "package routine", Name: "stub_" + d.TimeWindow, Kind: d.Kind}, nil
}

func (g *stubGenerator) Calls() int { return int(atomic.LoadInt32(&g.calls)) }

// stubDeployer registers a routine whose Fn returns the given payload.
type stubDeployer struct {
	registry *registry.Registry
	payload  map[string]interface{}
	nextID   int32
}

func (d *stubDeployer) Deploy(gen *synth.Generated, desc *query.Descriptor) (*routine.Routine, error) {
	id := atomic.AddInt32(&d.nextID, 1)
	payload := d.payload
	rt := &routine.Routine{
		ID:   fmt.Sprintf("rt-%d", id),
		Name: gen.Name,
		Capability: routine.Capability{
			Targets:    desc.Targets,
			Metrics:    desc.Metrics,
			TimeWindow: desc.TimeWindow,
			Filters:    desc.Filters,
		},
		Status: routine.StatusActive,
		Fn: func(targets []string, window string, filters map[string]string) (map[string]interface{}, error) {
			return payload, nil
		},
	}
	if err := d.registry.Register(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// stubExecutor calls the entry point directly, optionally failing or
// blocking first.
type stubExecutor struct {
	err   error
	block chan struct{}
	calls int32
}

func (e *stubExecutor) Execute(ctx context.Context, fn routine.EntryFunc, targets []string, window string, filters map[string]string) (map[string]interface{}, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return nil, e.err
	}
	return fn(targets, window, filters)
}

func sprintPayload() map[string]interface{} {
	return map[string]interface{}{
		"sprint_metrics": map[string]interface{}{
			"XYZ": []interface{}{
				map[string]interface{}{"sprint": "Sprint 1", "state": "closed", "committed": 30.0, "completed": 25.0, "velocity": 25.0, "churn": 5.0},
			},
		},
	}
}

type fixture struct {
	coord     *Coordinator
	generator *stubGenerator
	executor  *stubExecutor
	cache     *cache.Cache
	registry  *registry.Registry
}

func newFixture(t *testing.T, executor *stubExecutor) *fixture {
	t.Helper()
	reg := registry.New()
	gen := &stubGenerator{}
	c := cache.New(time.Hour, 10)
	coord := New(Options{
		Registry:   reg,
		Cache:      c,
		Generator:  gen,
		Deployer:   &stubDeployer{registry: reg, payload: sprintPayload()},
		Executor:   executor,
		MaxRetries: 3,
	})
	return &fixture{coord: coord, generator: gen, executor: executor, cache: c, registry: reg}
}

func TestResolveSynthesizesThenCaches(t *testing.T) {
	f := newFixture(t, &stubExecutor{})
	ctx := context.Background()

	first, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeSynthesized, first.Outcome)
	assert.Contains(t, first.Response, "for XYZ:")
	assert.Equal(t, 1, f.generator.Calls())

	// Same request again: answered from cache, synthesis untouched.
	second, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeCacheHit, second.Outcome)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, f.generator.Calls(), "cache hit must not re-synthesize")
}

func TestResolveReusesDeployedRoutine(t *testing.T) {
	f := newFixture(t, &stubExecutor{})
	ctx := context.Background()

	_, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	f.cache.Clear()

	res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeExecuted, res.Outcome, "registry match skips synthesis")
	assert.Equal(t, 1, f.generator.Calls())
}

func TestEquivalentWordingSharesCacheEntry(t *testing.T) {
	f := newFixture(t, &stubExecutor{})
	ctx := context.Background()

	first, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)

	second, err := f.coord.Resolve(ctx, "XYZ velocity last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, history.OutcomeCacheHit, second.Outcome)
}

func TestExecutionErrorNotCached(t *testing.T) {
	f := newFixture(t, &stubExecutor{err: errors.New("tracker unreachable")})
	ctx := context.Background()

	res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeError, res.Outcome)
	assert.Contains(t, res.Response, "Error executing analytics")
	assert.Equal(t, 0, f.cache.Len(), "error responses must never be cached")
}

func TestRetryBudgetExhaustionGoesStraightToFallback(t *testing.T) {
	f := newFixture(t, &stubExecutor{err: errors.New("tracker unreachable")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
		require.NoError(t, err)
		assert.Equal(t, history.OutcomeError, res.Outcome, "attempt %d", i+1)
	}
	executionsSoFar := int(atomic.LoadInt32(&f.executor.calls))

	res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeFallback, res.Outcome)
	assert.Contains(t, res.Response, "sprint metrics for XYZ")
	assert.Equal(t, executionsSoFar, int(atomic.LoadInt32(&f.executor.calls)),
		"exhausted budget must skip the pipeline entirely")
	assert.Equal(t, 0, f.cache.Len(), "fallback responses must never be cached")
}

func TestBudgetClearsOnSuccess(t *testing.T) {
	executor := &stubExecutor{err: errors.New("flaky")}
	f := newFixture(t, executor)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
		require.NoError(t, err)
	}

	// Third attempt succeeds; the budget resets.
	executor.err = nil
	res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	assert.NotEqual(t, history.OutcomeError, res.Outcome)

	f.cache.Clear()
	executor.err = errors.New("flaky again")
	for i := 0; i < 3; i++ {
		res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
		require.NoError(t, err)
		assert.Equal(t, history.OutcomeError, res.Outcome, "budget should have been reset")
	}
}

func TestSynthesisFailureCountsAgainstBudget(t *testing.T) {
	reg := registry.New()
	gen := &stubGenerator{err: errors.New("oracle down")}
	coord := New(Options{
		Registry:   reg,
		Cache:      cache.New(time.Hour, 10),
		Generator:  gen,
		Deployer:   &stubDeployer{registry: reg},
		Executor:   &stubExecutor{},
		MaxRetries: 1,
	})

	res, err := coord.Resolve(context.Background(), "velocity for XYZ")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeError, res.Outcome)
	assert.Contains(t, res.Response, "Error generating and deploying analytics")

	res, err = coord.Resolve(context.Background(), "velocity for XYZ")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeFallback, res.Outcome)
	assert.Equal(t, 1, gen.Calls())
}

// hangingGenerator blocks until its context is cancelled.
type hangingGenerator struct{}

func (hangingGenerator) Generate(ctx context.Context, d *query.Descriptor) (*synth.Generated, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSynthTimeoutBoundsHungOracle(t *testing.T) {
	reg := registry.New()
	coord := New(Options{
		Registry:     reg,
		Cache:        cache.New(time.Hour, 10),
		Generator:    hangingGenerator{},
		Deployer:     &stubDeployer{registry: reg},
		Executor:     &stubExecutor{},
		MaxRetries:   3,
		SynthTimeout: 50 * time.Millisecond,
	})

	start := time.Now()
	res, err := coord.Resolve(context.Background(), "velocity for XYZ")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeError, res.Outcome)
	assert.Contains(t, res.Response, "Error generating and deploying analytics")
	assert.Less(t, time.Since(start), 5*time.Second, "a hung oracle must answer within the synthesis timeout")
}

func TestConcurrentIdenticalRequestsCollapse(t *testing.T) {
	executor := &stubExecutor{block: make(chan struct{})}
	f := newFixture(t, executor)
	ctx := context.Background()

	const n = 8
	results := make([]*Resolution, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Resolve(ctx, "velocity for XYZ last 3 sprints")
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	// Let every goroutine pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(executor.block)
	wg.Wait()

	assert.Equal(t, 1, f.generator.Calls(), "identical in-flight requests must synthesize once")
	assert.EqualValues(t, 1, atomic.LoadInt32(&executor.calls))

	shared := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Shared {
			shared++
		}
	}
	assert.GreaterOrEqual(t, shared, 1, "joiners should be marked as shared")
}

func TestHistoryRecording(t *testing.T) {
	store, err := history.Open(t.TempDir() + "/history.db")
	require.NoError(t, err)
	defer store.Close()

	reg := registry.New()
	coord := New(Options{
		Registry:   reg,
		Cache:      cache.New(time.Hour, 10),
		Generator:  &stubGenerator{},
		Deployer:   &stubDeployer{registry: reg, payload: sprintPayload()},
		Executor:   &stubExecutor{},
		MaxRetries: 3,
		History:    store,
	})

	_, err = coord.Resolve(context.Background(), "velocity for XYZ last 3 sprints")
	require.NoError(t, err)
	_, err = coord.Resolve(context.Background(), "velocity for XYZ last 3 sprints")
	require.NoError(t, err)

	counts, err := store.CountByOutcome()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[history.OutcomeSynthesized])
	assert.Equal(t, 1, counts[history.OutcomeCacheHit])
}
