package interp

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaegi "github.com/traefik/yaegi/interp"
)

func TestLoadAndExecute(t *testing.T) {
	src := `package routine

import "fmt"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"summary": fmt.Sprintf("%d targets over %s", len(targetKeys), timeWindow),
	}, nil
}
`
	e := NewExecutor(5*time.Second, nil)
	fn, err := e.Load(src)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), fn, []string{"ABC", "XYZ"}, "3s", nil)
	require.NoError(t, err)
	assert.Equal(t, "2 targets over 3s", result["summary"])
}

func TestLoadInjectedSymbols(t *testing.T) {
	calls := 0
	symbols := yaegi.Exports{
		"tracker/tracker": {
			"IssueCount": reflect.ValueOf(func(project string) int {
				calls++
				return 7
			}),
		},
	}

	src := `package routine

import "tracker"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{"issue_count": tracker.IssueCount(targetKeys[0])}, nil
}
`
	e := NewExecutor(5*time.Second, symbols)
	fn, err := e.Load(src)
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), fn, []string{"ABC"}, "30d", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, result["issue_count"])
	assert.Equal(t, 1, calls)
}

func TestLoadRejectsBadSource(t *testing.T) {
	e := NewExecutor(time.Second, nil)

	_, err := e.Load("package routine\n\nfunc Analyze( {")
	assert.Error(t, err)
}

func TestLoadRejectsMissingEntry(t *testing.T) {
	e := NewExecutor(time.Second, nil)

	_, err := e.Load("package routine\n\nfunc Other() {}\n")
	assert.Error(t, err)
}

func TestExecuteTimeout(t *testing.T) {
	src := `package routine

import "time"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	time.Sleep(10 * time.Second)
	return nil, nil
}
`
	e := NewExecutor(50*time.Millisecond, nil)
	fn, err := e.Load(src)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Execute(context.Background(), fn, nil, "", nil)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteRoutineError(t *testing.T) {
	src := `package routine

import "errors"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	return nil, errors.New("no data for window")
}
`
	e := NewExecutor(time.Second, nil)
	fn, err := e.Load(src)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), fn, nil, "30d", nil)
	assert.ErrorContains(t, err, "no data for window")
}

func TestExecuteCancelledContext(t *testing.T) {
	src := `package routine

import "time"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	time.Sleep(10 * time.Second)
	return nil, nil
}
`
	e := NewExecutor(time.Minute, nil)
	fn, err := e.Load(src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, fn, nil, "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
