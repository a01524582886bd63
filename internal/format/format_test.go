package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsmith/internal/query"
	"metricsmith/internal/routine"
)

func TestSprintMetricsTable(t *testing.T) {
	data := &routine.SprintMetricsData{
		Projects: []routine.ProjectSprints{{
			Project: "ABC",
			Sprints: []routine.SprintStat{
				{Sprint: "Sprint 12", State: "active", Committed: 30, Completed: 10, Velocity: 10, Churn: 20},
				{Sprint: "Sprint 11", State: "closed", Committed: 28, Completed: 25, Velocity: 25, Churn: 3},
				{Sprint: "Sprint 10", State: "closed", Committed: 20, Completed: 19, Velocity: 19, Churn: 1},
			},
		}},
	}

	got := SprintMetrics(data)
	lines := strings.Split(got, "\n")

	assert.Equal(t, "Below is the summary for the last 3 sprints for ABC:", lines[0])
	assert.Equal(t, "• Average Velocity across sprints: 22.00", lines[1], "average covers closed sprints only")
	assert.Equal(t, "Sprint Metrics Details:", lines[3])
	assert.Equal(t, "Sprint Name                       | Committed Points | Completed Points | Velocity | Churn", lines[5])
	assert.Equal(t, "Sprint 12                           | 30.0             | 10.0             | 10.0     | 20.0   ", lines[7])
	assert.Equal(t, "Let me know if you need any further details or analysis!", lines[len(lines)-1])
}

func TestSprintMetricsMultipleProjects(t *testing.T) {
	data := &routine.SprintMetricsData{
		Projects: []routine.ProjectSprints{
			{Project: "ABC", Sprints: []routine.SprintStat{{Sprint: "S1", Velocity: 5}}},
			{Project: "XYZ", Sprints: []routine.SprintStat{{Sprint: "S2", Velocity: 7}}},
		},
	}

	got := SprintMetrics(data)
	assert.Contains(t, got, "for ABC:")
	assert.Contains(t, got, "for XYZ:")
}

func TestCompletionTimesTable(t *testing.T) {
	data := &routine.CompletionTimesData{
		Project: "ABC",
		Buckets: []routine.PointBucket{
			{Points: 5, Count: 3, AvgDays: 8.1, MedianDays: 7.5, MinDays: 5.0, MaxDays: 12.3},
			{Points: 1, Count: 7, AvgDays: 1.5, MedianDays: 1.2, MinDays: 0.5, MaxDays: 3.1},
		},
	}

	got := CompletionTimes(data, "6m")
	lines := strings.Split(got, "\n")

	assert.Equal(t, "Below is the analysis of story point completion times for project ABC in the last 6 months:", lines[0])
	assert.Equal(t, "Story Points | Count | Avg Days | Median Days | Min Days | Max Days", lines[4])
	// Rows sorted ascending by points, values centered in their columns.
	assert.Equal(t, "     1       |   7   |   1.5    |     1.2     |   0.5    |   3.1   ", lines[6])
	assert.Equal(t, "     5       |   3   |   8.1    |     7.5     |   5.0    |   12.3  ", lines[7])

	assert.Contains(t, got, "• The most common story point value is 1 with 7 completed stories.")
	assert.Contains(t, got, "higher point stories take longer to complete.")
	assert.Equal(t, "Let me know if you need any further details or analysis!", lines[len(lines)-1])
}

func TestCompletionTimesInverseCorrelation(t *testing.T) {
	data := &routine.CompletionTimesData{
		Project: "ABC",
		Buckets: []routine.PointBucket{
			{Points: 1, Count: 2, AvgDays: 9},
			{Points: 8, Count: 2, AvgDays: 2},
		},
	}
	got := CompletionTimes(data, "30d")
	assert.Contains(t, got, "completing faster than lower point stories")
}

func TestReleaseNotes(t *testing.T) {
	data := &routine.ReleaseNotesData{
		Project:  "ABC",
		Features: []string{"ABC-1: New dashboard"},
		Fixes:    []string{"ABC-2: Fix login crash"},
	}

	got := ReleaseNotes(data)
	assert.Contains(t, got, "Release notes for ABC:")
	assert.Contains(t, got, "New Features:\n• ABC-1: New dashboard")
	assert.Contains(t, got, "Bug Fixes:\n• ABC-2: Fix login crash")
	assert.NotContains(t, got, "Other Changes:")
}

func TestReleaseNotesEmpty(t *testing.T) {
	got := ReleaseNotes(&routine.ReleaseNotesData{Project: "ABC"})
	assert.Contains(t, got, "No completed work found in this period.")
}

func TestGeneric(t *testing.T) {
	got := Generic(map[string]interface{}{"issue_count": 42})
	assert.Contains(t, got, `"issue_count": 42`)
}

func TestResponseDispatch(t *testing.T) {
	d := &query.Descriptor{TimeWindow: "30d"}

	res := &routine.Result{Kind: routine.ResultGeneric, Generic: map[string]interface{}{"x": 1}}
	assert.Contains(t, Response(res, d), `"x": 1`)

	res = &routine.Result{
		Kind:          routine.ResultSprintMetrics,
		SprintMetrics: &routine.SprintMetricsData{Projects: []routine.ProjectSprints{{Project: "ABC"}}},
	}
	assert.Contains(t, Response(res, d), "for ABC:")
}

func TestFallback(t *testing.T) {
	d := query.Analyze("velocity for XYZ last 3 sprints")
	got := Fallback(d)
	assert.Contains(t, got, "sprint metrics for XYZ")
	assert.NotContains(t, got, "Error", "fallback text must not look like an error response")

	generic := Fallback(&query.Descriptor{})
	assert.Contains(t, generic, "your request")
}

func TestDescribeWindow(t *testing.T) {
	tests := []struct {
		window string
		want   string
	}{
		{"3s", "3 sprints"},
		{"1w", "1 week"},
		{"30d", "30 days"},
		{"6m", "6 months"},
		{"", "3 months"},
		{"junk", "3 months"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeWindow(tt.window), tt.window)
	}
}

func TestCenter(t *testing.T) {
	assert.Equal(t, "  ab  ", center("ab", 6))
	assert.Equal(t, " ab  ", center("ab", 5))
	assert.Equal(t, "abcdef", center("abcdef", 4))
}

func TestSprintRowWidth(t *testing.T) {
	// Long sprint names keep the row readable without truncation.
	data := &routine.SprintMetricsData{
		Projects: []routine.ProjectSprints{{
			Project: "ABC",
			Sprints: []routine.SprintStat{{Sprint: "An Exceptionally Long Sprint Name Indeed", Committed: 1, Completed: 1, Velocity: 1}},
		}},
	}
	got := SprintMetrics(data)
	require.Contains(t, got, "An Exceptionally Long Sprint Name Indeed |")
}
