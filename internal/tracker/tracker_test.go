package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsmith/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.TrackerConfig{
		BaseURL:          server.URL,
		Email:            "bot@example.com",
		APIToken:         "token",
		StoryPointsField: "customfield_10016",
		Timeout:          "5s",
	})
}

func issueJSON(key string, points float64, categoryKey string) map[string]interface{} {
	return map[string]interface{}{
		"key": key,
		"fields": map[string]interface{}{
			"summary":           "work on " + key,
			"issuetype":         map[string]interface{}{"name": "Story"},
			"customfield_10016": points,
			"status": map[string]interface{}{
				"name":           "whatever",
				"statusCategory": map[string]interface{}{"key": categoryKey},
			},
		},
	}
}

func TestCalculateSprintMetrics(t *testing.T) {
	issues := []Issue{
		{Key: "ABC-1", Points: 5, StatusCategory: "done"},
		{Key: "ABC-2", Points: 3, StatusCategory: "done"},
		{Key: "ABC-3", Points: 8, StatusCategory: "indeterminate"},
		{Key: "ABC-4", Points: 0, StatusCategory: "new"},
	}

	m := calculateSprintMetrics(issues)
	assert.Equal(t, 4, m.TotalIssues)
	assert.Equal(t, 16.0, m.CommittedPoints)
	assert.Equal(t, 2, m.CompletedIssues)
	assert.Equal(t, 8.0, m.CompletedPoints)
	assert.Equal(t, 8.0, m.Velocity, "velocity equals completed points")
	assert.Equal(t, 8.0, m.Churn)
	assert.Equal(t, 50.0, m.ChurnRate)
}

func TestCalculateSprintMetricsEmpty(t *testing.T) {
	m := calculateSprintMetrics(nil)
	assert.Equal(t, 0.0, m.Velocity)
	assert.Equal(t, 0.0, m.ChurnRate, "zero committed points must not divide by zero")
}

func TestBoardForProject(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/agile/1.0/board", r.URL.Path)
		assert.Equal(t, "ABC", r.URL.Query().Get("projectKeyOrId"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"values": []map[string]interface{}{{"id": 7, "name": "ABC board"}},
		})
	}))

	board, err := c.BoardForProject(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, 7, board.ID)
}

func TestBoardForProjectMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"values": []interface{}{}})
	}))

	_, err := c.BoardForProject(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNoBoard)
}

func TestSprintsPagination(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		var values []map[string]interface{}
		isLast := false
		switch startAt {
		case 0:
			for i := 0; i < 50; i++ {
				values = append(values, map[string]interface{}{
					"id": i, "name": fmt.Sprintf("Sprint %d", i), "state": "closed",
					"startDate": "2026-01-01T09:00:00.000-0700",
					"endDate":   "2026-01-14T17:00:00.000-0700",
				})
			}
		case 50:
			values = []map[string]interface{}{{"id": 50, "name": "Sprint 50", "state": "closed"}}
			isLast = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"values": values, "isLast": isLast})
	}))

	sprints, err := c.Sprints(context.Background(), 7, "closed")
	require.NoError(t, err)
	assert.Len(t, sprints, 51)
	assert.Equal(t, "Sprint 50", sprints[50].Name)
	assert.False(t, sprints[0].StartDate.IsZero(), "tracker timestamps should parse")
}

func TestSearchPaginationAndDecoding(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		var issues []map[string]interface{}
		if startAt == 0 {
			for i := 0; i < 50; i++ {
				issues = append(issues, issueJSON(fmt.Sprintf("ABC-%d", i), 3, "done"))
			}
		} else {
			issue := issueJSON("ABC-50", 5, "done")
			fields := issue["fields"].(map[string]interface{})
			fields["created"] = "2026-02-01T09:00:00.000-0700"
			fields["resolutiondate"] = "2026-02-04T09:00:00.000-0700"
			issues = []map[string]interface{}{issue}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"issues": issues, "total": 51})
	}))

	issues, err := c.Search(context.Background(), "project = ABC")
	require.NoError(t, err)
	require.Len(t, issues, 51)

	last := issues[50]
	assert.Equal(t, "ABC-50", last.Key)
	assert.Equal(t, 5.0, last.Points)
	assert.Equal(t, "Story", last.Type)
	assert.InDelta(t, 3.0, last.ResolutionDays(), 0.01)
}

func TestChangelogPagination(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/ABC-1/changelog", r.URL.Path)
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		var values []map[string]interface{}
		isLast := false
		switch startAt {
		case 0:
			for i := 0; i < 50; i++ {
				values = append(values, map[string]interface{}{
					"created": "2026-03-01T09:00:00.000-0700",
					"items": []map[string]interface{}{
						{"field": "status", "fromString": "To Do", "toString": "In Progress"},
					},
				})
			}
		case 50:
			values = []map[string]interface{}{{
				"created": "2026-03-05T09:00:00.000-0700",
				"items": []map[string]interface{}{
					{"field": "status", "fromString": "In Progress", "toString": "Done"},
					{"field": "assignee", "fromString": "alice", "toString": "bob"},
				},
			}}
			isLast = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"values": values, "isLast": isLast})
	}))

	events, err := c.Changelog(context.Background(), "ABC-1")
	require.NoError(t, err)
	require.Len(t, events, 52)

	last := events[51]
	assert.Equal(t, "assignee", last.Field)
	assert.Equal(t, "alice", last.From)
	assert.Equal(t, "bob", last.To)
	assert.False(t, last.At.IsZero(), "changelog timestamps should parse")
}

func TestSymbolIssueChangelog(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"values": []map[string]interface{}{{
				"created": "2026-03-05T09:00:00.000-0700",
				"items": []map[string]interface{}{
					{"field": "status", "fromString": "To Do", "toString": "Done"},
				},
			}},
			"isLast": true,
		})
	}))

	rows, err := c.symbolIssueChangelog("ABC-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "status", rows[0]["field"])
	assert.Equal(t, "Done", rows[0]["to"])
	assert.Contains(t, rows[0]["at"], "2026-03-05")
}

func TestGetErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))

	_, err := c.Search(context.Background(), "project = ABC")
	assert.ErrorContains(t, err, "429")
}

func metricsHandler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/agile/1.0/board", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"values": []map[string]interface{}{{"id": 1, "name": "board"}},
		})
	})
	mux.HandleFunc("/rest/agile/1.0/board/1/sprint", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("state") {
		case "active":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"values": []map[string]interface{}{
					{"id": 3, "name": "Sprint 3", "state": "active", "startDate": "2026-08-20T09:00:00.000-0700"},
				},
				"isLast": true,
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"values": []map[string]interface{}{
					{"id": 1, "name": "Sprint 1", "state": "closed", "endDate": "2026-07-15T17:00:00.000-0700"},
					{"id": 2, "name": "Sprint 2", "state": "closed", "endDate": "2026-08-01T17:00:00.000-0700"},
				},
				"isLast": true,
			})
		}
	})
	for id, pts := range map[int][]float64{1: {5, 3}, 2: {8}, 3: {2}} {
		path := fmt.Sprintf("/rest/agile/1.0/board/1/sprint/%d/issue", id)
		points := pts
		sprintID := id
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			var issues []map[string]interface{}
			for i, p := range points {
				category := "done"
				if sprintID == 3 {
					category = "indeterminate"
				}
				issues = append(issues, issueJSON(fmt.Sprintf("S%d-%d", sprintID, i), p, category))
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"issues": issues, "total": len(issues)})
		})
	}
	return mux
}

func TestMetrics(t *testing.T) {
	c := newTestClient(t, metricsHandler(t))

	report, err := c.Metrics(context.Background(), "ABC", 3)
	require.NoError(t, err)
	require.Len(t, report.Sprints, 3)

	// Active sprint first, then closed sprints most recent first.
	assert.Equal(t, "Sprint 3", report.Sprints[0].SprintName)
	assert.Equal(t, "Sprint 2", report.Sprints[1].SprintName)
	assert.Equal(t, "Sprint 1", report.Sprints[2].SprintName)

	assert.Equal(t, 8.0, report.Sprints[1].Velocity)
	assert.Equal(t, 8.0, report.Sprints[2].Velocity)
	assert.Equal(t, 0.0, report.Sprints[0].Velocity, "active sprint has nothing done yet")

	// Average over closed sprints only.
	assert.Equal(t, 8.0, report.AverageVelocity)
}

func TestMetricsForProjects(t *testing.T) {
	c := newTestClient(t, metricsHandler(t))

	reports, err := c.MetricsForProjects(context.Background(), []string{"ABC", "XYZ"}, 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.NotNil(t, reports["ABC"])
	assert.NotNil(t, reports["XYZ"])
}

func TestSymbolSprintMetrics(t *testing.T) {
	c := newTestClient(t, metricsHandler(t))

	rows, err := c.symbolSprintMetrics("ABC", "3s")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Sprint 3", rows[0]["sprint"])
	assert.Equal(t, 8.0, rows[1]["velocity"])
	assert.Equal(t, 0.0, rows[1]["churn"])
}

func TestBuildJQL(t *testing.T) {
	jql := buildJQL("ABC", "30d", map[string]string{"status": "Done", "issuetype": "Bug"})
	assert.Equal(t, `project = ABC AND created >= -30d AND status = "Done" AND issuetype = "Bug" ORDER BY created DESC`, jql)

	assert.Equal(t, "project = ABC ORDER BY created DESC", buildJQL("ABC", "", nil))
}

func TestWindowToJQLPeriod(t *testing.T) {
	tests := []struct {
		window string
		want   string
	}{
		{"30d", "-30d"},
		{"2w", "-2w"},
		{"6m", "-180d"},
		{"1y", "-365d"},
		{"3s", "-42d"},
		{"", ""},
		{"bogus", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, windowToJQLPeriod(tt.window), tt.window)
	}
}

func TestSymbolsExportSurface(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	exports := c.Symbols()
	pkg, ok := exports["tracker/tracker"]
	require.True(t, ok)
	assert.Contains(t, pkg, "SprintMetrics")
	assert.Contains(t, pkg, "SearchIssues")
	assert.Contains(t, pkg, "IssueChangelog")
}
