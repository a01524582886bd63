package tracker

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	yaegi "github.com/traefik/yaegi/interp"
)

// daysPerSprint approximates a sprint when a sprint window has to be turned
// into a calendar range for JQL.
const daysPerSprint = 14

// Symbols exposes the tracker to interpreted routines as an importable
// "tracker" package. Results cross the interpreter boundary as plain maps so
// routine source never depends on this package's types.
func (c *Client) Symbols() yaegi.Exports {
	return yaegi.Exports{
		"tracker/tracker": {
			"SprintMetrics":  reflect.ValueOf(c.symbolSprintMetrics),
			"SearchIssues":   reflect.ValueOf(c.symbolSearchIssues),
			"IssueChangelog": reflect.ValueOf(c.symbolIssueChangelog),
		},
	}
}

// symbolSprintMetrics returns per-sprint metric rows for a project. The
// window selects how many sprints; non-sprint windows fall back to the
// default of five.
func (c *Client) symbolSprintMetrics(project, window string) ([]map[string]interface{}, error) {
	numSprints := 5
	if n, unit := parseWindow(window); unit == "s" && n > 0 {
		numSprints = n
	}

	report, err := c.Metrics(context.Background(), project, numSprints)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]interface{}, 0, len(report.Sprints))
	for _, m := range report.Sprints {
		rows = append(rows, map[string]interface{}{
			"sprint":    m.SprintName,
			"state":     m.State,
			"committed": m.CommittedPoints,
			"completed": m.CompletedPoints,
			"velocity":  m.Velocity,
			"churn":     m.Churn,
		})
	}
	return rows, nil
}

// symbolSearchIssues runs a JQL search scoped to a project, window and
// filters, returning issue rows.
func (c *Client) symbolSearchIssues(project, window string, filters map[string]string) ([]map[string]interface{}, error) {
	issues, err := c.Search(context.Background(), buildJQL(project, window, filters))
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]interface{}, 0, len(issues))
	for _, issue := range issues {
		row := map[string]interface{}{
			"key":       issue.Key,
			"summary":   issue.Summary,
			"issuetype": issue.Type,
			"status":    issue.Status,
			"points":    issue.Points,
		}
		if days := issue.ResolutionDays(); days > 0 {
			row["resolution_days"] = days
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// symbolIssueChangelog returns an issue's field transitions as rows, oldest
// first. Timestamps cross the boundary as RFC 3339 strings.
func (c *Client) symbolIssueChangelog(issueKey string) ([]map[string]interface{}, error) {
	events, err := c.Changelog(context.Background(), issueKey)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, map[string]interface{}{
			"field": ev.Field,
			"from":  ev.From,
			"to":    ev.To,
			"at":    ev.At.Format(time.RFC3339),
		})
	}
	return rows, nil
}

// buildJQL composes the search query from descriptor axes.
func buildJQL(project, window string, filters map[string]string) string {
	clauses := []string{fmt.Sprintf("project = %s", project)}
	if period := windowToJQLPeriod(window); period != "" {
		clauses = append(clauses, fmt.Sprintf("created >= %s", period))
	}
	for _, field := range []string{"status", "issuetype"} {
		if v, ok := filters[field]; ok {
			clauses = append(clauses, fmt.Sprintf("%s = %q", field, v))
		}
	}
	return strings.Join(clauses, " AND ") + " ORDER BY created DESC"
}

// parseWindow splits a normalized window token like "3s" or "30d" into its
// count and unit. Malformed tokens return a zero count.
func parseWindow(window string) (int, string) {
	if len(window) < 2 {
		return 0, ""
	}
	n, err := strconv.Atoi(window[:len(window)-1])
	if err != nil {
		return 0, ""
	}
	return n, window[len(window)-1:]
}

// windowToJQLPeriod converts a window token into a JQL relative period. JQL
// has no month or year units (m means minutes), so those are converted to
// days. Sprint windows are approximated by calendar length.
func windowToJQLPeriod(window string) string {
	n, unit := parseWindow(window)
	if n <= 0 {
		return ""
	}
	switch unit {
	case "d":
		return fmt.Sprintf("-%dd", n)
	case "w":
		return fmt.Sprintf("-%dw", n)
	case "m":
		return fmt.Sprintf("-%dd", n*30)
	case "y":
		return fmt.Sprintf("-%dd", n*365)
	case "s":
		return fmt.Sprintf("-%dd", n*daysPerSprint)
	}
	return ""
}
