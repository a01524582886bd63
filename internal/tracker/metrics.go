package tracker

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"metricsmith/internal/logging"
)

// SprintMetrics is the point arithmetic for one sprint.
//
// Committed counts every issue in the sprint; completed counts only issues
// whose status category is done. Velocity equals completed points, churn is
// the committed-minus-completed gap.
type SprintMetrics struct {
	SprintID        int     `json:"sprint_id"`
	SprintName      string  `json:"sprint_name"`
	State           string  `json:"state"`
	TotalIssues     int     `json:"total_committed_issues"`
	CommittedPoints float64 `json:"committed_points"`
	CompletedIssues int     `json:"completed_issues"`
	CompletedPoints float64 `json:"completed_points"`
	Velocity        float64 `json:"velocity"`
	Churn           float64 `json:"churn"`
	ChurnRate       float64 `json:"churn_rate_percentage"`
}

// ProjectMetrics holds the last-n-sprints report for one project.
type ProjectMetrics struct {
	Project         string          `json:"project"`
	Board           Board           `json:"board"`
	Sprints         []SprintMetrics `json:"sprints"`
	AverageVelocity float64         `json:"average_velocity"`
}

// calculateSprintMetrics folds a sprint's issues into its point totals.
func calculateSprintMetrics(issues []Issue) SprintMetrics {
	var m SprintMetrics
	for _, issue := range issues {
		m.TotalIssues++
		m.CommittedPoints += issue.Points
		if issue.Done() {
			m.CompletedIssues++
			m.CompletedPoints += issue.Points
		}
	}
	m.Velocity = m.CompletedPoints
	m.Churn = m.CommittedPoints - m.CompletedPoints
	if m.CommittedPoints > 0 {
		m.ChurnRate = m.Churn / m.CommittedPoints * 100
	}
	return m
}

// Metrics returns sprint metrics for a project's last numSprints sprints.
// "Last" means the active sprint, if any, followed by closed sprints from
// most recently ended backwards. Average velocity covers closed sprints
// only, since an active sprint's completed points are still moving.
func (c *Client) Metrics(ctx context.Context, projectKey string, numSprints int) (*ProjectMetrics, error) {
	board, err := c.BoardForProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	active, err := c.Sprints(ctx, board.ID, "active")
	if err != nil {
		logging.Tracker("Failed to fetch active sprints for %s: %v", projectKey, err)
		active = nil
	}

	closed, err := c.Sprints(ctx, board.ID, "closed")
	if err != nil {
		return nil, err
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].EndDate.After(closed[j].EndDate) })

	var selected []Sprint
	if len(active) > 0 {
		selected = append(selected, active[0])
	}
	selected = append(selected, closed...)
	if len(selected) > numSprints {
		selected = selected[:numSprints]
	}

	report := &ProjectMetrics{Project: projectKey, Board: *board}
	var closedVelocities []float64
	for _, sprint := range selected {
		issues, err := c.SprintIssues(ctx, board.ID, sprint.ID)
		if err != nil {
			return nil, err
		}
		m := calculateSprintMetrics(issues)
		m.SprintID = sprint.ID
		m.SprintName = sprint.Name
		m.State = sprint.State
		report.Sprints = append(report.Sprints, m)

		if sprint.State == "closed" {
			closedVelocities = append(closedVelocities, m.Velocity)
		}
	}

	if len(closedVelocities) > 0 {
		var sum float64
		for _, v := range closedVelocities {
			sum += v
		}
		report.AverageVelocity = sum / float64(len(closedVelocities))
	}

	logging.Tracker("Computed metrics for %s over %d sprints", projectKey, len(report.Sprints))
	return report, nil
}

// MetricsForProjects fetches sprint metrics for several projects
// concurrently. One project failing fails the whole call.
func (c *Client) MetricsForProjects(ctx context.Context, projectKeys []string, numSprints int) (map[string]*ProjectMetrics, error) {
	results := make([]*ProjectMetrics, len(projectKeys))

	g, ctx := errgroup.WithContext(ctx)
	for i, key := range projectKeys {
		g.Go(func() error {
			report, err := c.Metrics(ctx, key, numSprints)
			if err != nil {
				return err
			}
			results[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*ProjectMetrics, len(projectKeys))
	for i, key := range projectKeys {
		out[key] = results[i]
	}
	return out, nil
}
