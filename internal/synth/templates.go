package synth

import (
	"bytes"
	"fmt"
	"text/template"

	"metricsmith/internal/query"
)

// =============================================================================
// ROUTINE TEMPLATES
// =============================================================================

// Each request kind has a seed template. The template doubles as the prompt
// seed for the oracle and as the deployed source when no oracle is
// configured, so every template must pass validation on its own.

var routineTemplates = map[query.Kind]string{
	query.KindSprintMetrics: `package routine

import (
	"tracker"
)

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	byProject := map[string]interface{}{}
	for _, key := range targetKeys {
		rows, err := tracker.SprintMetrics(key, timeWindow)
		if err != nil {
			return nil, err
		}
		converted := make([]interface{}, 0, len(rows))
		for _, row := range rows {
			converted = append(converted, row)
		}
		byProject[key] = converted
	}
	return map[string]interface{}{"sprint_metrics": byProject}, nil
}
`,

	query.KindCompletionTime: `package routine

import (
	"fmt"
	"math"
	"sort"
	"tracker"
)

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	if len(targetKeys) == 0 {
		return nil, fmt.Errorf("no target projects")
	}
	project := targetKeys[0]

	issues, err := tracker.SearchIssues(project, timeWindow, filters)
	if err != nil {
		return nil, err
	}

	buckets := map[float64][]float64{}
	var totalDays float64
	var totalCount int
	var sumX, sumY, sumXY, sumXX, sumYY float64

	for _, issue := range issues {
		points, _ := issue["points"].(float64)
		days, ok := issue["resolution_days"].(float64)
		if !ok || points <= 0 {
			continue
		}
		buckets[points] = append(buckets[points], days)
		totalDays += days
		totalCount++
		sumX += points
		sumY += days
		sumXY += points * days
		sumXX += points * points
		sumYY += days * days
	}

	out := []interface{}{}
	for points, days := range buckets {
		sort.Float64s(days)
		var total float64
		for _, d := range days {
			total += d
		}
		median := days[len(days)/2]
		if len(days)%2 == 0 {
			median = (days[len(days)/2-1] + days[len(days)/2]) / 2
		}
		out = append(out, map[string]interface{}{
			"points":      points,
			"count":       len(days),
			"avg_days":    total / float64(len(days)),
			"median_days": median,
			"min_days":    days[0],
			"max_days":    days[len(days)-1],
		})
	}

	overall := 0.0
	if totalCount > 0 {
		overall = totalDays / float64(totalCount)
	}

	correlation := 0.0
	n := float64(totalCount)
	if n > 1 {
		denom := math.Sqrt(n*sumXX-sumX*sumX) * math.Sqrt(n*sumYY-sumY*sumY)
		if denom != 0 {
			correlation = (n*sumXY - sumX*sumY) / denom
		}
	}

	return map[string]interface{}{
		"completion_times": map[string]interface{}{
			"project":      project,
			"buckets":      out,
			"overall_days": overall,
			"correlation":  correlation,
		},
	}, nil
}
`,

	query.KindReleaseNotes: `package routine

import (
	"fmt"
	"tracker"
)

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	if len(targetKeys) == 0 {
		return nil, fmt.Errorf("no target projects")
	}
	project := targetKeys[0]

	issues, err := tracker.SearchIssues(project, timeWindow, filters)
	if err != nil {
		return nil, err
	}

	features := []interface{}{}
	fixes := []interface{}{}
	other := []interface{}{}

	for _, issue := range issues {
		status, _ := issue["status"].(string)
		if status != "Done" && status != "Closed" && status != "Resolved" {
			continue
		}
		line := fmt.Sprintf("%v: %v", issue["key"], issue["summary"])
		switch issue["issuetype"] {
		case "Story", "New Feature", "Improvement":
			features = append(features, line)
		case "Bug":
			fixes = append(fixes, line)
		default:
			other = append(other, line)
		}
	}

	return map[string]interface{}{
		"release_notes": map[string]interface{}{
			"project":  project,
			"features": features,
			"fixes":    fixes,
			"other":    other,
		},
	}, nil
}
`,

	query.KindTimeAnalysis: `package routine

import (
	"tracker"
)

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, key := range targetKeys {
		issues, err := tracker.SearchIssues(key, timeWindow, filters)
		if err != nil {
			return nil, err
		}
		var totalDays float64
		var resolved int
		for _, issue := range issues {
			if days, ok := issue["resolution_days"].(float64); ok {
				totalDays += days
				resolved++
			}
		}
		avg := 0.0
		if resolved > 0 {
			avg = totalDays / float64(resolved)
		}
		result[key] = map[string]interface{}{
			"issue_count":         len(issues),
			"resolved_count":      resolved,
			"avg_resolution_days": avg,
		}
	}
	return result, nil
}
`,

	query.KindGeneric: `package routine

import (
	"tracker"
)

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, key := range targetKeys {
		issues, err := tracker.SearchIssues(key, timeWindow, filters)
		if err != nil {
			return nil, err
		}
		byStatus := map[string]interface{}{}
		counts := map[string]int{}
		for _, issue := range issues {
			status, _ := issue["status"].(string)
			counts[status]++
		}
		for status, n := range counts {
			byStatus[status] = n
		}
		result[key] = map[string]interface{}{
			"issue_count": len(issues),
			"by_status":   byStatus,
		}
	}
	return result, nil
}
`,
}

// stubSource is deployed when the oracle cannot be reached or returns no
// usable code. Its Analyze never succeeds, so results are never cached and
// every failure charges the request's retry budget.
const stubSource = `package routine

import "errors"

func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error) {
	return nil, errors.New("code generation failed, fallback stub deployed")
}
`

// templateFor returns the seed template source for a request kind.
func templateFor(kind query.Kind) string {
	if tpl, ok := routineTemplates[kind]; ok {
		return tpl
	}
	return routineTemplates[query.KindGeneric]
}

// renderTemplate exists for templates that need descriptor substitution. The
// current seeds take everything through the entry parameters, so rendering
// is a parse-and-execute with no-op data, kept so future templates can
// interpolate capability constants.
func renderTemplate(src string, d *query.Descriptor) (string, error) {
	tpl, err := template.New("routine").Parse(src)
	if err != nil {
		return "", fmt.Errorf("failed to parse routine template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("failed to render routine template: %w", err)
	}
	return buf.String(), nil
}
