// Package format renders typed execution results as the plain-text answers
// users see. Table layouts are fixed; tests pin them.
package format

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"metricsmith/internal/query"
	"metricsmith/internal/routine"
)

const (
	separator   = "-----------------------------------------------------------"
	closingLine = "Let me know if you need any further details or analysis!"
)

// Response renders a typed result for a request.
func Response(res *routine.Result, d *query.Descriptor) string {
	switch res.Kind {
	case routine.ResultSprintMetrics:
		return SprintMetrics(res.SprintMetrics)
	case routine.ResultCompletionTimes:
		return CompletionTimes(res.CompletionTimes, d.TimeWindow)
	case routine.ResultReleaseNotes:
		return ReleaseNotes(res.ReleaseNotes)
	default:
		return Generic(res.Generic)
	}
}

// SprintMetrics renders the per-sprint point table, one block per project.
func SprintMetrics(data *routine.SprintMetricsData) string {
	var blocks []string
	for _, project := range data.Projects {
		var out []string
		out = append(out, fmt.Sprintf("Below is the summary for the last %d sprints for %s:", len(project.Sprints), project.Project))
		out = append(out, fmt.Sprintf("• Average Velocity across sprints: %.2f", averageVelocity(project.Sprints)))
		out = append(out, "")
		out = append(out, "Sprint Metrics Details:")
		out = append(out, separator)
		out = append(out, "Sprint Name                       | Committed Points | Completed Points | Velocity | Churn")
		out = append(out, separator)
		for _, s := range project.Sprints {
			out = append(out, fmt.Sprintf("%-35s | %-16.1f | %-16.1f | %-8.1f | %-5.1f  ",
				s.Sprint, s.Committed, s.Completed, s.Velocity, s.Churn))
		}
		out = append(out, separator)
		out = append(out, closingLine)
		blocks = append(blocks, strings.Join(out, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

// averageVelocity averages closed sprints when any exist, otherwise all.
func averageVelocity(sprints []routine.SprintStat) float64 {
	var sum float64
	var n int
	for _, s := range sprints {
		if s.State == "closed" {
			sum += s.Velocity
			n++
		}
	}
	if n == 0 {
		for _, s := range sprints {
			sum += s.Velocity
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CompletionTimes renders the story-point completion time table with its
// summary bullets.
func CompletionTimes(data *routine.CompletionTimesData, window string) string {
	var out []string
	out = append(out, fmt.Sprintf("Below is the analysis of story point completion times for project %s in the last %s:",
		data.Project, describeWindow(window)))
	out = append(out, "")
	out = append(out, "Story Point Completion Time Analysis:")
	out = append(out, separator)
	out = append(out, "Story Points | Count | Avg Days | Median Days | Min Days | Max Days")
	out = append(out, separator)

	buckets := make([]routine.PointBucket, len(data.Buckets))
	copy(buckets, data.Buckets)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Points < buckets[j].Points })

	for _, b := range buckets {
		out = append(out, fmt.Sprintf("%s | %s | %s | %s | %s | %s",
			center(formatPoints(b.Points), 12),
			center(strconv.Itoa(b.Count), 5),
			center(fmt.Sprintf("%.1f", b.AvgDays), 8),
			center(fmt.Sprintf("%.1f", b.MedianDays), 11),
			center(fmt.Sprintf("%.1f", b.MinDays), 8),
			center(fmt.Sprintf("%.1f", b.MaxDays), 8)))
	}
	out = append(out, separator)
	out = append(out, "")
	out = append(out, "Summary:")

	if b, ok := mostCommonBucket(buckets); ok {
		out = append(out, fmt.Sprintf("• The most common story point value is %s with %d completed stories.",
			formatPoints(b.Points), b.Count))
	}
	if len(buckets) >= 2 {
		first, last := buckets[0], buckets[len(buckets)-1]
		switch {
		case last.AvgDays > first.AvgDays:
			out = append(out, "• There appears to be a correlation between story point values and completion time - higher point stories take longer to complete.")
		case last.AvgDays < first.AvgDays:
			out = append(out, "• Interestingly, higher point stories are completing faster than lower point stories on average.")
		default:
			out = append(out, "• There doesn't appear to be a strong correlation between story point values and completion time.")
		}
	}

	out = append(out, "")
	out = append(out, closingLine)
	return strings.Join(out, "\n")
}

// ReleaseNotes renders release note sections, skipping empty ones.
func ReleaseNotes(data *routine.ReleaseNotesData) string {
	var out []string
	out = append(out, fmt.Sprintf("Release notes for %s:", data.Project))

	sections := []struct {
		title string
		items []string
	}{
		{"New Features", data.Features},
		{"Bug Fixes", data.Fixes},
		{"Other Changes", data.Other},
	}
	for _, section := range sections {
		if len(section.items) == 0 {
			continue
		}
		out = append(out, "")
		out = append(out, section.title+":")
		for _, item := range section.items {
			out = append(out, "• "+item)
		}
	}

	if len(data.Features)+len(data.Fixes)+len(data.Other) == 0 {
		out = append(out, "")
		out = append(out, "No completed work found in this period.")
	}

	out = append(out, "")
	out = append(out, closingLine)
	return strings.Join(out, "\n")
}

// Generic pretty-prints whatever the routine returned.
func Generic(result map[string]interface{}) string {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// Fallback is the canned response used when resolution cannot produce a
// real answer. Fallback text is never cached.
func Fallback(d *query.Descriptor) string {
	subject := "your request"
	if len(d.Targets) > 0 {
		subject = fmt.Sprintf("%s for %s", kindSubject(d.Kind), strings.Join(d.Targets, ", "))
	}
	return fmt.Sprintf("I wasn't able to compute %s right now. The data source may be unavailable or the request may need rephrasing. Please try again in a few minutes.", subject)
}

func kindSubject(kind query.Kind) string {
	switch kind {
	case query.KindSprintMetrics:
		return "sprint metrics"
	case query.KindCompletionTime:
		return "completion time analysis"
	case query.KindReleaseNotes:
		return "release notes"
	case query.KindTimeAnalysis:
		return "the time analysis"
	default:
		return "the analysis"
	}
}

// describeWindow expands a window token into words, e.g. "30d" becomes
// "30 days" and "3s" becomes "3 sprints".
func describeWindow(window string) string {
	if len(window) < 2 {
		return "3 months"
	}
	n, err := strconv.Atoi(window[:len(window)-1])
	if err != nil || n <= 0 {
		return "3 months"
	}

	units := map[string]string{"s": "sprint", "d": "day", "w": "week", "m": "month", "y": "year"}
	unit, ok := units[window[len(window)-1:]]
	if !ok {
		return "3 months"
	}
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// formatPoints prints whole point values without a decimal tail.
func formatPoints(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	right := width - len(s) - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}

func mostCommonBucket(buckets []routine.PointBucket) (routine.PointBucket, bool) {
	var best routine.PointBucket
	found := false
	for _, b := range buckets {
		if !found || b.Count > best.Count {
			best = b
			found = true
		}
	}
	return best, found && best.Count > 0
}
