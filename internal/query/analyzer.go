// Package query turns free-text analytics requests into structured, hashable
// descriptors. Analysis is deterministic: identical text always produces an
// identical descriptor, which in turn produces an identical cache key.
package query

import (
	"regexp"
	"sort"
	"strings"
)

// Kind is a coarse classification of an analytics request. It selects the
// synthesis template and the fallback response shape; it never participates
// in the descriptor hash.
type Kind string

const (
	KindSprintMetrics  Kind = "sprint-metrics"
	KindCompletionTime Kind = "completion-time"
	KindTimeAnalysis   Kind = "time-analysis"
	KindReleaseNotes   Kind = "release-notes"
	KindGeneric        Kind = "generic"
)

// Descriptor is the structured form of a natural-language analytics request.
// It is immutable after Analyze returns it.
type Descriptor struct {
	Raw        string            // Original request text
	Targets    []string          // Project keys, sorted and deduplicated
	Metrics    []string          // Requested metric names, sorted
	TimeWindow string            // Normalized window token, e.g. "5s", "30d"
	Filters    map[string]string // field -> value
	Kind       Kind              // Coarse request classification
}

// Metric names recognized by the analyzer.
const (
	MetricVelocity        = "velocity"
	MetricCommittedPoints = "committed_points"
	MetricCompletedPoints = "completed_points"
	MetricStoryPoints     = "story_points"
	MetricChurn           = "churn"
	MetricCycleTime       = "cycle_time"
)

// sprintFamily metrics default the time window to sprints rather than days.
var sprintFamily = map[string]bool{
	MetricVelocity:        true,
	MetricCommittedPoints: true,
	MetricCompletedPoints: true,
	MetricChurn:           true,
}

// Extraction patterns. Order matters for overlapping matches, but target and
// metric sets are deduplicated and sorted, so ordering never leaks into the
// descriptor.
var (
	connectorTargetPattern  = regexp.MustCompile(`(?:\bfor|\bin|\bby)\s+([A-Z][A-Z0-9]{1,9})\b`)
	possessiveTargetPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,9})'s\b`)
	standaloneTargetPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,9})\b`)

	sprintWindowPattern = regexp.MustCompile(`(?i)last\s+(\d+)\s+sprints?`)
	periodWindowPattern = regexp.MustCompile(`(?i)last\s+(\d+)\s+(day|week|month|year)s?`)
	bareWindowPattern   = regexp.MustCompile(`(?i)last\s+(sprint|day|week|month|year)\b`)

	statusFilterPattern = regexp.MustCompile(`(?i)status\s+(?:is|=)\s+["']?(\w+)["']?`)
	typeFilterPattern   = regexp.MustCompile(`(?i)type\s+(?:is|=)\s+["']?(\w+)["']?`)
)

// contextualFilters maps bare keywords to implied filters. Checked only when
// no explicit "field is value" pattern claimed the same field.
var contextualFilters = []struct {
	keyword string
	field   string
	value   string
}{
	{"blocked", "status", "Blocked"},
	{"in progress", "status", "In Progress"},
	{"done", "status", "Done"},
	{"bugs", "issuetype", "Bug"},
	{"epics", "issuetype", "Epic"},
}

// Analyze parses a natural-language request into a Descriptor. It is a pure
// function of its input and never fails: malformed or empty text degrades to
// an empty descriptor with default window and generic kind.
func Analyze(text string) *Descriptor {
	metrics := extractMetrics(text)

	d := &Descriptor{
		Raw:        text,
		Targets:    extractTargets(text),
		Metrics:    metrics,
		TimeWindow: extractTimeWindow(text, metrics),
		Filters:    extractFilters(text),
		Kind:       Classify(text),
	}
	return d
}

// extractTargets finds project keys in the request text.
func extractTargets(text string) []string {
	seen := make(map[string]bool)

	for _, m := range connectorTargetPattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	for _, m := range possessiveTargetPattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	for _, m := range standaloneTargetPattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}

	targets := make([]string, 0, len(seen))
	for t := range seen {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// extractMetrics finds requested metric names via keyword membership.
func extractMetrics(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)

	if strings.Contains(lower, "velocity") {
		seen[MetricVelocity] = true
	}
	if strings.Contains(lower, "points") {
		if strings.Contains(lower, "committed") {
			seen[MetricCommittedPoints] = true
		}
		if strings.Contains(lower, "completed") || strings.Contains(lower, "finished") {
			seen[MetricCompletedPoints] = true
		}
		if !seen[MetricCommittedPoints] && !seen[MetricCompletedPoints] {
			seen[MetricStoryPoints] = true
		}
	}
	if strings.Contains(lower, "churn") {
		seen[MetricChurn] = true
	}
	if strings.Contains(lower, "cycle time") {
		seen[MetricCycleTime] = true
	}

	metrics := make([]string, 0, len(seen))
	for m := range seen {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics
}

// extractTimeWindow normalizes the request's time period. "last 3 sprints"
// becomes "3s", "last 30 days" becomes "30d", a bare "last week" becomes
// "1w". Sprint-family metrics default to "5s", everything else to "30d".
func extractTimeWindow(text string, metrics []string) string {
	if m := sprintWindowPattern.FindStringSubmatch(text); m != nil {
		return m[1] + "s"
	}
	if m := periodWindowPattern.FindStringSubmatch(text); m != nil {
		return m[1] + strings.ToLower(m[2][:1])
	}
	if m := bareWindowPattern.FindStringSubmatch(text); m != nil {
		return "1" + strings.ToLower(m[1][:1])
	}

	for _, metric := range metrics {
		if sprintFamily[metric] {
			return "5s"
		}
	}
	return "30d"
}

// extractFilters finds explicit "field is/= value" filters plus contextual
// keyword filters.
func extractFilters(text string) map[string]string {
	filters := make(map[string]string)

	if m := statusFilterPattern.FindStringSubmatch(text); m != nil {
		filters["status"] = m[1]
	}
	if m := typeFilterPattern.FindStringSubmatch(text); m != nil {
		filters["issuetype"] = m[1]
	}

	lower := strings.ToLower(text)
	for _, cf := range contextualFilters {
		if _, claimed := filters[cf.field]; claimed {
			continue
		}
		if strings.Contains(lower, cf.keyword) {
			filters[cf.field] = cf.value
		}
	}

	return filters
}

// Classify tags the request with a coarse kind. This single classifier is
// shared by template selection and fallback generation so the three keyword
// passes of the original heuristics cannot drift apart.
func Classify(text string) Kind {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "release notes") || strings.Contains(lower, "changelog") {
		return KindReleaseNotes
	}

	completionKeywords := []string{"how long", "calendar days", "completion time", "time to complete"}
	if strings.Contains(lower, "story points") && containsAny(lower, completionKeywords) {
		return KindCompletionTime
	}

	sprintKeywords := []string{"story points", "points", "velocity", "churn", "sprint"}
	if containsAny(lower, sprintKeywords) {
		return KindSprintMetrics
	}

	timeKeywords := []string{"time", "duration", "days", "weeks", "months"}
	if containsAny(lower, timeKeywords) {
		return KindTimeAnalysis
	}

	return KindGeneric
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
