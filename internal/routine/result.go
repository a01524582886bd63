package routine

import (
	"sort"
)

// ResultKind tags the shape of an execution result.
type ResultKind string

const (
	ResultSprintMetrics   ResultKind = "sprint_metrics"
	ResultCompletionTimes ResultKind = "completion_times"
	ResultReleaseNotes    ResultKind = "release_notes"
	ResultGeneric         ResultKind = "generic"
)

// Result is the typed union of everything a routine execution can produce.
// Exactly one payload field is set, selected by Kind. Raw map sniffing
// happens once, in Classify, at the execution boundary; everything
// downstream switches on Kind.
type Result struct {
	Kind            ResultKind
	SprintMetrics   *SprintMetricsData
	CompletionTimes *CompletionTimesData
	ReleaseNotes    *ReleaseNotesData
	Generic         map[string]interface{}
}

// SprintStat holds one sprint's point accounting for a single project.
type SprintStat struct {
	Sprint    string
	State     string
	Committed float64
	Completed float64
	Velocity  float64
	Churn     float64
}

// ProjectSprints groups sprint stats under their project key.
type ProjectSprints struct {
	Project string
	Sprints []SprintStat
}

// SprintMetricsData is the payload for sprint-metrics results, ordered by
// project key for deterministic rendering.
type SprintMetricsData struct {
	Projects []ProjectSprints
}

// PointBucket aggregates completion time for issues of one story-point size.
type PointBucket struct {
	Points     float64
	Count      int
	AvgDays    float64
	MedianDays float64
	MinDays    float64
	MaxDays    float64
}

// CompletionTimesData is the payload for completion-time results.
type CompletionTimesData struct {
	Project     string
	Buckets     []PointBucket
	OverallDays float64
	Correlation float64
}

// ReleaseNotesData is the payload for release-notes results.
type ReleaseNotesData struct {
	Project  string
	Features []string
	Fixes    []string
	Other    []string
}

// Classify converts a routine's raw return map into a typed Result. Shape
// detection keys on the single top-level marker each synthesis template
// emits; anything unrecognized is carried through as a generic payload.
func Classify(raw map[string]interface{}) *Result {
	if v, ok := raw["sprint_metrics"]; ok {
		if data := decodeSprintMetrics(v); data != nil {
			return &Result{Kind: ResultSprintMetrics, SprintMetrics: data}
		}
	}
	if v, ok := raw["completion_times"]; ok {
		if data := decodeCompletionTimes(v); data != nil {
			return &Result{Kind: ResultCompletionTimes, CompletionTimes: data}
		}
	}
	if v, ok := raw["release_notes"]; ok {
		if data := decodeReleaseNotes(v); data != nil {
			return &Result{Kind: ResultReleaseNotes, ReleaseNotes: data}
		}
	}
	return &Result{Kind: ResultGeneric, Generic: raw}
}

func decodeSprintMetrics(v interface{}) *SprintMetricsData {
	byProject, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}

	data := &SprintMetricsData{}
	keys := make([]string, 0, len(byProject))
	for k := range byProject {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, project := range keys {
		rows, ok := byProject[project].([]interface{})
		if !ok {
			continue
		}
		ps := ProjectSprints{Project: project}
		for _, row := range rows {
			m, ok := row.(map[string]interface{})
			if !ok {
				continue
			}
			ps.Sprints = append(ps.Sprints, SprintStat{
				Sprint:    asString(m["sprint"]),
				State:     asString(m["state"]),
				Committed: asFloat(m["committed"]),
				Completed: asFloat(m["completed"]),
				Velocity:  asFloat(m["velocity"]),
				Churn:     asFloat(m["churn"]),
			})
		}
		data.Projects = append(data.Projects, ps)
	}
	if len(data.Projects) == 0 {
		return nil
	}
	return data
}

func decodeCompletionTimes(v interface{}) *CompletionTimesData {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}

	data := &CompletionTimesData{
		Project:     asString(m["project"]),
		OverallDays: asFloat(m["overall_days"]),
		Correlation: asFloat(m["correlation"]),
	}
	buckets, _ := m["buckets"].([]interface{})
	for _, b := range buckets {
		bm, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		data.Buckets = append(data.Buckets, PointBucket{
			Points:     asFloat(bm["points"]),
			Count:      int(asFloat(bm["count"])),
			AvgDays:    asFloat(bm["avg_days"]),
			MedianDays: asFloat(bm["median_days"]),
			MinDays:    asFloat(bm["min_days"]),
			MaxDays:    asFloat(bm["max_days"]),
		})
	}
	sort.Slice(data.Buckets, func(i, j int) bool { return data.Buckets[i].Points < data.Buckets[j].Points })
	return data
}

func decodeReleaseNotes(v interface{}) *ReleaseNotesData {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return &ReleaseNotesData{
		Project:  asString(m["project"]),
		Features: asStrings(m["features"]),
		Fixes:    asStrings(m["fixes"]),
		Other:    asStrings(m["other"]),
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
