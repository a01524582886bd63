// Package synth generates routine source code for request descriptors that
// no deployed routine covers. Generation asks the oracle for code seeded
// with a kind-specific template. An unreachable oracle yields a stub whose
// Analyze only reports the failure; oracle code that fails validation is a
// synthesis error so the caller's retry budget sees it.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"metricsmith/internal/llm"
	"metricsmith/internal/logging"
	"metricsmith/internal/query"
	"metricsmith/internal/validate"
)

const systemPrompt = `You are a code generator for an agile analytics service.
You write single-file Go source for the embedded interpreter that runs it.

Hard requirements:
- Package must be "routine".
- Export exactly this entry point:
  func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error)
- Import only from: fmt, strings, strconv, sort, math, time, errors, regexp, unicode, encoding/json, tracker.
- The "tracker" package provides:
  tracker.SprintMetrics(project string, window string) ([]map[string]interface{}, error)
    rows carry: sprint, state, committed, completed, velocity, churn
  tracker.SearchIssues(project string, window string, filters map[string]string) ([]map[string]interface{}, error)
    issues carry: key, summary, issuetype, status, points, resolution_days
  tracker.IssueChangelog(issueKey string) ([]map[string]interface{}, error)
    transitions carry: field, from, to, at
- Return errors, never panic and never call os.Exit.
- Keep the result shape of the seed code unless the request demands otherwise.

Respond with a single Go code block.`

// Generated is the product of one synthesis attempt.
type Generated struct {
	Source     string           // Validated routine source
	Name       string           // Suggested routine name
	Kind       query.Kind       //
	FromOracle bool             // False for the seed template and the failure stub
	Validation *validate.Result //
}

// Generator synthesizes routine source through the oracle.
type Generator struct {
	oracle llm.Client
}

// NewGenerator creates a generator backed by the given oracle. A nil oracle
// is allowed; generation then deploys the seed templates directly.
func NewGenerator(oracle llm.Client) *Generator {
	return &Generator{oracle: oracle}
}

// Generate produces validated routine source for the descriptor. The oracle
// gets one attempt. An oracle that cannot be reached or returns no code is
// absorbed into the failure stub; oracle code that fails validation is
// returned as an error so the request's retry budget is charged.
func (g *Generator) Generate(ctx context.Context, d *query.Descriptor) (*Generated, error) {
	name := routineName(d)

	if g.oracle == nil {
		src, err := renderTemplate(templateFor(d.Kind), d)
		if err != nil {
			return nil, err
		}
		result := validate.Source(src)
		if !result.Valid {
			return nil, fmt.Errorf("seed template for kind %s is invalid: %s", d.Kind, result.Summary())
		}
		logging.Synth("No oracle configured, deploying seed template for %s (kind %s)", name, d.Kind)
		return &Generated{Source: src, Name: name, Kind: d.Kind, FromOracle: false, Validation: result}, nil
	}

	src, err := g.fromOracle(ctx, d)
	if err != nil {
		logging.Synth("Oracle synthesis failed for %s, deploying stub: %v", name, err)
		result := validate.Source(stubSource)
		return &Generated{Source: stubSource, Name: name, Kind: d.Kind, FromOracle: false, Validation: result}, nil
	}

	result := validate.Source(src)
	if !result.Valid {
		logging.Synth("Oracle source for %s rejected: %s", name, result.Summary())
		return nil, fmt.Errorf("generated source rejected: %s", result.Summary())
	}

	logging.Synth("Oracle produced valid source for %s", name)
	return &Generated{Source: src, Name: name, Kind: d.Kind, FromOracle: true, Validation: result}, nil
}

func (g *Generator) fromOracle(ctx context.Context, d *query.Descriptor) (string, error) {
	seed, err := renderTemplate(templateFor(d.Kind), d)
	if err != nil {
		return "", err
	}

	descriptor, err := json.MarshalIndent(map[string]interface{}{
		"targets":     d.Targets,
		"metrics":     d.Metrics,
		"time_window": d.TimeWindow,
		"filters":     d.Filters,
		"kind":        d.Kind,
		"request":     d.Raw,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode descriptor: %w", err)
	}

	userPrompt := fmt.Sprintf(`Generate a routine for this analytics request:

%s

Seed code for this request kind, adapt it to the request:

`+"```go\n%s```", descriptor, seed)

	raw, err := g.oracle.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}

	src := extractCodeBlock(raw, "go")
	if src == "" {
		return "", fmt.Errorf("oracle response contained no code")
	}
	return src, nil
}

// routineName derives a stable, human-readable name from the descriptor.
func routineName(d *query.Descriptor) string {
	parts := []string{string(d.Kind)}
	if len(d.Targets) > 0 {
		parts = append(parts, strings.ToLower(strings.Join(d.Targets, "_")))
	}
	if d.TimeWindow != "" {
		parts = append(parts, d.TimeWindow)
	}
	name := strings.Join(parts, "_")
	return strings.ReplaceAll(name, "-", "_")
}

// extractCodeBlock pulls the first fenced code block out of a model
// response, preferring blocks tagged with the given language.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}

	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}

	// No fence found. If it already looks like raw Go source, take it as is.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed
	}
	return ""
}
