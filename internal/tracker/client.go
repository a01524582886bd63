// Package tracker is the issue tracker client. It speaks the Agile and
// search REST APIs, paginates everything, and computes the per-sprint point
// arithmetic the analytics routines consume.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"metricsmith/internal/config"
	"metricsmith/internal/logging"
)

// pageSize is the page size used for every paginated endpoint.
const pageSize = 50

// ErrNoBoard indicates a project has no agile board.
var ErrNoBoard = errors.New("no board found for project")

// Board is an agile board.
type Board struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Sprint is one iteration on a board.
type Sprint struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// Issue is the subset of issue fields the analytics care about.
type Issue struct {
	Key            string
	Summary        string
	Type           string
	Status         string
	StatusCategory string
	Points         float64
	Created        time.Time
	Resolved       time.Time
}

// Done reports whether the issue's status category is done.
func (i Issue) Done() bool {
	return i.StatusCategory == "done"
}

// ResolutionDays returns the calendar days from creation to resolution, or
// 0 when the issue is unresolved.
func (i Issue) ResolutionDays() float64 {
	if i.Resolved.IsZero() || i.Created.IsZero() {
		return 0
	}
	return i.Resolved.Sub(i.Created).Hours() / 24
}

// Client talks to the tracker's REST APIs with basic auth.
type Client struct {
	baseURL          string
	email            string
	apiToken         string
	storyPointsField string
	httpClient       *http.Client
}

// NewClient creates a tracker client from configuration.
func NewClient(cfg config.TrackerConfig) *Client {
	return &Client{
		baseURL:          cfg.BaseURL,
		email:            cfg.Email,
		apiToken:         cfg.APIToken,
		storyPointsField: cfg.StoryPointsField,
		httpClient:       &http.Client{Timeout: cfg.GetTimeout()},
	}
}

// BoardForProject returns the first board associated with a project key.
func (c *Client) BoardForProject(ctx context.Context, projectKey string) (*Board, error) {
	var page struct {
		Values []Board `json:"values"`
	}
	params := url.Values{"projectKeyOrId": {projectKey}}
	if err := c.get(ctx, "/rest/agile/1.0/board", params, &page); err != nil {
		return nil, err
	}
	if len(page.Values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBoard, projectKey)
	}
	return &page.Values[0], nil
}

// Sprints returns every sprint on a board in the given state, paginating
// until the API reports the last page.
func (c *Client) Sprints(ctx context.Context, boardID int, state string) ([]Sprint, error) {
	path := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint", boardID)

	var all []Sprint
	for startAt := 0; ; startAt += pageSize {
		var page struct {
			Values []json.RawMessage `json:"values"`
			IsLast bool              `json:"isLast"`
		}
		params := url.Values{
			"state":      {state},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(pageSize)},
		}
		if err := c.get(ctx, path, params, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Values {
			s, err := decodeSprint(raw)
			if err != nil {
				return nil, err
			}
			all = append(all, s)
		}
		if page.IsLast || len(page.Values) < pageSize {
			break
		}
	}
	return all, nil
}

// SprintIssues returns every issue in a sprint.
func (c *Client) SprintIssues(ctx context.Context, boardID, sprintID int) ([]Issue, error) {
	path := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint/%d/issue", boardID, sprintID)
	return c.pagedIssues(ctx, path, url.Values{})
}

// ChangeEvent is one field transition from an issue's changelog.
type ChangeEvent struct {
	Field string
	From  string
	To    string
	At    time.Time
}

// Changelog returns every field transition recorded for an issue, oldest
// first, paginating the changelog endpoint.
func (c *Client) Changelog(ctx context.Context, issueKey string) ([]ChangeEvent, error) {
	path := fmt.Sprintf("/rest/api/2/issue/%s/changelog", url.PathEscape(issueKey))

	var all []ChangeEvent
	for startAt := 0; ; startAt += pageSize {
		var page struct {
			Values []struct {
				Created string `json:"created"`
				Items   []struct {
					Field string `json:"field"`
					From  string `json:"fromString"`
					To    string `json:"toString"`
				} `json:"items"`
			} `json:"values"`
			IsLast bool `json:"isLast"`
		}
		params := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(pageSize)},
		}
		if err := c.get(ctx, path, params, &page); err != nil {
			return nil, err
		}
		for _, entry := range page.Values {
			at := parseTrackerTime(entry.Created)
			for _, item := range entry.Items {
				all = append(all, ChangeEvent{
					Field: item.Field,
					From:  item.From,
					To:    item.To,
					At:    at,
				})
			}
		}
		if page.IsLast || len(page.Values) < pageSize {
			break
		}
	}
	return all, nil
}

// Search runs a JQL query and returns every matching issue.
func (c *Client) Search(ctx context.Context, jql string) ([]Issue, error) {
	return c.pagedIssues(ctx, "/rest/api/2/search", url.Values{"jql": {jql}})
}

func (c *Client) pagedIssues(ctx context.Context, path string, base url.Values) ([]Issue, error) {
	var all []Issue
	for startAt := 0; ; startAt += pageSize {
		var page struct {
			Issues []json.RawMessage `json:"issues"`
			Total  int               `json:"total"`
		}
		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		params.Set("startAt", strconv.Itoa(startAt))
		params.Set("maxResults", strconv.Itoa(pageSize))

		if err := c.get(ctx, path, params, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Issues {
			issue, err := c.decodeIssue(raw)
			if err != nil {
				return nil, err
			}
			all = append(all, issue)
		}
		if startAt+pageSize >= page.Total || len(page.Issues) == 0 {
			break
		}
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, into interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build tracker request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")

	logging.TrackerDebug("GET %s", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read tracker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.Tracker("GET %s returned %d", path, resp.StatusCode)
		return fmt.Errorf("tracker returned %d for %s: %s", resp.StatusCode, path, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("failed to parse tracker response: %w", err)
	}
	return nil
}

// decodeSprint tolerates the tracker's date format, which is not RFC 3339.
func decodeSprint(raw json.RawMessage) (Sprint, error) {
	var wire struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		State     string `json:"state"`
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Sprint{}, fmt.Errorf("failed to parse sprint: %w", err)
	}
	return Sprint{
		ID:        wire.ID,
		Name:      wire.Name,
		State:     wire.State,
		StartDate: parseTrackerTime(wire.StartDate),
		EndDate:   parseTrackerTime(wire.EndDate),
	}, nil
}

// decodeIssue pulls the typed fields out of an issue payload, including the
// instance-specific story points custom field.
func (c *Client) decodeIssue(raw json.RawMessage) (Issue, error) {
	var wire struct {
		Key    string                     `json:"key"`
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Issue{}, fmt.Errorf("failed to parse issue: %w", err)
	}

	issue := Issue{Key: wire.Key}
	if raw, ok := wire.Fields["summary"]; ok {
		json.Unmarshal(raw, &issue.Summary)
	}
	if raw, ok := wire.Fields["issuetype"]; ok {
		var it struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &it) == nil {
			issue.Type = it.Name
		}
	}
	if raw, ok := wire.Fields["status"]; ok {
		var st struct {
			Name           string `json:"name"`
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		}
		if json.Unmarshal(raw, &st) == nil {
			issue.Status = st.Name
			issue.StatusCategory = st.StatusCategory.Key
		}
	}
	if raw, ok := wire.Fields[c.storyPointsField]; ok {
		var points float64
		if json.Unmarshal(raw, &points) == nil {
			issue.Points = points
		}
	}
	if raw, ok := wire.Fields["created"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			issue.Created = parseTrackerTime(s)
		}
	}
	if raw, ok := wire.Fields["resolutiondate"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			issue.Resolved = parseTrackerTime(s)
		}
	}
	return issue, nil
}

// trackerTimeFormats covers the timestamp variants the API emits.
var trackerTimeFormats = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02",
}

func parseTrackerTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range trackerTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
