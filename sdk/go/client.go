package pulseboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pulseboard HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Description           string  `json:"description"`
	Status                string  `json:"status"`
	HealthCalculationType string  `json:"health_calculation_type"`
	Owner                 string  `json:"owner"`
	CalculatedStartDate   *string `json:"calculated_start_date,omitempty"`
	CalculatedEndDate     *string `json:"calculated_end_date,omitempty"`
	TotalDays             *int    `json:"total_days,omitempty"`
	TotalDaysRemaining    *int    `json:"total_days_remaining,omitempty"`
}

// Milestone represents a project milestone.
type Milestone struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Date       *string `json:"date,omitempty"`
	Completion int     `json:"completion"`
	Weight     *int    `json:"weight,omitempty"`
	Status     *string `json:"status,omitempty"`
}

// HealthMetrics carries the numbers behind a classification.
type HealthMetrics struct {
	WeightedCompletion      int  `json:"weighted_completion"`
	TimeRemainingPercentage *int `json:"time_remaining_percentage,omitempty"`
	TotalDays               *int `json:"total_days,omitempty"`
	TotalDaysRemaining      *int `json:"total_days_remaining,omitempty"`
	WorkingDaysRemaining    *int `json:"working_days_remaining,omitempty"`
	ProjectStartsInFuture   bool `json:"project_starts_in_future,omitempty"`
	IsOverdue               bool `json:"is_overdue,omitempty"`
}

// Health is a project health classification.
type Health struct {
	Color           string        `json:"color"`
	CalculationType string        `json:"calculation_type"`
	Reasoning       string        `json:"reasoning"`
	Metrics         HealthMetrics `json:"metrics"`
	Recommendations []string      `json:"recommendations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// StatusSheet aggregates a project's full status.
type StatusSheet struct {
	Project         Project     `json:"project"`
	Milestones      []Milestone `json:"milestones"`
	Health          Health      `json:"health"`
	Risks           []any       `json:"risks"`
	Accomplishments []any       `json:"accomplishments"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GetProject fetches the client's project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// Status fetches the full status sheet.
func (c *Client) Status(ctx context.Context) (StatusSheet, error) {
	var resp StatusSheet
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Health classifies the project.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, c.projectPath("health"), nil, &resp)
	return resp, err
}

// CreateMilestone adds a milestone. date may be empty for undated milestones.
func (c *Client) CreateMilestone(ctx context.Context, name, date string, completion int) (Milestone, error) {
	body := map[string]any{
		"name":       name,
		"completion": completion,
	}
	if date != "" {
		body["date"] = date
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.projectPath("milestones"), body, &resp)
	return resp, err
}

// UpdateMilestoneCompletion sets a milestone's completion percentage.
func (c *Client) UpdateMilestoneCompletion(ctx context.Context, milestoneID string, completion int) (Milestone, error) {
	body := map[string]any{"completion": completion}
	var resp Milestone
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Milestones lists the project's milestones.
func (c *Client) Milestones(ctx context.Context) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, c.projectPath("milestones"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if cursor != "" {
		endpoint = fmt.Sprintf("%s&cursor=%s", endpoint, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
