package everlaunchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal EverLaunch regression API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Runs call a model once per scenario, so
// the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Turn is one scripted conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Scenario mirrors the API scenario model.
type Scenario struct {
	ID                 string            `json:"id,omitempty"`
	Name               string            `json:"name"`
	VerticalID         *int              `json:"vertical_id,omitempty"`
	Channel            string            `json:"channel"`
	ConfigOverrides    map[string]string `json:"config_overrides,omitempty"`
	ConversationScript []Turn            `json:"conversation_script"`
	ExpectedAssertions map[string]any    `json:"expected_assertions,omitempty"`
	IsActive           *bool             `json:"is_active,omitempty"`
	CreatedAt          string            `json:"created_at,omitempty"`
	UpdatedAt          string            `json:"updated_at,omitempty"`
}

// AssertionResult is one evaluated assertion.
type AssertionResult struct {
	Type    string `json:"type"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// Outcome is the per-scenario entry of a run summary.
type Outcome struct {
	ScenarioID       string            `json:"scenario_id"`
	ScenarioName     string            `json:"scenario_name"`
	VerticalID       *int              `json:"vertical_id"`
	Channel          string            `json:"channel"`
	Passed           bool              `json:"passed"`
	FailedAssertions []AssertionResult `json:"failed_assertions"`
	PassedAssertions []AssertionResult `json:"passed_assertions"`
	ExecutionTimeMS  int64             `json:"execution_time_ms"`
	Error            *string           `json:"error"`
}

// RunResult is the regression entry point's reply.
type RunResult struct {
	Success bool      `json:"success"`
	RunID   string    `json:"run_id"`
	Total   int       `json:"total"`
	Passed  int       `json:"passed"`
	Failed  int       `json:"failed"`
	Message string    `json:"message"`
	Error   string    `json:"error"`
	Results []Outcome `json:"results"`
}

// Run is a stored test run.
type Run struct {
	ID             string  `json:"id"`
	RunType        string  `json:"run_type"`
	VerticalFilter *int    `json:"vertical_filter"`
	TotalScenarios int     `json:"total_scenarios"`
	PassedCount    int     `json:"passed_count"`
	FailedCount    int     `json:"failed_count"`
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    *string `json:"completed_at"`
}

// Result is a stored per-scenario result.
type Result struct {
	ID               string            `json:"id"`
	ScenarioID       string            `json:"scenario_id"`
	Passed           bool              `json:"passed"`
	AssertionsPassed []AssertionResult `json:"assertions_passed"`
	AssertionsFailed []AssertionResult `json:"assertions_failed"`
	GeneratedPrompt  string            `json:"generated_prompt"`
	AIResponse       string            `json:"ai_response"`
	ExecutionTimeMS  int64             `json:"execution_time_ms"`
	ErrorMessage     *string           `json:"error_message"`
}

// RunDetail is a run with its results.
type RunDetail struct {
	Run     Run      `json:"run"`
	Results []Result `json:"results"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunRegressionTests triggers a run. A nil verticalID with runAll false runs every
// active scenario. A failed run still decodes into the returned RunResult alongside
// the *APIError.
func (c *Client) RunRegressionTests(ctx context.Context, verticalID *int, runAll bool) (RunResult, error) {
	body := map[string]any{"run_all": runAll}
	if verticalID != nil {
		body["vertical_id"] = *verticalID
	}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/regression-tests/run", body, &resp)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) {
		_ = json.Unmarshal([]byte(apiErr.Body), &resp)
	}
	return resp, err
}

// ListRuns returns recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRun fetches a run and its results.
func (c *Client) GetRun(ctx context.Context, id string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListScenarios returns stored scenarios, optionally for one vertical.
func (c *Client) ListScenarios(ctx context.Context, verticalID *int) ([]Scenario, error) {
	endpoint := "v0/scenarios"
	if verticalID != nil {
		endpoint = fmt.Sprintf("%s?vertical_id=%d", endpoint, *verticalID)
	}
	var resp struct {
		Items []Scenario `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SaveScenario creates or replaces a scenario.
func (c *Client) SaveScenario(ctx context.Context, sc Scenario) (Scenario, error) {
	var resp Scenario
	err := c.do(ctx, http.MethodPost, "v0/scenarios", sc, &resp)
	return resp, err
}

// SetScenarioActive enables or disables a scenario.
func (c *Client) SetScenarioActive(ctx context.Context, id string, active bool) (Scenario, error) {
	var resp Scenario
	endpoint := fmt.Sprintf("v0/scenarios/%s/active", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"is_active": active}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
