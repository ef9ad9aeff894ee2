package server

import (
	"everlaunch/internal/domain"
)

// Request payloads

type RunRequest struct {
	VerticalID *int `json:"vertical_id,omitempty" doc:"Restrict the run to one vertical"`
	RunAll     bool `json:"run_all,omitempty" doc:"Run every active scenario, ignoring vertical_id"`
}

type CreateScenarioRequest struct {
	ID                 string                `json:"id,omitempty" doc:"Stable id; derived from the name when omitted"`
	Name               string                `json:"name" minLength:"1"`
	VerticalID         *int                  `json:"vertical_id,omitempty"`
	Channel            string                `json:"channel" enum:"phone,sms,chat,web"`
	ConfigOverrides    map[string]string     `json:"config_overrides,omitempty"`
	ConversationScript []domain.Turn         `json:"conversation_script" minItems:"1"`
	ExpectedAssertions *domain.AssertionSpec `json:"expected_assertions,omitempty"`
	IsActive           *bool                 `json:"is_active,omitempty"`
}

type SetActiveRequest struct {
	IsActive bool `json:"is_active"`
}

type RenderPromptRequest struct {
	VerticalID      *int              `json:"vertical_id,omitempty"`
	Channel         string            `json:"channel" example:"phone"`
	ConfigOverrides map[string]string `json:"config_overrides,omitempty"`
}

type EvaluateRequest struct {
	Response           string               `json:"response"`
	ToolsCalled        []string             `json:"tools_called,omitempty"`
	ExpectedAssertions domain.AssertionSpec `json:"expected_assertions"`
}

// Response payloads

// RunResponse is the regression entry point's reply. Error is set only when
// Success is false.
type RunResponse struct {
	Success bool                     `json:"success"`
	RunID   string                   `json:"run_id,omitempty"`
	Total   int                      `json:"total"`
	Passed  int                      `json:"passed"`
	Failed  int                      `json:"failed"`
	Message string                   `json:"message,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Results []domain.ScenarioOutcome `json:"results"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

type RunListResponse struct {
	Items []domain.TestRun `json:"items"`
}

type RunDetailResponse struct {
	Run     domain.TestRun      `json:"run"`
	Results []domain.TestResult `json:"results"`
}

type ScenarioListResponse struct {
	Items []domain.Scenario `json:"items"`
}

type RenderPromptResponse struct {
	Prompt string `json:"prompt"`
}

type EvaluateResponse struct {
	Passed           bool                     `json:"passed"`
	PassedAssertions []domain.AssertionResult `json:"passed_assertions"`
	FailedAssertions []domain.AssertionResult `json:"failed_assertions"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func runResponse(summary domain.RunSummary) RunResponse {
	results := summary.Results
	if results == nil {
		results = []domain.ScenarioOutcome{}
	}
	return RunResponse{
		Success: true,
		RunID:   summary.RunID,
		Total:   summary.Total,
		Passed:  summary.Passed,
		Failed:  summary.Failed,
		Message: summary.Message,
		Results: results,
	}
}
