package domain

// Channels a scenario can target.
const (
	ChannelPhone = "phone"
	ChannelSMS   = "sms"
	ChannelChat  = "chat"
	ChannelWeb   = "web"
)

// Run types and statuses.
const (
	RunTypeFull     = "full"
	RunTypeVertical = "vertical"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
)

// Turn is one scripted conversation message.
type Turn struct {
	Role    string `json:"role" yaml:"role" enum:"user,assistant"`
	Content string `json:"content" yaml:"content"`
}

// AssertionSpec lists the checks run against a model reply. Every field is optional.
type AssertionSpec struct {
	MustInclude              []string   `json:"must_include,omitempty" yaml:"must_include,omitempty"`
	MustIncludeAny           []string   `json:"must_include_any,omitempty" yaml:"must_include_any,omitempty"`
	MustIncludeGroups        [][]string `json:"must_include_groups,omitempty" yaml:"must_include_groups,omitempty"`
	MustIncludeRegex         []string   `json:"must_include_regex,omitempty" yaml:"must_include_regex,omitempty"`
	MustNotInclude           []string   `json:"must_not_include,omitempty" yaml:"must_not_include,omitempty"`
	MustTriggerToolAllowed   []string   `json:"must_trigger_tool_allowed,omitempty" yaml:"must_trigger_tool_allowed,omitempty"`
	MustNotTriggerTool       []string   `json:"must_not_trigger_tool,omitempty" yaml:"must_not_trigger_tool,omitempty"`
	MustCaptureFields        []string   `json:"must_capture_fields,omitempty" yaml:"must_capture_fields,omitempty"`
	ResponseLength           string     `json:"response_length,omitempty" yaml:"response_length,omitempty" enum:"brief" jsonschema:"enum=brief"`
	MustNotIncludeLengthOver *int       `json:"must_not_include_length_over,omitempty" yaml:"must_not_include_length_over,omitempty" minimum:"0" jsonschema:"minimum=0"`
}

type Scenario struct {
	ID                 string            `json:"id" yaml:"id,omitempty"`
	Name               string            `json:"name" yaml:"name"`
	VerticalID         *int              `json:"vertical_id,omitempty" yaml:"vertical_id,omitempty"`
	Channel            string            `json:"channel" yaml:"channel"`
	ConfigOverrides    map[string]string `json:"config_overrides,omitempty" yaml:"config_overrides,omitempty"`
	ConversationScript []Turn            `json:"conversation_script" yaml:"conversation_script"`
	ExpectedAssertions AssertionSpec     `json:"expected_assertions" yaml:"expected_assertions"`
	IsActive           bool              `json:"is_active" yaml:"is_active"`
	CreatedAt          string            `json:"created_at,omitempty" yaml:"-" format:"date-time"`
	UpdatedAt          string            `json:"updated_at,omitempty" yaml:"-" format:"date-time"`
}

type TestRun struct {
	ID             string  `json:"id"`
	RunType        string  `json:"run_type" enum:"full,vertical"`
	VerticalFilter *int    `json:"vertical_filter,omitempty"`
	TotalScenarios int     `json:"total_scenarios"`
	PassedCount    int     `json:"passed_count"`
	FailedCount    int     `json:"failed_count"`
	Status         string  `json:"status" enum:"running,completed"`
	StartedAt      string  `json:"started_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

// AssertionResult is the outcome of one check.
type AssertionResult struct {
	Type     string   `json:"type"`
	Passed   bool     `json:"passed"`
	Details  string   `json:"details"`
	Expected any      `json:"expected,omitempty"`
	Matched  []string `json:"matched,omitempty"`
}

type TestResult struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	ScenarioID       string            `json:"scenario_id"`
	Passed           bool              `json:"passed"`
	AssertionsPassed []AssertionResult `json:"assertions_passed"`
	AssertionsFailed []AssertionResult `json:"assertions_failed"`
	GeneratedPrompt  string            `json:"generated_prompt"`
	AIResponse       string            `json:"ai_response"`
	ExecutionTimeMS  int64             `json:"execution_time_ms"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
}

// ScenarioOutcome is the per-scenario line of a run summary.
type ScenarioOutcome struct {
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

// RunSummary is what a finished orchestration reports back. RunID is empty when no
// scenario matched and no run was recorded.
type RunSummary struct {
	RunID   string            `json:"run_id,omitempty"`
	Total   int               `json:"total"`
	Passed  int               `json:"passed"`
	Failed  int               `json:"failed"`
	Message string            `json:"message,omitempty"`
	Results []ScenarioOutcome `json:"results"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
