package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"everlaunch/internal/assertion"
	"everlaunch/internal/domain"
	"everlaunch/internal/repo"
)

// scenarioDoc is the wire form of a scenario. expected_assertions stays raw so it can
// be checked against the assertion schema before decoding.
type scenarioDoc struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	VerticalID         *int              `json:"vertical_id"`
	Channel            string            `json:"channel"`
	ConfigOverrides    map[string]string `json:"config_overrides"`
	ConversationScript []domain.Turn     `json:"conversation_script"`
	ExpectedAssertions json.RawMessage   `json:"expected_assertions"`
	IsActive           *bool             `json:"is_active"`
}

// ParseScenarioJSON decodes and validates one scenario document. A missing id is
// derived from the name so re-importing the same scenario replaces it.
func ParseScenarioJSON(raw []byte) (domain.Scenario, error) {
	var doc scenarioDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return domain.Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	spec, err := assertion.ValidateSpec(doc.ExpectedAssertions)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("scenario %q: %w", doc.Name, err)
	}
	sc := domain.Scenario{
		ID:                 strings.TrimSpace(doc.ID),
		Name:               strings.TrimSpace(doc.Name),
		VerticalID:         doc.VerticalID,
		Channel:            strings.ToLower(strings.TrimSpace(doc.Channel)),
		ConfigOverrides:    doc.ConfigOverrides,
		ConversationScript: doc.ConversationScript,
		ExpectedAssertions: spec,
		IsActive:           true,
	}
	if doc.IsActive != nil {
		sc.IsActive = *doc.IsActive
	}
	if sc.ID == "" {
		sc.ID = ScenarioID(sc.Name)
	}
	if err := ValidateScenario(sc); err != nil {
		return domain.Scenario{}, err
	}
	return sc, nil
}

// ScenarioID derives a stable id from a scenario name.
func ScenarioID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("scenario|"+strings.ToLower(name))).String()
}

// ValidateScenario checks the fields every stored scenario must have.
func ValidateScenario(sc domain.Scenario) error {
	if sc.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	switch sc.Channel {
	case domain.ChannelPhone, domain.ChannelSMS, domain.ChannelChat, domain.ChannelWeb:
	default:
		return fmt.Errorf("scenario %q: channel must be one of phone, sms, chat, web; got %q", sc.Name, sc.Channel)
	}
	if len(sc.ConversationScript) == 0 {
		return fmt.Errorf("scenario %q: conversation_script must not be empty", sc.Name)
	}
	for i, turn := range sc.ConversationScript {
		if turn.Role != "user" && turn.Role != "assistant" {
			return fmt.Errorf("scenario %q: turn %d role must be user or assistant, got %q", sc.Name, i, turn.Role)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return fmt.Errorf("scenario %q: turn %d has empty content", sc.Name, i)
		}
	}
	return nil
}

// ParseScenarioBundle reads a YAML document of the form {scenarios: [...]}.
func ParseScenarioBundle(data []byte) ([]domain.Scenario, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid scenario yaml: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("scenario yaml is not representable as json: %w", err)
	}
	var bundle struct {
		Scenarios []json.RawMessage `json:"scenarios"`
	}
	if err := json.Unmarshal(asJSON, &bundle); err != nil {
		return nil, fmt.Errorf("scenario bundle must be a mapping with a scenarios list: %w", err)
	}
	if len(bundle.Scenarios) == 0 {
		return nil, fmt.Errorf("scenario bundle has no scenarios")
	}
	out := make([]domain.Scenario, 0, len(bundle.Scenarios))
	seen := map[string]int{}
	for i, raw := range bundle.Scenarios {
		sc, err := ParseScenarioJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("scenarios[%d]: %w", i, err)
		}
		if prev, dup := seen[sc.ID]; dup {
			return nil, fmt.Errorf("scenarios[%d]: duplicate id %s (also scenarios[%d])", i, sc.ID, prev)
		}
		seen[sc.ID] = i
		out = append(out, sc)
	}
	return out, nil
}

// ImportScenarios validates every scenario and saves them in order.
func ImportScenarios(ctx context.Context, r repo.Repo, scenarios []domain.Scenario) ([]domain.Scenario, error) {
	for _, sc := range scenarios {
		if err := ValidateScenario(sc); err != nil {
			return nil, err
		}
	}
	saved := make([]domain.Scenario, 0, len(scenarios))
	for _, sc := range scenarios {
		s, err := r.SaveScenario(ctx, sc)
		if err != nil {
			return saved, fmt.Errorf("save scenario %s: %w", sc.ID, err)
		}
		saved = append(saved, s)
	}
	return saved, nil
}
