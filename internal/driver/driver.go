// Package driver sends a generated system prompt and a scripted conversation to a
// chat-completion backend and reports the reply text and the tools it invoked.
package driver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"everlaunch/internal/config"
	"everlaunch/internal/domain"
)

// Reply is what the backend produced for one scenario.
type Reply struct {
	Text        string
	ToolsCalled []string
}

// Driver runs one conversation against a model backend.
type Driver interface {
	Complete(ctx context.Context, systemPrompt string, script []domain.Turn) (Reply, error)
}

// ErrMissingAPIKey is returned by New when the selected backend has no credential.
var ErrMissingAPIKey = errors.New("backend api key not configured")

// Param describes one string argument of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// Tool is one function the model may call.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// Tools is the fixed palette offered on every request.
var Tools = []Tool{
	{
		Name:        "book_appointment",
		Description: "Book a service appointment for the caller.",
		Params: []Param{
			{Name: "name", Description: "Caller name", Required: true},
			{Name: "phone", Description: "Callback number", Required: true},
			{Name: "preferred_time", Description: "Requested date and time"},
			{Name: "service", Description: "Service requested"},
		},
	},
	{
		Name:        "dispatch_emergency",
		Description: "Escalate an urgent situation to on-call staff.",
		Params: []Param{
			{Name: "summary", Description: "What is happening", Required: true},
			{Name: "address", Description: "Service address"},
			{Name: "phone", Description: "Callback number"},
		},
	},
	{
		Name:        "transfer_to_human",
		Description: "Transfer the conversation to a human staff member.",
		Params: []Param{
			{Name: "reason", Description: "Why the transfer is needed", Required: true},
		},
	},
	{
		Name:        "capture_lead",
		Description: "Record the caller's contact details for follow-up.",
		Params: []Param{
			{Name: "name", Description: "Caller name", Required: true},
			{Name: "phone", Description: "Callback number"},
			{Name: "email", Description: "Email address"},
			{Name: "notes", Description: "What the caller needs"},
		},
	},
	{
		Name:        "quote_price",
		Description: "Provide a price estimate for a service.",
		Params: []Param{
			{Name: "service", Description: "Service to quote", Required: true},
		},
	},
}

// New builds the driver for the configured provider.
func New(cfg config.Backend, apiKey string, logger *zap.Logger) (Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if apiKey == "" {
		return nil, errors.Wrapf(ErrMissingAPIKey, "provider %s", cfg.Provider)
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, apiKey, logger), nil
	case config.ProviderGemini:
		g, err := NewGemini(context.Background(), cfg, apiKey, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, errors.Errorf("unknown provider %q", cfg.Provider)
	}
}

func timeout(cfg config.Backend) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
