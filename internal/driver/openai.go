package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"everlaunch/internal/config"
	"everlaunch/internal/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *zap.Logger
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools"`
	ToolChoice  string          `json:"tool_choice"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAI builds an OpenAI driver from backend config.
func NewOpenAI(cfg config.Backend, apiKey string, logger *zap.Logger) *OpenAI {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout(cfg)},
		logger:      logger,
	}
}

func openAITools() []openAITool {
	out := make([]openAITool, 0, len(Tools))
	for _, t := range Tools {
		props := map[string]any{}
		required := []string{}
		for _, p := range t.Params {
			props[p.Name] = map[string]any{"type": "string", "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}

// Complete sends the system prompt followed by the script verbatim. No retries.
func (c *OpenAI) Complete(ctx context.Context, systemPrompt string, script []domain.Turn) (Reply, error) {
	messages := make([]openAIMessage, 0, len(script)+1)
	messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	for _, turn := range script {
		messages = append(messages, openAIMessage{Role: turn.Role, Content: turn.Content})
	}
	body, err := json.Marshal(openAIRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       openAITools(),
		ToolChoice:  "auto",
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return Reply{}, errors.Wrap(err, "marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, errors.Wrap(err, "chat request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, errors.Wrap(err, "read chat response")
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, errors.Errorf("chat backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Reply{}, errors.Wrap(err, "decode chat response")
	}
	if parsed.Error != nil {
		return Reply{}, errors.Errorf("chat backend error: %s", parsed.Error.Message)
	}

	var reply Reply
	if len(parsed.Choices) > 0 {
		msg := parsed.Choices[0].Message
		if msg.Content != nil {
			reply.Text = *msg.Content
		}
		for _, call := range msg.ToolCalls {
			if call.Function.Name != "" {
				reply.ToolsCalled = append(reply.ToolsCalled, call.Function.Name)
			}
		}
	}
	c.logger.Debug("chat completion",
		zap.String("provider", config.ProviderOpenAI),
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("reply_len", len(reply.Text)),
		zap.Strings("tools", reply.ToolsCalled))
	return reply, nil
}
