package driver

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"everlaunch/internal/config"
	"everlaunch/internal/domain"
)

// Gemini drives Google's Gemini models through the genai SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	logger      *zap.Logger
}

// NewGemini builds a Gemini driver from backend config.
func NewGemini(ctx context.Context, cfg config.Backend, apiKey string, logger *zap.Logger) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout(cfg)},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
		logger:      logger,
	}, nil
}

func geminiTools() []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(Tools))
	for _, t := range Tools {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{},
		}
		for _, p := range t.Params {
			schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiContents maps scripted turns onto genai roles. assistant becomes model.
func geminiContents(script []domain.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(script))
	for _, turn := range script {
		var role genai.Role = genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(turn.Content, role))
	}
	return out
}

func (g *Gemini) generateConfig(systemPrompt string) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		MaxOutputTokens:   g.maxTokens,
		Tools:             geminiTools(),
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		},
	}
}

// Complete sends the script with the system prompt as system instruction.
func (g *Gemini) Complete(ctx context.Context, systemPrompt string, script []domain.Turn) (Reply, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, geminiContents(script), g.generateConfig(systemPrompt))
	if err != nil {
		return Reply{}, errors.Wrap(err, "gemini generate content")
	}
	reply := Reply{Text: resp.Text()}
	for _, call := range resp.FunctionCalls() {
		if call != nil && call.Name != "" {
			reply.ToolsCalled = append(reply.ToolsCalled, call.Name)
		}
	}
	g.logger.Debug("chat completion",
		zap.String("provider", config.ProviderGemini),
		zap.String("model", g.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("reply_len", len(reply.Text)),
		zap.Strings("tools", reply.ToolsCalled))
	return reply, nil
}
