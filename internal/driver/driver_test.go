package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"everlaunch/internal/config"
	"everlaunch/internal/domain"
)

func testBackend(baseURL string) config.Backend {
	return config.Backend{
		Provider:       config.ProviderOpenAI,
		BaseURL:        baseURL,
		Model:          "gpt-4o-mini",
		Temperature:    0.3,
		MaxTokens:      500,
		TimeoutSeconds: 5,
	}
}

func TestOpenAIRequestShapeAndToolExtraction(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Let me book that.","tool_calls":[
			{"type":"function","function":{"name":"book_appointment","arguments":"{}"}},
			{"type":"function","function":{"name":"capture_lead","arguments":"{}"}}
		]}}]}`))
	}))
	defer srv.Close()

	d := NewOpenAI(testBackend(srv.URL), "sk-test", zap.NewNop())
	reply, err := d.Complete(context.Background(), "SYSTEM", []domain.Turn{
		{Role: "user", Content: "I need a plumber"},
		{Role: "assistant", Content: "Sure"},
		{Role: "user", Content: "Tomorrow at 9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Let me book that.", reply.Text)
	assert.Equal(t, []string{"book_appointment", "capture_lead"}, reply.ToolsCalled)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, "auto", got["tool_choice"])
	assert.EqualValues(t, 500, got["max_tokens"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "SYSTEM", first["content"])
	assert.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
	tools, ok := got["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, len(Tools))
}

func TestOpenAINullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":null,"tool_calls":[{"function":{"name":"transfer_to_human"}}]}}]}`))
	}))
	defer srv.Close()

	reply, err := NewOpenAI(testBackend(srv.URL), "k", zap.NewNop()).Complete(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "", reply.Text)
	assert.Equal(t, []string{"transfer_to_human"}, reply.ToolsCalled)
}

func TestOpenAINon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(testBackend(srv.URL), "k", zap.NewNop()).Complete(context.Background(), "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(testBackend(""), "", nil)
	require.ErrorIs(t, err, ErrMissingAPIKey)

	d, err := New(testBackend(""), "k", nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, d)

	bad := testBackend("")
	bad.Provider = "llama"
	_, err = New(bad, "k", nil)
	require.Error(t, err)
}

func TestGeminiContentsMapRoles(t *testing.T) {
	contents := geminiContents([]domain.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
}

func TestGeminiGenerateConfig(t *testing.T) {
	g := &Gemini{model: "gemini-2.0-flash", temperature: 0.3, maxTokens: 500}
	cfg := g.generateConfig("SYSTEM")
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "SYSTEM", cfg.SystemInstruction.Parts[0].Text)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.3, *cfg.Temperature, 1e-6)
	assert.EqualValues(t, 500, cfg.MaxOutputTokens)
	require.Len(t, cfg.Tools, 1)
	names := []string{}
	for _, d := range cfg.Tools[0].FunctionDeclarations {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"book_appointment", "dispatch_emergency", "transfer_to_human", "capture_lead", "quote_price"}, names)
	assert.Equal(t, genai.FunctionCallingConfigModeAuto, cfg.ToolConfig.FunctionCallingConfig.Mode)
}
