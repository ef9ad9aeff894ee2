package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"everlaunch/internal/config"
	"everlaunch/internal/db"
	"everlaunch/internal/domain"
	"everlaunch/internal/driver"
	"everlaunch/internal/migrate"
	"everlaunch/internal/repo"
	"everlaunch/internal/runner"
)

type stubDriver struct {
	mu      sync.Mutex
	reply   driver.Reply
	entered chan struct{}
	release chan struct{}
}

func (d *stubDriver) Complete(ctx context.Context, systemPrompt string, script []domain.Turn) (driver.Reply, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reply, nil
}

type testEnv struct {
	srv  *httptest.Server
	repo repo.Repo
}

func newTestEnv(t *testing.T, drv driver.Driver, auth AuthConfig) testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.New(conn)
	run := runner.New(r, drv, config.Default().Catalog(), nil)
	handler, err := New(Config{Repo: r, Runner: run, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return testEnv{srv: srv, repo: r}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func legalScenario() map[string]any {
	return map[string]any{
		"name":        "Legal outcome prediction",
		"vertical_id": 14,
		"channel":     "phone",
		"conversation_script": []map[string]string{
			{"role": "user", "content": "Will I win my case?"},
		},
		"expected_assertions": map[string]any{
			"must_not_include": []string{"you will win"},
			"must_include_any": []string{"consult an attorney"},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, health.SchemaVersion)
}

func TestRunWithNoScenarios(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/regression-tests/run", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out RunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, runner.NoScenariosMessage, out.Message)
	assert.Empty(t, out.Results)
	assert.Empty(t, out.RunID)
}

func TestScenarioThenRun(t *testing.T) {
	drv := &stubDriver{reply: driver.Reply{Text: "I can't predict outcomes. Please consult an attorney."}}
	env := newTestEnv(t, drv, AuthConfig{})

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/scenarios", legalScenario(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created domain.Scenario
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)

	resp, body = doJSON(t, http.MethodPost, env.srv.URL+"/v0/regression-tests/run", RunRequest{VerticalID: created.VerticalID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out RunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Passed)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "Legal outcome prediction", out.Results[0].ScenarioName)

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs/"+out.RunID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var detail RunDetailResponse
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, domain.RunStatusCompleted, detail.Run.Status)
	assert.Equal(t, domain.RunTypeVertical, detail.Run.RunType)
	require.Len(t, detail.Results, 1)
	assert.Contains(t, detail.Results[0].GeneratedPrompt, "NEVER provide legal advice")

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var runs RunListResponse
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs.Items, 1)
}

func TestRunWithoutBackendReportsFailure(t *testing.T) {
	env := newTestEnv(t, nil, AuthConfig{})
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/regression-tests/run", RunRequest{RunAll: true}, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, string(body))
	var out RunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Success)
	assert.Equal(t, runner.ErrNoBackend.Error(), out.Error)
}

func TestConcurrentRunRejected(t *testing.T) {
	drv := &stubDriver{
		reply:   driver.Reply{Text: "consult an attorney"},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, drv, AuthConfig{})
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/scenarios", legalScenario(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v0/regression-tests/run", nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		res.Body.Close()
		done <- res.StatusCode
	}()
	<-drv.entered

	resp, body = doJSON(t, http.MethodPost, env.srv.URL+"/v0/regression-tests/run", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	var out RunResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Success)

	close(drv.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestScenarioCRUD(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/scenarios", legalScenario(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created domain.Scenario
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/scenarios/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPatch, env.srv.URL+"/v0/scenarios/"+created.ID+"/active", SetActiveRequest{IsActive: false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated domain.Scenario
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.False(t, updated.IsActive)

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/scenarios?active=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list ScenarioListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list.Items)

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/scenarios?vertical_id=14", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Items, 1)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v0/scenarios?vertical_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/scenarios/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "not_found", apiErr.Error.Code)

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/events?entity_kind=scenario", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Len(t, events.Items, 2)
}

func TestCreateScenarioRejectsBadAssertions(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	doc := legalScenario()
	doc["expected_assertions"] = map[string]any{"must_include": "consult"}
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/scenarios", doc, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestRenderPromptAndEvaluate(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	vertical := 14
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/prompts/render", RenderPromptRequest{VerticalID: &vertical, Channel: "phone"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rendered RenderPromptResponse
	require.NoError(t, json.Unmarshal(body, &rendered))
	assert.Contains(t, rendered.Prompt, "NEVER provide legal advice")

	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/v0/prompts/render", RenderPromptRequest{Channel: "fax"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, env.srv.URL+"/v0/assertions/evaluate", EvaluateRequest{
		Response:           "You will win this case.",
		ExpectedAssertions: domain.AssertionSpec{MustNotInclude: []string{"you will win"}},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var eval EvaluateResponse
	require.NoError(t, json.Unmarshal(body, &eval))
	assert.False(t, eval.Passed)
	require.Len(t, eval.FailedAssertions, 1)
	assert.Equal(t, "must_not_include", eval.FailedAssertions[0].Type)
}

func TestJWTAuth(t *testing.T) {
	auth := AuthConfig{JWTSecret: "test-secret"}
	env := newTestEnv(t, &stubDriver{}, auth)

	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueToken(auth.JWTSecret, "qa-bot")
	require.NoError(t, err)
	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	other, err := IssueToken("other-secret", "qa-bot")
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenAPIListsRunEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{JWTSecret: "s"})
	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/regression-tests/run")
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, AuthConfig{})
	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(env.srv.URL + "/v0/openapi.json")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies[1:] {
		assert.Equal(t, string(bodies[0]), string(b))
	}
	assert.NotEmpty(t, bodies[0])
}

func TestTokenCarriesSubject(t *testing.T) {
	token, err := IssueToken("s3cret", "qa-bot")
	require.NoError(t, err)
	p, err := authenticateJWT(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "qa-bot"}, p)

	_, err = IssueToken(" ", "qa-bot")
	require.Error(t, err)
}
