package everlaunchsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRegressionTestsSendsFilterAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/regression-tests/run", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(14), body["vertical_id"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"run_id":"r1","total":2,"passed":1,"failed":1,"results":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	vertical := 14
	res, err := c.RunRegressionTests(context.Background(), &vertical, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "r1", res.RunID)
	assert.Equal(t, 1, res.Failed)
}

func TestRunRegressionTestsDecodesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"success":false,"error":"a regression run is already in progress","results":[]}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).RunRegressionTests(context.Background(), nil, true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already in progress")
}

func TestListScenariosAndEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/scenarios":
			assert.Equal(t, "3", r.URL.Query().Get("vertical_id"))
			w.Write([]byte(`{"items":[{"id":"s1","name":"Emergency","channel":"phone","conversation_script":[]}]}`))
		case "/v0/events":
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			assert.Equal(t, "42", r.URL.Query().Get("cursor"))
			w.Write([]byte(`{"items":[{"id":41,"type":"run.started","entity_kind":"run"}],"next_cursor":"41"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	vertical := 3
	items, err := c.ListScenarios(context.Background(), &vertical)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Emergency", items[0].Name)

	page, err := c.EventsPage(context.Background(), 10, "42")
	require.NoError(t, err)
	assert.Equal(t, "41", page.NextCursor)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "run.started", page.Items[0].Type)

	_, err = c.GetRun(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
