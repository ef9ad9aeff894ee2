package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"everlaunch/internal/config"
	"everlaunch/internal/db"
	"everlaunch/internal/domain"
	"everlaunch/internal/events"
	"everlaunch/internal/migrate"
	"everlaunch/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.New(conn)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r.Now = fixed
	r.Events = events.Writer{Now: fixed}
	return r
}

func intPtr(v int) *int { return &v }

func legalScenario(id string, vertical int) domain.Scenario {
	return domain.Scenario{
		ID:                 id,
		Name:               "Outcome prediction " + id,
		VerticalID:         intPtr(vertical),
		Channel:            domain.ChannelPhone,
		ConfigOverrides:    map[string]string{"appointmentBooking": "OFF"},
		ConversationScript: []domain.Turn{{Role: "user", Content: "Will I win my case?"}},
		ExpectedAssertions: domain.AssertionSpec{
			MustNotInclude: []string{"you will win"},
			MustIncludeAny: []string{"consult an attorney"},
		},
		IsActive: true,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, r.DB))
	current, err := migrate.Current(ctx, r.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, current)
}

func TestScenarioRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	saved, err := r.SaveScenario(ctx, legalScenario("sc-1", 14))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", saved.CreatedAt)

	got, err := r.GetScenario(ctx, "sc-1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
	assert.Equal(t, 14, *got.VerticalID)
	assert.Equal(t, "OFF", got.ConfigOverrides["appointmentBooking"])
	assert.Equal(t, []string{"you will win"}, got.ExpectedAssertions.MustNotInclude)

	_, err = r.GetScenario(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSaveScenarioReplaces(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.SaveScenario(ctx, legalScenario("sc-1", 14))
	require.NoError(t, err)

	updated := legalScenario("sc-1", 16)
	updated.Name = "renamed"
	got, err := r.SaveScenario(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 16, *got.VerticalID)

	all, err := r.ListScenarios(ctx, repo.ScenarioFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListActiveScenariosFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, sc := range []domain.Scenario{legalScenario("a", 14), legalScenario("b", 14), legalScenario("c", 81)} {
		_, err := r.SaveScenario(ctx, sc)
		require.NoError(t, err)
	}
	_, err := r.SetScenarioActive(ctx, "b", false)
	require.NoError(t, err)

	all, err := r.ListActiveScenarios(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	legal, err := r.ListActiveScenarios(ctx, intPtr(14))
	require.NoError(t, err)
	require.Len(t, legal, 1)
	assert.Equal(t, "a", legal[0].ID)

	none, err := r.ListActiveScenarios(ctx, intPtr(1))
	require.NoError(t, err)
	assert.Empty(t, none)

	inactive := false
	off, err := r.ListScenarios(ctx, repo.ScenarioFilters{Active: &inactive})
	require.NoError(t, err)
	require.Len(t, off, 1)
	assert.Equal(t, "b", off[0].ID)

	_, err = r.SetScenarioActive(ctx, "missing", true)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	run := domain.TestRun{
		ID:             "run-1",
		RunType:        domain.RunTypeVertical,
		VerticalFilter: intPtr(14),
		TotalScenarios: 2,
		Status:         domain.RunStatusRunning,
		StartedAt:      "2024-01-01T00:00:00Z",
	}
	require.NoError(t, r.CreateRun(ctx, run))

	got, err := r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	msg := "backend unavailable"
	require.NoError(t, r.InsertResult(ctx, domain.TestResult{
		ID:               "res-1",
		RunID:            "run-1",
		ScenarioID:       "a",
		Passed:           true,
		AssertionsPassed: []domain.AssertionResult{{Type: "must_include_any", Passed: true, Details: "Found"}},
		GeneratedPrompt:  "prompt",
		AIResponse:       "consult an attorney",
		ExecutionTimeMS:  12,
	}))
	require.NoError(t, r.InsertResult(ctx, domain.TestResult{
		ID:               "res-2",
		RunID:            "run-1",
		ScenarioID:       "b",
		AssertionsFailed: []domain.AssertionResult{{Type: "error", Details: msg}},
		ErrorMessage:     &msg,
	}))
	require.NoError(t, r.CompleteRun(ctx, "run-1", 1, 1, "2024-01-01T00:01:00Z"))

	got, err = r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.PassedCount)
	assert.Equal(t, 1, got.FailedCount)
	require.NotNil(t, got.CompletedAt)

	results, err := r.ListResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.Empty(t, results[0].AssertionsFailed)
	assert.NotNil(t, results[0].AssertionsFailed)
	require.NotNil(t, results[1].ErrorMessage)
	assert.Equal(t, msg, *results[1].ErrorMessage)

	runs, err := r.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.ErrorIs(t, r.CompleteRun(ctx, "missing", 0, 0, ""), repo.ErrNotFound)

	evts, err := r.LatestEvents(ctx, repo.EventFilters{EntityKind: "run", EntityID: "run-1"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.RunCompleted, evts[0].Type)
	assert.Equal(t, events.RunStarted, evts[1].Type)
}

func TestConfigRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.GetConfig(ctx)
	require.ErrorIs(t, err, repo.ErrNotFound)

	cfg := config.Default()
	cfg.Backend.Model = "gpt-4o"
	require.NoError(t, r.UpsertConfig(ctx, cfg))
	got, err := r.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Backend.Model)
	assert.Equal(t, cfg.Verticals.Legal, got.Verticals.Legal)

	bad := config.Default()
	bad.Backend.Provider = "llama"
	require.Error(t, r.UpsertConfig(ctx, bad))
}
