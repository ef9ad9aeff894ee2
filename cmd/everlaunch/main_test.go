package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"everlaunch/internal/db"
	"everlaunch/internal/repo"
	"everlaunch/internal/runner"
)

const bundle = `scenarios:
  - name: Emergency dispatch
    vertical_id: 3
    channel: phone
    conversation_script:
      - role: user
        content: Water is pouring through my ceiling!
    expected_assertions:
      must_trigger_tool_allowed: [dispatch_emergency, transfer_to_human]
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestScenarioImportAndToggle(t *testing.T) {
	ws := t.TempDir()
	file := filepath.Join(ws, "bundle.yml")
	require.NoError(t, os.WriteFile(file, []byte(bundle), 0o644))

	require.NoError(t, execute(t, "--workspace", ws, "scenario", "validate", "--file", file))
	require.NoError(t, execute(t, "--workspace", ws, "scenario", "import", "--file", file))

	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()
	r := repo.New(conn)
	items, err := r.ListScenarios(context.Background(), repo.ScenarioFilters{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsActive)

	require.NoError(t, execute(t, "--workspace", ws, "scenario", "disable", items[0].ID))
	sc, err := r.GetScenario(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.False(t, sc.IsActive)
}

func TestRunWithoutAPIKeyFails(t *testing.T) {
	ws := t.TempDir()
	err := execute(t, "--workspace", ws, "--openai-api-key", "", "run", "--all")
	require.ErrorIs(t, err, runner.ErrNoBackend)
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	ws := t.TempDir()
	file := filepath.Join(ws, "bad.yml")
	require.NoError(t, os.WriteFile(file, []byte("backend:\n  provider: anthropic\n  model: x\n"), 0o644))
	require.Error(t, execute(t, "--workspace", ws, "config", "validate", "--file", file))
}

func TestTokenRequiresSecret(t *testing.T) {
	ws := t.TempDir()
	require.Error(t, execute(t, "--workspace", ws, "--jwt-secret", "", "token"))
	require.NoError(t, execute(t, "--workspace", ws, "--jwt-secret", "s3cret", "token", "--subject", "ci"))
}
