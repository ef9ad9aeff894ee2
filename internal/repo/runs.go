package repo

import (
	"context"
	"database/sql"
	"fmt"

	"everlaunch/internal/domain"
	"everlaunch/internal/events"
)

const (
	runColumns    = `id,run_type,vertical_filter,total_scenarios,passed_count,failed_count,status,started_at,completed_at`
	resultColumns = `id,run_id,scenario_id,passed,assertions_passed_json,assertions_failed_json,generated_prompt,ai_response,execution_time_ms,error_message,created_at`
)

func scanRun(row rowScanner) (domain.TestRun, error) {
	var run domain.TestRun
	var vertical sql.NullInt64
	var completed sql.NullString
	if err := row.Scan(&run.ID, &run.RunType, &vertical, &run.TotalScenarios, &run.PassedCount, &run.FailedCount, &run.Status, &run.StartedAt, &completed); err != nil {
		return run, err
	}
	run.VerticalFilter = intPtrFrom(vertical)
	run.CompletedAt = stringPtrFrom(completed)
	return run, nil
}

func scanResult(row rowScanner) (domain.TestResult, error) {
	var res domain.TestResult
	var passed int
	var passedJSON, failedJSON string
	var errMsg sql.NullString
	if err := row.Scan(&res.ID, &res.RunID, &res.ScenarioID, &passed, &passedJSON, &failedJSON, &res.GeneratedPrompt, &res.AIResponse, &res.ExecutionTimeMS, &errMsg, &res.CreatedAt); err != nil {
		return res, err
	}
	res.Passed = passed != 0
	res.ErrorMessage = stringPtrFrom(errMsg)
	if err := unmarshalJSON("assertions_passed_json", passedJSON, &res.AssertionsPassed); err != nil {
		return res, err
	}
	if err := unmarshalJSON("assertions_failed_json", failedJSON, &res.AssertionsFailed); err != nil {
		return res, err
	}
	return res, nil
}

// CreateRun records a run in the running state.
func (r Repo) CreateRun(ctx context.Context, run domain.TestRun) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
			run.ID, run.RunType, nullableIntPtr(run.VerticalFilter), run.TotalScenarios, run.PassedCount, run.FailedCount,
			run.Status, run.StartedAt, nullableStringPtr(run.CompletedAt)); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return r.Events.Append(ctx, tx, events.RunStarted, "run", run.ID, events.Payload{
			"run_type":        run.RunType,
			"vertical_filter": run.VerticalFilter,
			"total":           run.TotalScenarios,
		})
	})
}

// InsertResult records one scenario outcome. Results are never updated.
func (r Repo) InsertResult(ctx context.Context, res domain.TestResult) error {
	passedJSON, err := marshalJSON(nonNilResults(res.AssertionsPassed))
	if err != nil {
		return err
	}
	failedJSON, err := marshalJSON(nonNilResults(res.AssertionsFailed))
	if err != nil {
		return err
	}
	if res.CreatedAt == "" {
		res.CreatedAt = r.now()
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_results(`+resultColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			res.ID, res.RunID, res.ScenarioID, boolInt(res.Passed), passedJSON, failedJSON,
			res.GeneratedPrompt, res.AIResponse, res.ExecutionTimeMS, nullableStringPtr(res.ErrorMessage), res.CreatedAt); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return r.Events.Append(ctx, tx, events.ResultRecorded, "result", res.ID, events.Payload{
			"run_id":      res.RunID,
			"scenario_id": res.ScenarioID,
			"passed":      res.Passed,
		})
	})
}

// CompleteRun marks a run completed with its final counts.
func (r Repo) CompleteRun(ctx context.Context, runID string, passed, failed int, completedAt string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE test_runs SET status=?, passed_count=?, failed_count=?, completed_at=? WHERE id=?`,
			domain.RunStatusCompleted, passed, failed, completedAt, runID)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.Events.Append(ctx, tx, events.RunCompleted, "run", runID, events.Payload{
			"passed": passed,
			"failed": failed,
		})
	})
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.TestRun, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TestRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListResults returns a run's results in execution order.
func (r Repo) ListResults(ctx context.Context, runID string) ([]domain.TestResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resultColumns+` FROM test_results WHERE run_id=? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TestResult{}
	for rows.Next() {
		tr, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func nonNilResults(in []domain.AssertionResult) []domain.AssertionResult {
	if in == nil {
		return []domain.AssertionResult{}
	}
	return in
}
