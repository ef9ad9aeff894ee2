package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"everlaunch/internal/domain"
	"everlaunch/internal/events"
)

const scenarioColumns = `id,name,vertical_id,channel,config_overrides_json,conversation_script_json,expected_assertions_json,is_active,created_at,updated_at`

type ScenarioFilters struct {
	VerticalID *int
	Active     *bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (domain.Scenario, error) {
	var sc domain.Scenario
	var vertical sql.NullInt64
	var overrides, script, assertions string
	var active int
	if err := row.Scan(&sc.ID, &sc.Name, &vertical, &sc.Channel, &overrides, &script, &assertions, &active, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return sc, err
	}
	sc.VerticalID = intPtrFrom(vertical)
	sc.IsActive = active != 0
	if err := unmarshalJSON("config_overrides_json", overrides, &sc.ConfigOverrides); err != nil {
		return sc, err
	}
	if err := unmarshalJSON("conversation_script_json", script, &sc.ConversationScript); err != nil {
		return sc, err
	}
	if err := unmarshalJSON("expected_assertions_json", assertions, &sc.ExpectedAssertions); err != nil {
		return sc, err
	}
	return sc, nil
}

// SaveScenario inserts the scenario or replaces the stored one with the same id.
// CreatedAt is preserved on replace.
func (r Repo) SaveScenario(ctx context.Context, sc domain.Scenario) (domain.Scenario, error) {
	if sc.ID == "" {
		return sc, fmt.Errorf("scenario id is required")
	}
	overrides, err := marshalJSON(sc.ConfigOverrides)
	if err != nil {
		return sc, err
	}
	script, err := marshalJSON(sc.ConversationScript)
	if err != nil {
		return sc, err
	}
	assertions, err := marshalJSON(sc.ExpectedAssertions)
	if err != nil {
		return sc, err
	}
	now := r.now()
	if sc.CreatedAt == "" {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scenarios(`+scenarioColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, vertical_id=excluded.vertical_id, channel=excluded.channel,
config_overrides_json=excluded.config_overrides_json, conversation_script_json=excluded.conversation_script_json,
expected_assertions_json=excluded.expected_assertions_json, is_active=excluded.is_active, updated_at=excluded.updated_at`,
			sc.ID, sc.Name, nullableIntPtr(sc.VerticalID), sc.Channel, overrides, script, assertions, boolInt(sc.IsActive), sc.CreatedAt, sc.UpdatedAt); err != nil {
			return fmt.Errorf("save scenario: %w", err)
		}
		return r.Events.Append(ctx, tx, events.ScenarioSaved, "scenario", sc.ID, events.Payload{
			"name":      sc.Name,
			"channel":   sc.Channel,
			"is_active": sc.IsActive,
		})
	})
	if err != nil {
		return sc, err
	}
	return r.GetScenario(ctx, sc.ID)
}

func (r Repo) GetScenario(ctx context.Context, id string) (domain.Scenario, error) {
	sc, err := scanScenario(r.DB.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return sc, ErrNotFound
	}
	return sc, err
}

// ListScenarios returns scenarios in insertion order.
func (r Repo) ListScenarios(ctx context.Context, f ScenarioFilters) ([]domain.Scenario, error) {
	var clauses []string
	var args []any
	if f.VerticalID != nil {
		clauses = append(clauses, "vertical_id=?")
		args = append(args, *f.VerticalID)
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, boolInt(*f.Active))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios `+where+` ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Scenario{}
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// ListActiveScenarios returns active scenarios, restricted to one vertical when given.
func (r Repo) ListActiveScenarios(ctx context.Context, verticalID *int) ([]domain.Scenario, error) {
	active := true
	return r.ListScenarios(ctx, ScenarioFilters{VerticalID: verticalID, Active: &active})
}

func (r Repo) SetScenarioActive(ctx context.Context, id string, active bool) (domain.Scenario, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE scenarios SET is_active=?, updated_at=? WHERE id=?`, boolInt(active), r.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		evt := events.ScenarioDeactivated
		if active {
			evt = events.ScenarioActivated
		}
		return r.Events.Append(ctx, tx, evt, "scenario", id, nil)
	})
	if err != nil {
		return domain.Scenario{}, err
	}
	return r.GetScenario(ctx, id)
}
