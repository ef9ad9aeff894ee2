package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the store.
const (
	ScenarioSaved       = "scenario.saved"
	ScenarioActivated   = "scenario.activated"
	ScenarioDeactivated = "scenario.deactivated"
	RunStarted          = "run.started"
	ResultRecorded      = "result.recorded"
	RunCompleted        = "run.completed"
	ConfigUpdated       = "config.updated"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one event row through ex.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
