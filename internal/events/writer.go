package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events: guard decisions, bootstrap outcomes,
// workflow submissions, catalog edits.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. The payload is stored as JSON; an empty
// entity id is stored as NULL.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		w.timestamp(), evtType, entityKind, entity, actorID, string(data))
	return err
}

func (w Writer) timestamp() string {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
