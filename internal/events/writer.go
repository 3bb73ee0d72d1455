package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit rows to the events table inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record.
type Entry struct {
	Type       string
	TenantID   string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), e.Type, nullable(e.TenantID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
