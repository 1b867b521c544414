package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quill/internal/db"
)

// Writer appends audit events inside the caller's transaction, so an event exists iff the
// change it describes committed.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Entry is one state change recorded by an engine operation.
type Entry struct {
	OpID       string
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (time.Time, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now().UTC()
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return now, fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(op_id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		e.OpID, now.Format(time.RFC3339), e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return now, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
