// Package notify publishes letter and doll lifecycle notifications after an engine
// operation commits. Delivery is best-effort; the event table stays the source of truth.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// Notification mirrors one committed audit event.
type Notification struct {
	ID         string         `json:"id"`
	OpID       string         `json:"op_id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher delivers notifications to subscribers outside the process.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Subject is the topic a notification is published on: <prefix>.<type>.
func Subject(prefix string, n Notification) string {
	if prefix == "" {
		return n.Type
	}
	return prefix + "." + n.Type
}

// Encode renders the wire form of a notification.
func Encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }
func (Nop) Close() error                                { return nil }
