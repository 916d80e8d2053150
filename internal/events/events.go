// Package events publishes auth lifecycle events to a message broker for
// downstream consumers (audit trails, analytics, welcome mail). Publishing
// is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeLogin           = "auth.login"
	TypeLogout          = "auth.logout"
	TypeUserProvisioned = "auth.user_provisioned"
	TypeUserRegistered  = "auth.user_registered"
)

// Event is the JSON body of every published message.
type Event struct {
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	Method     string    `json:"method,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher sends events to the broker. Publish must not wait on the
// network; Close flushes what was accepted.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
