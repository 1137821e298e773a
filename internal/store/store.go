// Package store persists subscription versions and parked events.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arosenfeld2003/fanout/internal/subscription"
)

var (
	// ErrNotFound is returned when a subscription or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a (name, version) pair already exists.
	ErrConflict = errors.New("version already exists")
	// ErrAlreadyResolved is returned when resolving a resolved event.
	ErrAlreadyResolved = errors.New("event already resolved")
)

// Subscriptions stores versioned subscription records. Versions of one name
// are unique and GetLatest folds the whole history of a name.
type Subscriptions interface {
	ListNames(ctx context.Context) ([]string, error)
	GetLatest(ctx context.Context, name string) (subscription.Subscription, error)
	Insert(ctx context.Context, rec subscription.Record) error
	// Deactivate marks every version of name below belowVersion inactive.
	Deactivate(ctx context.Context, name string, belowVersion int) error
}

// Status is the resolution state of a parked event.
type Status string

const (
	StatusUnresolved Status = "unresolved"
	StatusIgnored    Status = "ignored"
	StatusRetried    Status = "retried"
)

// FailedEvent is an event that exhausted its retries.
type FailedEvent struct {
	ID           uuid.UUID  `json:"id"`
	Subscription string     `json:"subscription"`
	MessageID    string     `json:"message_id,omitempty"`
	Type         string     `json:"type"`
	ContentType  string     `json:"content_type"`
	Payload      []byte     `json:"payload"`
	Attempts     int        `json:"attempts"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// FailedEvents stores parked events awaiting manual resolution.
type FailedEvents interface {
	SaveFailed(ctx context.Context, ev FailedEvent) error
	// ListFailed returns the unresolved events of a subscription, oldest first.
	ListFailed(ctx context.Context, subscription string) ([]FailedEvent, error)
	GetFailed(ctx context.Context, id uuid.UUID) (FailedEvent, error)
	ResolveFailed(ctx context.Context, id uuid.UUID, status Status, at time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	Subscriptions
	FailedEvents
}
