package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/delivery"
	"github.com/arosenfeld2003/fanout/internal/pubsub"
	"github.com/arosenfeld2003/fanout/internal/store"
)

// Resolution is how an operator settles a parked event.
type Resolution string

const (
	ResolutionIgnore Resolution = "ignore"
	ResolutionRetry  Resolution = "retry"
)

var (
	// ErrUnknownResolution is returned for a resolution other than ignore or retry.
	ErrUnknownResolution = errors.New("resolution must be ignore or retry")
	// ErrInactive is returned when retrying an event whose subscription is retired.
	ErrInactive = errors.New("subscription is not active")
)

// Drainer moves parked messages out of the broker.
type Drainer interface {
	DrainFailed(ctx context.Context, name string, fn func(pubsub.ParkedEvent) error) (int, error)
}

// FailedEvents collects parked messages into the store and resolves them.
type FailedEvents struct {
	drainer Drainer
	events  store.FailedEvents
	subs    store.Subscriptions
	sender  delivery.Sender
	log     zerolog.Logger
	now     func() time.Time
}

// NewFailedEvents returns a service that drains with d, persists to events and
// redelivers with sender to the endpoints held in subs.
func NewFailedEvents(d Drainer, events store.FailedEvents, subs store.Subscriptions, sender delivery.Sender, log zerolog.Logger) *FailedEvents {
	return &FailedEvents{
		drainer: d,
		events:  events,
		subs:    subs,
		sender:  sender,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Collect moves the messages parked for name into the store and returns every
// unresolved event of that subscription.
func (f *FailedEvents) Collect(ctx context.Context, name string) ([]store.FailedEvent, error) {
	n, err := f.drainer.DrainFailed(ctx, name, func(ev pubsub.ParkedEvent) error {
		created := ev.ParkedAt
		if created.IsZero() {
			created = f.now()
		}
		return f.events.SaveFailed(ctx, store.FailedEvent{
			ID:           uuid.New(),
			Subscription: ev.Subscription,
			MessageID:    ev.MessageID,
			Type:         ev.Type,
			ContentType:  ev.ContentType,
			Payload:      ev.Payload,
			Attempts:     ev.Attempts,
			Status:       store.StatusUnresolved,
			CreatedAt:    created,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("collect failed events for %q: %w", name, err)
	}
	if n > 0 {
		f.log.Info().Str("subscription", name).Int("events", n).Msg("parked events collected")
	}
	return f.events.ListFailed(ctx, name)
}

// Resolve settles one stored event. Retry sends it once more to the current
// endpoint of its subscription, which must be active.
func (f *FailedEvents) Resolve(ctx context.Context, id uuid.UUID, resolution Resolution) error {
	ev, err := f.events.GetFailed(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status != store.StatusUnresolved {
		return store.ErrAlreadyResolved
	}

	status := store.StatusIgnored
	switch resolution {
	case ResolutionIgnore:
	case ResolutionRetry:
		sub, err := f.subs.GetLatest(ctx, ev.Subscription)
		if err != nil {
			return err
		}
		if !sub.Active {
			return ErrInactive
		}
		if err := f.sender.Send(ctx, sub.Endpoint, ev.Type, ev.ContentType, ev.Payload); err != nil {
			return fmt.Errorf("retry event %s: %w", id, err)
		}
		status = store.StatusRetried
	default:
		return ErrUnknownResolution
	}

	if err := f.events.ResolveFailed(ctx, id, status, f.now()); err != nil {
		return err
	}
	f.log.Info().Str("subscription", ev.Subscription).Str("event_id", id.String()).
		Str("resolution", string(resolution)).Msg("failed event resolved")
	return nil
}
