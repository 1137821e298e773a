// Package admin declares and retires subscriptions and resolves events that
// exhausted their retries.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/store"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

var namePattern = regexp.MustCompile(`^[a-z0-9._-]{1,128}$`)

// DeclareRequest is the desired state of a subscription.
type DeclareRequest struct {
	Name     string   `json:"name"`
	Types    []string `json:"types"`
	Endpoint string   `json:"endpoint"`
}

// Validate checks the request shape.
func (r DeclareRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Match(namePattern)),
		validation.Field(&r.Types, validation.Required, validation.Each(validation.Required, validation.Length(1, 255))),
		validation.Field(&r.Endpoint, validation.Required, validation.Length(1, 2048), validation.By(webhookURL)),
	)
}

func webhookURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	return nil
}

// Subscriptions manages the versioned history of subscriptions. Every change
// is a new version; the reconciler applies it to the broker.
type Subscriptions struct {
	store store.Subscriptions
	log   zerolog.Logger
	now   func() time.Time
}

// NewSubscriptions returns a service over s.
func NewSubscriptions(s store.Subscriptions, log zerolog.Logger) *Subscriptions {
	return &Subscriptions{store: s, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Declare records req as the next version of the subscription. It reports
// false without writing when the latest version is already active with the
// same endpoint and types.
func (s *Subscriptions) Declare(ctx context.Context, req DeclareRequest) (subscription.Subscription, bool, error) {
	req.Types = subscription.NormalizeTypes(req.Types)
	if err := req.Validate(); err != nil {
		return subscription.Subscription{}, false, err
	}

	latest, err := s.store.GetLatest(ctx, req.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return subscription.Subscription{}, false, err
	case latest.Active && latest.Endpoint == req.Endpoint && subscription.SameTypes(latest.Types, req.Types):
		return latest, false, nil
	}

	rec := subscription.Record{
		Name:      req.Name,
		Version:   latest.Version + 1,
		Types:     req.Types,
		Endpoint:  req.Endpoint,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("declare %q: %w", req.Name, err)
	}

	s.log.Info().Str("subscription", rec.Name).Int("version", rec.Version).Strs("types", rec.Types).
		Msg("subscription declared")
	sub, err := s.store.GetLatest(ctx, req.Name)
	return sub, true, err
}

// Retire records an inactive version carrying the current types. The
// reconciler unbinds them and removes the consumer once its queue drains.
func (s *Subscriptions) Retire(ctx context.Context, name string) error {
	latest, err := s.store.GetLatest(ctx, name)
	if err != nil {
		return err
	}
	if !latest.Active {
		return nil
	}

	rec := subscription.Record{
		Name:      name,
		Version:   latest.Version + 1,
		Types:     latest.Types,
		Endpoint:  latest.Endpoint,
		Active:    false,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("retire %q: %w", name, err)
	}
	s.log.Info().Str("subscription", name).Int("version", rec.Version).Msg("subscription retired")
	return nil
}

// List returns the latest version of every active subscription.
func (s *Subscriptions) List(ctx context.Context) ([]subscription.Subscription, error) {
	names, err := s.store.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]subscription.Subscription, 0, len(names))
	for _, name := range names {
		sub, err := s.store.GetLatest(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}
