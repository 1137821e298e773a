// Package reconcile keeps the broker in step with the stored subscriptions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/metrics"
	"github.com/arosenfeld2003/fanout/internal/pubsub"
	"github.com/arosenfeld2003/fanout/internal/store"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

// DefaultInterval is the pause between reconciliation passes.
const DefaultInterval = 5 * time.Second

// Transport is the part of pubsub.Transport the loop drives.
type Transport interface {
	Maintain(ctx context.Context, sub subscription.Subscription, handler pubsub.EventHandler) error
	Unsubscribe(ctx context.Context, name string) (bool, error)
	InterruptSubscriptions(ctx context.Context) error
}

// Reconciler polls the store and applies the latest version of every
// subscription to the transport. Passes never overlap.
type Reconciler struct {
	store     store.Subscriptions
	transport Transport
	handler   pubsub.EventHandler
	metrics   *metrics.Metrics
	log       zerolog.Logger
	interval  time.Duration

	// settled holds, per name, the version whose store bookkeeping is done.
	settled map[string]int
}

// New returns a reconciler. A non-positive interval means DefaultInterval.
func New(s store.Subscriptions, t Transport, handler pubsub.EventHandler, m *metrics.Metrics, log zerolog.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Reconciler{
		store:     s,
		transport: t,
		handler:   handler,
		metrics:   m,
		log:       log,
		interval:  interval,
		settled:   map[string]int{},
	}
}

// Run reconciles immediately and then again, interval after each pass ends,
// until ctx ends. A failed pass is logged and the loop continues. On exit
// every consumer is interrupted so a later Run, possibly on another node,
// starts clean.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("reconciler started")
	defer func() {
		if err := r.transport.InterruptSubscriptions(context.WithoutCancel(ctx)); err != nil {
			r.log.Error().Err(err).Msg("interrupt subscriptions")
		}
		r.settled = map[string]int{}
		r.log.Info().Msg("reconciler stopped")
	}()

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("reconciliation pass failed")
		}
		timer.Reset(r.interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// Reconcile runs one pass over every stored subscription name. Errors for
// one name do not stop the others; they are joined into the result.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	start := time.Now()
	defer func() { r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	names, err := r.store.ListNames(ctx)
	if err != nil {
		r.metrics.ReconcileErrors.Inc()
		return fmt.Errorf("list subscriptions: %w", err)
	}

	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileOne(ctx, name); err != nil {
			r.metrics.ReconcileErrors.Inc()
			r.log.Warn().Err(err).Str("subscription", name).Msg("subscription not reconciled")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileOne(ctx context.Context, name string) error {
	sub, err := r.store.GetLatest(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sub.Active && r.settled[name] == sub.Version {
		return nil
	}

	if err := r.transport.Maintain(ctx, sub, r.handler); err != nil {
		return err
	}

	if sub.Active {
		if r.settled[name] >= sub.Version {
			return nil
		}
		// Superseded versions share the queue; the rebind above retired them.
		if err := r.store.Deactivate(ctx, name, sub.Version); err != nil {
			return err
		}
		r.settled[name] = sub.Version
		return nil
	}

	done, err := r.transport.Unsubscribe(ctx, name)
	if err != nil {
		return err
	}
	if !done {
		r.log.Debug().Str("subscription", name).Msg("waiting for queue to drain")
		return nil
	}
	if err := r.store.Deactivate(ctx, name, sub.Version+1); err != nil {
		return err
	}
	r.settled[name] = sub.Version
	r.log.Info().Str("subscription", name).Int("version", sub.Version).Msg("subscription torn down")
	return nil
}
