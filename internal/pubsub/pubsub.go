// Package pubsub maps subscriptions onto live broker consumers. It publishes
// events to the main exchange, keeps one consumer per subscription name and
// routes failed deliveries through the retry ladder.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/metrics"
	"github.com/arosenfeld2003/fanout/internal/subscription"
	"github.com/arosenfeld2003/fanout/internal/topology"
)

const (
	// AppID is stamped on every published message.
	AppID = "fanout"
	// DefaultContentType applies when a publisher gives none.
	DefaultContentType = "application/json"
	// RetryAttemptHeader carries how many retries a message has had.
	RetryAttemptHeader = "x-fanout-retry-attempt"
)

// Result is the outcome of handling one event.
type Result int

const (
	// Processed acknowledges the message.
	Processed Result = iota
	// Failed schedules the message on the next retry rung.
	Failed
)

func (r Result) String() string {
	if r == Processed {
		return "processed"
	}
	return "failed"
}

// EventProperties describes a delivered event.
type EventProperties struct {
	Type        string
	ContentType string
	MessageID   string
	// Attempt is 0 for the first delivery and n for the nth retry.
	Attempt int
}

// EventHandler delivers one event to a subscription. It must not panic and
// must convert delivery errors into Failed. When ctx ends the result is
// ignored and the message is returned to the queue.
type EventHandler func(ctx context.Context, sub subscription.Subscription, props EventProperties, payload []byte) Result

// Transport is the registry of live subscriptions and their consumers.
type Transport struct {
	broker  broker.Broker
	topo    *topology.Topology
	metrics *metrics.Metrics
	log     zerolog.Logger

	// current maps name to the entry last applied. It is read without mu
	// for the version fast path and by the message handler.
	current sync.Map

	mu      sync.Mutex
	handles map[string]*Handle
}

// entry is one applied subscription and the handle serving it.
type entry struct {
	sub    subscription.Subscription
	handle *Handle
}

// New constructs a Transport over b.
func New(b broker.Broker, topo *topology.Topology, m *metrics.Metrics, log zerolog.Logger) *Transport {
	if m == nil {
		m = metrics.Discard()
	}
	return &Transport{
		broker:  b,
		topo:    topo,
		metrics: m,
		log:     log,
		handles: map[string]*Handle{},
	}
}

// Publish sends an event to the main exchange using its type as routing key.
// Fan-out to subscribers is done by the broker.
func (t *Transport) Publish(ctx context.Context, eventType string, payload []byte, contentType string) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	exchange, err := t.topo.MainExchange(ctx)
	if err != nil {
		return err
	}

	msg := broker.Message{
		Body:         payload,
		ContentType:  contentType,
		Type:         eventType,
		MessageID:    uuid.NewString(),
		AppID:        AppID,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: broker.Persistent,
	}
	if err := t.broker.Publish(ctx, msg, broker.PublishOptions{Exchange: exchange, RoutingKey: eventType}); err != nil {
		return fmt.Errorf("publish %q: %w", eventType, err)
	}
	t.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	return nil
}

// Maintain applies sub to the broker. Calls carrying a version not newer than
// the one already applied are no-ops. An active subscription gets its queue,
// its bindings updated by delta and a running consumer. An inactive one is
// unbound from every type; its consumer keeps draining the queue until
// Unsubscribe confirms it is empty. A consumer the broker cancelled is
// restarted even when the version is already applied. The new version is
// recorded only once every broker operation has succeeded.
func (t *Transport) Maintain(ctx context.Context, sub subscription.Subscription, handler EventHandler) error {
	if e, ok := t.entry(sub.Name); ok && e.sub.Version >= sub.Version && e.handle.Consuming() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entry(sub.Name); ok && e.sub.Version >= sub.Version {
		return t.resumeLocked(ctx, e)
	}

	exchange, err := t.topo.MainExchange(ctx)
	if err != nil {
		return err
	}

	log := t.log.With().Str("subscription", sub.Name).Int("version", sub.Version).Logger()

	h := t.handles[sub.Name]
	if h == nil {
		h, err = openHandle(ctx, t.broker, exchange, sub.Name, t.log)
		if err != nil {
			return err
		}
		t.handles[sub.Name] = h
	}

	if sub.Active {
		if err := h.Bind(ctx, sub.Types); err != nil {
			return fmt.Errorf("maintain %q: %w", sub.Name, err)
		}
		if err := h.Unbind(ctx, sub.DeletedTypes); err != nil {
			return fmt.Errorf("maintain %q: %w", sub.Name, err)
		}
	} else {
		if err := h.Unbind(ctx, unionTypes(sub.Types, sub.DeletedTypes, h.Bound())); err != nil {
			return fmt.Errorf("maintain %q: %w", sub.Name, err)
		}
	}

	// Recorded before the consumer starts so its first delivery resolves it,
	// and rolled back if the consumer cannot start.
	prev, hadPrev := t.current.Load(sub.Name)
	t.current.Store(sub.Name, entry{sub: sub, handle: h})

	if !h.Consuming() {
		name := sub.Name
		process := func(ctx context.Context, d broker.Delivery) { t.handle(ctx, name, handler, d) }
		if err := h.Start(ctx, process); err != nil {
			if hadPrev {
				t.current.Store(sub.Name, prev)
			} else {
				t.current.Delete(sub.Name)
			}
			return err
		}
		t.updateGaugeLocked()
	}

	if sub.Active {
		log.Info().Strs("types", sub.Types).Msg("subscription maintained")
	} else {
		log.Info().Msg("subscription unbound, draining")
	}
	return nil
}

// Unsubscribe disposes the consumer of name once its queue is drained. It
// reports false with a nil error while messages remain; the caller retries
// on a later pass. It reports true when no consumer exists.
func (t *Transport) Unsubscribe(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.handles[name]
	if h == nil {
		return true, nil
	}
	if cur, ok := t.Current(name); ok && cur.Active {
		return false, fmt.Errorf("unsubscribe %q: subscription is active", name)
	}

	err := h.Shutdown(ctx)
	defer t.updateGaugeLocked()
	if errors.Is(err, ErrNotDrained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	delete(t.handles, name)
	t.current.Delete(name)
	return true, nil
}

// InterruptSubscriptions stops every consumer without a drain check and
// clears the registry, so the next reconciliation starts from scratch.
func (t *Transport) InterruptSubscriptions(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for name, h := range t.handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("interrupt %q: %w", name, err))
		}
		delete(t.handles, name)
	}
	t.current.Range(func(key, _ any) bool {
		t.current.Delete(key)
		return true
	})
	t.updateGaugeLocked()
	t.log.Info().Msg("all subscriptions interrupted")
	return errors.Join(errs...)
}

// Current returns the latest subscription applied for name.
func (t *Transport) Current(name string) (subscription.Subscription, bool) {
	e, ok := t.entry(name)
	return e.sub, ok
}

func (t *Transport) entry(name string) (entry, bool) {
	v, ok := t.current.Load(name)
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

// resumeLocked restarts the consumer of an applied subscription if the broker
// cancelled it.
func (t *Transport) resumeLocked(ctx context.Context, e entry) error {
	if e.handle.Consuming() {
		return nil
	}
	if err := e.handle.Resume(ctx); err != nil {
		return fmt.Errorf("maintain %q: %w", e.sub.Name, err)
	}
	t.updateGaugeLocked()
	t.log.Warn().Str("subscription", e.sub.Name).Int("version", e.sub.Version).Msg("consumer restarted")
	return nil
}

// Subscriptions returns the sorted names that have a handle.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.handles))
	for name := range t.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bound returns the types currently bound for name.
func (t *Transport) Bound(name string) []string {
	t.mu.Lock()
	h := t.handles[name]
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Bound()
}

func (t *Transport) updateGaugeLocked() {
	consuming := 0
	for _, h := range t.handles {
		if h.Consuming() {
			consuming++
		}
	}
	t.metrics.ActiveConsumers.Set(float64(consuming))
}

func unionTypes(sets ...[]string) []string {
	var all []string
	for _, s := range sets {
		all = append(all, s...)
	}
	return subscription.NormalizeTypes(all)
}
