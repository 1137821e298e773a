package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/subscription"
	"github.com/arosenfeld2003/fanout/internal/topology"
)

// ErrNotDrained is returned by Shutdown when the queue still holds messages.
// It means "not yet": the consumer keeps running and shutdown should be
// attempted again later.
var ErrNotDrained = errors.New("queue still holds messages")

// Handle is one subscription's queue, its type bindings and its consumer.
type Handle struct {
	broker   broker.Broker
	exchange string
	name     string
	queue    string
	log      zerolog.Logger

	mu      sync.Mutex
	bound   map[string]struct{}
	process func(context.Context, broker.Delivery)
	sub     *broker.Subscription
	stop    context.CancelFunc
	stopped chan struct{}
}

// openHandle declares the subscription queue and its parking queue.
func openHandle(ctx context.Context, b broker.Broker, exchange, name string, log zerolog.Logger) (*Handle, error) {
	queue := subscription.QueueName(name)
	if _, err := b.DeclareQueue(ctx, queue, broker.QueueOptions{
		Durable:   true,
		Arguments: topology.SubscriptionQueueArguments(),
	}); err != nil {
		return nil, fmt.Errorf("open handle %q: %w", name, err)
	}
	if _, err := b.DeclareQueue(ctx, subscription.FailedQueueName(name), broker.QueueOptions{
		Durable:   true,
		Arguments: topology.FailedQueueArguments(),
	}); err != nil {
		return nil, fmt.Errorf("open handle %q: %w", name, err)
	}
	return &Handle{
		broker:   b,
		exchange: exchange,
		name:     name,
		queue:    queue,
		log:      log.With().Str("subscription", name).Str("queue", queue).Logger(),
		bound:    map[string]struct{}{},
	}, nil
}

// Queue returns the queue name.
func (h *Handle) Queue() string { return h.queue }

// Bind routes each event type to the queue. Types already bound by this
// handle are skipped.
func (h *Handle) Bind(ctx context.Context, types []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range types {
		if _, ok := h.bound[t]; ok {
			continue
		}
		if err := h.broker.BindQueue(ctx, h.queue, h.exchange, t, nil); err != nil {
			return err
		}
		h.bound[t] = struct{}{}
	}
	return nil
}

// Unbind removes the routing of each event type. Unbinding is issued even for
// types this handle never bound, since bindings outlive the process.
func (h *Handle) Unbind(ctx context.Context, types []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unbindLocked(ctx, types)
}

func (h *Handle) unbindLocked(ctx context.Context, types []string) error {
	for _, t := range types {
		if err := h.broker.UnbindQueue(ctx, h.queue, h.exchange, t, nil); err != nil {
			return err
		}
		delete(h.bound, t)
	}
	return nil
}

// Bound returns the sorted set of types bound by this handle.
func (h *Handle) Bound() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boundLocked()
}

func (h *Handle) boundLocked() []string {
	out := make([]string, 0, len(h.bound))
	for t := range h.bound {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Consuming reports whether the consume loop is running.
func (h *Handle) Consuming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub != nil
}

// Start runs process for every delivery until the handle is stopped. The
// loop is detached from ctx's cancellation; Shutdown and stop end it. It is a
// no-op if the loop is already running.
func (h *Handle) Start(ctx context.Context, process func(context.Context, broker.Delivery)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.process = process
	return h.startLocked(ctx)
}

// Resume restarts the consume loop with the function last given to Start.
func (h *Handle) Resume(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startLocked(ctx)
}

func (h *Handle) startLocked(ctx context.Context) error {
	if h.sub != nil || h.process == nil {
		return nil
	}
	process := h.process

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := h.broker.Subscribe(consumeCtx, broker.ConsumeOptions{
		Queue:    h.queue,
		Consumer: fmt.Sprintf("%s#%s", h.queue, uuid.NewString()),
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start consumer for %q: %w", h.name, err)
	}

	stopped := make(chan struct{})
	h.sub, h.stop, h.stopped = sub, cancel, stopped

	go func() {
		defer close(stopped)
		for d := range sub.Deliveries {
			if consumeCtx.Err() != nil {
				_ = d.Nack(true)
				continue
			}
			process(consumeCtx, d)
		}
		if consumeCtx.Err() != nil {
			return
		}
		// The broker ended the consumer, for example on a leader change.
		h.mu.Lock()
		if h.sub == sub {
			h.sub, h.stop, h.stopped = nil, nil, nil
		}
		h.mu.Unlock()
		cancel()
		h.log.Warn().Msg("consumer cancelled by broker")
	}()

	h.log.Info().Msg("consumer started")
	return nil
}

// Shutdown unbinds every type, then disposes the consumer only if the queue
// holds no ready messages. Otherwise it returns ErrNotDrained and the consumer
// keeps running so the backlog is delivered. Deliveries the consumer had
// prefetched are requeued when it is disposed; if that leaves the queue
// non-empty the consumer is restarted and ErrNotDrained returned.
//
// Only this queue is inspected. A delivery that failed just before the
// consumer closed has already moved to a retry rung; once its delay expires it
// dead-letters back into this queue, where it waits without a consumer until
// the subscription is declared again.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if err := h.unbindLocked(ctx, h.boundLocked()); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("shutdown %q: %w", h.name, err)
	}
	h.mu.Unlock()

	drained, err := h.drained(ctx)
	if err != nil {
		return err
	}
	if !drained {
		return ErrNotDrained
	}

	if err := h.close(); err != nil {
		return fmt.Errorf("shutdown %q: %w", h.name, err)
	}

	drained, err = h.drained(ctx)
	if err != nil {
		return err
	}
	if !drained {
		return ErrNotDrained
	}
	h.log.Info().Msg("consumer shut down")
	return nil
}

// drained inspects the queue. When messages remain it makes sure a consumer
// is running to deliver them.
func (h *Handle) drained(ctx context.Context) (bool, error) {
	info, err := h.broker.InspectQueue(ctx, h.queue)
	if err != nil {
		return false, fmt.Errorf("shutdown %q: %w", h.name, err)
	}
	if info.Messages == 0 {
		return true, nil
	}

	h.log.Info().Int("messages", info.Messages).Msg("queue not drained, keeping consumer")
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.startLocked(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// close cancels the consumer and waits for the in-flight delivery to settle.
func (h *Handle) close() error {
	h.mu.Lock()
	sub, stop, stopped := h.sub, h.stop, h.stopped
	h.sub, h.stop, h.stopped = nil, nil, nil
	h.mu.Unlock()

	if sub == nil {
		return nil
	}
	stop()
	err := sub.Cancel()
	<-stopped
	return err
}
