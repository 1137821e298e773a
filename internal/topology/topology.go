// Package topology declares the broker objects shared by every subscription:
// the main topic exchange and the ladder of delayed-retry rungs. Declarations
// happen lazily, once, however many callers race for them.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "events"
	// DefaultRungs spans roughly 18 hours of backoff at a one second base.
	DefaultRungs = 16
	// DefaultRetryBase is the TTL of the first rung.
	DefaultRetryBase = time.Second
)

// Options configures the declared topology.
type Options struct {
	Exchange  string
	Rungs     int
	RetryBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.Rungs <= 0 {
		o.Rungs = DefaultRungs
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	return o
}

// Rung is one step of the retry ladder. Messages published to Exchange wait
// TTL in Queue and are then dead-lettered through the default exchange using
// their original routing key.
type Rung struct {
	Attempt  int
	TTL      time.Duration
	Exchange string
	Queue    string
}

// Ladder holds rungs 1..N in order.
type Ladder []Rung

// Rung returns the rung for a 1-based attempt number.
func (l Ladder) Rung(attempt int) (Rung, bool) {
	if attempt < 1 || attempt > len(l) {
		return Rung{}, false
	}
	return l[attempt-1], true
}

// Topology memoizes declaration of the shared broker objects.
type Topology struct {
	broker   broker.Broker
	opts     Options
	log      zerolog.Logger
	exchange *Memo[string]
	ladder   *Memo[Ladder]
}

// New constructs a Topology. Nothing is declared until first use.
func New(b broker.Broker, opts Options, log zerolog.Logger) *Topology {
	t := &Topology{broker: b, opts: opts.withDefaults(), log: log}
	t.exchange = NewMemo(t.declareExchange)
	t.ladder = NewMemo(t.declareLadder)
	return t
}

// Options returns the effective options.
func (t *Topology) Options() Options { return t.opts }

// MainExchange declares the main topic exchange on first use and returns its
// name.
func (t *Topology) MainExchange(ctx context.Context) (string, error) {
	return t.exchange.Get(ctx)
}

// RetryLadder declares every retry rung on first use.
func (t *Topology) RetryLadder(ctx context.Context) (Ladder, error) {
	return t.ladder.Get(ctx)
}

// RungTTL returns the TTL of rung k: base * 2^(k-1).
func RungTTL(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// RungName names the exchange and queue of a rung after its TTL.
func RungName(ttl time.Duration) string {
	return fmt.Sprintf("%s:retry-after-%s", subscription.QueuePrefix, ttl)
}

func (t *Topology) declareExchange(ctx context.Context) (string, error) {
	name := t.opts.Exchange
	if err := t.broker.DeclareExchange(ctx, name, broker.ExchangeOptions{
		Kind:    broker.KindTopic,
		Durable: true,
	}); err != nil {
		return "", fmt.Errorf("declare main exchange: %w", err)
	}
	t.log.Debug().Str("exchange", name).Msg("main exchange declared")
	return name, nil
}

func (t *Topology) declareLadder(ctx context.Context) (Ladder, error) {
	ladder := make(Ladder, 0, t.opts.Rungs)
	for attempt := 1; attempt <= t.opts.Rungs; attempt++ {
		ttl := RungTTL(t.opts.RetryBase, attempt)
		name := RungName(ttl)

		if err := t.broker.DeclareExchange(ctx, name, broker.ExchangeOptions{
			Kind:    broker.KindFanout,
			Durable: true,
		}); err != nil {
			return nil, fmt.Errorf("declare retry exchange %q: %w", name, err)
		}
		if _, err := t.broker.DeclareQueue(ctx, name, broker.QueueOptions{
			Durable:   true,
			Arguments: RungQueueArguments(ttl),
		}); err != nil {
			return nil, fmt.Errorf("declare retry queue %q: %w", name, err)
		}
		if err := t.broker.BindQueue(ctx, name, name, "", nil); err != nil {
			return nil, fmt.Errorf("bind retry queue %q: %w", name, err)
		}
		ladder = append(ladder, Rung{Attempt: attempt, TTL: ttl, Exchange: name, Queue: name})
	}
	t.log.Debug().Int("rungs", len(ladder)).Msg("retry ladder declared")
	return ladder, nil
}

// RungQueueArguments returns the declaration arguments of a rung queue.
func RungQueueArguments(ttl time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"x-queue-type":           "quorum",
		"x-message-ttl":          ttl.Milliseconds(),
		"x-dead-letter-exchange": broker.DefaultExchange,
		"x-dead-letter-strategy": "at-least-once",
		"x-overflow":             "reject-publish",
	}
}

// SubscriptionQueueArguments returns the declaration arguments of a
// subscription queue. Only one consumer may be active on it at a time.
func SubscriptionQueueArguments() map[string]interface{} {
	return map[string]interface{}{
		"x-queue-type":             "quorum",
		"x-overflow":               "reject-publish",
		"x-single-active-consumer": true,
	}
}

// FailedQueueArguments returns the declaration arguments of a parking queue.
func FailedQueueArguments() map[string]interface{} {
	return map[string]interface{}{
		"x-queue-type": "quorum",
		"x-overflow":   "reject-publish",
	}
}
