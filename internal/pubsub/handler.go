package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

// handle processes one delivery for the named subscription. Processed acks.
// Failed republishes to the next rung, or to the parking queue once the
// ladder is exhausted, then acks. Anything that leaves the outcome unknown
// (cancellation, a failed republish) nacks with requeue.
func (t *Transport) handle(ctx context.Context, name string, handler EventHandler, d broker.Delivery) {
	log := t.log.With().Str("subscription", name).Logger()

	sub, ok := t.Current(name)
	if !ok {
		_ = d.Nack(true)
		return
	}

	props := propertiesOf(d)
	result := handler(ctx, sub, props, d.Body)

	if result == Processed {
		if err := d.Ack(false); err != nil {
			log.Warn().Err(err).Str("event_type", props.Type).Msg("ack failed")
		}
		return
	}
	if ctx.Err() != nil {
		_ = d.Nack(true)
		return
	}

	if err := t.retry(ctx, sub, props, d); err != nil {
		log.Error().Err(err).Str("event_type", props.Type).Int("attempt", props.Attempt+1).Msg("schedule retry failed")
		_ = d.Nack(true)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Str("event_type", props.Type).Msg("ack failed")
	}
}

// retry republishes the original payload with the attempt header incremented.
// Attempts 1..N go to rung N's exchange routed by the subscription queue name,
// so the rung dead-letters the message back into that queue. Later attempts
// go to the parking queue and never re-enter the ladder.
func (t *Transport) retry(ctx context.Context, sub subscription.Subscription, props EventProperties, d broker.Delivery) error {
	ladder, err := t.topo.RetryLadder(ctx)
	if err != nil {
		return err
	}

	next := props.Attempt + 1
	headers := make(map[string]interface{}, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryAttemptHeader] = int64(next)

	msg := broker.Message{
		Body:         d.Body,
		ContentType:  props.ContentType,
		Type:         props.Type,
		MessageID:    props.MessageID,
		AppID:        AppID,
		Headers:      headers,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: broker.Persistent,
	}

	log := t.log.With().
		Str("subscription", sub.Name).
		Str("event_type", props.Type).
		Int("attempt", next).
		Logger()

	if rung, ok := ladder.Rung(next); ok {
		opts := broker.PublishOptions{Exchange: rung.Exchange, RoutingKey: sub.QueueName(), Mandatory: true}
		if err := t.broker.Publish(ctx, msg, opts); err != nil {
			return fmt.Errorf("publish to %q: %w", rung.Exchange, err)
		}
		t.metrics.EventsRetried.WithLabelValues(sub.Name, strconv.Itoa(next)).Inc()
		log.Debug().Dur("delay", rung.TTL).Msg("event scheduled for retry")
		return nil
	}

	opts := broker.PublishOptions{Exchange: broker.DefaultExchange, RoutingKey: sub.FailedQueueName(), Mandatory: true}
	if err := t.broker.Publish(ctx, msg, opts); err != nil {
		return fmt.Errorf("publish to %q: %w", sub.FailedQueueName(), err)
	}
	t.metrics.EventsParked.WithLabelValues(sub.Name).Inc()
	log.Warn().Msg("retries exhausted, event parked")
	return nil
}

func propertiesOf(d broker.Delivery) EventProperties {
	props := EventProperties{
		Type:        d.Type,
		ContentType: d.ContentType,
		MessageID:   d.MessageID,
		Attempt:     RetryAttempt(d.Headers),
	}
	if props.Attempt < 0 {
		props.Attempt = 0
	}
	if props.Type == "" {
		props.Type = d.RoutingKey
	}
	if props.ContentType == "" {
		props.ContentType = DefaultContentType
	}
	return props
}

// RetryAttempt reads the retry header. A missing or unreadable header counts
// as attempt 0. AMQP tables decode integers at their wire width, so every
// integer kind is accepted.
func RetryAttempt(headers map[string]interface{}) int {
	switch v := headers[RetryAttemptHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
