package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/arosenfeld2003/fanout/internal/delivery"
	"github.com/arosenfeld2003/fanout/internal/metrics"
	"github.com/arosenfeld2003/fanout/internal/pubsub"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

// DeliveryHandler returns the EventHandler that sends each event to the
// subscription's endpoint. Every attempt counts as sent; errors and panics
// count as failures and become pubsub.Failed.
func DeliveryHandler(sender delivery.Sender, m *metrics.Metrics, log zerolog.Logger) pubsub.EventHandler {
	if m == nil {
		m = metrics.Discard()
	}
	return func(ctx context.Context, sub subscription.Subscription, props pubsub.EventProperties, payload []byte) pubsub.Result {
		defer m.EventsSent.WithLabelValues(props.Type, sub.Name).Inc()

		err := send(ctx, sender, sub, props, payload)
		if err == nil {
			return pubsub.Processed
		}
		if ctx.Err() != nil {
			// The transport requeues; not a delivery failure.
			return pubsub.Failed
		}

		m.EventsSendFailure.WithLabelValues(props.Type, sub.Name).Inc()
		log.Warn().Err(err).
			Str("subscription", sub.Name).
			Str("event_type", props.Type).
			Str("message_id", props.MessageID).
			Int("attempt", props.Attempt).
			Msg("delivery failed")
		return pubsub.Failed
	}
}

func send(ctx context.Context, sender delivery.Sender, sub subscription.Subscription, props pubsub.EventProperties, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panic: %v", p)
		}
	}()
	return sender.Send(ctx, sub.Endpoint, props.Type, props.ContentType, payload)
}
