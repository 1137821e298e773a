package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/arosenfeld2003/fanout/internal/broker"
	"github.com/arosenfeld2003/fanout/internal/subscription"
)

// drainWait bounds how long DrainFailed waits for the next parked message.
const drainWait = 2 * time.Second

// ParkedEvent is a message taken from a subscription's parking queue.
type ParkedEvent struct {
	Subscription string
	MessageID    string
	Type         string
	ContentType  string
	Payload      []byte
	Attempts     int
	ParkedAt     time.Time
}

// DrainFailed moves the messages currently parked for name to fn, acking each
// one fn accepts. A message fn rejects is requeued and draining stops. It
// returns how many messages were handed off.
func (t *Transport) DrainFailed(ctx context.Context, name string, fn func(ParkedEvent) error) (int, error) {
	queue := subscription.FailedQueueName(name)
	info, err := t.broker.InspectQueue(ctx, queue)
	if err != nil {
		return 0, err
	}
	if info.Messages == 0 {
		return 0, nil
	}

	sub, err := t.broker.Subscribe(ctx, broker.ConsumeOptions{Queue: queue})
	if err != nil {
		return 0, fmt.Errorf("drain %q: %w", queue, err)
	}
	defer func() { _ = sub.Cancel() }()

	drained := 0
	for drained < info.Messages {
		select {
		case <-ctx.Done():
			return drained, ctx.Err()
		case <-time.After(drainWait):
			return drained, nil
		case d, ok := <-sub.Deliveries:
			if !ok {
				return drained, nil
			}
			props := propertiesOf(d)
			ev := ParkedEvent{
				Subscription: name,
				MessageID:    props.MessageID,
				Type:         props.Type,
				ContentType:  props.ContentType,
				Payload:      d.Body,
				Attempts:     props.Attempt,
				ParkedAt:     d.Timestamp,
			}
			if err := fn(ev); err != nil {
				_ = d.Nack(true)
				return drained, fmt.Errorf("drain %q: %w", queue, err)
			}
			if err := d.Ack(false); err != nil {
				return drained, fmt.Errorf("drain %q: %w", queue, err)
			}
			drained++
		}
	}
	return drained, nil
}
