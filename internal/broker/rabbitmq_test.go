package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func TestNewRabbitMQEmptyURL(t *testing.T) {
	_, err := NewRabbitMQ(context.Background(), RabbitMQConfig{})
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestNewRabbitMQInvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping dial test in short mode")
	}

	_, err := NewRabbitMQ(context.Background(), RabbitMQConfig{
		URL:            "amqp://invalid:5672",
		ConnectionName: "test",
	})
	if err == nil {
		t.Fatal("expected error for unreachable host")
	}
}

func TestToTable(t *testing.T) {
	if got := toTable(nil); got != nil {
		t.Errorf("toTable(nil) = %v, want nil", got)
	}
	if got := toTable(map[string]interface{}{}); got != nil {
		t.Errorf("toTable(empty) = %v, want nil", got)
	}

	input := map[string]interface{}{"key": "value", "num": 42}
	result := toTable(input)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["key"] != "value" {
		t.Errorf("expected key=value, got %v", result["key"])
	}
	if result["num"] != 42 {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestFromTable(t *testing.T) {
	if got := fromTable(nil); got != nil {
		t.Errorf("fromTable(nil) = %v, want nil", got)
	}

	input := map[string]interface{}{"a": "b", "c": 3}
	result := fromTable(input)
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result["a"] != "b" {
		t.Errorf("expected a=b, got %v", result["a"])
	}
	if result["c"] != 3 {
		t.Errorf("expected c=3, got %v", result["c"])
	}
}

func TestCloseChannelNil(t *testing.T) {
	// Should not panic
	closeChannel(nil)
}

func TestRabbitMQCloseWithoutConnection(t *testing.T) {
	r := &RabbitMQ{}
	if err := r.Close(); err != nil {
		t.Fatalf("Close with nil conn should not error: %v", err)
	}
}

func TestRabbitMQDoubleClose(t *testing.T) {
	r := &RabbitMQ{}
	if err := r.Close(); err != nil {
		t.Fatalf("first Close should not error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close should not error: %v", err)
	}
}

func TestRabbitMQOpenChannelWhenClosed(t *testing.T) {
	r := &RabbitMQ{closed: true}
	_, err := r.openChannel()
	if err == nil {
		t.Fatal("expected error when connection is closed")
	}
}

func TestRabbitMQOperationsWhenClosed(t *testing.T) {
	ctx := context.Background()
	r := &RabbitMQ{closed: true}

	if _, err := r.DeclareQueue(ctx, "q", QueueOptions{}); err == nil {
		t.Fatal("expected error from DeclareQueue on closed connection")
	}
	if err := r.DeclareExchange(ctx, "ex", ExchangeOptions{}); err == nil {
		t.Fatal("expected error from DeclareExchange on closed connection")
	}
	if err := r.BindQueue(ctx, "q", "ex", "rk", nil); err == nil {
		t.Fatal("expected error from BindQueue on closed connection")
	}
	if err := r.UnbindQueue(ctx, "q", "ex", "rk", nil); err == nil {
		t.Fatal("expected error from UnbindQueue on closed connection")
	}
	if _, err := r.InspectQueue(ctx, "q"); err == nil {
		t.Fatal("expected error from InspectQueue on closed connection")
	}
	if err := r.Publish(ctx, Message{}, PublishOptions{}); err == nil {
		t.Fatal("expected error from Publish on closed connection")
	}
	if _, err := r.Subscribe(ctx, ConsumeOptions{Queue: "q"}); err == nil {
		t.Fatal("expected error from Subscribe on closed connection")
	}
}

func TestWatchCloseReportsLostConnection(t *testing.T) {
	r := &RabbitMQ{lost: make(chan struct{}), log: zerolog.Nop()}
	notify := make(chan *amqp.Error, 1)
	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"}

	r.watchClose(notify)

	select {
	case <-r.Lost():
	default:
		t.Fatal("expected Lost to be closed")
	}
	var amqpErr *amqp.Error
	if !errors.As(r.Err(), &amqpErr) || amqpErr.Code != amqp.ConnectionForced {
		t.Fatalf("Err() = %v, want connection forced", r.Err())
	}
	if err := r.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail after connection loss")
	}
}

func TestWatchCloseIgnoresRequestedClose(t *testing.T) {
	r := &RabbitMQ{lost: make(chan struct{}), log: zerolog.Nop()}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	notify := make(chan *amqp.Error, 1)
	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "closed"}

	r.watchClose(notify)

	select {
	case <-r.Lost():
		t.Fatal("Lost closed after a requested Close")
	default:
	}
	if r.Err() != nil {
		t.Fatalf("Err() = %v, want nil", r.Err())
	}
}

func TestWatchCloseCleanShutdown(t *testing.T) {
	r := &RabbitMQ{lost: make(chan struct{}), log: zerolog.Nop()}
	notify := make(chan *amqp.Error)
	close(notify)

	r.watchClose(notify)

	select {
	case <-r.Lost():
		t.Fatal("Lost closed on a clean shutdown")
	default:
	}
}

func TestToPublishing(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := toPublishing(Message{
		Body:         []byte(`{"id":1}`),
		ContentType:  "application/json",
		Type:         "order.created",
		MessageID:    "m-1",
		AppID:        "fanout",
		Headers:      map[string]interface{}{"x-fanout-retry-attempt": int64(2)},
		Timestamp:    ts,
		DeliveryMode: Persistent,
	})
	if p.Type != "order.created" || p.MessageId != "m-1" || p.AppId != "fanout" {
		t.Errorf("unexpected properties: %+v", p)
	}
	if p.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", p.DeliveryMode)
	}
	if !p.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", p.Timestamp, ts)
	}
	if p.Headers["x-fanout-retry-attempt"] != int64(2) {
		t.Errorf("header = %v, want 2", p.Headers["x-fanout-retry-attempt"])
	}

	if toPublishing(Message{}).Timestamp.IsZero() {
		t.Error("expected a zero timestamp to be filled in")
	}
}

type fakeAcknowledger struct {
	acked    []uint64
	nacked   []uint64
	rejected []uint64
	requeue  []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejected = append(f.rejected, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func TestDeliveryFromAMQP(t *testing.T) {
	ack := &fakeAcknowledger{}
	d := deliveryFromAMQP(amqp.Delivery{
		Acknowledger: ack,
		Headers:      amqp.Table{"x-fanout-retry-attempt": int32(3)},
		ContentType:  "text/plain",
		Type:         "user.deleted",
		MessageId:    "m-2",
		DeliveryTag:  7,
		Redelivered:  true,
		Exchange:     "events",
		RoutingKey:   "user.deleted",
		Body:         []byte("bye"),
	})

	if d.Type != "user.deleted" || d.MessageID != "m-2" || string(d.Body) != "bye" {
		t.Errorf("unexpected message: %+v", d.Message)
	}
	if d.Headers["x-fanout-retry-attempt"] != int32(3) {
		t.Errorf("header = %v, want int32 3", d.Headers["x-fanout-retry-attempt"])
	}
	if d.DeliveryTag != 7 || !d.Redelivered || d.Exchange != "events" || d.RoutingKey != "user.deleted" {
		t.Errorf("unexpected delivery metadata: %+v", d)
	}

	if err := d.Ack(false); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.Nack(true); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := d.Reject(false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 7 {
		t.Errorf("acked = %v, want [7]", ack.acked)
	}
	if len(ack.nacked) != 1 || len(ack.rejected) != 1 {
		t.Errorf("nacked = %v rejected = %v", ack.nacked, ack.rejected)
	}
	if len(ack.requeue) != 2 || !ack.requeue[0] || ack.requeue[1] {
		t.Errorf("requeue flags = %v, want [true false]", ack.requeue)
	}
}
