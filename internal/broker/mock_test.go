package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockBrokerPublishSubscribeDefaultExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMockBroker()
	if _, err := broker.DeclareQueue(ctx, "fanout:audit", QueueOptions{Durable: true}); err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "fanout:audit"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Cancel() }()

	msg := Message{Body: []byte("hello")}
	if err := broker.Publish(ctx, msg, PublishOptions{RoutingKey: "fanout:audit"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	delivery := receiveDelivery(t, sub.Deliveries)
	if string(delivery.Body) != "hello" {
		t.Fatalf("expected body hello, got %q", string(delivery.Body))
	}
}

func TestMockBrokerTopicRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMockBroker()
	if err := broker.DeclareExchange(ctx, "events", ExchangeOptions{Kind: KindTopic}); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	if _, err := broker.DeclareQueue(ctx, "fanout:billing", QueueOptions{}); err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := broker.BindQueue(ctx, "fanout:billing", "events", "invoice.*", nil); err != nil {
		t.Fatalf("bind queue: %v", err)
	}

	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "fanout:billing"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Cancel() }()

	for _, key := range []string{"invoice", "invoice.paid", "invoice.paid.late", "order.paid"} {
		if err := broker.Publish(ctx, Message{Body: []byte(key)}, PublishOptions{Exchange: "events", RoutingKey: key}); err != nil {
			t.Fatalf("publish %s: %v", key, err)
		}
	}

	delivery := receiveDelivery(t, sub.Deliveries)
	if string(delivery.Body) != "invoice.paid" {
		t.Fatalf("expected invoice.paid, got %q", string(delivery.Body))
	}
	select {
	case d := <-sub.Deliveries:
		t.Fatalf("unexpected delivery %q", string(d.Body))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"user.created", "user.created", true},
		{"user.created", "user.deleted", false},
		{"user.*", "user.created", true},
		{"user.*", "user", false},
		{"user.#", "user", true},
		{"user.#", "user.a.b", true},
		{"#", "anything.at.all", true},
		{"*.created", "order.created", true},
		{"#.created", "a.b.created", true},
		{"#.created", "a.b.deleted", false},
	}
	for _, tc := range cases {
		if got := topicMatch(tc.pattern, tc.key); got != tc.want {
			t.Errorf("topicMatch(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestMockBrokerUnbindStopsRouting(t *testing.T) {
	ctx := context.Background()
	broker := NewMockBroker()
	if err := broker.DeclareExchange(ctx, "events", ExchangeOptions{Kind: KindTopic}); err != nil {
		t.Fatal(err)
	}
	if _, err := broker.DeclareQueue(ctx, "q", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := broker.BindQueue(ctx, "q", "events", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := broker.UnbindQueue(ctx, "q", "events", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := broker.UnbindQueue(ctx, "q", "events", "never-bound", nil); err != nil {
		t.Fatalf("unbinding an unknown key should be a no-op: %v", err)
	}
	if err := broker.Publish(ctx, Message{Body: []byte("x")}, PublishOptions{Exchange: "events", RoutingKey: "a"}); err != nil {
		t.Fatal(err)
	}
	if depth := broker.QueueDepth("q"); depth != 0 {
		t.Fatalf("expected empty queue after unbind, got %d", depth)
	}
	if keys := broker.BoundKeys("events", "q"); len(keys) != 0 {
		t.Fatalf("expected no bindings, got %v", keys)
	}
}

func TestMockBrokerPrefetchLimitsUnacked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMockBroker()
	broker.SetPrefetch(2)
	if _, err := broker.DeclareQueue(ctx, "q", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := broker.Publish(ctx, Message{Body: []byte{byte('a' + i)}}, PublishOptions{RoutingKey: "q"}); err != nil {
			t.Fatal(err)
		}
	}

	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Cancel() }()

	first := receiveDelivery(t, sub.Deliveries)
	_ = receiveDelivery(t, sub.Deliveries)

	info, err := broker.InspectQueue(ctx, "q")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Messages != 3 {
		t.Fatalf("expected 3 ready messages, got %d", info.Messages)
	}

	select {
	case d := <-sub.Deliveries:
		t.Fatalf("prefetch exceeded, got %q", string(d.Body))
	case <-time.After(30 * time.Millisecond):
	}

	if err := first.Ack(false); err != nil {
		t.Fatal(err)
	}
	third := receiveDelivery(t, sub.Deliveries)
	if string(third.Body) != "c" {
		t.Fatalf("expected c after ack, got %q", string(third.Body))
	}
}

func TestMockBrokerNackRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMockBroker()
	if _, err := broker.DeclareQueue(ctx, "q", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Cancel() }()

	if err := broker.Publish(ctx, Message{Body: []byte("retry-me")}, PublishOptions{RoutingKey: "q"}); err != nil {
		t.Fatal(err)
	}
	d := receiveDelivery(t, sub.Deliveries)
	if d.Redelivered {
		t.Fatal("first delivery should not be marked redelivered")
	}
	if err := d.Nack(true); err != nil {
		t.Fatal(err)
	}
	again := receiveDelivery(t, sub.Deliveries)
	if !again.Redelivered || string(again.Body) != "retry-me" {
		t.Fatalf("expected redelivered retry-me, got %+v", again)
	}
}

func TestMockBrokerCancelRequeuesUnacked(t *testing.T) {
	ctx := context.Background()
	broker := NewMockBroker()
	if _, err := broker.DeclareQueue(ctx, "q", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if err := broker.Publish(ctx, Message{Body: []byte("held")}, PublishOptions{RoutingKey: "q"}); err != nil {
		t.Fatal(err)
	}
	_ = receiveDelivery(t, sub.Deliveries)
	if depth := broker.QueueDepth("q"); depth != 0 {
		t.Fatalf("unacked delivery counted as ready: %d", depth)
	}

	if err := sub.Cancel(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Deliveries; ok {
		t.Fatal("expected closed delivery channel")
	}
	if depth := broker.QueueDepth("q"); depth != 1 {
		t.Fatalf("expected requeued message, got depth %d", depth)
	}
}

func TestMockBrokerMessageTTLDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMockBroker()
	if err := broker.DeclareExchange(ctx, "retry", ExchangeOptions{Kind: KindFanout}); err != nil {
		t.Fatal(err)
	}
	if _, err := broker.DeclareQueue(ctx, "retry-q", QueueOptions{Arguments: map[string]interface{}{
		"x-message-ttl":          int64(20),
		"x-dead-letter-exchange": "",
	}}); err != nil {
		t.Fatal(err)
	}
	if err := broker.BindQueue(ctx, "retry-q", "retry", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := broker.DeclareQueue(ctx, "target", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	sub, err := broker.Subscribe(ctx, ConsumeOptions{Queue: "target"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Cancel() }()

	start := time.Now()
	if err := broker.Publish(ctx, Message{Body: []byte("later")}, PublishOptions{Exchange: "retry", RoutingKey: "target"}); err != nil {
		t.Fatal(err)
	}

	d := receiveDelivery(t, sub.Deliveries)
	if string(d.Body) != "later" {
		t.Fatalf("expected later, got %q", string(d.Body))
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("message delivered before TTL: %v", elapsed)
	}
}

func TestMockBrokerPublishUnknownExchange(t *testing.T) {
	broker := NewMockBroker()
	err := broker.Publish(context.Background(), Message{}, PublishOptions{Exchange: "missing", RoutingKey: "x"})
	if err == nil {
		t.Fatal("expected error for undeclared exchange")
	}
}

func TestMockBrokerFailNext(t *testing.T) {
	broker := NewMockBroker()
	boom := errors.New("boom")
	broker.FailNext(OpDeclareExchange, boom)

	ctx := context.Background()
	if err := broker.DeclareExchange(ctx, "events", ExchangeOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := broker.DeclareExchange(ctx, "events", ExchangeOptions{}); err != nil {
		t.Fatalf("second declare should succeed: %v", err)
	}
	if calls := broker.Calls(OpDeclareExchange); calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestMockBrokerInspectMissingQueue(t *testing.T) {
	broker := NewMockBroker()
	if _, err := broker.InspectQueue(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing queue")
	}
}

func receiveDelivery(t *testing.T, deliveries <-chan Delivery) Delivery {
	t.Helper()

	select {
	case d := <-deliveries:
		return d
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}
