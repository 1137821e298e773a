package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Operation names counted by MockBroker.Calls and targeted by FailNext.
const (
	OpDeclareExchange = "exchange.declare"
	OpDeclareQueue    = "queue.declare"
	OpInspectQueue    = "queue.inspect"
	OpBindQueue       = "queue.bind"
	OpUnbindQueue     = "queue.unbind"
	OpPublish         = "basic.publish"
	OpSubscribe       = "basic.consume"
)

// PublishedMessage captures mock publish calls for assertions.
type PublishedMessage struct {
	Message Message
	Options PublishOptions
	Time    time.Time
}

type mockBinding struct {
	queue string
	key   string
}

type mockMessage struct {
	seq         uint64
	msg         Message
	exchange    string
	routingKey  string
	redelivered bool
}

type mockQueue struct {
	name      string
	opts      QueueOptions
	ready     []mockMessage
	consumers []*mockConsumer
	next      int
	ttl       time.Duration
	dlx       string
	hasDLX    bool
	dlrk      string
}

type mockConsumer struct {
	queue   *mockQueue
	ch      chan Delivery
	autoAck bool
	unacked map[uint64]mockMessage
	closed  bool
}

// MockBroker is an in-memory Broker implementation for tests. It follows
// AMQP 0-9-1 semantics closely enough to exercise topology code: direct,
// fanout and topic routing, per-consumer prefetch, ack/nack with requeue,
// ready-message counts, and message TTL with dead-lettering.
type MockBroker struct {
	mu        sync.Mutex
	exchanges map[string]ExchangeOptions
	queues    map[string]*mockQueue
	bindings  map[string][]mockBinding
	published []PublishedMessage
	calls     map[string]int
	failures  map[string][]error
	prefetch  int
	seq       uint64
	closed    bool
}

// NewMockBroker constructs an in-memory broker with a prefetch of 10.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		exchanges: map[string]ExchangeOptions{},
		queues:    map[string]*mockQueue{},
		bindings:  map[string][]mockBinding{},
		calls:     map[string]int{},
		failures:  map[string][]error{},
		prefetch:  10,
	}
}

// SetPrefetch changes the unacknowledged-delivery limit for consumers
// subscribed afterwards.
func (m *MockBroker) SetPrefetch(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	m.prefetch = n
}

// FailNext makes the next call of op return err.
func (m *MockBroker) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls reports how many times op was invoked, failed calls included.
func (m *MockBroker) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Published returns a snapshot of published messages.
func (m *MockBroker) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// BoundKeys returns the sorted routing keys binding queue to exchange.
func (m *MockBroker) BoundKeys(exchange, queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for _, b := range m.bindings[exchange] {
		if b.queue == queue {
			keys = append(keys, b.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// QueueDepth returns the number of ready messages in a queue.
func (m *MockBroker) QueueDepth(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// HasExchange reports whether an exchange was declared.
func (m *MockBroker) HasExchange(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.exchanges[name]
	return ok
}

// QueueArguments returns the declaration arguments of a queue.
func (m *MockBroker) QueueArguments(name string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, false
	}
	return q.opts.Arguments, true
}

// InFlight returns the number of delivered but unsettled messages of a queue.
func (m *MockBroker) InFlight(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		n += len(c.unacked)
	}
	return n
}

// CancelConsumers ends every consumer of queue from the broker side, as
// RabbitMQ does when a queue leader moves. Their deliveries channels close.
func (m *MockBroker) CancelConsumers(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	consumers := append([]*mockConsumer(nil), q.consumers...)
	for _, c := range consumers {
		m.cancelConsumerLocked(c)
	}
	return len(consumers)
}

func (m *MockBroker) enterLocked(op string) error {
	m.calls[op]++
	if m.closed {
		return errors.New("mock broker is closed")
	}
	if queued := m.failures[op]; len(queued) > 0 {
		err := queued[0]
		m.failures[op] = queued[1:]
		return err
	}
	return nil
}

// DeclareExchange stores exchange metadata.
func (m *MockBroker) DeclareExchange(_ context.Context, name string, opts ExchangeOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpDeclareExchange); err != nil {
		return err
	}
	if name == "" {
		return errors.New("exchange name is required")
	}
	if opts.Kind == "" {
		opts.Kind = KindDirect
	}
	m.exchanges[name] = opts
	return nil
}

// DeclareQueue stores queue metadata. Redeclaring an existing queue keeps its
// contents.
func (m *MockBroker) DeclareQueue(_ context.Context, name string, opts QueueOptions) (QueueInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpDeclareQueue); err != nil {
		return QueueInfo{}, err
	}
	if name == "" {
		return QueueInfo{}, errors.New("queue name is required")
	}
	q, ok := m.queues[name]
	if !ok {
		q = &mockQueue{name: name, opts: opts}
		if ttl, ok := intArgument(opts.Arguments["x-message-ttl"]); ok {
			q.ttl = time.Duration(ttl) * time.Millisecond
		}
		if dlx, ok := opts.Arguments["x-dead-letter-exchange"].(string); ok {
			q.dlx, q.hasDLX = dlx, true
		}
		if dlrk, ok := opts.Arguments["x-dead-letter-routing-key"].(string); ok {
			q.dlrk = dlrk
		}
		m.queues[name] = q
	}
	return QueueInfo{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// InspectQueue reports the ready-message count of an existing queue.
func (m *MockBroker) InspectQueue(_ context.Context, name string) (QueueInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpInspectQueue); err != nil {
		return QueueInfo{}, err
	}
	q, ok := m.queues[name]
	if !ok {
		return QueueInfo{}, fmt.Errorf("inspect queue %q: not found", name)
	}
	return QueueInfo{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// BindQueue records exchange routing bindings.
func (m *MockBroker) BindQueue(_ context.Context, queue, exchange, routingKey string, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpBindQueue); err != nil {
		return err
	}
	if exchange == "" {
		return errors.New("exchange name is required")
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("bind queue %q: exchange %q not found", queue, exchange)
	}
	if _, ok := m.queues[queue]; !ok {
		return fmt.Errorf("bind queue %q: queue not found", queue)
	}
	for _, b := range m.bindings[exchange] {
		if b.queue == queue && b.key == routingKey {
			return nil
		}
	}
	m.bindings[exchange] = append(m.bindings[exchange], mockBinding{queue: queue, key: routingKey})
	return nil
}

// UnbindQueue removes a binding; unknown bindings are ignored.
func (m *MockBroker) UnbindQueue(_ context.Context, queue, exchange, routingKey string, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpUnbindQueue); err != nil {
		return err
	}
	bindings := m.bindings[exchange]
	for idx, b := range bindings {
		if b.queue == queue && b.key == routingKey {
			m.bindings[exchange] = append(bindings[:idx:idx], bindings[idx+1:]...)
			return nil
		}
	}
	return nil
}

// Publish routes a message to every matching queue. Unroutable messages are
// dropped, as the broker does.
func (m *MockBroker) Publish(_ context.Context, msg Message, opts PublishOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enterLocked(OpPublish); err != nil {
		return err
	}
	if opts.Exchange != DefaultExchange {
		if _, ok := m.exchanges[opts.Exchange]; !ok {
			return fmt.Errorf("publish message: exchange %q not found", opts.Exchange)
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.published = append(m.published, PublishedMessage{Message: msg, Options: opts, Time: time.Now()})
	m.routeLocked(msg, opts.Exchange, opts.RoutingKey)
	return nil
}

// Subscribe registers a consumer for a queue.
func (m *MockBroker) Subscribe(ctx context.Context, opts ConsumeOptions) (*Subscription, error) {
	if opts.Queue == "" {
		return nil, errors.New("queue name is required")
	}

	m.mu.Lock()
	if err := m.enterLocked(OpSubscribe); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	q, ok := m.queues[opts.Queue]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("consume from %q: queue not found", opts.Queue)
	}
	size := m.prefetch
	if opts.AutoAck {
		size = 128
	}
	c := &mockConsumer{
		queue:   q,
		ch:      make(chan Delivery, size),
		autoAck: opts.AutoAck,
		unacked: map[uint64]mockMessage{},
	}
	q.consumers = append(q.consumers, c)
	m.pumpLocked(q)
	m.mu.Unlock()

	var cancelOnce sync.Once
	cancel := func() error {
		cancelOnce.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.cancelConsumerLocked(c)
		})
		return nil
	}

	go func() {
		<-ctx.Done()
		_ = cancel()
	}()

	return &Subscription{Deliveries: c.ch, Cancel: cancel}, nil
}

// Close shuts down the mock broker.
func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		for _, c := range append([]*mockConsumer(nil), q.consumers...) {
			m.cancelConsumerLocked(c)
		}
	}
	return nil
}

func (m *MockBroker) routeLocked(msg Message, exchange, routingKey string) {
	for _, name := range m.resolveTargetsLocked(exchange, routingKey) {
		q := m.queues[name]
		if q == nil {
			continue
		}
		m.seq++
		m.enqueueLocked(q, mockMessage{seq: m.seq, msg: msg, exchange: exchange, routingKey: routingKey})
	}
}

func (m *MockBroker) resolveTargetsLocked(exchange, routingKey string) []string {
	if exchange == DefaultExchange {
		if _, ok := m.queues[routingKey]; ok {
			return []string{routingKey}
		}
		return nil
	}
	kind := m.exchanges[exchange].Kind
	var targets []string
	for _, b := range m.bindings[exchange] {
		switch kind {
		case KindFanout:
		case KindTopic:
			if !topicMatch(b.key, routingKey) {
				continue
			}
		default:
			if b.key != routingKey {
				continue
			}
		}
		targets = appendUnique(targets, b.queue)
	}
	return targets
}

func (m *MockBroker) enqueueLocked(q *mockQueue, mm mockMessage) {
	q.ready = append(q.ready, mm)
	if q.ttl > 0 {
		seq := mm.seq
		time.AfterFunc(q.ttl, func() { m.expire(q, seq) })
	}
	m.pumpLocked(q)
}

func (m *MockBroker) expire(q *mockQueue, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	for idx, mm := range q.ready {
		if mm.seq != seq {
			continue
		}
		q.ready = append(q.ready[:idx:idx], q.ready[idx+1:]...)
		m.deadLetterLocked(q, mm)
		return
	}
}

func (m *MockBroker) deadLetterLocked(q *mockQueue, mm mockMessage) {
	if !q.hasDLX {
		return
	}
	key := mm.routingKey
	if q.dlrk != "" {
		key = q.dlrk
	}
	m.routeLocked(mm.msg, q.dlx, key)
}

// pumpLocked hands ready messages to consumers with spare prefetch capacity,
// round-robin. Channel capacity always covers the prefetch window, so sends
// never block while the lock is held.
func (m *MockBroker) pumpLocked(q *mockQueue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		mm := q.ready[0]
		q.ready = q.ready[1:]

		m.seq++
		tag := m.seq
		if !c.autoAck {
			c.unacked[tag] = mm
		}
		c.ch <- m.deliveryLocked(c, tag, mm)
	}
}

func (q *mockQueue) nextConsumer() *mockConsumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (c *mockConsumer) hasCapacity() bool {
	if c.closed {
		return false
	}
	if c.autoAck {
		return len(c.ch) < cap(c.ch)
	}
	return len(c.unacked) < cap(c.ch)
}

func (m *MockBroker) deliveryLocked(c *mockConsumer, tag uint64, mm mockMessage) Delivery {
	settle := func(requeue, deadLetter bool) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		held, ok := c.unacked[tag]
		if !ok {
			return nil
		}
		delete(c.unacked, tag)
		switch {
		case requeue:
			held.redelivered = true
			c.queue.ready = append([]mockMessage{held}, c.queue.ready...)
		case deadLetter:
			m.deadLetterLocked(c.queue, held)
		}
		m.pumpLocked(c.queue)
		return nil
	}

	return Delivery{
		Message:     mm.msg,
		DeliveryTag: tag,
		Redelivered: mm.redelivered,
		Exchange:    mm.exchange,
		RoutingKey:  mm.routingKey,
		Ack: func(bool) error {
			return settle(false, false)
		},
		Nack: func(requeue bool) error {
			return settle(requeue, !requeue)
		},
		Reject: func(requeue bool) error {
			return settle(requeue, !requeue)
		},
	}
}

// cancelConsumerLocked stops deliveries to c and returns its unacknowledged
// messages to the head of the queue.
func (m *MockBroker) cancelConsumerLocked(c *mockConsumer) {
	if c.closed {
		return
	}
	c.closed = true
	q := c.queue
	for idx, candidate := range q.consumers {
		if candidate == c {
			q.consumers = append(q.consumers[:idx:idx], q.consumers[idx+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}

	held := make([]mockMessage, 0, len(c.unacked))
	for _, mm := range c.unacked {
		mm.redelivered = true
		held = append(held, mm)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].seq < held[j].seq })
	c.unacked = map[uint64]mockMessage{}
	q.ready = append(held, q.ready...)
	close(c.ch)
	m.pumpLocked(q)
}

// topicMatch implements AMQP topic matching: "*" matches exactly one word and
// "#" matches zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

func intArgument(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

var _ Broker = (*MockBroker)(nil)
