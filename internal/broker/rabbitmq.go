package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQConfig defines connection and channel settings.
type RabbitMQConfig struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	Locale         string
	ChannelMax     int
	FrameSize      int
	PrefetchCount  int
	PrefetchSize   int
	// PublisherConfirms makes Publish wait for the broker to confirm each message.
	PublisherConfirms bool
}

// RabbitMQ implements Broker using RabbitMQ.
type RabbitMQ struct {
	cfg    RabbitMQConfig
	conn   *amqp.Connection
	log    zerolog.Logger
	mu     sync.Mutex
	closed bool

	lost    chan struct{}
	lostErr error
}

// NewRabbitMQ establishes a new RabbitMQ connection.
func NewRabbitMQ(ctx context.Context, cfg RabbitMQConfig) (*RabbitMQ, error) {
	return NewRabbitMQWithLogger(ctx, cfg, zerolog.Nop())
}

// NewRabbitMQWithLogger establishes a connection and reports unexpected
// connection loss through log.
func NewRabbitMQWithLogger(ctx context.Context, cfg RabbitMQConfig, log zerolog.Logger) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	config := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    cfg.Locale,
		Properties: amqp.Table{
			"connection_name": cfg.ConnectionName,
		},
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	if cfg.ChannelMax > 0 {
		config.ChannelMax = uint16(cfg.ChannelMax)
	}
	if cfg.FrameSize > 0 {
		config.FrameSize = cfg.FrameSize
	}

	conn, err := amqp.DialConfig(cfg.URL, config)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	b := &RabbitMQ{cfg: cfg, conn: conn, log: log, lost: make(chan struct{})}
	go b.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return b, nil
}

// watchClose reports a connection drop that was not initiated by Close
// through Lost. The connection is not redialled; channels and consumers die
// with it, so the owner is expected to stop and be restarted.
func (b *RabbitMQ) watchClose(notify <-chan *amqp.Error) {
	err, ok := <-notify
	if !ok || err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lostErr = err
	close(b.lost)
	b.log.Error().
		Err(err).
		Str("connection", b.cfg.ConnectionName).
		Msg("RabbitMQ connection lost")
}

// Lost is closed when the connection drops without Close being called.
func (b *RabbitMQ) Lost() <-chan struct{} {
	return b.lost
}

// Err returns the error that closed the connection, if it was lost.
func (b *RabbitMQ) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lostErr
}

// Ping reports whether the connection is open.
func (b *RabbitMQ) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.lostErr != nil:
		return fmt.Errorf("rabbitmq connection lost: %w", b.lostErr)
	case b.closed || b.conn == nil || b.conn.IsClosed():
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Close shuts down the broker connection.
func (b *RabbitMQ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// DeclareExchange declares an exchange.
func (b *RabbitMQ) DeclareExchange(ctx context.Context, name string, opts ExchangeOptions) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	kind := opts.Kind
	if kind == "" {
		kind = "direct"
	}

	if err := ch.ExchangeDeclare(
		name,
		kind,
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		opts.NoWait,
		toTable(opts.Arguments),
	); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// DeclareQueue declares a queue.
func (b *RabbitMQ) DeclareQueue(ctx context.Context, name string, opts QueueOptions) (QueueInfo, error) {
	ch, err := b.openChannel()
	if err != nil {
		return QueueInfo{}, err
	}
	defer closeChannel(ch)

	q, err := ch.QueueDeclare(
		name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		opts.NoWait,
		toTable(opts.Arguments),
	)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("declare queue %q: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return QueueInfo{}, ctx.Err()
	default:
		return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
	}
}

// BindQueue binds a queue to an exchange with a routing key.
func (b *RabbitMQ) BindQueue(ctx context.Context, queue, exchange, routingKey string, args map[string]interface{}) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	if err := ch.QueueBind(queue, routingKey, exchange, false, toTable(args)); err != nil {
		return fmt.Errorf("bind queue %q to %q: %w", queue, exchange, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// UnbindQueue removes a routing binding. Unbinding a key that is not bound is
// a no-op at the broker.
func (b *RabbitMQ) UnbindQueue(ctx context.Context, queue, exchange, routingKey string, args map[string]interface{}) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	if err := ch.QueueUnbind(queue, routingKey, exchange, toTable(args)); err != nil {
		return fmt.Errorf("unbind queue %q from %q: %w", queue, exchange, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// InspectQueue passively declares a queue to read its ready message count.
// It fails if the queue does not exist.
func (b *RabbitMQ) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	ch, err := b.openChannel()
	if err != nil {
		return QueueInfo{}, err
	}
	defer closeChannel(ch)

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("inspect queue %q: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return QueueInfo{}, ctx.Err()
	default:
		return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
	}
}

// Publish sends a message to the broker.
func (b *RabbitMQ) Publish(ctx context.Context, msg Message, opts PublishOptions) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer closeChannel(ch)

	publishing := toPublishing(msg)

	if !b.cfg.PublisherConfirms {
		if err := ch.PublishWithContext(
			ctx,
			opts.Exchange,
			opts.RoutingKey,
			opts.Mandatory,
			opts.Immediate,
			publishing,
		); err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
		return nil
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		opts.Exchange,
		opts.RoutingKey,
		opts.Mandatory,
		opts.Immediate,
		publishing,
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish to %q/%q: %w", opts.Exchange, opts.RoutingKey, ErrPublishNacked)
	}
	return nil
}

// Subscribe registers a consumer and returns deliveries.
func (b *RabbitMQ) Subscribe(ctx context.Context, opts ConsumeOptions) (*Subscription, error) {
	ch, err := b.openChannel()
	if err != nil {
		return nil, err
	}

	if b.cfg.PrefetchCount > 0 || b.cfg.PrefetchSize > 0 {
		if err := ch.Qos(b.cfg.PrefetchCount, b.cfg.PrefetchSize, false); err != nil {
			closeChannel(ch)
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}

	consumerTag := opts.Consumer
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	deliveries, err := ch.Consume(
		opts.Queue,
		consumerTag,
		opts.AutoAck,
		opts.Exclusive,
		opts.NoLocal,
		opts.NoWait,
		toTable(opts.Arguments),
	)
	if err != nil {
		closeChannel(ch)
		return nil, fmt.Errorf("consume from %q: %w", opts.Queue, err)
	}

	out := make(chan Delivery, 128)
	var cancelOnce sync.Once
	cancel := func() error {
		var cancelErr error
		cancelOnce.Do(func() {
			if err := ch.Cancel(consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				cancelErr = fmt.Errorf("cancel consumer: %w", err)
			}
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) && cancelErr == nil {
				cancelErr = fmt.Errorf("close channel: %w", err)
			}
		})
		return cancelErr
	}

	go func() {
		<-ctx.Done()
		_ = cancel()
	}()

	go func() {
		defer close(out)
		for d := range deliveries {
			out <- deliveryFromAMQP(d)
		}
	}()

	return &Subscription{Deliveries: out, Cancel: cancel}, nil
}

// ErrPublishNacked is returned when the broker refuses a confirmed publish,
// for example because a reject-publish queue is full.
var ErrPublishNacked = errors.New("publish not acknowledged by broker")

func (b *RabbitMQ) openChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.conn == nil || b.conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is closed")
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func closeChannel(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
}

func toTable(values map[string]interface{}) amqp.Table {
	if len(values) == 0 {
		return nil
	}
	table := amqp.Table{}
	for key, value := range values {
		table[key] = value
	}
	return table
}

func fromTable(values amqp.Table) map[string]interface{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

func toPublishing(msg Message) amqp.Publishing {
	publishing := amqp.Publishing{
		Body:          msg.Body,
		ContentType:   msg.ContentType,
		Type:          msg.Type,
		MessageId:     msg.MessageID,
		AppId:         msg.AppID,
		Headers:       toTable(msg.Headers),
		Timestamp:     msg.Timestamp,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		DeliveryMode:  msg.DeliveryMode,
	}
	if publishing.Timestamp.IsZero() {
		publishing.Timestamp = time.Now()
	}
	return publishing
}

func deliveryFromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Message: Message{
			Body:          d.Body,
			ContentType:   d.ContentType,
			Type:          d.Type,
			MessageID:     d.MessageId,
			AppID:         d.AppId,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			Headers:       fromTable(d.Headers),
			Timestamp:     d.Timestamp,
			DeliveryMode:  d.DeliveryMode,
		},
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Ack: func(multiple bool) error {
			return d.Ack(multiple)
		},
		Nack: func(requeue bool) error {
			return d.Nack(false, requeue)
		},
		Reject: func(requeue bool) error {
			return d.Reject(requeue)
		},
	}
}

var _ Broker = (*RabbitMQ)(nil)
