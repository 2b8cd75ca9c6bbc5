// Package rabbitmq replays messages parked in a RabbitMQ dead-letter queue.
//
// The subscription names the dead-letter queue (default "<destination>.dlq"). Messages are
// fetched with basic.get without auto-ack and acknowledged individually; closing the receiver
// closes its channel, which makes the broker requeue every delivery that was not acknowledged.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// DefaultDeadLetterSuffix derives the dead-letter queue name from the destination.
const DefaultDeadLetterSuffix = ".dlq"

// Config holds RabbitMQ adapter configuration.
type Config struct {
	URL string
	// Exchange receives replayed messages with the destination as routing key.
	// Empty publishes through the default exchange straight to the queue named by the destination.
	Exchange     string
	ExchangeType string
	// DeadLetterSuffix is appended to the destination when no subscription is given.
	DeadLetterSuffix string
	OperationTimeout time.Duration
}

// channelAPI is the part of *amqp.Channel a receiver needs.
type channelAPI interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// publisher publishes one message and waits for the broker confirm.
type publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Close() error
}

// Adapter implements eventbus.Broker for RabbitMQ.
type Adapter struct {
	conn   *amqp.Connection
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool

	openChannel   func() (channelAPI, error)
	openPublisher func() (publisher, error)
}

// NewAdapter dials the broker and declares the replay exchange when one is configured.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}
	if log == nil {
		log = logger.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, eventbus.Errorf(eventbus.ErrConnection, err, "connect to rabbitmq")
	}

	if cfg.Exchange != "" {
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, classify(err, "open rabbitmq channel")
		}
		err = ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil)
		_ = ch.Close()
		if err != nil {
			_ = conn.Close()
			return nil, classify(err, "declare exchange %s", cfg.Exchange)
		}
	}

	a := newAdapter(cfg, log)
	a.conn = conn
	a.openChannel = func() (channelAPI, error) { return conn.Channel() }
	a.openPublisher = func() (publisher, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return &confirmingPublisher{ch: ch}, nil
	}
	return a, nil
}

func newAdapter(cfg Config, log logger.Logger) *Adapter {
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &Adapter{logger: log, config: cfg}
}

func (a *Adapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return eventbus.Errorf(eventbus.ErrClosed, nil, "rabbitmq adapter is closed")
	}
	return nil
}

// DeadLetterQueue returns the queue read for destination/subscription.
func (a *Adapter) DeadLetterQueue(destination, subscription string) string {
	if subscription != "" {
		return subscription
	}
	return destination + a.config.DeadLetterSuffix
}

// NewDeadLetterReceiver implements eventbus.Broker.
func (a *Adapter) NewDeadLetterReceiver(_ context.Context, destination, subscription string) (eventbus.DeadLetterReceiver, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	ch, err := a.openChannel()
	if err != nil {
		return nil, classify(err, "open consumer channel")
	}
	return &receiver{ch: ch, queue: a.DeadLetterQueue(destination, subscription), log: a.logger}, nil
}

// NewSender implements eventbus.Broker.
func (a *Adapter) NewSender(_ context.Context, destination string) (eventbus.Sender, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	pub, err := a.openPublisher()
	if err != nil {
		return nil, classify(err, "open publish channel")
	}
	return &sender{pub: pub, exchange: a.config.Exchange, routingKey: destination}, nil
}

// HealthCheck implements eventbus.Broker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return eventbus.Errorf(eventbus.ErrConnection, nil, "rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return classify(err, "rabbitmq health check")
	}
	_ = ch.Close()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq health check: %w", err)
	}
	return nil
}

// Close implements eventbus.Broker.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

type receiver struct {
	ch    channelAPI
	queue string
	log   logger.Logger
}

func (r *receiver) ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*eventbus.DeadLetteredMessage, error) {
	var out []*eventbus.DeadLetteredMessage
	for maxMessages <= 0 || len(out) < maxMessages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := r.ch.Get(r.queue, false)
		if err != nil {
			return nil, classify(err, "get from %s", r.queue)
		}
		if !ok {
			break
		}
		out = append(out, fromDelivery(d))
	}
	return out, nil
}

func (r *receiver) Complete(_ context.Context, msg *eventbus.DeadLetteredMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	tag, ok := msg.Handle.(uint64)
	if !ok {
		return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s has no delivery tag", msg.ID)
	}
	if err := r.ch.Ack(tag, false); err != nil {
		return classify(err, "ack message %s", msg.ID)
	}
	return nil
}

// Close closes the channel; the broker requeues unacknowledged deliveries.
func (r *receiver) Close() error {
	if err := r.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close consumer channel: %w", err)
	}
	return nil
}

type sender struct {
	pub        publisher
	exchange   string
	routingKey string
}

func (s *sender) Send(ctx context.Context, msg *eventbus.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := s.pub.Publish(ctx, s.exchange, s.routingKey, toPublishing(msg, time.Now().UTC())); err != nil {
		if errors.Is(err, eventbus.ErrRejected) {
			return err
		}
		return classify(err, "publish message %s", msg.ID)
	}
	return nil
}

func (s *sender) Close() error {
	if err := s.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close publish channel: %w", err)
	}
	return nil
}

type confirmingPublisher struct {
	ch *amqp.Channel
}

func (p *confirmingPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return eventbus.Errorf(eventbus.ErrRejected, nil, "broker nacked message %s", msg.MessageId)
	}
	return nil
}

func (p *confirmingPublisher) Close() error {
	return p.ch.Close()
}
