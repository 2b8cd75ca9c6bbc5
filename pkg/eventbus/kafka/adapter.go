// Package kafka replays records parked on a Kafka dead-letter topic.
//
// Kafka cannot delete single records, so completing a message commits the consumer group
// offset past it. A record that was skipped or failed keeps every later record of its
// partition uncommitted: completing one of those fails with eventbus.ErrLockLost, since it
// stays on the topic and is fetched again by the next run.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// DefaultDeadLetterSuffix derives the dead-letter topic from the destination.
const DefaultDeadLetterSuffix = ".dlq"

// Config holds the configuration for the Kafka adapter.
type Config struct {
	// Brokers is the list of Kafka broker addresses (e.g., ["localhost:9092"])
	Brokers []string

	// GroupID is the consumer group that owns the dead-letter topic offsets.
	GroupID string

	// DeadLetterSuffix is appended to the destination when no subscription is given.
	DeadLetterSuffix string

	// OperationTimeout bounds produce calls.
	OperationTimeout time.Duration

	// MaxRetries is the maximum number of produce attempts.
	MaxRetries int

	// InitialWait bounds the first fetch, which includes joining the group.
	InitialWait time.Duration

	// ReceiveWait ends the batch when no further record arrives within it.
	ReceiveWait time.Duration
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Adapter implements eventbus.Broker for Apache Kafka.
type Adapter struct {
	producer  writer
	newReader func(topic string) reader
	logger    logger.Logger
	config    Config
	mu        sync.RWMutex
	closed    bool
}

// NewAdapter creates the producer. Readers are created per receiver.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	cfg = withDefaults(cfg)
	if log == nil {
		log = logger.NewNop()
	}

	producer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	a := &Adapter{producer: producer, logger: log, config: cfg}
	a.newReader = func(topic string) reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			StartOffset: kafka.FirstOffset,
			MaxWait:     500 * time.Millisecond,
			// Explicit commits only.
			CommitInterval: 0,
		})
	}

	log.Info("kafka adapter initialized",
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
	)
	return a, nil
}

func withDefaults(cfg Config) Config {
	if cfg.GroupID == "" {
		cfg.GroupID = "dlq-replayer"
	}
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialWait == 0 {
		cfg.InitialWait = 10 * time.Second
	}
	if cfg.ReceiveWait == 0 {
		cfg.ReceiveWait = time.Second
	}
	return cfg
}

func (a *Adapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return eventbus.Errorf(eventbus.ErrClosed, nil, "kafka adapter is closed")
	}
	return nil
}

// DeadLetterTopic returns the topic read for destination/subscription.
func (a *Adapter) DeadLetterTopic(destination, subscription string) string {
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
	topic := a.DeadLetterTopic(destination, subscription)
	return &receiver{
		reader:  a.newReader(topic),
		topic:   topic,
		config:  a.config,
		logger:  a.logger,
		pending: make(map[int][]*tracked),
	}, nil
}

// NewSender implements eventbus.Broker.
func (a *Adapter) NewSender(_ context.Context, destination string) (eventbus.Sender, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, eventbus.Errorf(eventbus.ErrProtocol, nil, "kafka destination topic is required")
	}
	return &sender{adapter: a, topic: destination}, nil
}

// HealthCheck verifies connectivity to the first broker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return eventbus.Errorf(eventbus.ErrConnection, err, "connect to kafka broker")
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return classify(err, "fetch broker metadata")
	}
	return nil
}

// Close shuts down the producer.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	a.logger.Info("kafka adapter closed")
	return nil
}

type tracked struct {
	msg kafka.Message
}

type receiver struct {
	reader reader
	topic  string
	config Config
	logger logger.Logger

	mu      sync.Mutex
	pending map[int][]*tracked
}

func (r *receiver) ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*eventbus.DeadLetteredMessage, error) {
	var out []*eventbus.DeadLetteredMessage
	wait := r.config.InitialWait
	for maxMessages <= 0 || len(out) < maxMessages {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := r.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Nothing more within the wait: the topic is drained.
				break
			}
			return nil, classify(err, "fetch from %s", r.topic)
		}

		t := &tracked{msg: msg}
		r.mu.Lock()
		r.pending[msg.Partition] = append(r.pending[msg.Partition], t)
		r.mu.Unlock()

		out = append(out, fromKafkaMessage(msg, t))
		wait = r.config.ReceiveWait
	}
	return out, nil
}

// Complete commits the record's offset. Only the oldest pending record of a partition can be committed.
func (r *receiver) Complete(ctx context.Context, msg *eventbus.DeadLetteredMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	t, ok := msg.Handle.(*tracked)
	if !ok {
		return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s was not received by this receiver", msg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[t.msg.Partition]
	switch pos := indexOf(queue, t); {
	case pos < 0:
		return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s is not pending", msg.ID)
	case pos > 0:
		// records are completed in fetch order, so queue[0] was skipped or failed in this run
		return eventbus.Errorf(eventbus.ErrLockLost, nil,
			"message %s stays on %s: offset %d on partition %d is behind uncommitted offset %d",
			msg.ID, r.topic, t.msg.Offset, t.msg.Partition, queue[0].msg.Offset)
	}
	if err := r.reader.CommitMessages(ctx, t.msg); err != nil {
		return classify(err, "commit offset %d on partition %d", t.msg.Offset, t.msg.Partition)
	}
	r.pending[t.msg.Partition] = queue[1:]
	return nil
}

func indexOf(queue []*tracked, t *tracked) int {
	for i, q := range queue {
		if q == t {
			return i
		}
	}
	return -1
}

// Close leaves uncommitted records for the next run of the group.
func (r *receiver) Close() error {
	if err := r.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer for topic %s: %w", r.topic, err)
	}
	return nil
}

type sender struct {
	adapter *Adapter
	topic   string
}

func (s *sender) Send(ctx context.Context, msg *eventbus.Message) error {
	if err := s.adapter.checkOpen(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.adapter.config.OperationTimeout)
	defer cancel()

	if err := s.adapter.producer.WriteMessages(ctx, toKafkaMessage(s.topic, msg)); err != nil {
		s.adapter.logger.Error("failed to publish message",
			"topic", s.topic,
			"message_id", msg.ID,
			"error", err,
		)
		return classify(err, "publish message %s to topic %s", msg.ID, s.topic)
	}
	return nil
}

func (s *sender) Close() error { return nil }
