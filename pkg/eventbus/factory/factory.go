// Package factory selects and builds the broker adapter named by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/eventbus/kafka"
	"github.com/nimburion/dlqreplay/pkg/eventbus/memory"
	"github.com/nimburion/dlqreplay/pkg/eventbus/rabbitmq"
	"github.com/nimburion/dlqreplay/pkg/eventbus/servicebus"
	"github.com/nimburion/dlqreplay/pkg/eventbus/sqs"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// NewBroker builds the adapter for cfg.Type. subscription is the replay subscription; SQS and
// Service Bus probe it on health checks when no explicit health entity is configured.
func NewBroker(ctx context.Context, cfg config.BrokerConfig, subscription string, log logger.Logger) (eventbus.Broker, error) {
	if log == nil {
		log = logger.NewNop()
	}
	healthEntity := cfg.HealthEntity

	var (
		broker eventbus.Broker
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.BrokerTypeServiceBus:
		var a *servicebus.Adapter
		a, err = servicebus.NewAdapter(servicebus.Config{
			ConnectionString: cfg.ConnectionString,
			Namespace:        cfg.Namespace,
			HealthQueue:      healthEntity,
			ReceiveWait:      waitTime(cfg.WaitTimeSeconds),
		}, log)
		broker = a
	case config.BrokerTypeSQS:
		if healthEntity == "" {
			healthEntity = subscription
		}
		var a *sqs.Adapter
		a, err = sqs.NewAdapter(ctx, sqs.Config{
			Region:            cfg.Region,
			Endpoint:          cfg.Endpoint,
			AccessKeyID:       cfg.AccessKeyID,
			SecretAccessKey:   cfg.SecretAccessKey,
			SessionToken:      cfg.SessionToken,
			HealthQueueURL:    healthEntity,
			WaitTimeSeconds:   cfg.WaitTimeSeconds,
			VisibilityTimeout: cfg.VisibilityTimeout,
			ReceiveTimeout:    cfg.OperationTimeout,
		}, log)
		broker = a
	case config.BrokerTypeRabbitMQ:
		url := cfg.ConnectionString
		if url == "" && len(cfg.Brokers) > 0 {
			url = cfg.Brokers[0]
		}
		var a *rabbitmq.Adapter
		a, err = rabbitmq.NewAdapter(rabbitmq.Config{
			URL:              url,
			Exchange:         cfg.Exchange,
			ExchangeType:     cfg.ExchangeType,
			DeadLetterSuffix: cfg.DeadLetterSuffix,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
		broker = a
	case config.BrokerTypeKafka:
		var a *kafka.Adapter
		a, err = kafka.NewAdapter(kafka.Config{
			Brokers:          cfg.Brokers,
			GroupID:          cfg.GroupID,
			DeadLetterSuffix: cfg.DeadLetterSuffix,
			OperationTimeout: cfg.OperationTimeout,
			ReceiveWait:      waitTime(cfg.WaitTimeSeconds),
		}, log)
		broker = a
	case config.BrokerTypeMemory:
		log.Warn("using in-memory broker; dead-lettered messages are not persisted")
		broker = memory.NewBroker()
	default:
		return nil, fmt.Errorf("unsupported broker.type %q (supported: servicebus, sqs, rabbitmq, kafka, memory)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return broker, nil
}

// waitTime turns the configured wait seconds into the idle wait that ends a receive batch.
// Zero leaves the adapter default.
func waitTime(seconds int32) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
