// Package sqs replays dead-lettered messages held in an AWS SQS redrive queue.
//
// The destination is the source queue URL and the subscription is the URL of its
// dead-letter queue. Completing a message deletes it from the dead-letter queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// maxReceiveBatch is the SQS limit for MaxNumberOfMessages.
const maxReceiveBatch = 10

// API is the subset of *sqs.Client used by the adapter.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds SQS adapter configuration.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// HealthQueueURL is probed by HealthCheck. Usually the dead-letter queue.
	HealthQueueURL string

	// WaitTimeSeconds is the long-poll wait of the first receive call. Follow-up calls do not wait.
	WaitTimeSeconds int32
	// VisibilityTimeout hides received messages from other consumers while a batch is replayed.
	VisibilityTimeout int32

	// ReceiveTimeout bounds one ReceiveMessage call on top of its long-poll wait.
	ReceiveTimeout time.Duration
}

// Adapter implements eventbus.Broker for AWS SQS.
type Adapter struct {
	client API
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool
}

// NewAdapter loads AWS credentials (static keys when given, the default chain otherwise)
// and verifies the health queue is reachable.
func NewAdapter(ctx context.Context, cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, eventbus.Errorf(eventbus.ErrConnection, err, "load aws config")
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := NewAdapterWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
	if cfg.HealthQueueURL != "" {
		if err := adapter.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

// NewAdapterWithClient wraps an existing client.
func NewAdapterWithClient(client API, cfg Config, log logger.Logger) *Adapter {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 300
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{client: client, logger: log, config: cfg}
}

func (a *Adapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return eventbus.Errorf(eventbus.ErrClosed, nil, "sqs adapter is closed")
	}
	return nil
}

// NewDeadLetterReceiver implements eventbus.Broker. subscription is the dead-letter queue URL.
func (a *Adapter) NewDeadLetterReceiver(_ context.Context, destination, subscription string) (eventbus.DeadLetterReceiver, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if subscription == "" {
		return nil, eventbus.Errorf(eventbus.ErrProtocol, nil, "sqs dead-letter queue URL is required for %s", destination)
	}
	return &receiver{adapter: a, queueURL: subscription}, nil
}

// NewSender implements eventbus.Broker. destination is the source queue URL.
func (a *Adapter) NewSender(_ context.Context, destination string) (eventbus.Sender, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, eventbus.Errorf(eventbus.ErrProtocol, nil, "sqs destination queue URL is required")
	}
	return &sender{adapter: a, queueURL: destination, fifo: strings.HasSuffix(destination, ".fifo")}, nil
}

// HealthCheck implements eventbus.Broker.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.config.HealthQueueURL == "" {
		return nil
	}

	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := a.client.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(a.config.HealthQueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return classify(err, "sqs health check")
	}
	return nil
}

// Close implements eventbus.Broker.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type receiver struct {
	adapter  *Adapter
	queueURL string
}

func (r *receiver) ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*eventbus.DeadLetteredMessage, error) {
	if err := r.adapter.checkOpen(); err != nil {
		return nil, err
	}

	var out []*eventbus.DeadLetteredMessage
	wait := r.adapter.config.WaitTimeSeconds
	for maxMessages <= 0 || len(out) < maxMessages {
		n := int32(maxReceiveBatch)
		if maxMessages > 0 && maxMessages-len(out) < maxReceiveBatch {
			n = int32(maxMessages - len(out))
		}
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(wait)*time.Second+r.adapter.config.ReceiveTimeout)
		resp, err := r.adapter.client.ReceiveMessage(callCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(r.queueURL),
			MaxNumberOfMessages:   n,
			WaitTimeSeconds:       wait,
			VisibilityTimeout:     r.adapter.config.VisibilityTimeout,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameSentTimestamp,
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameMessageGroupId,
				types.MessageSystemAttributeNameDeadLetterQueueSourceArn,
			},
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				// already received messages stay hidden until their visibility timeout, so hand them back
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, eventbus.Errorf(eventbus.ErrConnection, err, "receive from %s timed out", r.queueURL)
			}
			return nil, classify(err, "receive from %s", r.queueURL)
		}
		if len(resp.Messages) == 0 {
			break
		}
		for i := range resp.Messages {
			out = append(out, fromSQSMessage(resp.Messages[i]))
		}
		wait = 0
	}
	return out, nil
}

func (r *receiver) Complete(ctx context.Context, msg *eventbus.DeadLetteredMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	handle, ok := msg.Handle.(string)
	if !ok || handle == "" {
		return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s has no receipt handle", msg.ID)
	}
	_, err := r.adapter.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return classify(err, "delete message %s", msg.ID)
	}
	return nil
}

// Close leaves received messages to reappear once their visibility timeout expires.
func (r *receiver) Close() error { return nil }

type sender struct {
	adapter  *Adapter
	queueURL string
	fifo     bool
}

func (s *sender) Send(ctx context.Context, msg *eventbus.Message) error {
	if err := s.adapter.checkOpen(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	_, err := s.adapter.client.SendMessage(ctx, toSendInput(s.queueURL, s.fifo, msg))
	if err != nil {
		return classify(err, "send message %s", msg.ID)
	}
	return nil
}

func (s *sender) Close() error { return nil }
