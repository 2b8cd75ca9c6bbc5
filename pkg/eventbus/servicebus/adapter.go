// Package servicebus replays messages from the dead-letter sub-queue of an Azure Service Bus
// topic subscription, or of a queue when no subscription is given.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// maxReceiveBatch caps a single ReceiveMessages call.
const maxReceiveBatch = 100

// Config holds Service Bus adapter configuration. ConnectionString wins over Namespace;
// with only Namespace set the default Azure credential chain is used.
type Config struct {
	ConnectionString string
	Namespace        string

	// HealthQueue is peeked by HealthCheck.
	HealthQueue string

	// InitialWait bounds the first receive call, ReceiveWait every following one.
	InitialWait time.Duration
	ReceiveWait time.Duration
}

type receiverAPI interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	Close(ctx context.Context) error
}

type senderAPI interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// clientAPI hides the concrete *azservicebus.Client, whose receivers and senders are structs.
type clientAPI interface {
	NewReceiver(entity, subscription string, subQueue azservicebus.SubQueue) (receiverAPI, error)
	NewSender(entity string) (senderAPI, error)
	Close(ctx context.Context) error
}

type sdkClient struct {
	client *azservicebus.Client
}

func (c *sdkClient) NewReceiver(entity, subscription string, subQueue azservicebus.SubQueue) (receiverAPI, error) {
	opts := &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
		SubQueue:    subQueue,
	}
	if subscription == "" {
		return c.client.NewReceiverForQueue(entity, opts)
	}
	return c.client.NewReceiverForSubscription(entity, subscription, opts)
}

func (c *sdkClient) NewSender(entity string) (senderAPI, error) {
	return c.client.NewSender(entity, nil)
}

func (c *sdkClient) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Adapter implements eventbus.Broker for Azure Service Bus.
type Adapter struct {
	client clientAPI
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool
}

// NewAdapter creates the Service Bus client. Links are opened lazily by receivers and senders.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	var (
		client *azservicebus.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.Namespace != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, eventbus.Errorf(eventbus.ErrConnection, credErr, "load azure credential")
		}
		client, err = azservicebus.NewClient(cfg.Namespace, cred, nil)
	default:
		return nil, fmt.Errorf("service bus connection string or namespace is required")
	}
	if err != nil {
		return nil, eventbus.Errorf(eventbus.ErrConnection, err, "create service bus client")
	}
	return newAdapter(&sdkClient{client: client}, cfg, log), nil
}

func newAdapter(client clientAPI, cfg Config, log logger.Logger) *Adapter {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 5 * time.Second
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = time.Second
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
		return eventbus.Errorf(eventbus.ErrClosed, nil, "service bus adapter is closed")
	}
	return nil
}

// NewDeadLetterReceiver implements eventbus.Broker.
func (a *Adapter) NewDeadLetterReceiver(_ context.Context, destination, subscription string) (eventbus.DeadLetterReceiver, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	r, err := a.client.NewReceiver(destination, subscription, azservicebus.SubQueueDeadLetter)
	if err != nil {
		return nil, classify(err, "open dead-letter receiver for %s/%s", destination, subscription)
	}
	return &receiver{api: r, config: a.config, entity: destination, subscription: subscription}, nil
}

// NewSender implements eventbus.Broker.
func (a *Adapter) NewSender(_ context.Context, destination string) (eventbus.Sender, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	s, err := a.client.NewSender(destination)
	if err != nil {
		return nil, classify(err, "open sender for %s", destination)
	}
	return &sender{api: s, destination: destination}, nil
}

// HealthCheck peeks the health queue, which forces a round trip to the namespace.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.config.HealthQueue == "" {
		return nil
	}

	hcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := a.client.NewReceiver(a.config.HealthQueue, "", 0)
	if err != nil {
		return classify(err, "service bus health check")
	}
	defer func() { _ = r.Close(context.Background()) }()

	if _, err := r.PeekMessages(hcCtx, 1, nil); err != nil {
		return classify(err, "service bus health check")
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Close(ctx); err != nil {
		return fmt.Errorf("close service bus client: %w", err)
	}
	a.logger.Info("service bus adapter closed")
	return nil
}

type receiver struct {
	api          receiverAPI
	config       Config
	entity       string
	subscription string
}

func (r *receiver) ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*eventbus.DeadLetteredMessage, error) {
	var out []*eventbus.DeadLetteredMessage
	wait := r.config.InitialWait
	for maxMessages <= 0 || len(out) < maxMessages {
		n := maxReceiveBatch
		if maxMessages > 0 && maxMessages-len(out) < n {
			n = maxMessages - len(out)
		}

		recvCtx, cancel := context.WithTimeout(ctx, wait)
		batch, err := r.api.ReceiveMessages(recvCtx, n, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return nil, classify(err, "receive from %s/%s dead-letter queue", r.entity, r.subscription)
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			out = append(out, fromReceivedMessage(m))
		}
		wait = r.config.ReceiveWait
	}
	return out, nil
}

func (r *receiver) Complete(ctx context.Context, msg *eventbus.DeadLetteredMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	m, ok := msg.Handle.(*azservicebus.ReceivedMessage)
	if !ok || m == nil {
		return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s was not received by this receiver", msg.ID)
	}
	if err := r.api.CompleteMessage(ctx, m, nil); err != nil {
		return classify(err, "complete message %s", msg.ID)
	}
	return nil
}

// Close releases the link; messages not completed return to the dead-letter queue when their lock expires.
func (r *receiver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.api.Close(ctx); err != nil {
		return fmt.Errorf("close dead-letter receiver: %w", err)
	}
	return nil
}

type sender struct {
	api         senderAPI
	destination string
}

func (s *sender) Send(ctx context.Context, msg *eventbus.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := s.api.SendMessage(ctx, toServiceBusMessage(msg), nil); err != nil {
		return classify(err, "send message %s to %s", msg.ID, s.destination)
	}
	return nil
}

func (s *sender) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.api.Close(ctx); err != nil {
		return fmt.Errorf("close sender: %w", err)
	}
	return nil
}
