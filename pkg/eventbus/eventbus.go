// Package eventbus defines the broker collaborator used to replay dead-lettered messages.
// Adapters for Azure Service Bus, SQS, RabbitMQ and Kafka live in sub-packages.
package eventbus

import (
	"context"
	"time"
)

// Broker opens the two scoped connections a replay invocation needs: a receiver bound to the
// dead-letter sub-queue and a sender bound to the original destination.
type Broker interface {
	// NewDeadLetterReceiver opens a receiver scoped to the dead-letter sub-queue of the given
	// destination/subscription. The caller owns the receiver and must Close it.
	NewDeadLetterReceiver(ctx context.Context, destination, subscription string) (DeadLetterReceiver, error)

	// NewSender opens a sender that publishes to the destination itself (never the dead-letter sub-queue).
	NewSender(ctx context.Context, destination string) (Sender, error)

	// HealthCheck verifies connectivity to the message broker.
	HealthCheck(ctx context.Context) error

	// Close releases the broker client.
	Close() error
}

// DeadLetterReceiver reads and acknowledges messages held in a dead-letter sub-queue.
type DeadLetterReceiver interface {
	// ReceiveDeadLettered fetches up to maxMessages messages in broker delivery order.
	// Nothing is acknowledged or removed by this call. Adapters bound each broker call on its
	// own; when ctx ends mid-fetch the messages received so far are returned with ctx's error.
	ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*DeadLetteredMessage, error)

	// Complete removes a previously received message from the dead-letter sub-queue.
	// Returns an error wrapping ErrLockLost when the broker lease has expired.
	Complete(ctx context.Context, msg *DeadLetteredMessage) error

	// Close releases the receiving connection. Unacknowledged messages stay in the sub-queue.
	Close() error
}

// Sender publishes messages to a single destination.
type Sender interface {
	// Send publishes one message. Broker refusals are wrapped in ErrRejected.
	Send(ctx context.Context, msg *Message) error

	// Close releases the sending connection.
	Close() error
}

// Message is an outbound message. It carries the delivery-relevant metadata copied from a
// dead-lettered source plus its application properties.
type Message struct {
	// ID is the broker message id, preserved across replay for downstream idempotency.
	ID string

	// Body is the opaque payload.
	Body []byte

	ContentType   string
	SessionID     string
	Subject       string
	CorrelationID string

	// Properties holds application-defined key/value metadata in string form.
	Properties map[string]string

	// TypedProperties keeps the broker-native value of Properties entries that are not plain
	// strings (an int64 Service Bus property, a Number SQS attribute, a bool AMQP header).
	// Senders publish the native value so typed subscription filters keep matching.
	TypedProperties map[string]any
}

// PropertyValue returns the native value kept for key, or its string form.
func (m *Message) PropertyValue(key string) any {
	if v, ok := m.TypedProperties[key]; ok {
		return v
	}
	return m.Properties[key]
}

// DeadLetteredMessage is a message read from a dead-letter sub-queue. It is owned by the broker
// until completed and only lives for the duration of one replay invocation.
type DeadLetteredMessage struct {
	Message

	// SequenceNumber is the broker-assigned position (sequence number, offset, delivery tag).
	SequenceNumber int64

	// EnqueuedTime is when the message first entered its original destination.
	EnqueuedTime time.Time

	DeliveryCount    int
	DeadLetterReason string
	DeadLetterSource string

	// BodyErr is set by adapters when the payload could not be decoded into bytes
	// (for example an AMQP value or sequence body). Such a message cannot be replayed.
	BodyErr error

	// Handle is the adapter-specific lease needed to complete the message
	// (lock token, receipt handle, delivery, record). Callers must treat it as opaque.
	Handle any
}

// CloneProperties returns a copy of the property map. A nil input yields an empty map.
func CloneProperties(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
