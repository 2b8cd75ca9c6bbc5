package servicebus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// errUnsupportedBody marks AMQP value and sequence bodies, which have no byte representation.
var errUnsupportedBody = errors.New("message body is not an AMQP data section")

func fromReceivedMessage(m *azservicebus.ReceivedMessage) *eventbus.DeadLetteredMessage {
	props := make(map[string]string, len(m.ApplicationProperties))
	var typed map[string]any
	for k, v := range m.ApplicationProperties {
		if s, ok := v.(string); ok {
			props[k] = s
			continue
		}
		props[k] = propertyString(v)
		if v != nil {
			if typed == nil {
				typed = make(map[string]any)
			}
			typed[k] = v
		}
	}

	out := &eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:            m.MessageID,
			ContentType:   deref(m.ContentType),
			SessionID:     deref(m.SessionID),
			Subject:       deref(m.Subject),
			CorrelationID: deref(m.CorrelationID),
			Properties:    props,

			TypedProperties: typed,
		},
		DeliveryCount:    int(m.DeliveryCount),
		DeadLetterReason: deref(m.DeadLetterReason),
		DeadLetterSource: deref(m.DeadLetterSource),
		Handle:           m,
	}
	out.Body, out.BodyErr = bodyOf(m)
	if m.SequenceNumber != nil {
		out.SequenceNumber = *m.SequenceNumber
	}
	if m.EnqueuedTime != nil {
		out.EnqueuedTime = m.EnqueuedTime.UTC()
	}
	return out
}

func propertyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

func bodyOf(m *azservicebus.ReceivedMessage) ([]byte, error) {
	if m.Body != nil || m.RawAMQPMessage == nil {
		return m.Body, nil
	}
	body := m.RawAMQPMessage.Body
	switch {
	case body.Value != nil || len(body.Sequence) > 0:
		return nil, errUnsupportedBody
	case len(body.Data) > 1:
		var joined []byte
		for _, section := range body.Data {
			joined = append(joined, section...)
		}
		return joined, nil
	case len(body.Data) == 1:
		return body.Data[0], nil
	}
	return nil, nil
}

func toServiceBusMessage(msg *eventbus.Message) *azservicebus.Message {
	props := make(map[string]any, len(msg.Properties))
	for k := range msg.Properties {
		props[k] = msg.PropertyValue(k)
	}
	return &azservicebus.Message{
		MessageID:             optional(msg.ID),
		Body:                  msg.Body,
		ContentType:           optional(msg.ContentType),
		SessionID:             optional(msg.SessionID),
		Subject:               optional(msg.Subject),
		CorrelationID:         optional(msg.CorrelationID),
		ApplicationProperties: props,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return to.Ptr(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classify maps azservicebus errors onto eventbus error kinds.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeLockLost:
			return eventbus.Errorf(eventbus.ErrLockLost, err, "%s", msg)
		case azservicebus.CodeConnectionLost, azservicebus.CodeUnauthorizedAccess:
			return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
		case azservicebus.CodeNotFound:
			return eventbus.Errorf(eventbus.ErrProtocol, err, "%s", msg)
		}
	}
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return eventbus.Errorf(eventbus.ErrRejected, err, "%s", msg)
	}
	if eventbus.IsNetworkError(err) {
		return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
