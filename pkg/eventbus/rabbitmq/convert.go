package rabbitmq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// HeaderSessionID carries the session id; AMQP 0-9-1 has no native field for it.
const HeaderSessionID = "x-session-id"

const (
	headerDeath            = "x-death"
	headerFirstDeathReason = "x-first-death-reason"
	headerFirstDeathQueue  = "x-first-death-queue"
)

func fromDelivery(d amqp.Delivery) *eventbus.DeadLetteredMessage {
	props, typed := fromAMQPHeaders(d.Headers)
	msg := &eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:            d.MessageId,
			Body:          d.Body,
			ContentType:   d.ContentType,
			Subject:       d.Type,
			CorrelationID: d.CorrelationId,
			Properties:    props,

			TypedProperties: typed,
		},
		SequenceNumber: int64(d.DeliveryTag),
		EnqueuedTime:   d.Timestamp,
		Handle:         d.DeliveryTag,
	}
	if !msg.EnqueuedTime.IsZero() {
		msg.EnqueuedTime = msg.EnqueuedTime.UTC()
	}
	if d.Redelivered {
		msg.DeliveryCount = 2
	} else {
		msg.DeliveryCount = 1
	}
	if v, ok := d.Headers[HeaderSessionID]; ok {
		msg.SessionID = fmt.Sprint(v)
		delete(msg.Properties, HeaderSessionID)
	}
	if v, ok := d.Headers[headerFirstDeathReason]; ok {
		msg.DeadLetterReason = fmt.Sprint(v)
	}
	if v, ok := d.Headers[headerFirstDeathQueue]; ok {
		msg.DeadLetterSource = fmt.Sprint(v)
	}
	return msg
}

// fromAMQPHeaders keeps scalar headers. Non-string scalars also keep their native value.
// Nested tables and arrays (the broker-managed x-death history) cannot be represented as
// string properties and are dropped.
func fromAMQPHeaders(headers amqp.Table) (map[string]string, map[string]any) {
	out := make(map[string]string, len(headers))
	var typed map[string]any
	for k, v := range headers {
		if k == headerDeath {
			continue
		}
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		out[k] = s
		if _, isString := v.(string); !isString {
			if typed == nil {
				typed = make(map[string]any)
			}
			typed[k] = v
		}
	}
	return out, typed
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case bool:
		return strconv.FormatBool(val), true
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}

func toPublishing(msg *eventbus.Message, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k := range msg.Properties {
		headers[k] = msg.PropertyValue(k)
	}
	if msg.SessionID != "" {
		headers[HeaderSessionID] = msg.SessionID
	}
	return amqp.Publishing{
		MessageId:     msg.ID,
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Subject,
		Headers:       headers,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now,
	}
}

// classify maps amqp errors onto eventbus error kinds.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, amqp.ErrClosed) {
		return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			return eventbus.Errorf(eventbus.ErrProtocol, err, "%s", msg)
		case amqp.AccessRefused, amqp.ConnectionForced:
			return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
		case amqp.PreconditionFailed, amqp.ContentTooLarge:
			return eventbus.Errorf(eventbus.ErrRejected, err, "%s", msg)
		}
		if !amqpErr.Recover {
			return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
		}
	}
	if eventbus.IsNetworkError(err) || strings.Contains(err.Error(), "connection reset") {
		return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
