package kafka

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// Record headers carrying message metadata. The session id travels as the record key.
const (
	HeaderMessageID        = "message-id"
	HeaderContentType      = "content-type"
	HeaderSubject          = "subject"
	HeaderCorrelationID    = "correlation-id"
	HeaderDeadLetterReason = "dead-letter-reason"
	HeaderDeadLetterSource = "dead-letter-source"
)

var reservedHeaders = map[string]bool{
	HeaderMessageID:     true,
	HeaderContentType:   true,
	HeaderSubject:       true,
	HeaderCorrelationID: true,
}

func fromKafkaMessage(m kafka.Message, handle *tracked) *eventbus.DeadLetteredMessage {
	props := make(map[string]string, len(m.Headers))
	meta := make(map[string]string, len(reservedHeaders))
	for _, h := range m.Headers {
		if reservedHeaders[h.Key] {
			meta[h.Key] = string(h.Value)
			continue
		}
		props[h.Key] = string(h.Value)
	}

	id := meta[HeaderMessageID]
	if id == "" {
		id = m.Topic + "-" + strconv.Itoa(m.Partition) + "-" + strconv.FormatInt(m.Offset, 10)
	}

	out := &eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:            id,
			Body:          m.Value,
			ContentType:   meta[HeaderContentType],
			SessionID:     string(m.Key),
			Subject:       meta[HeaderSubject],
			CorrelationID: meta[HeaderCorrelationID],
			Properties:    props,
		},
		SequenceNumber:   m.Offset,
		EnqueuedTime:     m.Time,
		DeliveryCount:    1,
		DeadLetterReason: props[HeaderDeadLetterReason],
		DeadLetterSource: props[HeaderDeadLetterSource],
		Handle:           handle,
	}
	if !out.EnqueuedTime.IsZero() {
		out.EnqueuedTime = out.EnqueuedTime.UTC()
	}
	return out
}

func toKafkaMessage(topic string, msg *eventbus.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Properties)+4)
	for key, value := range msg.Properties {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	headers = appendHeader(headers, HeaderMessageID, msg.ID)
	headers = appendHeader(headers, HeaderContentType, msg.ContentType)
	headers = appendHeader(headers, HeaderSubject, msg.Subject)
	headers = appendHeader(headers, HeaderCorrelationID, msg.CorrelationID)

	out := kafka.Message{
		Topic:   topic,
		Value:   msg.Body,
		Headers: headers,
	}
	if msg.SessionID != "" {
		out.Key = []byte(msg.SessionID)
	}
	return out
}

func appendHeader(headers []kafka.Header, key, value string) []kafka.Header {
	if value == "" {
		return headers
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

// classify maps kafka-go errors onto eventbus error kinds.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classify(e, format, args...)
			}
		}
	}

	// kafka.Error implements net.Error, so protocol codes are matched before the network check.
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.UnknownTopicOrPartition, kafka.InvalidTopic:
			return eventbus.Errorf(eventbus.ErrProtocol, err, "%s", msg)
		case kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.RecordListTooLarge:
			return eventbus.Errorf(eventbus.ErrRejected, err, "%s", msg)
		case kafka.RebalanceInProgress, kafka.IllegalGeneration, kafka.UnknownMemberId:
			return eventbus.Errorf(eventbus.ErrLockLost, err, "%s", msg)
		case kafka.SASLAuthenticationFailed, kafka.TopicAuthorizationFailed,
			kafka.GroupAuthorizationFailed, kafka.ClusterAuthorizationFailed:
			return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	if errors.Is(err, kafka.ErrGroupClosed) || eventbus.IsNetworkError(err) {
		return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
