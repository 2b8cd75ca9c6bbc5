package sqs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// Reserved message attributes carrying metadata SQS has no native field for.
const (
	AttributeMessageID     = "MessageId"
	AttributeContentType   = "ContentType"
	AttributeSubject       = "Subject"
	AttributeCorrelationID = "CorrelationId"
	AttributeSessionID     = "SessionId"
)

var reservedAttributes = map[string]bool{
	AttributeMessageID:     true,
	AttributeContentType:   true,
	AttributeSubject:       true,
	AttributeCorrelationID: true,
	AttributeSessionID:     true,
}

func fromSQSMessage(m types.Message) *eventbus.DeadLetteredMessage {
	attrs := m.MessageAttributes
	props := make(map[string]string, len(attrs))
	var typed map[string]any
	for k, v := range attrs {
		if reservedAttributes[k] {
			continue
		}
		switch {
		case v.StringValue != nil:
			props[k] = aws.ToString(v.StringValue)
		case v.BinaryValue != nil:
			props[k] = string(v.BinaryValue)
		default:
			continue
		}
		// Number, Binary and custom-typed attributes go back out with their DataType.
		if aws.ToString(v.DataType) != "String" {
			if typed == nil {
				typed = make(map[string]any)
			}
			typed[k] = v
		}
	}

	out := &eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ContentType:   stringAttribute(attrs, AttributeContentType),
			SessionID:     stringAttribute(attrs, AttributeSessionID),
			Subject:       stringAttribute(attrs, AttributeSubject),
			CorrelationID: stringAttribute(attrs, AttributeCorrelationID),
			Properties:    props,

			TypedProperties: typed,
		},
		DeadLetterSource: m.Attributes[string(types.MessageSystemAttributeNameDeadLetterQueueSourceArn)],
		Handle:           aws.ToString(m.ReceiptHandle),
	}
	if id := stringAttribute(attrs, AttributeMessageID); id != "" {
		out.ID = id
	}
	if group := m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; group != "" {
		out.SessionID = group
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		out.EnqueuedTime = time.UnixMilli(ms).UTC()
		// SQS has no sequence number on standard queues; the send instant orders messages.
		out.SequenceNumber = ms
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		out.DeliveryCount = n
	}
	return out
}

func stringAttribute(attrs map[string]types.MessageAttributeValue, name string) string {
	v, ok := attrs[name]
	if !ok {
		return ""
	}
	return aws.ToString(v.StringValue)
}

func toSendInput(queueURL string, fifo bool, msg *eventbus.Message) *sqs.SendMessageInput {
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Properties)+5)
	for k, v := range msg.Properties {
		if typed, ok := msg.TypedProperties[k].(types.MessageAttributeValue); ok {
			attrs[k] = typed
			continue
		}
		attrs[k] = stringValue(v)
	}
	setIfPresent(attrs, AttributeMessageID, msg.ID)
	setIfPresent(attrs, AttributeContentType, msg.ContentType)
	setIfPresent(attrs, AttributeSubject, msg.Subject)
	setIfPresent(attrs, AttributeCorrelationID, msg.CorrelationID)

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if fifo {
		group := msg.SessionID
		if group == "" {
			group = "default"
		}
		in.MessageGroupId = aws.String(group)
		if msg.ID != "" {
			in.MessageDeduplicationId = aws.String(msg.ID)
		}
	} else {
		setIfPresent(attrs, AttributeSessionID, msg.SessionID)
	}
	return in
}

func stringValue(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func setIfPresent(attrs map[string]types.MessageAttributeValue, name, value string) {
	if value != "" {
		attrs[name] = stringValue(value)
	}
}

// classify maps SQS errors onto eventbus error kinds.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return eventbus.Errorf(eventbus.ErrProtocol, err, "%s", msg)
	}
	var invalidHandle *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalidHandle) {
		return eventbus.Errorf(eventbus.ErrLockLost, err, "%s", msg)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return eventbus.Errorf(eventbus.ErrProtocol, err, "%s", msg)
		case "ReceiptHandleIsInvalid":
			return eventbus.Errorf(eventbus.ErrLockLost, err, "%s", msg)
		case "InvalidClientTokenId", "UnrecognizedClientException", "SignatureDoesNotMatch",
			"AccessDenied", "AccessDeniedException", "ExpiredToken":
			return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
		case "InvalidMessageContents", "InvalidParameterValue", "InvalidAttributeName", "InvalidAttributeValue":
			return eventbus.Errorf(eventbus.ErrRejected, err, "%s", msg)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if eventbus.IsNetworkError(err) {
		return eventbus.Errorf(eventbus.ErrConnection, err, "%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
