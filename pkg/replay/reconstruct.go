package replay

import (
	"maps"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

const (
	// RetriedAutomaticallyProperty marks a message re-published by the replayer.
	RetriedAutomaticallyProperty = "x-retried-automatically"
	// RetriedAutomaticallyValue is always written as a string.
	RetriedAutomaticallyValue = "true"
)

// Reconstruct builds the outbound message for a dead-lettered one. The body is copied
// byte-for-byte, delivery metadata is copied verbatim (empty stays empty), every application
// property is copied with its native type and RetriedAutomaticallyProperty is set to the
// string "true", overwriting any existing value.
func Reconstruct(msg *eventbus.DeadLetteredMessage) (*eventbus.Message, error) {
	if msg == nil {
		return nil, replayError(ErrReconstruction, "message is nil")
	}
	if msg.BodyErr != nil {
		return nil, &MessageError{
			Stage:          StageReconstruct,
			MessageID:      msg.ID,
			SequenceNumber: msg.SequenceNumber,
			Err:            replayErrorWithCause(ErrReconstruction, "body cannot be read", msg.BodyErr),
		}
	}

	var body []byte
	if msg.Body != nil {
		body = make([]byte, len(msg.Body))
		copy(body, msg.Body)
	}

	props := eventbus.CloneProperties(msg.Properties)
	props[RetriedAutomaticallyProperty] = RetriedAutomaticallyValue
	typed := maps.Clone(msg.TypedProperties)
	delete(typed, RetriedAutomaticallyProperty)

	return &eventbus.Message{
		ID:            msg.ID,
		Body:          body,
		ContentType:   msg.ContentType,
		SessionID:     msg.SessionID,
		Subject:       msg.Subject,
		CorrelationID: msg.CorrelationID,
		Properties:    props,

		TypedProperties: typed,
	}, nil
}
