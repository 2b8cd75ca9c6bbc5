package replay

import (
	"errors"
	"fmt"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

var (
	// ErrInvalidArgument classifies caller input rejected before any broker interaction.
	ErrInvalidArgument = errors.New("replay invalid argument")
	// ErrReconstruction classifies a dead-lettered message whose body cannot be read.
	ErrReconstruction = errors.New("replay reconstruction error")
	// ErrSendCircuitOpen classifies a batch aborted after too many consecutive send failures.
	ErrSendCircuitOpen = errors.New("replay send circuit open")
)

// Stage names the per-message pipeline step that failed.
type Stage string

// Pipeline stages.
const (
	StageReconstruct Stage = "reconstruct"
	StageSend        Stage = "send"
	StageAcknowledge Stage = "acknowledge"
)

// MessageError attributes a failure to one dead-lettered message.
type MessageError struct {
	Stage          Stage
	MessageID      string
	SequenceNumber int64
	Err            error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s message %q (sequence %d): %v", e.Stage, e.MessageID, e.SequenceNumber, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

func newMessageError(stage Stage, msg *eventbus.DeadLetteredMessage, err error) *MessageError {
	me := &MessageError{Stage: stage, Err: err}
	if msg != nil {
		me.MessageID = msg.ID
		me.SequenceNumber = msg.SequenceNumber
	}
	return me
}

func replayError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

func replayErrorWithCause(kind error, message string, cause error) error {
	if cause == nil {
		return replayError(kind, message)
	}
	return fmt.Errorf("%w: %s: %w", kind, message, cause)
}

// abortError wraps an error that ends the whole invocation. Errors not already classified as
// protocol or connection failures are reported as connection failures.
func abortError(operation string, err error) error {
	if errors.Is(err, eventbus.ErrProtocol) || errors.Is(err, eventbus.ErrConnection) || errors.Is(err, ErrSendCircuitOpen) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return eventbus.Errorf(eventbus.ErrConnection, err, "%s", operation)
}
