package replay

import (
	"time"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// State is the terminal state of one fetched message within a replay invocation.
type State string

// Per-message terminal states. Every fetched message ends in exactly one of them.
const (
	// StateSkipped: enqueued at or before the threshold, left in the sub-queue untouched.
	StateSkipped State = "skipped"
	// StateReplayed: sent to the destination and removed from the sub-queue.
	StateReplayed State = "replayed"
	// StateReconstructionFailed: body unreadable, nothing sent, left in the sub-queue.
	StateReconstructionFailed State = "reconstruction_failed"
	// StateSendFailed: the send was refused or errored, left in the sub-queue.
	StateSendFailed State = "send_failed"
	// StateAckFailed: sent but not removed; it may be replayed again by a later invocation.
	StateAckFailed State = "ack_failed"
	// StateNotAttempted: eligible but never processed because the invocation aborted first.
	StateNotAttempted State = "not_attempted"
)

// Outcome records what happened to one fetched message.
type Outcome struct {
	MessageID      string    `json:"message_id"`
	SequenceNumber int64     `json:"sequence_number"`
	EnqueuedTime   time.Time `json:"enqueued_time"`
	State          State     `json:"state"`
	Error          string    `json:"error,omitempty"`

	Err error `json:"-"`
}

func newOutcome(msg *eventbus.DeadLetteredMessage) Outcome {
	return Outcome{
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		EnqueuedTime:   msg.EnqueuedTime,
	}
}

func (o Outcome) failed(state State, err error) Outcome {
	o.State = state
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Summary describes one replay invocation. Replayed is the count the HTTP surface reports.
type Summary struct {
	RunID        string    `json:"run_id"`
	Destination  string    `json:"destination"`
	Subscription string    `json:"subscription,omitempty"`
	HoursBack    int       `json:"hours_back"`
	Threshold    time.Time `json:"threshold"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`

	Fetched              int  `json:"fetched"`
	Eligible             int  `json:"eligible"`
	Skipped              int  `json:"skipped"`
	Replayed             int  `json:"replayed"`
	SendFailed           int  `json:"send_failed"`
	AckFailed            int  `json:"ack_failed"`
	ReconstructionFailed int  `json:"reconstruction_failed"`
	NotAttempted         int  `json:"not_attempted"`
	Truncated            bool `json:"truncated"`

	// Aborted is set when the invocation ended on a connection-level failure.
	Aborted bool   `json:"aborted"`
	Error   string `json:"error,omitempty"`

	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Duration returns the wall-clock time the invocation took.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Failed returns the number of eligible messages that were not replayed.
func (s *Summary) Failed() int {
	return s.SendFailed + s.AckFailed + s.ReconstructionFailed
}

func (s *Summary) record(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	if o.State != StateSkipped {
		s.Eligible++
	}
	switch o.State {
	case StateSkipped:
		s.Skipped++
	case StateReplayed:
		s.Replayed++
	case StateSendFailed:
		s.SendFailed++
	case StateAckFailed:
		s.AckFailed++
	case StateReconstructionFailed:
		s.ReconstructionFailed++
	case StateNotAttempted:
		s.NotAttempted++
	}
}
