// Package history records finished replay invocations so operators can inspect them later.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/replay"
)

// ErrNotFound is returned by Get when no run has the requested id.
var ErrNotFound = errors.New("replay run not found")

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Run is the stored form of a replay summary. Per-message outcomes are not kept.
type Run struct {
	ID           string    `json:"id"`
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
	Aborted              bool `json:"aborted"`

	Error string `json:"error,omitempty"`
}

// Store persists runs.
type Store interface {
	Save(ctx context.Context, run Run) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Run, error)
	// List returns the most recent runs first.
	List(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// RunFromSummary flattens a summary. err is the error Replay returned alongside it.
func RunFromSummary(s *replay.Summary, err error) Run {
	run := Run{
		ID:                   s.RunID,
		Destination:          s.Destination,
		Subscription:         s.Subscription,
		HoursBack:            s.HoursBack,
		Threshold:            s.Threshold,
		StartedAt:            s.StartedAt,
		FinishedAt:           s.FinishedAt,
		Fetched:              s.Fetched,
		Eligible:             s.Eligible,
		Skipped:              s.Skipped,
		Replayed:             s.Replayed,
		SendFailed:           s.SendFailed,
		AckFailed:            s.AckFailed,
		ReconstructionFailed: s.ReconstructionFailed,
		NotAttempted:         s.NotAttempted,
		Truncated:            s.Truncated,
		Aborted:              s.Aborted,
		Error:                s.Error,
	}
	if run.Error == "" && err != nil {
		run.Error = err.Error()
	}
	return run
}

// Recorder saves every finished invocation to a Store. It implements replay.Observer.
type Recorder struct {
	store   Store
	timeout time.Duration
	log     logger.Logger
}

// NewRecorder creates a Recorder. timeout bounds each save; zero means 5s.
func NewRecorder(store Store, timeout time.Duration, log logger.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{store: store, timeout: timeout, log: log}
}

// ReplayFinished saves the run. A failed save is logged and never fails the replay.
func (r *Recorder) ReplayFinished(ctx context.Context, summary *replay.Summary, err error) {
	if summary == nil || summary.RunID == "" {
		return
	}

	// The request that triggered the replay may already be gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if saveErr := r.store.Save(ctx, RunFromSummary(summary, err)); saveErr != nil {
		r.log.WithContext(ctx).Error("failed to record replay run", "run_id", summary.RunID, "error", saveErr)
	}
}

var _ replay.Observer = (*Recorder)(nil)
