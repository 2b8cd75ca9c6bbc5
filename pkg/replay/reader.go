package replay

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

const (
	// DefaultMaxBatchSize caps how many dead-lettered messages one invocation fetches.
	DefaultMaxBatchSize = 10000
	// DefaultFetchTimeout bounds the whole multi-call fetch of one invocation.
	DefaultFetchTimeout = 2 * time.Minute
)

// Reader fetches a single bounded batch from a dead-letter sub-queue.
// Nothing is acknowledged by reading.
type Reader struct {
	receiver     eventbus.DeadLetterReceiver
	maxBatchSize int
	fetchTimeout time.Duration
}

// NewReader binds a reader to an open dead-letter receiver. Non-positive limits fall back
// to DefaultMaxBatchSize and DefaultFetchTimeout.
func NewReader(receiver eventbus.DeadLetterReceiver, maxBatchSize int, fetchTimeout time.Duration) *Reader {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Reader{receiver: receiver, maxBatchSize: maxBatchSize, fetchTimeout: fetchTimeout}
}

// ReadBatch returns up to the configured cap of messages in broker delivery order.
// truncated reports that more messages may remain: the cap was reached, or the fetch window
// closed after some messages had been received. Those messages are returned, not dropped,
// since the broker already holds them for this receiver.
func (r *Reader) ReadBatch(ctx context.Context) (batch []*eventbus.DeadLetteredMessage, truncated bool, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	received, err := r.receiver.ReceiveDeadLettered(fetchCtx, r.maxBatchSize)
	windowClosed := err != nil && ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	if err != nil && (!windowClosed || len(received) == 0) {
		return nil, false, err
	}

	batch = make([]*eventbus.DeadLetteredMessage, 0, min(len(received), r.maxBatchSize))
	for _, msg := range received {
		if msg == nil {
			continue
		}
		if len(batch) == r.maxBatchSize {
			break
		}
		batch = append(batch, msg)
	}
	return batch, windowClosed || len(batch) >= r.maxBatchSize, nil
}
