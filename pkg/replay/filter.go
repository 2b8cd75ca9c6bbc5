package replay

import (
	"math"
	"time"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// maxWindowHours is the widest window a time.Duration can express, about 292 years.
const maxWindowHours = math.MaxInt64 / int64(time.Hour)

// Threshold returns the oldest enqueue instant a message may have and still be replayed:
// now minus hoursBack hours. hoursBack must be strictly positive. A window wider than a
// time.Duration can hold yields the zero time, so every timestamped message is eligible.
func Threshold(now time.Time, hoursBack int) (time.Time, error) {
	if hoursBack <= 0 {
		return time.Time{}, replayError(ErrInvalidArgument, "hoursBack must be greater than 0")
	}
	if int64(hoursBack) > maxWindowHours {
		return time.Time{}, nil
	}
	return now.Add(-time.Duration(hoursBack) * time.Hour), nil
}

// Eligible reports whether msg was enqueued strictly after threshold.
// A message enqueued exactly at the threshold instant is not eligible.
func Eligible(msg *eventbus.DeadLetteredMessage, threshold time.Time) bool {
	if msg == nil {
		return false
	}
	return msg.EnqueuedTime.After(threshold)
}
