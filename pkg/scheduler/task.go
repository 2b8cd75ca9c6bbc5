package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MisfirePolicySkip drops slots missed while a replay was still running.
	MisfirePolicySkip = "skip"
	// MisfirePolicyFireOnce replays once for all missed slots, then resumes the schedule.
	MisfirePolicyFireOnce = "fire_once"
)

// Task describes one scheduled replay of the dead-letter window.
type Task struct {
	Name string
	// Schedule is a five-field cron expression or "@every <duration>".
	Schedule  string
	Timezone  string
	HoursBack int
	LockTTL   time.Duration
	// MisfirePolicy defaults to MisfirePolicySkip.
	MisfirePolicy string
}

func (t *Task) normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.Schedule = strings.TrimSpace(t.Schedule)
	if strings.TrimSpace(t.MisfirePolicy) == "" {
		t.MisfirePolicy = MisfirePolicySkip
	}
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	t.normalize()

	if t.Name == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if t.Schedule == "" {
		return schedulerError(ErrValidation, "task schedule is required")
	}
	if t.HoursBack <= 0 {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q hours_back must be > 0", t.Name))
	}
	if t.LockTTL < 0 {
		return schedulerError(ErrValidation, "task lock_ttl must be >= 0")
	}
	if t.MisfirePolicy != MisfirePolicySkip && t.MisfirePolicy != MisfirePolicyFireOnce {
		return schedulerError(ErrValidation, fmt.Sprintf("invalid task misfire policy %q", t.MisfirePolicy))
	}
	if _, err := t.nextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

func (t *Task) location() (*time.Location, error) {
	if strings.TrimSpace(t.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(t.Timezone))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

// nextRun returns the first slot strictly after now, in UTC.
func (t *Task) nextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parseSchedule(strings.TrimSpace(t.Schedule))
	if err != nil {
		return time.Time{}, err
	}
	next, ok := sched.next(now.In(loc))
	if !ok {
		return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("unable to find next run for schedule %q", t.Schedule))
	}
	return next.UTC(), nil
}
