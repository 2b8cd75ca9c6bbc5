package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/replay"
)

const (
	DefaultDispatchTimeout = 5 * time.Minute
	DefaultLockTTL         = 10 * time.Minute
)

const (
	dispatchStatusReplayed = "replayed"
	dispatchStatusFailed   = "failed"
	dispatchStatusSkipped  = "skipped"
	dispatchStatusLockErr  = "lock_error"
)

// Config controls scheduler runtime behavior.
type Config struct {
	DispatchTimeout time.Duration
	DefaultLockTTL  time.Duration
}

func (c *Config) normalize() {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
}

// Runtime runs registered tasks on their schedule. Each slot replays under a lock keyed by
// task name and slot time, so only one instance replays a given slot.
type Runtime struct {
	replayer Replayer
	lock     LockProvider
	log      logger.Logger

	config Config
	now    func() time.Time

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(replayer Replayer, lockProvider LockProvider, log logger.Logger, cfg Config) (*Runtime, error) {
	if replayer == nil {
		return nil, schedulerError(ErrInvalidArgument, "replayer is required")
	}
	if lockProvider == nil {
		return nil, schedulerError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	cfg.normalize()
	return &Runtime{
		replayer: replayer,
		lock:     lockProvider,
		log:      log,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
		tasks:    map[string]Task{},
	}, nil
}

// Register adds a new scheduled task.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered tasks sorted by name.
func (r *Runtime) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

// Start runs all registered tasks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	tasks := r.Tasks()
	if len(tasks) == 0 {
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	for _, task := range tasks {
		r.log.Info("scheduler task started", "task", task.Name, "schedule", task.Schedule, "hours_back", task.HoursBack)
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, task)
	}

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests scheduler shutdown and waits for active loops.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

// Trigger replays one registered task immediately, under the same lock as scheduled slots.
func (r *Runtime) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	return r.dispatchTask(ctx, task, r.now().Truncate(time.Second))
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	now := r.now()
	for {
		nextRun, err := task.nextRun(now)
		if err != nil {
			r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
			return
		}

		wait := nextRun.Sub(r.now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.dispatchTask(ctx, task, nextRun); err != nil {
			r.log.Error("scheduled replay failed", "task", task.Name, "run_at", nextRun, "error", err)
		}

		now = r.afterDispatch(ctx, task, nextRun)
	}
}

// afterDispatch returns the reference time for the next slot, applying the misfire policy
// when the replay outlasted one or more slots.
func (r *Runtime) afterDispatch(ctx context.Context, task Task, ranAt time.Time) time.Time {
	ref := ranAt.Add(time.Second)
	current := r.now()
	if !current.After(ref) {
		return ref
	}
	missed, err := task.nextRun(ref)
	if err != nil || !missed.Before(current) {
		return ref
	}

	r.log.Warn("scheduler task missed runs", "task", task.Name, "first_missed", missed, "policy", task.MisfirePolicy)
	recordSchedulerMisfire(task.Name, task.MisfirePolicy)
	if task.MisfirePolicy == MisfirePolicyFireOnce && ctx.Err() == nil {
		if err := r.dispatchTask(ctx, task, missed); err != nil {
			r.log.Error("scheduled replay failed", "task", task.Name, "run_at", missed, "error", err)
		}
	}
	return current
}

func (r *Runtime) dispatchTask(ctx context.Context, task Task, runAt time.Time) error {
	lockTTL := task.LockTTL
	if lockTTL <= 0 {
		lockTTL = r.config.DefaultLockTTL
	}

	lockKey := fmt.Sprintf("replay:%s:%d", task.Name, runAt.Unix())
	lease, acquired, err := r.lock.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		recordSchedulerDispatch(task.Name, dispatchStatusLockErr)
		return fmt.Errorf("acquire lock failed: %w", err)
	}
	if !acquired {
		recordSchedulerDispatch(task.Name, dispatchStatusSkipped)
		r.log.Debug("scheduled replay held by another instance", "task", task.Name, "run_at", runAt)
		return nil
	}

	incrementSchedulerDispatchInFlight(task.Name)
	defer decrementSchedulerDispatchInFlight(task.Name)

	dispatchCtx, cancel := context.WithTimeout(ctx, r.config.DispatchTimeout)
	defer cancel()

	stopRenew := r.renewWhileRunning(dispatchCtx, task.Name, lease, lockTTL)
	summary, replayErr := r.replayer.Replay(dispatchCtx, task.HoursBack)
	stopRenew()

	if replayErr != nil {
		recordSchedulerDispatch(task.Name, dispatchStatusFailed)
	} else {
		recordSchedulerDispatch(task.Name, dispatchStatusReplayed)
		recordSchedulerLastSuccess(task.Name, r.now())
	}
	if summary != nil {
		r.log.Info("scheduled replay finished",
			"task", task.Name,
			"run_id", summary.RunID,
			"run_at", runAt,
			"replayed", summary.Replayed,
			"failed", summary.Failed(),
		)
	}

	// the slot is done whatever the outcome, so the lease is released on a fresh context
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer releaseCancel()
	releaseErr := r.lock.Release(releaseCtx, lease)

	if replayErr != nil || releaseErr != nil {
		return errors.Join(replayErr, releaseErr)
	}
	return nil
}

const lockReleaseTimeout = 5 * time.Second

// renewWhileRunning extends lease every ttl/3 until the returned stop function is called.
func (r *Runtime) renewWhileRunning(ctx context.Context, taskName string, lease *LockLease, ttl time.Duration) func() {
	if lease == nil {
		return func() {}
	}
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.lock.Renew(ctx, lease, ttl); err != nil {
					recordSchedulerLockRenew(taskName, "error")
					r.log.Warn("scheduler lock renew failed", "task", taskName, "lock_key", lease.Key, "error", err)
					continue
				}
				recordSchedulerLockRenew(taskName, "ok")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

var _ Replayer = (*replay.Replayer)(nil)
