package scheduler

import (
	"fmt"
	"strings"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// NewLockProviderFromConfig builds the lock provider named by scheduler.lock_provider.
func NewLockProviderFromConfig(cfg config.SchedulerConfig, log logger.Logger) (LockProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LockProvider)) {
	case "", config.SchedulerLockProviderMemory:
		if log != nil {
			log.Warn("scheduler uses in-process locks; run a single replayer instance")
		}
		return NewMemoryLockProvider(), nil
	case config.SchedulerLockProviderRedis:
		provider, err := NewRedisLockProvider(RedisLockProviderConfig{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case config.SchedulerLockProviderPostgres:
		provider, err := NewPostgresLockProvider(PostgresLockProviderConfig{
			URL:              cfg.Postgres.URL,
			Table:            cfg.Postgres.Table,
			OperationTimeout: cfg.Postgres.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, schedulerError(ErrValidation, fmt.Sprintf("unsupported scheduler.lock_provider %q (supported: redis, postgres, memory)", cfg.LockProvider))
	}
}

// TasksFromConfig converts configured tasks and validates each of them.
func TasksFromConfig(cfg config.SchedulerConfig) ([]Task, error) {
	tasks := make([]Task, 0, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		task := Task{
			Name:      tc.Name,
			Schedule:  tc.Schedule,
			Timezone:  tc.Timezone,
			HoursBack: tc.HoursBack,
			LockTTL:   tc.LockTTL,

			MisfirePolicy: tc.MisfirePolicy,
		}
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("scheduler.tasks[%d]: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// NewRuntimeFromConfig creates a runtime with every configured task registered.
func NewRuntimeFromConfig(replayer Replayer, lock LockProvider, cfg config.SchedulerConfig, log logger.Logger) (*Runtime, error) {
	tasks, err := TasksFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	runtime, err := NewRuntime(replayer, lock, log, Config{
		DispatchTimeout: cfg.DispatchTimeout,
		DefaultLockTTL:  cfg.LockTTL,
	})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := runtime.Register(task); err != nil {
			return nil, err
		}
	}
	return runtime, nil
}
