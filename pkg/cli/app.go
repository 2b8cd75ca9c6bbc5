package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/controller"
	"github.com/nimburion/dlqreplay/pkg/eventbus"
	brokerfactory "github.com/nimburion/dlqreplay/pkg/eventbus/factory"
	"github.com/nimburion/dlqreplay/pkg/health"
	"github.com/nimburion/dlqreplay/pkg/history"
	historyfactory "github.com/nimburion/dlqreplay/pkg/history/factory"
	"github.com/nimburion/dlqreplay/pkg/middleware/ratelimit"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/observability/metrics"
	"github.com/nimburion/dlqreplay/pkg/replay"
	"github.com/nimburion/dlqreplay/pkg/scheduler"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

const (
	brokerHealthCheckName  = "broker"
	historyHealthCheckName = "history"
)

// Dependencies builds the adapters behind the commands.
type Dependencies struct {
	NewBroker       func(ctx context.Context, cfg *config.Config, log logger.Logger) (eventbus.Broker, error)
	NewHistoryStore func(ctx context.Context, cfg *config.Config, log logger.Logger) (history.Store, error)
	NewLockProvider func(cfg *config.Config, log logger.Logger) (scheduler.LockProvider, error)
}

func (d Dependencies) withDefaults() Dependencies {
	if d.NewBroker == nil {
		d.NewBroker = func(ctx context.Context, cfg *config.Config, log logger.Logger) (eventbus.Broker, error) {
			return brokerfactory.NewBroker(ctx, cfg.Broker, cfg.Replay.Subscription, log)
		}
	}
	if d.NewHistoryStore == nil {
		d.NewHistoryStore = func(ctx context.Context, cfg *config.Config, log logger.Logger) (history.Store, error) {
			return historyfactory.NewStore(ctx, cfg.History, log)
		}
	}
	if d.NewLockProvider == nil {
		d.NewLockProvider = func(cfg *config.Config, log logger.Logger) (scheduler.LockProvider, error) {
			return scheduler.NewLockProviderFromConfig(cfg.Scheduler, log)
		}
	}
	return d
}

// app is the wired replayer: broker, history, replayer and optionally the scheduler.
type app struct {
	cfg *config.Config
	log logger.Logger

	broker        eventbus.Broker
	history       history.Store
	replayMetrics *replay.Metrics
	replayer      *replay.Replayer

	lock      scheduler.LockProvider
	scheduler *scheduler.Runtime
}

// newApp builds the dependencies. withScheduler adds the lock provider and the runtime with
// the configured tasks.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, deps Dependencies, withScheduler bool) (_ *app, err error) {
	deps = deps.withDefaults()
	a := &app{cfg: cfg, log: log, replayMetrics: replay.NewMetrics()}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				log.Error("failed to release dependencies", "error", closeErr)
			}
		}
	}()

	if a.broker, err = deps.NewBroker(ctx, cfg, log); err != nil {
		return nil, fmt.Errorf("create broker: %w", err)
	}
	if a.history, err = deps.NewHistoryStore(ctx, cfg, log); err != nil {
		return nil, fmt.Errorf("create history store: %w", err)
	}

	a.replayer, err = replay.NewReplayer(a.broker, replay.Config{
		Destination:                cfg.Replay.Destination,
		Subscription:               cfg.Replay.Subscription,
		MaxBatchSize:               cfg.Replay.MaxBatchSize,
		OperationTimeout:           cfg.Replay.OperationTimeout,
		FetchTimeout:               cfg.Replay.FetchTimeout,
		SendRate:                   cfg.Replay.SendRate,
		MaxConsecutiveSendFailures: cfg.Replay.MaxConsecutiveSendFailures,
		System:                     cfg.Broker.Type,
	}, log,
		replay.WithMetrics(a.replayMetrics),
		replay.WithObserver(history.NewRecorder(a.history, 0, log)),
	)
	if err != nil {
		return nil, fmt.Errorf("create replayer: %w", err)
	}

	if !withScheduler {
		return a, nil
	}
	if a.lock, err = deps.NewLockProvider(cfg, log); err != nil {
		return nil, fmt.Errorf("create scheduler lock provider: %w", err)
	}
	if a.scheduler, err = scheduler.NewRuntimeFromConfig(a.replayer, a.lock, cfg.Scheduler, log); err != nil {
		return nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	return a, nil
}

// Close releases the lock provider, history store and broker in that order.
func (a *app) Close() error {
	var errs []error
	if a.lock != nil {
		if err := a.lock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close scheduler lock provider: %w", err))
		}
		a.lock = nil
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history store: %w", err))
		}
		a.history = nil
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
		a.broker = nil
	}
	return errors.Join(errs...)
}

// healthRegistry checks the broker and the lock provider; a failing history store only degrades.
func (a *app) healthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.Register(health.NewAdapterChecker(brokerHealthCheckName, a.broker, healthTimeout(a.cfg.Broker.OperationTimeout)))
	if checkable, ok := a.history.(health.Checkable); ok {
		registry.Register(health.Optional(health.NewAdapterChecker(historyHealthCheckName, checkable, 0)))
	}
	if a.lock != nil {
		registry.Register(scheduler.NewLockProviderHealthChecker("", a.lock, 0))
	}
	return registry
}

func healthTimeout(operationTimeout time.Duration) time.Duration {
	if operationTimeout <= 0 || operationTimeout > health.DefaultCheckTimeout {
		return health.DefaultCheckTimeout
	}
	return operationTimeout
}

// metricsRegistry returns the management registry with the replay and scheduler series.
func (a *app) metricsRegistry() (*metrics.Registry, error) {
	registry := metrics.NewRegistry()
	if err := registry.RegisterAll(a.replayMetrics.Collectors()...); err != nil {
		return nil, fmt.Errorf("register replay metrics: %w", err)
	}
	if a.scheduler != nil {
		if err := registry.RegisterAll(scheduler.Collectors()...); err != nil {
			return nil, fmt.Errorf("register scheduler metrics: %w", err)
		}
	}
	return registry, nil
}

// registerRoutes mounts the public API. The replay trigger is rate limited per client IP when enabled.
func (a *app) registerRoutes(r router.Router) {
	var replayMiddleware []router.MiddlewareFunc
	if rl := a.cfg.HTTP.RateLimit; rl.Enabled {
		limiter := ratelimit.NewTokenBucketLimiter(rl.RequestsPerSecond, rl.Burst)
		replayMiddleware = append(replayMiddleware, ratelimit.RateLimit(limiter, ratelimit.Config{}))
	}
	controller.NewReplayController(a.replayer, a.history, a.log).Register(r, replayMiddleware...)
}
