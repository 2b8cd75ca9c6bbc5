// Package replay moves dead-lettered messages back to their original destination.
//
// A Replayer reads one bounded batch from the dead-letter sub-queue, keeps the messages
// enqueued within the requested window, re-publishes each one tagged with
// x-retried-automatically=true and only then acknowledges it in the sub-queue. A message
// is never acknowledged before its re-send succeeded; a failed acknowledgement after a
// successful send may lead to a duplicate on a later run, never to a loss.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/observability/tracing"
	"github.com/nimburion/dlqreplay/pkg/resilience"
)

// DefaultOperationTimeout bounds each broker call made while replaying.
const DefaultOperationTimeout = 30 * time.Second

// Config scopes a Replayer to one destination.
type Config struct {
	// Destination is the topic or queue messages are re-published to.
	Destination string
	// Subscription owns the dead-letter sub-queue. Empty for queues.
	Subscription string
	// MaxBatchSize caps the single fetch of one invocation. Defaults to DefaultMaxBatchSize.
	MaxBatchSize int
	// OperationTimeout bounds each send and complete. Defaults to DefaultOperationTimeout.
	OperationTimeout time.Duration
	// FetchTimeout bounds the whole fetch; adapters bound their individual receive calls.
	// Defaults to DefaultFetchTimeout.
	FetchTimeout time.Duration
	// SendRate throttles re-sends in messages per second. Zero means unlimited.
	SendRate float64
	// MaxConsecutiveSendFailures aborts the batch after that many send failures in a row. Zero disables.
	MaxConsecutiveSendFailures int
	// System labels traces, e.g. "servicebus".
	System string
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Destination == "" {
		return replayError(ErrInvalidArgument, "destination is required")
	}
	if c.MaxBatchSize < 0 {
		return replayError(ErrInvalidArgument, "max batch size must not be negative")
	}
	if c.SendRate < 0 {
		return replayError(ErrInvalidArgument, "send rate must not be negative")
	}
	if c.FetchTimeout < 0 {
		return replayError(ErrInvalidArgument, "fetch timeout must not be negative")
	}
	if c.MaxConsecutiveSendFailures < 0 {
		return replayError(ErrInvalidArgument, "max consecutive send failures must not be negative")
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return nil
}

// Observer is notified once per finished invocation, including aborted ones.
type Observer interface {
	ReplayFinished(ctx context.Context, summary *Summary, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, summary *Summary, err error)

// ReplayFinished implements Observer.
func (f ObserverFunc) ReplayFinished(ctx context.Context, summary *Summary, err error) {
	f(ctx, summary, err)
}

// Option customizes a Replayer.
type Option func(*Replayer)

// WithClock overrides the time source used for the threshold and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Replayer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records Prometheus metrics for every invocation.
func WithMetrics(m *Metrics) Option {
	return func(r *Replayer) {
		r.metrics = m
	}
}

// WithObserver registers an observer. May be given several times.
func WithObserver(o Observer) Option {
	return func(r *Replayer) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(next func() string) Option {
	return func(r *Replayer) {
		if next != nil {
			r.newRunID = next
		}
	}
}

// Replayer runs replay invocations against one destination. It is safe for concurrent use;
// each invocation opens its own receiver and sender.
type Replayer struct {
	broker    eventbus.Broker
	config    Config
	log       logger.Logger
	metrics   *Metrics
	observers []Observer
	now       func() time.Time
	newRunID  func() string
}

// NewReplayer validates cfg and binds a Replayer to broker.
func NewReplayer(broker eventbus.Broker, cfg Config, log logger.Logger, opts ...Option) (*Replayer, error) {
	if broker == nil {
		return nil, replayError(ErrInvalidArgument, "broker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Replayer{
		broker:   broker,
		config:   cfg,
		log:      log.With("destination", cfg.Destination, "subscription", cfg.Subscription),
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Replayer) Config() Config {
	return r.config
}

// Replay re-publishes every dead-lettered message enqueued strictly within the last hoursBack
// hours and returns the summary of the invocation. Summary.Replayed is the number of messages
// both re-sent and acknowledged.
//
// hoursBack <= 0 fails with ErrInvalidArgument before any broker interaction. Per-message
// failures never fail the call; they are reported through Summary.Outcomes. Connection-level
// failures abort the remaining batch: the partial summary is returned together with the error.
func (r *Replayer) Replay(ctx context.Context, hoursBack int) (*Summary, error) {
	if hoursBack <= 0 {
		return nil, replayError(ErrInvalidArgument, fmt.Sprintf("hoursBack must be greater than 0, got %d", hoursBack))
	}

	startedAt := r.now().UTC()
	threshold, err := Threshold(startedAt, hoursBack)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:        r.newRunID(),
		Destination:  r.config.Destination,
		Subscription: r.config.Subscription,
		HoursBack:    hoursBack,
		Threshold:    threshold,
		StartedAt:    startedAt,
	}

	ctx = logger.ContextWithRunID(ctx, summary.RunID)
	ctx, span := tracing.StartReplaySpan(ctx,
		tracing.WithMessagingSystem(r.config.System),
		tracing.WithMessagingDestination(r.config.Destination),
		tracing.WithMessagingSubscription(r.config.Subscription),
		tracing.WithAttributes(
			attribute.String("dlq.run_id", summary.RunID),
			attribute.Int("dlq.hours_back", hoursBack),
		),
	)
	defer span.End()

	log := r.log.WithContext(ctx)
	log.Info("dead-letter replay started", "hours_back", hoursBack, "threshold", threshold)

	err = r.run(ctx, span, summary, threshold, log)

	summary.FinishedAt = r.now().UTC()
	span.SetAttributes(
		attribute.Int("dlq.fetched", summary.Fetched),
		attribute.Int("dlq.eligible", summary.Eligible),
		attribute.Int("dlq.replayed", summary.Replayed),
		attribute.Int("dlq.failed", summary.Failed()),
		attribute.Bool("dlq.truncated", summary.Truncated),
	)
	r.metrics.observeRun(summary, err)

	if err != nil {
		summary.Aborted = true
		summary.Error = err.Error()
		tracing.RecordError(span, err)
		log.Error("dead-letter replay aborted",
			"error", err,
			"fetched", summary.Fetched,
			"replayed", summary.Replayed,
			"not_attempted", summary.NotAttempted,
		)
	} else {
		tracing.RecordSuccess(span)
		log.Info("dead-letter replay completed",
			"fetched", summary.Fetched,
			"eligible", summary.Eligible,
			"skipped", summary.Skipped,
			"replayed", summary.Replayed,
			"send_failed", summary.SendFailed,
			"ack_failed", summary.AckFailed,
			"reconstruction_failed", summary.ReconstructionFailed,
			"truncated", summary.Truncated,
			"duration", summary.Duration(),
		)
	}

	for _, o := range r.observers {
		o.ReplayFinished(ctx, summary, err)
	}
	return summary, err
}

func (r *Replayer) run(ctx context.Context, span trace.Span, summary *Summary, threshold time.Time, log logger.Logger) (err error) {
	receiver, err := r.broker.NewDeadLetterReceiver(ctx, r.config.Destination, r.config.Subscription)
	if err != nil {
		return abortError("open dead-letter receiver", err)
	}
	defer func() {
		if closeErr := receiver.Close(); closeErr != nil {
			log.Warn("failed to close dead-letter receiver", "error", closeErr)
		}
	}()

	sender, err := r.broker.NewSender(ctx, r.config.Destination)
	if err != nil {
		return abortError("open sender", err)
	}
	defer func() {
		if closeErr := sender.Close(); closeErr != nil {
			log.Warn("failed to close sender", "error", closeErr)
		}
	}()

	batch, truncated, err := NewReader(receiver, r.config.MaxBatchSize, r.config.FetchTimeout).ReadBatch(ctx)
	if err != nil {
		return abortError("receive dead-lettered messages", err)
	}
	summary.Fetched = len(batch)
	summary.Truncated = truncated
	span.AddEvent("batch fetched", trace.WithAttributes(attribute.Int("dlq.fetched", len(batch))))
	if truncated {
		log.Warn("dead-letter batch is partial, more messages may remain",
			"fetched", len(batch),
			"max_batch_size", r.config.MaxBatchSize,
			"fetch_timeout", r.config.FetchTimeout,
		)
	}

	p := &pipeline{
		replayer: r,
		receiver: receiver,
		sender:   sender,
		log:      log,
		span:     span,
	}
	if r.config.SendRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r.config.SendRate), 1)
	}
	if r.config.MaxConsecutiveSendFailures > 0 {
		p.breaker = resilience.NewCircuitBreaker(r.config.MaxConsecutiveSendFailures, 0,
			resilience.WithFailurePredicate(func(err error) bool {
				return !errors.Is(err, context.Canceled)
			}),
		)
	}

	for i, msg := range batch {
		outcome, abortErr := p.process(ctx, msg, threshold)
		summary.record(outcome)
		if abortErr != nil {
			for _, rest := range batch[i+1:] {
				if Eligible(rest, threshold) {
					summary.record(newOutcome(rest).failed(StateNotAttempted, nil))
				} else {
					summary.record(newOutcome(rest).failed(StateSkipped, nil))
				}
			}
			return abortErr
		}
	}
	return nil
}

type pipeline struct {
	replayer *Replayer
	receiver eventbus.DeadLetterReceiver
	sender   eventbus.Sender
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	log      logger.Logger
	span     trace.Span
}

// process moves one message through filter, reconstruct, send and complete. The returned
// error is non-nil only when the whole invocation must stop.
func (p *pipeline) process(ctx context.Context, msg *eventbus.DeadLetteredMessage, threshold time.Time) (Outcome, error) {
	outcome := newOutcome(msg)
	log := p.log.With("message_id", msg.ID, "sequence_number", msg.SequenceNumber)

	if !Eligible(msg, threshold) {
		log.Debug("dead-lettered message outside the replay window", "enqueued_time", msg.EnqueuedTime)
		outcome.State = StateSkipped
		return outcome, nil
	}

	out, err := Reconstruct(msg)
	if err != nil {
		var msgErr *MessageError
		if !errors.As(err, &msgErr) {
			msgErr = newMessageError(StageReconstruct, msg, err)
		}
		log.Error("failed to reconstruct dead-lettered message", "error", err)
		return outcome.failed(StateReconstructionFailed, msgErr), nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return outcome.failed(StateNotAttempted, err), abortError("wait for send rate", err)
		}
	}

	sendErr := p.send(ctx, out)
	if sendErr != nil {
		msgErr := newMessageError(StageSend, msg, sendErr)
		if errors.Is(sendErr, resilience.ErrCircuitBreakerOpen) {
			err := replayError(ErrSendCircuitOpen, fmt.Sprintf("%d consecutive send failures", p.replayer.config.MaxConsecutiveSendFailures))
			return outcome.failed(StateNotAttempted, err), abortError("send", err)
		}
		log.Error("failed to re-send dead-lettered message", "error", sendErr)
		outcome = outcome.failed(StateSendFailed, msgErr)
		if eventbus.IsConnectionError(sendErr) || ctx.Err() != nil {
			return outcome, abortError("send", sendErr)
		}
		return outcome, nil
	}

	ackErr := p.complete(ctx, msg)
	if ackErr != nil {
		log.Warn("re-sent message could not be acknowledged and may be replayed again", "error", ackErr)
		outcome = outcome.failed(StateAckFailed, newMessageError(StageAcknowledge, msg, ackErr))
		if eventbus.IsConnectionError(ackErr) || ctx.Err() != nil {
			return outcome, abortError("acknowledge", ackErr)
		}
		return outcome, nil
	}

	p.span.AddEvent("message replayed", trace.WithAttributes(
		attribute.String("messaging.message_id", msg.ID),
		attribute.Int64("dlq.sequence_number", msg.SequenceNumber),
	))
	outcome.State = StateReplayed
	return outcome, nil
}

func (p *pipeline) send(ctx context.Context, out *eventbus.Message) error {
	do := func() error {
		return resilience.WithTimeout(ctx, p.replayer.config.OperationTimeout, func(opCtx context.Context) error {
			return p.sender.Send(opCtx, out)
		})
	}
	if p.breaker == nil {
		return do()
	}
	return p.breaker.Execute(do)
}

func (p *pipeline) complete(ctx context.Context, msg *eventbus.DeadLetteredMessage) error {
	return resilience.WithTimeout(ctx, p.replayer.config.OperationTimeout, func(opCtx context.Context) error {
		return p.receiver.Complete(opCtx, msg)
	})
}
