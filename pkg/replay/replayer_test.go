package replay

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/eventbus/memory"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

const (
	testTopic        = "orders"
	testSubscription = "billing"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type mockLogger struct {
	mu      sync.Mutex
	entries []string
}

func (m *mockLogger) Debug(msg string, args ...any) { m.add("debug", msg) }
func (m *mockLogger) Info(msg string, args ...any)  { m.add("info", msg) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.add("warn", msg) }
func (m *mockLogger) Error(msg string, args ...any) { m.add("error", msg) }
func (m *mockLogger) With(args ...any) logger.Logger {
	return m
}
func (m *mockLogger) WithContext(ctx context.Context) logger.Logger {
	return m
}

func (m *mockLogger) add(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, level+": "+msg)
}

func (m *mockLogger) count(level string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if strings.HasPrefix(e, level+": ") {
			n++
		}
	}
	return n
}

func deadLetter(b *memory.Broker, id string, age time.Duration) int64 {
	return b.DeadLetter(testTopic, testSubscription, eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:         id,
			Body:       []byte(`{"id":"` + id + `"}`),
			Properties: map[string]string{"tenant": "acme"},
		},
		EnqueuedTime: testNow.Add(-age),
	})
}

func newTestReplayer(t *testing.T, b eventbus.Broker, cfg Config, opts ...Option) (*Replayer, *mockLogger) {
	t.Helper()
	if cfg.Destination == "" {
		cfg.Destination = testTopic
	}
	if cfg.Subscription == "" {
		cfg.Subscription = testSubscription
	}
	log := &mockLogger{}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	r, err := NewReplayer(b, cfg, log, opts...)
	if err != nil {
		t.Fatalf("NewReplayer() error = %v", err)
	}
	return r, log
}

func TestReplay_OnlyMessagesInsideWindow(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "recent", 30*time.Minute)
	deadLetter(b, "two-hours", 2*time.Hour)
	deadLetter(b, "five-hours", 5*time.Hour)

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if summary.Replayed != 1 {
		t.Fatalf("expected 1 replayed, got %d", summary.Replayed)
	}
	if summary.Fetched != 3 || summary.Skipped != 2 || summary.Eligible != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	calls := b.Calls()
	if calls.Sends != 1 || calls.Completes != 1 {
		t.Fatalf("expected one send and one complete, got %+v", calls)
	}
	published := b.Published(testTopic)
	if len(published) != 1 || published[0].ID != "recent" {
		t.Fatalf("expected only the recent message to be published, got %+v", published)
	}
	remaining := b.DeadLettered(testTopic, testSubscription)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 messages left in the sub-queue, got %d", len(remaining))
	}
	for _, msg := range remaining {
		if msg.ID == "recent" {
			t.Fatal("replayed message must be removed from the sub-queue")
		}
	}
}

func TestReplay_WideWindowDrainsSubQueue(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "recent", 30*time.Minute)
	deadLetter(b, "two-hours", 2*time.Hour)
	deadLetter(b, "five-hours", 5*time.Hour)

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 10)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 3 {
		t.Fatalf("expected 3 replayed, got %d", summary.Replayed)
	}
	if left := b.DeadLettered(testTopic, testSubscription); len(left) != 0 {
		t.Fatalf("expected empty sub-queue, got %d", len(left))
	}

	var ids []string
	for _, msg := range b.Published(testTopic) {
		ids = append(ids, msg.ID)
	}
	if strings.Join(ids, ",") != "recent,two-hours,five-hours" {
		t.Fatalf("expected delivery order to be preserved, got %v", ids)
	}
}

func TestReplay_SendFailureLeavesMessageInSubQueue(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", 10*time.Minute)
	b.FailSends(func(*eventbus.Message) error {
		return eventbus.Errorf(eventbus.ErrRejected, nil, "message too large")
	})

	r, log := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("per-message send failures must not fail the invocation, got %v", err)
	}
	if summary.Replayed != 0 || summary.SendFailed != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if b.Calls().Completes != 0 {
		t.Fatal("a message whose send failed must never be completed")
	}
	if left := b.DeadLettered(testTopic, testSubscription); len(left) != 1 {
		t.Fatalf("expected the message to remain, got %d", len(left))
	}

	outcome := summary.Outcomes[0]
	var msgErr *MessageError
	if !errors.As(outcome.Err, &msgErr) || msgErr.Stage != StageSend || msgErr.MessageID != "m1" {
		t.Fatalf("expected send MessageError for m1, got %#v", outcome.Err)
	}
	if !errors.Is(outcome.Err, eventbus.ErrRejected) {
		t.Fatalf("expected the broker error to be preserved, got %v", outcome.Err)
	}
	if log.count("error") == 0 {
		t.Fatal("expected the send failure to be logged")
	}
}

func TestReplay_SendFailureSkipsAndContinues(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", 10*time.Minute)
	deadLetter(b, "m2", 20*time.Minute)
	deadLetter(b, "m3", 30*time.Minute)
	b.FailSends(func(msg *eventbus.Message) error {
		if msg.ID == "m2" {
			return errors.New("transient")
		}
		return nil
	})

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 2 || summary.SendFailed != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	left := b.DeadLettered(testTopic, testSubscription)
	if len(left) != 1 || left[0].ID != "m2" {
		t.Fatalf("expected only m2 to remain, got %+v", left)
	}
}

func TestReplay_NonPositiveWindowMakesNoBrokerCalls(t *testing.T) {
	for _, hours := range []int{0, -1, -48} {
		b := memory.NewBroker()
		deadLetter(b, "m1", time.Minute)

		r, _ := newTestReplayer(t, b, Config{})
		summary, err := r.Replay(context.Background(), hours)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("hours=%d: expected ErrInvalidArgument, got %v", hours, err)
		}
		if summary != nil {
			t.Fatalf("hours=%d: expected no summary, got %+v", hours, summary)
		}
		if total := b.Calls().Total(); total != 0 {
			t.Fatalf("hours=%d: expected zero broker calls, got %d", hours, total)
		}
	}
}

func TestReplay_EmptySubQueue(t *testing.T) {
	b := memory.NewBroker()

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 24)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 0 || summary.Fetched != 0 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if calls := b.Calls(); calls.Sends != 0 || calls.Completes != 0 {
		t.Fatalf("expected no sends or completes, got %+v", calls)
	}
}

func TestReplay_ThresholdIsExclusive(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "at-threshold", time.Hour)
	deadLetter(b, "just-inside", time.Hour-time.Nanosecond)

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 1 {
		t.Fatalf("expected 1 replayed, got %d", summary.Replayed)
	}
	if published := b.Published(testTopic); published[0].ID != "just-inside" {
		t.Fatalf("expected just-inside to be replayed, got %s", published[0].ID)
	}
}

func TestReplay_AckFailureIsNotResent(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", 10*time.Minute)
	deadLetter(b, "m2", 10*time.Minute)
	b.FailCompletes(func(msg *eventbus.DeadLetteredMessage) error {
		if msg.ID == "m1" {
			return eventbus.Errorf(eventbus.ErrLockLost, nil, "lock expired")
		}
		return nil
	})

	r, log := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 1 || summary.AckFailed != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if sends := b.Calls().Sends; sends != 2 {
		t.Fatalf("expected exactly one send per message, got %d", sends)
	}
	left := b.DeadLettered(testTopic, testSubscription)
	if len(left) != 1 || left[0].ID != "m1" {
		t.Fatalf("expected m1 to remain after the ack failure, got %+v", left)
	}
	if !errors.Is(summary.Outcomes[0].Err, eventbus.ErrLockLost) {
		t.Fatalf("expected lock lost outcome, got %v", summary.Outcomes[0].Err)
	}
	if log.count("warn") == 0 {
		t.Fatal("expected a duplicate-risk warning")
	}
}

func TestReplay_ReconstructionFailureSkipsMessage(t *testing.T) {
	b := memory.NewBroker()
	b.DeadLetter(testTopic, testSubscription, eventbus.DeadLetteredMessage{
		Message:      eventbus.Message{ID: "amqp-value"},
		EnqueuedTime: testNow.Add(-time.Minute),
		BodyErr:      errors.New("amqp value body"),
	})
	deadLetter(b, "ok", 2*time.Minute)

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.ReconstructionFailed != 1 || summary.Replayed != 1 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if !errors.Is(summary.Outcomes[0].Err, ErrReconstruction) {
		t.Fatalf("expected ErrReconstruction, got %v", summary.Outcomes[0].Err)
	}
	if sends := b.Calls().Sends; sends != 1 {
		t.Fatalf("unreadable message must not be sent, got %d sends", sends)
	}
}

func TestReplay_PreservesMetadataAndTagsRetry(t *testing.T) {
	b := memory.NewBroker()
	b.DeadLetter(testTopic, testSubscription, eventbus.DeadLetteredMessage{
		Message: eventbus.Message{
			ID:            "order-42",
			Body:          []byte{0x00, 0xff, 0x10},
			ContentType:   "application/octet-stream",
			SessionID:     "session-7",
			Subject:       "order.created",
			CorrelationID: "corr-1",
			Properties: map[string]string{
				"tenant":                     "acme",
				RetriedAutomaticallyProperty: "false",
			},
		},
		EnqueuedTime: testNow.Add(-time.Minute),
	})

	r, _ := newTestReplayer(t, b, Config{})
	if _, err := r.Replay(context.Background(), 1); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	published := b.Published(testTopic)
	if len(published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(published))
	}
	got := published[0]
	if got.ID != "order-42" || got.ContentType != "application/octet-stream" || got.SessionID != "session-7" ||
		got.Subject != "order.created" || got.CorrelationID != "corr-1" {
		t.Fatalf("metadata not preserved: %+v", got)
	}
	if string(got.Body) != string([]byte{0x00, 0xff, 0x10}) {
		t.Fatalf("body not preserved: %v", got.Body)
	}
	if got.Properties["tenant"] != "acme" {
		t.Fatalf("application property lost: %v", got.Properties)
	}
	if got.Properties[RetriedAutomaticallyProperty] != "true" {
		t.Fatalf("expected retry marker to be overwritten with true, got %q", got.Properties[RetriedAutomaticallyProperty])
	}
}

func TestReplay_OpenFailureAborts(t *testing.T) {
	tests := []struct {
		name     string
		openErr  error
		expected error
	}{
		{
			name:     "unreachable broker",
			openErr:  eventbus.Errorf(eventbus.ErrConnection, nil, "dial tcp: connection refused"),
			expected: eventbus.ErrConnection,
		},
		{
			name:     "missing sub-queue",
			openErr:  eventbus.Errorf(eventbus.ErrProtocol, nil, "entity not found"),
			expected: eventbus.ErrProtocol,
		},
		{
			name:     "unclassified error",
			openErr:  errors.New("boom"),
			expected: eventbus.ErrConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.NewBroker()
			deadLetter(b, "m1", time.Minute)
			b.FailOpen(tt.openErr)

			r, _ := newTestReplayer(t, b, Config{})
			summary, err := r.Replay(context.Background(), 1)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if summary == nil || !summary.Aborted || summary.Replayed != 0 {
				t.Fatalf("expected an aborted summary, got %+v", summary)
			}
			if b.Calls().Sends != 0 {
				t.Fatal("nothing must be sent when the receiver cannot be opened")
			}
		})
	}
}

func TestReplay_ReceiveFailureAborts(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", time.Minute)
	b.FailReceives(eventbus.Errorf(eventbus.ErrConnection, nil, "connection lost"))

	r, _ := newTestReplayer(t, b, Config{})
	_, err := r.Replay(context.Background(), 1)
	if !errors.Is(err, eventbus.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestReplay_ConnectionLossDuringSendAbortsRemainingBatch(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", time.Minute)
	deadLetter(b, "m2", time.Minute)
	deadLetter(b, "m3", time.Minute)
	deadLetter(b, "old", 48*time.Hour)
	b.FailSends(func(msg *eventbus.Message) error {
		if msg.ID == "m2" {
			return eventbus.Errorf(eventbus.ErrConnection, nil, "connection reset")
		}
		return nil
	})

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 1)
	if !errors.Is(err, eventbus.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if summary.Replayed != 1 || summary.SendFailed != 1 || summary.NotAttempted != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected partial summary: %+v", summary)
	}
	if len(summary.Outcomes) != summary.Fetched {
		t.Fatalf("every fetched message needs an outcome: %d vs %d", len(summary.Outcomes), summary.Fetched)
	}
	if b.Calls().Sends != 2 {
		t.Fatalf("expected no sends after the abort, got %d", b.Calls().Sends)
	}
}

func TestReplay_CancelledContextAborts(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(ctx, 1)
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if summary.Replayed != 0 {
		t.Fatalf("expected nothing replayed, got %d", summary.Replayed)
	}
	if left := b.DeadLettered(testTopic, testSubscription); len(left) != 1 {
		t.Fatal("message must stay in the sub-queue")
	}
}

func TestReplay_SendCircuitOpens(t *testing.T) {
	b := memory.NewBroker()
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		deadLetter(b, id, time.Minute)
	}
	b.FailSends(func(*eventbus.Message) error { return errors.New("destination disabled") })

	r, _ := newTestReplayer(t, b, Config{MaxConsecutiveSendFailures: 2})
	summary, err := r.Replay(context.Background(), 1)
	if !errors.Is(err, ErrSendCircuitOpen) {
		t.Fatalf("expected ErrSendCircuitOpen, got %v", err)
	}
	if summary.SendFailed != 2 || summary.NotAttempted != 2 {
		t.Fatalf("unexpected partial summary: %+v", summary)
	}
	if b.Calls().Sends != 2 {
		t.Fatalf("expected sends to stop after the circuit opened, got %d", b.Calls().Sends)
	}
}

func TestReplay_TruncatedAtBatchCap(t *testing.T) {
	b := memory.NewBroker()
	for _, id := range []string{"m1", "m2", "m3"} {
		deadLetter(b, id, time.Minute)
	}

	r, _ := newTestReplayer(t, b, Config{MaxBatchSize: 2})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !summary.Truncated || summary.Fetched != 2 || summary.Replayed != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if b.Calls().Receives != 1 {
		t.Fatalf("expected a single fetch, got %d", b.Calls().Receives)
	}
	if left := b.DeadLettered(testTopic, testSubscription); len(left) != 1 {
		t.Fatalf("expected one message to remain for the next run, got %d", len(left))
	}
}

func TestReplay_ObserversAndMetrics(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "m1", time.Minute)
	deadLetter(b, "old", 72*time.Hour)

	metrics := NewMetrics()
	var observed *Summary
	observer := ObserverFunc(func(_ context.Context, s *Summary, err error) {
		if err != nil {
			t.Errorf("unexpected observer error: %v", err)
		}
		observed = s
	})

	r, _ := newTestReplayer(t, b, Config{},
		WithMetrics(metrics),
		WithObserver(observer),
		WithRunIDGenerator(func() string { return "run-1" }),
	)
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if observed != summary || observed.RunID != "run-1" {
		t.Fatalf("observer did not receive the summary: %+v", observed)
	}
	if !summary.StartedAt.Equal(testNow) || !summary.Threshold.Equal(testNow.Add(-time.Hour)) {
		t.Fatalf("unexpected timestamps: %+v", summary)
	}

	if got := testutil.ToFloat64(metrics.messages.WithLabelValues(testTopic, string(StateReplayed))); got != 1 {
		t.Fatalf("expected 1 replayed message metric, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.messages.WithLabelValues(testTopic, string(StateSkipped))); got != 1 {
		t.Fatalf("expected 1 skipped message metric, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(testTopic, "success")); got != 1 {
		t.Fatalf("expected 1 successful run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.lastReplayed.WithLabelValues(testTopic)); got != 1 {
		t.Fatalf("expected last replayed gauge 1, got %v", got)
	}
}

func TestNewReplayer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		broker eventbus.Broker
		cfg    Config
	}{
		{name: "nil broker", broker: nil, cfg: Config{Destination: testTopic}},
		{name: "missing destination", broker: memory.NewBroker(), cfg: Config{}},
		{name: "negative batch size", broker: memory.NewBroker(), cfg: Config{Destination: testTopic, MaxBatchSize: -1}},
		{name: "negative send rate", broker: memory.NewBroker(), cfg: Config{Destination: testTopic, SendRate: -1}},
		{name: "negative fetch timeout", broker: memory.NewBroker(), cfg: Config{Destination: testTopic, FetchTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReplayer(tt.broker, tt.cfg, nil)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	r, err := NewReplayer(memory.NewBroker(), Config{Destination: testTopic}, nil)
	if err != nil {
		t.Fatalf("NewReplayer() error = %v", err)
	}
	if r.Config().MaxBatchSize != DefaultMaxBatchSize || r.Config().OperationTimeout != DefaultOperationTimeout ||
		r.Config().FetchTimeout != DefaultFetchTimeout {
		t.Fatalf("defaults not applied: %+v", r.Config())
	}
}

func TestReplay_SlowFetchReplaysWhatArrivedInTime(t *testing.T) {
	b := memory.NewBroker()
	for i := 0; i < 200; i++ {
		deadLetter(b, "m"+strconv.Itoa(i), time.Minute)
	}

	r, _ := newTestReplayer(t, &slowBroker{Broker: b, perMessage: 2 * time.Millisecond},
		Config{FetchTimeout: 80 * time.Millisecond, OperationTimeout: time.Second})
	summary, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !summary.Truncated || summary.Fetched == 0 || summary.Fetched >= 200 {
		t.Fatalf("expected a partial batch, got %+v", summary)
	}
	if summary.Replayed != summary.Fetched {
		t.Fatalf("replayed %d of %d fetched", summary.Replayed, summary.Fetched)
	}
	if sent := len(b.Published(testTopic)); sent != summary.Replayed {
		t.Fatalf("published %d, replayed %d", sent, summary.Replayed)
	}
	if left := b.DeadLettered(testTopic, testSubscription); len(left) != 200-summary.Replayed {
		t.Fatalf("expected %d messages left for the next run, got %d", 200-summary.Replayed, len(left))
	}
}

func TestReplay_HugeWindowReplaysEverything(t *testing.T) {
	b := memory.NewBroker()
	deadLetter(b, "recent", 30*time.Minute)
	deadLetter(b, "ancient", 200*365*24*time.Hour)

	r, _ := newTestReplayer(t, b, Config{})
	summary, err := r.Replay(context.Background(), 3_000_000)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if summary.Replayed != 2 || summary.Skipped != 0 {
		t.Fatalf("expected both messages replayed, got %+v", summary)
	}
}
