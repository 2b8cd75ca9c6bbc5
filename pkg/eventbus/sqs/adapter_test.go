package sqs

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

const (
	sourceURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders"
	dlqURL    = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders-dlq"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

type fakeAPI struct {
	pages      [][]types.Message
	receiveIn  []*sqs.ReceiveMessageInput
	sent       []*sqs.SendMessageInput
	deleted    []string
	receiveErr error
	sendErr    error
	deleteErr  error
	// receiveDelay makes every ReceiveMessage call take that long unless ctx ends first.
	receiveDelay time.Duration
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = append(f.receiveIn, in)
	if f.receiveDelay > 0 {
		select {
		case <-time.After(f.receiveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.pages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &sqs.ReceiveMessageOutput{Messages: page}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("new-id")}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

func sqsMessage(id string, sent time.Time) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(`{"id":"` + id + `"}`),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameSentTimestamp):           strconv.FormatInt(sent.UnixMilli(), 10),
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "4",
		},
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant":             stringValue("acme"),
			AttributeContentType: stringValue("application/json"),
		},
	}
}

func TestNewAdapter_RequiresRegion(t *testing.T) {
	if _, err := NewAdapter(context.Background(), Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty region")
	}
}

func TestReceiver_PagesUntilEmptyOrCap(t *testing.T) {
	sent := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	page := make([]types.Message, 10)
	for i := range page {
		page[i] = sqsMessage("m"+strconv.Itoa(i), sent)
	}
	api := &fakeAPI{pages: [][]types.Message{page, {sqsMessage("m10", sent)}}}
	a := NewAdapterWithClient(api, Config{WaitTimeSeconds: 5}, &mockLogger{})

	r, err := a.NewDeadLetterReceiver(context.Background(), sourceURL, dlqURL)
	if err != nil {
		t.Fatalf("NewDeadLetterReceiver() error = %v", err)
	}
	msgs, err := r.ReceiveDeadLettered(context.Background(), 100)
	if err != nil {
		t.Fatalf("ReceiveDeadLettered() error = %v", err)
	}
	if len(msgs) != 11 {
		t.Fatalf("expected 11 messages, got %d", len(msgs))
	}
	if len(api.receiveIn) != 3 {
		t.Fatalf("expected to poll until an empty page, got %d calls", len(api.receiveIn))
	}
	if api.receiveIn[0].WaitTimeSeconds != 5 || api.receiveIn[1].WaitTimeSeconds != 0 {
		t.Fatal("only the first poll should wait")
	}
	if aws.ToString(api.receiveIn[0].QueueUrl) != dlqURL {
		t.Fatalf("expected to read the dead-letter queue, got %s", aws.ToString(api.receiveIn[0].QueueUrl))
	}

	capped := &fakeAPI{pages: [][]types.Message{page}}
	r2, _ := NewAdapterWithClient(capped, Config{}, &mockLogger{}).NewDeadLetterReceiver(context.Background(), sourceURL, dlqURL)
	if _, err := r2.ReceiveDeadLettered(context.Background(), 3); err != nil {
		t.Fatalf("ReceiveDeadLettered() error = %v", err)
	}
	if capped.receiveIn[0].MaxNumberOfMessages != 3 {
		t.Fatalf("expected MaxNumberOfMessages=3, got %d", capped.receiveIn[0].MaxNumberOfMessages)
	}
}

func TestReceiver_KeepsReceivedMessagesWhenContextEnds(t *testing.T) {
	sent := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	api := &fakeAPI{receiveDelay: 10 * time.Millisecond}
	for p := 0; p < 100; p++ {
		page := make([]types.Message, 10)
		for i := range page {
			page[i] = sqsMessage("m"+strconv.Itoa(p*10+i), sent)
		}
		api.pages = append(api.pages, page)
	}
	a := NewAdapterWithClient(api, Config{}, &mockLogger{})
	r, _ := a.NewDeadLetterReceiver(context.Background(), sourceURL, dlqURL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msgs, err := r.ReceiveDeadLettered(ctx, 10000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if len(msgs) == 0 || len(msgs) >= 1000 {
		t.Fatalf("expected the messages received before the deadline, got %d", len(msgs))
	}
	if msgs[0].ID != "m0" {
		t.Errorf("first message = %s, want m0", msgs[0].ID)
	}
}

func TestReceiver_BoundsEachReceiveCall(t *testing.T) {
	api := &fakeAPI{receiveDelay: time.Hour}
	a := NewAdapterWithClient(api, Config{WaitTimeSeconds: 1, ReceiveTimeout: 20 * time.Millisecond}, &mockLogger{})
	r, _ := a.NewDeadLetterReceiver(context.Background(), sourceURL, dlqURL)

	start := time.Now()
	_, err := r.ReceiveDeadLettered(context.Background(), 10)
	if !errors.Is(err, eventbus.ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("receive call was not bounded, took %s", elapsed)
	}
}

func TestFromSQSMessage(t *testing.T) {
	sent := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	m := sqsMessage("sqs-id", sent)
	m.MessageAttributes[AttributeMessageID] = stringValue("order-1")
	m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)] = "group-1"

	got := fromSQSMessage(m)
	if got.ID != "order-1" {
		t.Fatalf("expected the preserved message id, got %s", got.ID)
	}
	if !got.EnqueuedTime.Equal(sent) {
		t.Fatalf("expected enqueued time %v, got %v", sent, got.EnqueuedTime)
	}
	if got.SessionID != "group-1" || got.ContentType != "application/json" || got.DeliveryCount != 4 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if len(got.Properties) != 1 || got.Properties["tenant"] != "acme" {
		t.Fatalf("reserved attributes must not leak into properties: %v", got.Properties)
	}
	if got.Handle != "rh-sqs-id" {
		t.Fatalf("expected receipt handle, got %v", got.Handle)
	}
}

func TestNumberAttributesKeepTheirDataType(t *testing.T) {
	m := sqsMessage("sqs-id", time.Now())
	m.MessageAttributes["attempt"] = types.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String("3")}

	got := fromSQSMessage(m)
	if got.Properties["attempt"] != "3" {
		t.Fatalf("expected string form 3, got %q", got.Properties["attempt"])
	}

	in := toSendInput(sourceURL, false, &got.Message)
	attempt := in.MessageAttributes["attempt"]
	if aws.ToString(attempt.DataType) != "Number" || aws.ToString(attempt.StringValue) != "3" {
		t.Fatalf("expected Number attribute, got %s %q", aws.ToString(attempt.DataType), aws.ToString(attempt.StringValue))
	}
	if aws.ToString(in.MessageAttributes["tenant"].DataType) != "String" {
		t.Fatalf("string attributes must stay String")
	}
}

func TestSender_FIFOAndStandardQueues(t *testing.T) {
	msg := &eventbus.Message{ID: "m1", Body: []byte("x"), SessionID: "s1", Subject: "orders.created", Properties: map[string]string{"k": "v"}}

	api := &fakeAPI{}
	a := NewAdapterWithClient(api, Config{}, &mockLogger{})

	std, _ := a.NewSender(context.Background(), sourceURL)
	fifo, _ := a.NewSender(context.Background(), sourceURL+".fifo")
	if err := std.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := fifo.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	standard, grouped := api.sent[0], api.sent[1]
	if standard.MessageGroupId != nil || stringAttribute(standard.MessageAttributes, AttributeSessionID) != "s1" {
		t.Fatal("standard queues carry the session id as an attribute")
	}
	if aws.ToString(grouped.MessageGroupId) != "s1" || aws.ToString(grouped.MessageDeduplicationId) != "m1" {
		t.Fatalf("fifo queues need group and deduplication ids: %+v", grouped)
	}
	if stringAttribute(standard.MessageAttributes, AttributeSubject) != "orders.created" ||
		stringAttribute(standard.MessageAttributes, "k") != "v" {
		t.Fatalf("unexpected attributes: %v", standard.MessageAttributes)
	}
}

func TestReceiver_CompleteDeletesByReceiptHandle(t *testing.T) {
	api := &fakeAPI{}
	a := NewAdapterWithClient(api, Config{}, &mockLogger{})
	r, _ := a.NewDeadLetterReceiver(context.Background(), sourceURL, dlqURL)

	if err := r.Complete(context.Background(), &eventbus.DeadLetteredMessage{Handle: "rh-1"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-1" {
		t.Fatalf("expected delete by receipt handle, got %v", api.deleted)
	}

	err := r.Complete(context.Background(), &eventbus.DeadLetteredMessage{})
	if !errors.Is(err, eventbus.ErrLockLost) {
		t.Fatalf("expected ErrLockLost without a handle, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "missing queue", err: &types.QueueDoesNotExist{Message: aws.String("gone")}, expected: eventbus.ErrProtocol},
		{name: "invalid receipt", err: &types.ReceiptHandleIsInvalid{Message: aws.String("expired")}, expected: eventbus.ErrLockLost},
		{name: "bad credentials", err: &smithy.GenericAPIError{Code: "InvalidClientTokenId"}, expected: eventbus.ErrConnection},
		{name: "oversized message", err: &smithy.GenericAPIError{Code: "InvalidParameterValue"}, expected: eventbus.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, "op"); !errors.Is(got, tt.expected) {
				t.Fatalf("classify() = %v, want kind %v", got, tt.expected)
			}
		})
	}

	if got := classify(errors.New("other"), "op"); errors.Is(got, eventbus.ErrConnection) {
		t.Fatalf("unknown errors must stay unclassified, got %v", got)
	}
}

func TestClosedAdapterOperations(t *testing.T) {
	a := NewAdapterWithClient(&fakeAPI{}, Config{}, &mockLogger{})
	_ = a.Close()

	if _, err := a.NewSender(context.Background(), sourceURL); !errors.Is(err, eventbus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.HealthCheck(context.Background()); !errors.Is(err, eventbus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := a.NewDeadLetterReceiver(context.Background(), sourceURL, ""); err == nil {
		t.Fatal("expected an error")
	}
}

func TestProperty_MetadataSurvivesSendAndReceive(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("what the sender writes the receiver reads back", prop.ForAll(
		func(id, contentType, subject, correlation, key, value string) bool {
			msg := &eventbus.Message{
				ID:            id,
				Body:          []byte("payload"),
				ContentType:   contentType,
				Subject:       subject,
				CorrelationID: correlation,
				Properties:    map[string]string{"p_" + key: value},
			}
			in := toSendInput(sourceURL, false, msg)
			got := fromSQSMessage(types.Message{
				MessageId:         aws.String("sqs-generated"),
				Body:              in.MessageBody,
				MessageAttributes: in.MessageAttributes,
			})
			expectedID := id
			if id == "" {
				expectedID = "sqs-generated"
			}
			return got.ID == expectedID &&
				got.ContentType == contentType &&
				got.Subject == subject &&
				got.CorrelationID == correlation &&
				got.Properties["p_"+key] == value
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
