// Package memory provides an in-process eventbus.Broker with dead-letter sub-queues.
// It records every broker call and supports fault injection, which makes it the
// collaborator of choice for replay tests and local runs.
package memory

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/nimburion/dlqreplay/pkg/eventbus"
)

// Calls counts broker interactions.
type Calls struct {
	ReceiversOpened int
	SendersOpened   int
	Receives        int
	Sends           int
	Completes       int
}

// Total returns the number of broker calls of any kind.
func (c Calls) Total() int {
	return c.ReceiversOpened + c.SendersOpened + c.Receives + c.Sends + c.Completes
}

type entry struct {
	msg    eventbus.DeadLetteredMessage
	holder *receiver
}

// Broker is an in-memory eventbus.Broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu          sync.Mutex
	deadLetters map[string][]*entry
	published   map[string][]*eventbus.Message
	nextSeq     int64
	calls       Calls
	closed      bool

	openErr       error
	receiveErr    error
	sendFault     func(*eventbus.Message) error
	completeFault func(*eventbus.DeadLetteredMessage) error
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		deadLetters: make(map[string][]*entry),
		published:   make(map[string][]*eventbus.Message),
	}
}

func subQueueKey(destination, subscription string) string {
	return destination + "/" + subscription + "/$deadletterqueue"
}

// DeadLetter places a message in the dead-letter sub-queue of destination/subscription and
// returns the assigned sequence number. A zero EnqueuedTime defaults to now.
func (b *Broker) DeadLetter(destination, subscription string, msg eventbus.DeadLetteredMessage) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	msg.SequenceNumber = b.nextSeq
	if msg.EnqueuedTime.IsZero() {
		msg.EnqueuedTime = time.Now().UTC()
	}
	msg.Body = cloneBytes(msg.Body)
	if msg.Properties != nil {
		msg.Properties = eventbus.CloneProperties(msg.Properties)
	}
	msg.TypedProperties = maps.Clone(msg.TypedProperties)
	key := subQueueKey(destination, subscription)
	b.deadLetters[key] = append(b.deadLetters[key], &entry{msg: msg})
	return msg.SequenceNumber
}

// DeadLettered returns a snapshot of the dead-letter sub-queue contents in delivery order.
func (b *Broker) DeadLettered(destination, subscription string) []eventbus.DeadLetteredMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.deadLetters[subQueueKey(destination, subscription)]
	out := make([]eventbus.DeadLetteredMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}

// Published returns the messages sent to destination, in send order.
func (b *Broker) Published(destination string) []*eventbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*eventbus.Message(nil), b.published[destination]...)
}

// Calls returns a snapshot of the call counters.
func (b *Broker) Calls() Calls {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// FailOpen makes every subsequent receiver/sender open fail with err.
func (b *Broker) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// FailReceives makes every subsequent receive fail with err.
func (b *Broker) FailReceives(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveErr = err
}

// FailSends installs a fault hook consulted before each send. A non-nil result fails the send.
func (b *Broker) FailSends(fault func(*eventbus.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFault = fault
}

// FailCompletes installs a fault hook consulted before each complete.
func (b *Broker) FailCompletes(fault func(*eventbus.DeadLetteredMessage) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeFault = fault
}

// NewDeadLetterReceiver implements eventbus.Broker.
func (b *Broker) NewDeadLetterReceiver(_ context.Context, destination, subscription string) (eventbus.DeadLetterReceiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, eventbus.Errorf(eventbus.ErrClosed, nil, "memory broker is closed")
	}
	b.calls.ReceiversOpened++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &receiver{broker: b, key: subQueueKey(destination, subscription)}, nil
}

// NewSender implements eventbus.Broker.
func (b *Broker) NewSender(_ context.Context, destination string) (eventbus.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, eventbus.Errorf(eventbus.ErrClosed, nil, "memory broker is closed")
	}
	b.calls.SendersOpened++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &sender{broker: b, destination: destination}, nil
}

// HealthCheck implements eventbus.Broker.
func (b *Broker) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eventbus.Errorf(eventbus.ErrClosed, nil, "memory broker is closed")
	}
	return nil
}

// Close implements eventbus.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type receiver struct {
	broker *Broker
	key    string
	closed bool
}

func (r *receiver) ReceiveDeadLettered(ctx context.Context, maxMessages int) ([]*eventbus.DeadLetteredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return nil, eventbus.Errorf(eventbus.ErrClosed, nil, "receiver is closed")
	}
	b.calls.Receives++
	if b.receiveErr != nil {
		return nil, b.receiveErr
	}

	var out []*eventbus.DeadLetteredMessage
	for _, e := range b.deadLetters[r.key] {
		if maxMessages > 0 && len(out) >= maxMessages {
			break
		}
		if e.holder != nil {
			continue
		}
		e.holder = r
		msg := e.msg
		msg.Body = cloneBytes(e.msg.Body)
		if e.msg.Properties != nil {
			msg.Properties = eventbus.CloneProperties(e.msg.Properties)
		}
		msg.TypedProperties = maps.Clone(e.msg.TypedProperties)
		msg.DeliveryCount++
		msg.Handle = e.msg.SequenceNumber
		out = append(out, &msg)
	}
	return out, nil
}

func (r *receiver) Complete(ctx context.Context, msg *eventbus.DeadLetteredMessage) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Completes++
	if b.completeFault != nil {
		if err := b.completeFault(msg); err != nil {
			return err
		}
	}

	seq, _ := msg.Handle.(int64)
	entries := b.deadLetters[r.key]
	for i, e := range entries {
		if e.msg.SequenceNumber != seq {
			continue
		}
		if e.holder != r || r.closed {
			break
		}
		b.deadLetters[r.key] = append(entries[:i:i], entries[i+1:]...)
		return nil
	}
	return eventbus.Errorf(eventbus.ErrLockLost, nil, "message %s (sequence %d) is not locked by this receiver", msg.ID, seq)
}

func (r *receiver) Close() error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, e := range b.deadLetters[r.key] {
		if e.holder == r {
			e.holder = nil
		}
	}
	return nil
}

type sender struct {
	broker      *Broker
	destination string
}

func (s *sender) Send(ctx context.Context, msg *eventbus.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Sends++
	if b.sendFault != nil {
		if err := b.sendFault(msg); err != nil {
			return err
		}
	}
	sent := *msg
	sent.Body = cloneBytes(msg.Body)
	if msg.Properties != nil {
		sent.Properties = eventbus.CloneProperties(msg.Properties)
	}
	sent.TypedProperties = maps.Clone(msg.TypedProperties)
	b.published[s.destination] = append(b.published[s.destination], &sent)
	return nil
}

func (s *sender) Close() error { return nil }

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
