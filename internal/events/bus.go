// Package events fans out gateway events: payment verdicts, chat
// messages, and agent executions. The in-memory bus feeds WebSocket
// transcript subscribers; the Pub/Sub variant adds durable delivery
// for downstream consumers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types emitted by the gateway.
const (
	TypePaymentVerified = "onechat.payment.verified"
	TypePaymentRejected = "onechat.payment.rejected"
	TypePaymentSettled  = "onechat.payment.settled"
	TypeChatMessage     = "onechat.chat.message"
	TypeAgentExecuted   = "onechat.agent.executed"
)

// EventEmitter publishes CloudEvents. Both EventBus and PubSubEventBus
// satisfy it, so handlers never care which backend is wired.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope used for every gateway
// event. Subject carries the session ID for chat events and the payer
// address for payment events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          "ce-" + ulid.Make().String(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process pub/sub bus. Delivery is non-blocking: a
// slow subscriber loses events rather than stalling a paid request.
type EventBus struct {
	mu         sync.RWMutex
	byType     map[string][]chan *CloudEvent
	all        []chan *CloudEvent
	bufferSize int
}

// NewEventBus creates an in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		byType:     make(map[string][]chan *CloudEvent),
		bufferSize: 100,
	}
}

// Subscribe creates a channel receiving events of the given types.
// Pass no types to receive everything.
func (b *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.all = append(b.all, ch)
	} else {
		for _, t := range eventTypes {
			b.byType[t] = append(b.byType[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *EventBus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, chans := range b.byType {
		b.byType[t] = drop(chans, ch)
	}
	b.all = drop(b.all, ch)

	close(ch)
}

func drop(chans []chan *CloudEvent, ch chan *CloudEvent) []chan *CloudEvent {
	kept := chans[:0]
	for _, c := range chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	return kept
}

// Publish delivers an event to all matching subscribers.
func (b *EventBus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byType[event.Type] {
		select {
		case ch <- event:
		default:
			// Buffer full, drop for this listener.
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.all)
	for _, chans := range b.byType {
		count += len(chans)
	}
	return count
}

var _ EventEmitter = (*EventBus)(nil)
