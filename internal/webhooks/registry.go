// Package webhooks pushes gateway events to subscriber URLs. A
// subscription names the event types it wants (onechat.payment.settled,
// onechat.agent.executed, ...) and receives each matching CloudEvent as
// a signed HTTP POST. Delivery is either in-process (Dispatcher) or
// durable via Cloud Tasks (CloudDispatcher).
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentmarket/onechat/internal/events"
)

// disableAfterFailures is how many failed deliveries a subscription
// survives before it stops receiving events.
const disableAfterFailures = 10

// Emitter delivers CloudEvents to webhook subscribers. Dispatcher and
// CloudDispatcher both satisfy it.
type Emitter interface {
	Emit(event *events.CloudEvent)
	Shutdown()
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	FailCount int       `json:"failCount"`
}

// wants reports whether the subscription asked for this event type.
func (s *Subscription) wants(eventType string) bool {
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Registry holds the registered subscriptions. Lookups scan the whole
// set; with the per-event cap the set stays small enough that an index
// would buy nothing.
type Registry struct {
	mu          sync.RWMutex
	subs        map[string]*Subscription
	logger      *log.Logger
	maxPerEvent int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:        make(map[string]*Subscription),
		logger:      log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		maxPerEvent: 50,
	}
}

// Register validates and activates a subscription, assigning an ID
// when the caller did not bring one.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, et := range sub.Events {
		if r.countLocked(et) >= r.maxPerEvent {
			return fmt.Errorf("too many webhooks for event %s", et)
		}
	}

	if sub.ID == "" {
		sub.ID = "wh-" + ulid.Make().String()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0
	r.subs[sub.ID] = sub

	r.logger.Printf("📡 Registered webhook %s → %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

func (r *Registry) countLocked(eventType string) int {
	n := 0
	for _, sub := range r.subs {
		if sub.wants(eventType) {
			n++
		}
	}
	return n
}

// Unregister drops a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.subs, id)
	r.logger.Printf("🗑️  Unregistered webhook %s", id)
	return nil
}

// Subscribers returns the active subscriptions wanting an event type.
func (r *Registry) Subscribers(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if sub.Active && sub.wants(eventType) {
			out = append(out, sub)
		}
	}
	return out
}

// ListAll returns every subscription, disabled ones included.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// MarkFailed books one failed delivery, disabling the subscription
// once it crosses the failure cap.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= disableAfterFailures {
		sub.Active = false
		r.logger.Printf("⚠️  Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// SignPayload computes the hex HMAC-SHA256 receivers use to verify a
// delivery came from the gateway.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
