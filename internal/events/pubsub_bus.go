package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus is an EventBus that additionally forwards every event
// to a Google Cloud Pub/Sub topic. Transcript streams keep reading from
// the embedded in-memory bus; Pub/Sub carries the same events to
// consumers outside the gateway with at-least-once delivery.
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus connects to the project's topic, creating it on
// first use. Ordering is per subject so one session's events arrive in
// emit order.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}

	topic, err := ensureTopic(ctx, client, topicID)
	if err != nil {
		client.Close()
		return nil, err
	}

	b := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	b.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return b, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	t := client.Topic(topicID)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("events: topic lookup %q: %w", topicID, err)
	}
	if !exists {
		if t, err = client.CreateTopic(ctx, topicID); err != nil {
			return nil, fmt.Errorf("events: create topic %q: %w", topicID, err)
		}
	}
	t.EnableMessageOrdering = true
	return t, nil
}

// Emit implements EventEmitter. The event reaches local subscribers
// even when the Pub/Sub publish later fails; the two paths are
// independent.
func (b *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	e := NewCloudEvent(eventType, source, subject, data)
	b.forward(e)
	b.EventBus.Publish(e)
}

// forward hands the event to Pub/Sub without waiting for the server
// ack. Paid requests stay fast; the ack is checked on a goroutine and
// a failed ordered publish resumes the key so later events still flow.
func (b *PubSubEventBus) forward(e *CloudEvent) {
	payload, err := e.JSON()
	if err != nil {
		b.logger.Printf("❌ Failed to marshal event %s: %v", e.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data:        payload,
		Attributes:  attributes(e),
		OrderingKey: e.Subject,
	}
	res := b.topic.Publish(context.Background(), msg)

	go func() {
		id, err := res.Get(context.Background())
		if err != nil {
			b.logger.Printf("❌ Pub/Sub publish failed: %s → %v", e.ID, err)
			if msg.OrderingKey != "" {
				b.topic.ResumePublish(msg.OrderingKey)
			}
			return
		}
		b.logger.Printf("📤 Published %s → msgID=%s (%s)", e.ID, id, e.Type)
	}()
}

// attributes mirrors the CloudEvents envelope into message attributes
// so consumers can filter subscriptions server-side without decoding
// the payload.
func attributes(e *CloudEvent) map[string]string {
	return map[string]string{
		"ce-specversion": e.SpecVersion,
		"ce-type":        e.Type,
		"ce-source":      e.Source,
		"ce-id":          e.ID,
		"ce-time":        e.Time.Format(time.RFC3339Nano),
		"ce-subject":     e.Subject,
	}
}

// Close stops the topic's publish goroutines and releases the client.
func (b *PubSubEventBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("events: pubsub close: %w", err)
	}
	b.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)
