package webhooks

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/agentmarket/onechat/internal/events"
)

// CloudDispatcher hands each delivery to a Cloud Tasks queue, so retry,
// backoff, and dead-lettering happen at the queue level and survive
// gateway restarts. A delivery whose task cannot be enqueued goes to
// the in-process fallback Dispatcher when one is configured; only that
// delivery falls back, tasks already enqueued stay with the queue.
type CloudDispatcher struct {
	registry *Registry
	client   *cloudtasks.Client
	queue    string
	logger   *log.Logger
	fallback *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// project, location, and queue ID. fallbackWorkers > 0 also starts an
// in-memory Dispatcher used when enqueueing fails.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhooks: cloud tasks client: %w", err)
	}

	d := &CloudDispatcher{
		registry: registry,
		client:   client,
		queue:    fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:   log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		d.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	d.logger.Printf("✅ Connected to Cloud Tasks queue: %s", d.queue)
	return d, nil
}

// Emit implements Emitter. The payload is marshalled once; task
// creation runs off the hot path so a slow queue never delays the
// paid request that produced the event.
func (d *CloudDispatcher) Emit(event *events.CloudEvent) {
	subs := d.registry.Subscribers(event.Type)
	if len(subs) == 0 {
		return
	}

	payload, err := event.JSON()
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event %s: %v", event.ID, err)
		return
	}

	go d.createTasks(subs, event, payload)
}

func (d *CloudDispatcher) createTasks(subs []*Subscription, event *events.CloudEvent, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sub := range subs {
		task, err := d.client.CreateTask(ctx, d.buildTask(sub, event, payload))
		if err != nil {
			d.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v", event.ID, sub.URL, err)
			if d.fallback != nil {
				d.logger.Printf("↩️  Falling back to in-memory delivery of %s for %s", event.ID, sub.ID)
				d.fallback.enqueue(sub, event)
			}
			continue
		}
		d.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)", event.ID, sub.URL, task.GetName())
	}
}

func (d *CloudDispatcher) buildTask(sub *Subscription, event *events.CloudEvent, payload []byte) *taskspb.CreateTaskRequest {
	return &taskspb.CreateTaskRequest{
		Parent: d.queue,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					Url:        sub.URL,
					HttpMethod: taskspb.HttpMethod_POST,
					Headers:    deliveryHeaders(event, sub, 1, payload),
					Body:       payload,
				},
			},
		},
	}
}

// Shutdown closes the Cloud Tasks client and drains the fallback
// dispatcher when one was started.
func (d *CloudDispatcher) Shutdown() {
	if d.fallback != nil {
		d.fallback.Shutdown()
	}
	if err := d.client.Close(); err != nil {
		d.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	d.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

var _ Emitter = (*CloudDispatcher)(nil)
