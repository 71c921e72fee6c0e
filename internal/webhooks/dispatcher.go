package webhooks

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentmarket/onechat/internal/events"
)

const maxDeliveryAttempts = 3

// Dispatcher delivers events to subscribers from a background worker
// pool. Best effort: the queue drops when full and retries stop after
// maxDeliveryAttempts. Deployments that need durable delivery use
// CloudDispatcher instead.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *events.CloudEvent
	attempt    int
}

// NewDispatcher starts a dispatcher with the given worker count.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit implements Emitter. One delivery job is queued per matching
// subscriber; the caller never blocks.
func (d *Dispatcher) Emit(event *events.CloudEvent) {
	for _, sub := range d.registry.Subscribers(event.Type) {
		d.enqueue(sub, event)
	}
}

// enqueue queues one delivery. CloudDispatcher calls this directly
// when a task enqueue fails, so only the affected subscriber gets the
// in-process fallback.
func (d *Dispatcher) enqueue(sub *Subscription, event *events.CloudEvent) {
	select {
	case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
	default:
		d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", event.ID, sub.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver POSTs the event and retries transport failures in place with
// attempt-squared backoff. HTTP error statuses count against the
// subscriber but are not retried; the receiver saw the request.
func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := job.event.JSON()
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	for {
		err := d.post(job, payload)
		if err == nil {
			d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
			return
		}

		d.registry.MarkFailed(job.subscriber.ID)
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)

		if _, retryable := err.(*transportError); !retryable || job.attempt >= maxDeliveryAttempts {
			return
		}
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (d *Dispatcher) post(job *deliveryJob, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range deliveryHeaders(job.event, job.subscriber, job.attempt, payload) {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

// deliveryHeaders are the headers every delivery carries, whichever
// dispatcher sends it. Receivers verify the signature against the raw
// body with the subscription secret.
func deliveryHeaders(event *events.CloudEvent, sub *Subscription, attempt int, payload []byte) map[string]string {
	h := map[string]string{
		"Content-Type":               "application/json",
		"X-OneChat-Event-Type":       event.Type,
		"X-OneChat-Event-ID":         event.ID,
		"X-OneChat-Delivery-Attempt": strconv.Itoa(attempt),
	}
	if sub.Secret != "" {
		h["X-OneChat-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}
	return h
}

// Shutdown drains the queue and stops the workers. Emit must not be
// called after Shutdown.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Emitter = (*Dispatcher)(nil)
