package webhooks

import (
	"github.com/agentmarket/onechat/internal/events"
)

// Bridge forwards events from the in-process bus to a webhook emitter.
// It is the only coupling between the two packages: handlers publish to
// the bus and never know webhooks exist.
type Bridge struct {
	bus  *events.EventBus
	ch   chan *events.CloudEvent
	done chan struct{}
}

// NewBridge subscribes to the given event types (all types when none
// are named) and starts the forwarding goroutine.
func NewBridge(bus *events.EventBus, emitter Emitter, eventTypes ...string) *Bridge {
	b := &Bridge{
		bus:  bus,
		ch:   bus.Subscribe(eventTypes...),
		done: make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		for ev := range b.ch {
			emitter.Emit(ev)
		}
	}()
	return b
}

// Close stops forwarding and waits for the pump to exit. The emitter
// keeps running; shut it down separately.
func (b *Bridge) Close() {
	b.bus.Unsubscribe(b.ch)
	<-b.done
}
