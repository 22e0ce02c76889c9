// Package telemetry is the in-process event dispatch for transitions, effect
// lifecycle, broadcasts and store I/O, plus the Prometheus aggregate view of
// the same signals.
package telemetry

import (
	"time"

	messagebus "github.com/vardius/message-bus"

	"github.com/navigatorhq/navigator/pkg/core"
)

// Topics published on the bus.
const (
	TopicTransition       = "fsm.transition"
	TopicEventStoreAppend = "fsm.event_store.append"
	TopicBroadcast        = "fsm.broadcast"
	TopicEffectStarted    = "fsm.effect.started"
	TopicEffectCompleted  = "fsm.effect.completed"
	TopicEffectFailed     = "fsm.effect.failed"
	TopicEffectCancelled  = "fsm.effect.cancelled"
)

// AllTopics lists every topic the runtime publishes.
var AllTopics = []string{
	TopicTransition,
	TopicEventStoreAppend,
	TopicBroadcast,
	TopicEffectStarted,
	TopicEffectCompleted,
	TopicEffectFailed,
	TopicEffectCancelled,
}

// Event is a single telemetry emission.
type Event struct {
	Topic        string            `json:"topic"`
	Timestamp    time.Time         `json:"timestamp"`
	Measurements map[string]int64  `json:"measurements,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Bus fans telemetry events out to in-process subscribers. Delivery is
// asynchronous; subscribers must not assume they observe an event before the
// publishing operation returns.
type Bus struct {
	mb     messagebus.MessageBus
	logger core.Logger
}

// NewBus creates a telemetry bus. queueSize bounds the per-subscriber buffer.
func NewBus(queueSize int, logger core.Logger) *Bus {
	if queueSize < 1 {
		queueSize = 128
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Bus{
		mb:     messagebus.New(queueSize),
		logger: logger,
	}
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic string, fn func(Event)) error {
	return b.mb.Subscribe(topic, fn)
}

// SubscribeAll registers a handler for every runtime topic.
func (b *Bus) SubscribeAll(fn func(Event)) error {
	for _, topic := range AllTopics {
		if err := b.mb.Subscribe(topic, fn); err != nil {
			return err
		}
	}
	return nil
}

// Publish dispatches an event to the topic's subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mb.Publish(ev.Topic, ev)
}

// Close tears down all topic subscriptions.
func (b *Bus) Close() {
	for _, topic := range AllTopics {
		b.mb.Close(topic)
	}
}
