// Package bus is the in-process pub/sub spine of the core. Typed events
// flow to bounded per-subscriber queues; an optional NATS bridge mirrors
// them to external subjects.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names the events the core emits.
type EventType string

const (
	EventCycleStarted      EventType = "cycle_started"
	EventCycleFinished     EventType = "cycle_finished"
	EventSignalEmitted     EventType = "signal_emitted"
	EventDecisionMade      EventType = "decision_made"
	EventOrderPlaced       EventType = "order_placed"
	EventOrderFilled       EventType = "order_filled"
	EventBreakerTripped    EventType = "breaker_tripped"
	EventBreakerCleared    EventType = "breaker_cleared"
	EventStopLossTriggered EventType = "stop_loss_triggered"
	EventWriteDropped      EventType = "write_dropped"
	EventError             EventType = "error"
)

// Event is one published occurrence. Data holds the event-specific
// payload; consumers must be idempotent since delivery is
// at-least-once.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil means all
}

// Bus fans events out to subscribers. Each subscriber has a bounded
// queue; when it overflows the oldest event is dropped so publishers
// never block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	log    zerolog.Logger
}

// New creates an event bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		log:  logger,
	}
}

// Subscribe registers a consumer for the given event types, or all
// events when none are named. The cancel func detaches the consumer and
// closes its channel.
func (b *Bus) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}

	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. A full queue
// sheds its oldest event to make room.
func (b *Bus) Publish(eventType EventType, source string, data any) Event {
	evt := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		for {
			select {
			case sub.ch <- evt:
			default:
				// Shed the oldest queued event and retry once; if a
				// racing reader drained the queue the retry just wins.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}

	return evt
}
