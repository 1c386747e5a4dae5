// Package events provides the in-process event bus and the websocket hub
// that stream engine activity to subscribers. Publishing is fire-and-forget;
// a slow or failed subscriber never blocks the decision loop.
package events

import (
	"sync"
	"time"
)

// EventType classifies engine events.
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerReset    EventType = "BREAKER_RESET"
	EventParamsUpdated   EventType = "PARAMS_UPDATED"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventError           EventType = "ERROR"
)

// Event is a single bus message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events.
type Subscriber func(Event)

// Bus dispatches events to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to all matching subscribers, each in its own
// goroutine.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal-generated event.
func (b *Bus) PublishSignal(instrument, direction string, confidence int, price float64) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"instrument": instrument,
			"direction":  direction,
			"confidence": confidence,
			"price":      price,
		},
	})
}

// PublishPositionOpened publishes a position-opened event.
func (b *Bus) PublishPositionOpened(positionID, instrument, direction string, entry, margin float64, leverage int) {
	b.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"instrument":  instrument,
			"direction":   direction,
			"entry_price": entry,
			"margin":      margin,
			"leverage":    leverage,
		},
	})
}

// PublishPositionClosed publishes a position-closed event.
func (b *Bus) PublishPositionClosed(positionID, instrument, reason string, exitPrice, pnl float64) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"instrument":  instrument,
			"reason":      reason,
			"exit_price":  exitPrice,
			"pnl":         pnl,
		},
	})
}

// PublishBreakerTripped publishes a breaker-tripped event.
func (b *Bus) PublishBreakerTripped(reason string) {
	b.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishBreakerReset publishes a breaker-reset event.
func (b *Bus) PublishBreakerReset() {
	b.Publish(Event{Type: EventBreakerReset, Data: map[string]interface{}{}})
}
