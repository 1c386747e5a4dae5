package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventSignalGenerated, func(evt Event) { got <- evt })

	bus.PublishSignal("BTCUSDT", "LONG", 88, 64000)

	evt := waitForEvent(t, got)
	assert.Equal(t, EventSignalGenerated, evt.Type)
	assert.Equal(t, "BTCUSDT", evt.Data["instrument"])
	assert.Equal(t, "LONG", evt.Data["direction"])
	assert.False(t, evt.Timestamp.IsZero())
}

func TestBusSkipsUnmatchedType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(evt Event) { got <- evt })

	bus.Publish(Event{Type: EventBreakerTripped, Data: map[string]interface{}{}})

	select {
	case evt := <-got:
		t.Fatalf("unexpected delivery: %s", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusSubscribeAllSeesEveryEvent(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 4)
	bus.SubscribeAll(func(evt Event) { got <- evt })

	bus.Publish(Event{Type: EventEngineStarted})
	bus.Publish(Event{Type: EventParamsUpdated})

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		seen[waitForEvent(t, got).Type] = true
	}
	require.True(t, seen[EventEngineStarted])
	require.True(t, seen[EventParamsUpdated])
}

func TestBusFansOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	first := make(chan Event, 1)
	second := make(chan Event, 1)
	bus.Subscribe(EventBreakerReset, func(evt Event) { first <- evt })
	bus.Subscribe(EventBreakerReset, func(evt Event) { second <- evt })

	bus.PublishBreakerReset()

	waitForEvent(t, first)
	waitForEvent(t, second)
}

func TestHubStopsOnContextCancel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := &Client{send: make(chan []byte, 1), hub: hub}
	hub.register <- client

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on cancellation")
	}

	// The client channel is closed so its write pump exits too.
	_, open := <-client.send
	assert.False(t, open)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestBusPreservesExplicitTimestamp(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(evt Event) { got <- evt })

	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EventError, Timestamp: stamp})

	evt := waitForEvent(t, got)
	assert.Equal(t, stamp, evt.Timestamp)
}
