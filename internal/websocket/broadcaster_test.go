package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/logging"
	"greenhouse-gateway/internal/topics"
)

// fakeOutbox records frames per connection; connections listed in dead fail.
type fakeOutbox struct {
	mu      sync.Mutex
	dead    map[string]bool
	frames  map[string][][]byte
	dropped []string
}

func newFakeOutbox(dead ...string) *fakeOutbox {
	o := &fakeOutbox{dead: map[string]bool{}, frames: map[string][][]byte{}}
	for _, id := range dead {
		o.dead[id] = true
	}
	return o
}

func (o *fakeOutbox) Send(connID string, msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead[connID] {
		return ErrSlowConsumer
	}
	o.frames[connID] = append(o.frames[connID], msg)
	return nil
}

func (o *fakeOutbox) Drop(connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, connID)
}

func TestBroadcast_DeadSubscriberDoesNotAbortOthers(t *testing.T) {
	registry := topics.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		registry.Subscribe(id, "T")
	}
	registry.Subscribe("b", "other")

	outbox := newFakeOutbox("b")
	b := NewBroadcaster(registry, outbox, logging.Discard(), nil)

	ev := AlertEvent{Alert: data.Alert{ID: "alert-1", UserID: "u1", Name: "Too hot"}}
	var delivered int
	require.NotPanics(t, func() { delivered = b.Broadcast("T", ev) })

	assert.Equal(t, 2, delivered)
	assert.Len(t, outbox.frames["a"], 1)
	assert.Len(t, outbox.frames["c"], 1)
	assert.Empty(t, outbox.frames["b"])
	assert.Equal(t, []string{"b"}, outbox.dropped)

	// the dead connection is gone from every topic
	assert.Equal(t, []string{"a", "c"}, registry.SubscribersOf("T"))
	assert.Empty(t, registry.SubscribersOf("other"))
}

func TestBroadcast_SerializesEnvelope(t *testing.T) {
	registry := topics.NewRegistry()
	registry.Subscribe("a", topics.DeviceReadings("d1"))
	outbox := newFakeOutbox()
	b := NewBroadcaster(registry, outbox, logging.Discard(), nil)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Broadcast(topics.DeviceReadings("d1"), ReadingEvent{Reading: data.SensorReading{
		ID: "r1", DeviceID: "d1", Temperature: 20, Humidity: 50, Pressure: 1000, AirQuality: 10, Timestamp: ts,
	}})

	require.Len(t, outbox.frames["a"], 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(outbox.frames["a"][0], &frame))
	assert.Equal(t, TypeReading, frame["eventType"])
	assert.Equal(t, "d1", frame["deviceId"])
	assert.Equal(t, 20.0, frame["temperature"])
	assert.Equal(t, 10.0, frame["air_quality_analog"])
	assert.Equal(t, "2026-01-02T03:04:05Z", frame["timestamp"])
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	outbox := newFakeOutbox()
	b := NewBroadcaster(topics.NewRegistry(), outbox, logging.Discard(), nil)

	assert.Equal(t, 0, b.Broadcast("nobody", ErrorEvent{Message: "x"}))
	assert.Empty(t, outbox.frames)
}

func TestBroadcastGlobal(t *testing.T) {
	registry := topics.NewRegistry()
	registry.Subscribe("a", topics.Global)
	registry.Subscribe("b", "elsewhere")
	outbox := newFakeOutbox()
	b := NewBroadcaster(registry, outbox, logging.Discard(), nil)

	assert.Equal(t, 1, b.BroadcastGlobal(AlertEvent{Alert: data.Alert{ID: "x"}}))
	assert.Len(t, outbox.frames["a"], 1)
	assert.Empty(t, outbox.frames["b"])
}

func TestEvents_Envelopes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want map[string]any
	}{
		{"subscribed", SubscriptionEvent{Topic: "t", Subscribed: true}, map[string]any{"eventType": "subscribed", "topic": "t"}},
		{"unsubscribed", SubscriptionEvent{Topic: "t"}, map[string]any{"eventType": "unsubscribed", "topic": "t"}},
		{"error", ErrorEvent{Message: "nope"}, map[string]any{"eventType": "error", "message": "nope"}},
		{"empty history", HistoryEvent{Topic: "t"}, map[string]any{"eventType": "history", "topic": "t", "readings": []any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.ev)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want["eventType"], tt.ev.EventType())
		})
	}
}
