package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/logging"
	"greenhouse-gateway/internal/topics"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(topics.NewRegistry(), logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func bareClient(hub *Hub, id string, buffer int) *Client {
	return &Client{ID: id, hub: hub, send: make(chan []byte, buffer), logger: logging.Discard()}
}

func TestHub_SendAndUnregister(t *testing.T) {
	hub, _ := startHub(t)
	c := bareClient(hub, "c1", 1)
	require.NoError(t, hub.Register(c))
	hub.Registry().Subscribe("c1", "t")

	require.NoError(t, hub.Send("c1", []byte("one")))
	assert.ErrorIs(t, hub.Send("c1", []byte("two")), ErrSlowConsumer)
	assert.ErrorIs(t, hub.Send("missing", []byte("x")), ErrUnknownConnection)
	assert.Equal(t, []byte("one"), <-c.send)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, hub.Registry().TopicsOf("c1"))

	_, open := <-c.send
	assert.False(t, open, "send channel closed on unregister")

	// second unregister is harmless
	hub.Unregister(c)
}

func TestHub_Drop(t *testing.T) {
	hub, _ := startHub(t)
	c := bareClient(hub, "c1", 1)
	require.NoError(t, hub.Register(c))
	hub.Registry().Subscribe("c1", "t")

	hub.Drop("c1")
	hub.Drop("unknown")

	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, hub.Registry().SubscribersOf("t"))
}

func TestHub_UnregisterAfterDropClearsLateSubscriptions(t *testing.T) {
	hub, _ := startHub(t)
	c := bareClient(hub, "c1", 4)
	require.NoError(t, hub.Register(c))

	hub.Drop("c1")
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)

	// the read loop may still be holding a subscribe frame
	c.handleControl([]byte(`{"action":"subscribe","topic":"t"}`))
	assert.Empty(t, hub.Registry().SubscribersOf("t"), "dropped client cannot subscribe")

	hub.Registry().Subscribe("c1", "t")
	hub.Unregister(c)
	require.Eventually(t, func() bool { return len(hub.Registry().SubscribersOf("t")) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, topics.Stats{}, hub.Registry().Stats())
}

func TestClient_DuplicateSubscribeNotifiesOnce(t *testing.T) {
	hub, _ := startHub(t)
	var calls []string
	hub.OnSubscribe = func(_, topic string) { calls = append(calls, topic) }
	c := bareClient(hub, "c1", 4)
	require.NoError(t, hub.Register(c))

	c.handleControl([]byte(`{"action":"subscribe","topic":"t"}`))
	c.handleControl([]byte(`{"action":"subscribe","topic":"t"}`))

	assert.Equal(t, []string{"t"}, calls)
	assert.Equal(t, []string{"c1"}, hub.Registry().SubscribersOf("t"))
	assert.Len(t, c.send, 2, "both subscribes are acknowledged")
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	c := bareClient(hub, "c1", 1)
	require.NoError(t, hub.Register(c))

	cancel()
	select {
	case _, open := <-c.send:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}
	assert.ErrorIs(t, hub.Register(bareClient(hub, "c2", 1)), ErrHubClosed)
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	hub, _ := startHub(t)
	broadcaster := NewBroadcaster(hub.Registry(), hub, logging.Discard(), nil)

	var subscribedTopics = make(chan string, 4)
	hub.OnSubscribe = func(connID, topic string) { subscribedTopics <- topic }

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, func(topic string) error {
			if strings.HasPrefix(topic, "users/other") {
				return assert.AnError
			}
			return nil
		})
		if err := hub.Register(client); err != nil {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	readFrame := func() map[string]any {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	}

	topic := topics.DeviceAlerts("d1")
	require.NoError(t, ws.WriteJSON(ControlMessage{Action: ActionSubscribe, Topic: topic}))
	assert.Equal(t, map[string]any{"eventType": "subscribed", "topic": topic}, readFrame())
	assert.Equal(t, topic, <-subscribedTopics)

	require.NoError(t, ws.WriteJSON(ControlMessage{Action: ActionSubscribe, Topic: "users/other/alerts"}))
	assert.Equal(t, TypeError, readFrame()["eventType"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	assert.Equal(t, TypeError, readFrame()["eventType"])

	assert.Equal(t, 1, broadcaster.Broadcast(topic, AlertEvent{Alert: data.Alert{ID: "a1", Name: "Too hot"}}))
	frame := readFrame()
	assert.Equal(t, TypeAlert, frame["eventType"])
	assert.Equal(t, "a1", frame["id"])

	require.NoError(t, ws.WriteJSON(ControlMessage{Action: ActionUnsubscribe, Topic: topic}))
	assert.Equal(t, TypeUnsubscribed, readFrame()["eventType"])
	assert.Empty(t, hub.Registry().SubscribersOf(topic))

	// an abrupt close removes the connection from the hub
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
