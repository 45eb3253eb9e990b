// internal/websocket/client.go
package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum control message size allowed from peer.
	sendBuffer     = 256
)

// Control actions accepted from clients.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlMessage is the only frame a client may send.
type ControlMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Authorizer decides whether a connection may subscribe to a topic.
type Authorizer func(topic string) error

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	authorize Authorizer
	logger    *slog.Logger
}

// NewClient wraps conn with a fresh connection id. authorize may be nil to
// allow every topic.
func NewClient(hub *Hub, conn *websocket.Conn, authorize Authorizer) *Client {
	id := uuid.NewString()
	return &Client{
		ID:        id,
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		authorize: authorize,
		logger:    hub.logger.With("conn_id", id),
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ReadPump applies control messages until the connection fails, then
// unregisters the client. Both clean and abrupt closes end here.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Debug("read pump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) handleControl(message []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Topic == "" {
		c.reply(ErrorEvent{Message: "expected {\"action\":\"subscribe|unsubscribe\",\"topic\":\"...\"}"})
		return
	}

	registry := c.hub.Registry()
	switch msg.Action {
	case ActionSubscribe:
		if c.authorize != nil {
			if err := c.authorize(msg.Topic); err != nil {
				c.logger.Info("subscription denied", "topic", msg.Topic, "error", err)
				c.reply(ErrorEvent{Message: "subscription to " + msg.Topic + " denied"})
				return
			}
		}
		if !c.hub.has(c.ID) {
			c.logger.Debug("subscribe after drop ignored", "topic", msg.Topic)
			return
		}
		already := registry.IsSubscribed(c.ID, msg.Topic)
		registry.Subscribe(c.ID, msg.Topic)
		c.reply(SubscriptionEvent{Topic: msg.Topic, Subscribed: true})
		if !already {
			c.hub.subscribed(c.ID, msg.Topic)
		}

	case ActionUnsubscribe:
		registry.Unsubscribe(c.ID, msg.Topic)
		c.reply(SubscriptionEvent{Topic: msg.Topic})

	default:
		c.reply(ErrorEvent{Message: "unknown action " + msg.Action})
	}
}

func (c *Client) reply(ev Event) {
	if err := c.hub.SendEvent(c.ID, ev); err != nil {
		c.logger.Debug("reply not delivered", "event", ev.EventType(), "error", err)
	}
}

// WritePump writes queued frames and keepalive pings until the hub closes the
// send channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write pump finished")
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				return
			}
		}
	}
}
