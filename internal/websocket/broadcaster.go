// internal/websocket/broadcaster.go
package websocket

import (
	"errors"
	"log/slog"

	"greenhouse-gateway/internal/metrics"
	"greenhouse-gateway/internal/topics"
)

// Outbox delivers serialized frames to individual connections.
type Outbox interface {
	Send(connID string, msg []byte) error
	// Drop schedules a dead connection for removal.
	Drop(connID string)
}

// Broadcaster fans one event out to every connection subscribed to a topic.
// Delivery is best effort: failures are logged and never returned.
type Broadcaster struct {
	registry *topics.Registry
	outbox   Outbox
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *topics.Registry, outbox Outbox, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		outbox:   outbox,
		logger:   logger.With("component", "broadcaster"),
		metrics:  m,
	}
}

// Broadcast serializes ev once and queues it for each subscriber of topic.
// It returns the number of connections the event was handed to.
func (b *Broadcaster) Broadcast(topic string, ev Event) int {
	subscribers := b.registry.SubscribersOf(topic)
	if len(subscribers) == 0 {
		return 0
	}

	msg, err := ev.MarshalJSON()
	if err != nil {
		b.logger.Error("serialize event", "topic", topic, "event", ev.EventType(), "error", err)
		return 0
	}

	delivered := 0
	for _, connID := range subscribers {
		if err := b.outbox.Send(connID, msg); err != nil {
			b.logger.Warn("delivery failed, dropping connection",
				"topic", topic, "conn_id", connID, "event", ev.EventType(), "error", err)
			b.metrics.DeliveryFailed(failureReason(err))
			b.registry.RemoveConnection(connID)
			b.outbox.Drop(connID)
			continue
		}
		delivered++
		b.metrics.Delivered()
	}
	return delivered
}

// BroadcastGlobal sends ev on the dashboard-wide topic.
func (b *Broadcaster) BroadcastGlobal(ev Event) int {
	return b.Broadcast(topics.Global, ev)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	default:
		return "send_error"
	}
}
