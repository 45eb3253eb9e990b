// Package broker embeds the MQTT broker devices publish telemetry to and
// exposes an inline client for the gateway's own subscriptions and
// publishes.
package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	gwauth "greenhouse-gateway/internal/auth"
)

// ErrNotSubscribed is returned by Unsubscribe for unknown filters.
var ErrNotSubscribed = errors.New("not subscribed")

// Options configures the embedded broker.
type Options struct {
	// Address of the TCP listener; empty disables it.
	Address string
	// AllowAnonymous accepts every client and topic.
	AllowAnonymous bool
	// Devices maps device ids (MQTT usernames) to bcrypt password hashes.
	Devices map[string]string
}

// Broker wraps a mochi-mqtt server.
type Broker struct {
	server *mqtt.Server
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]int
}

func New(opts Options, logger *slog.Logger) (*Broker, error) {
	logger = logger.With("component", "broker")
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})

	if opts.AllowAnonymous {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("add allow hook: %w", err)
		}
	} else {
		if err := server.AddHook(NewDeviceAuthHook(opts.Devices, logger), nil); err != nil {
			return nil, fmt.Errorf("add device auth hook: %w", err)
		}
	}
	if err := server.AddHook(&connectionHook{logger: logger}, nil); err != nil {
		return nil, fmt.Errorf("add connection hook: %w", err)
	}

	if opts.Address != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: opts.Address})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("add tcp listener: %w", err)
		}
	}

	return &Broker{server: server, logger: logger, subs: make(map[string]int)}, nil
}

// Start begins accepting connections.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve mqtt: %w", err)
	}
	return nil
}

// Subscribe registers handler for messages matching filter. Handlers run on
// the publishing client's goroutine.
func (b *Broker) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[filter]; ok {
		return fmt.Errorf("filter %q already subscribed", filter)
	}
	b.nextID++
	id := b.nextID
	err := b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	b.subs[filter] = id
	return nil
}

// Unsubscribe removes the handler registered for filter.
func (b *Broker) Unsubscribe(filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.subs[filter]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, filter)
	}
	delete(b.subs, filter)
	if err := b.server.Unsubscribe(filter, id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

// Publish sends payload to topic from the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if err := b.server.Publish(topic, payload, retain, qos); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.server.Close()
}

// DeviceAuthHook authenticates devices by bcrypt credentials and limits each
// device to topics under device/{id}/.
type DeviceAuthHook struct {
	mqtt.HookBase
	devices map[string]string
	logger  *slog.Logger
}

func NewDeviceAuthHook(devices map[string]string, logger *slog.Logger) *DeviceAuthHook {
	return &DeviceAuthHook{devices: devices, logger: logger}
}

func (h *DeviceAuthHook) ID() string { return "device-auth" }

func (h *DeviceAuthHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

func (h *DeviceAuthHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	hash, ok := h.devices[user]
	if !ok || !gwauth.CheckPassword(hash, string(pk.Connect.Password)) {
		h.logger.Warn("device authentication failed", "client", cl.ID, "username", user)
		return false
	}
	return true
}

func (h *DeviceAuthHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	prefix := "device/" + string(cl.Properties.Username) + "/"
	return len(cl.Properties.Username) > 0 && strings.HasPrefix(topic, prefix)
}

type connectionHook struct {
	mqtt.HookBase
	logger *slog.Logger
}

func (h *connectionHook) ID() string { return "connection-log" }

func (h *connectionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *connectionHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("client connected", "client", cl.ID, "username", string(pk.Connect.Username))
	return nil
}

func (h *connectionHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("client disconnected", "client", cl.ID, "error", err)
}
