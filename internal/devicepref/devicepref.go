// Package devicepref pushes per-device preference documents to devices over
// the broker.
package devicepref

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// qosAtLeastOnce is the MQTT QoS used for preference updates.
const qosAtLeastOnce byte = 1

var ErrInvalidDevice = errors.New("invalid device id")

// Preferences is the document a device applies on receipt. Intervals are in
// seconds.
type Preferences struct {
	ReadingInterval int             `json:"readingInterval"`
	DisplayUnits    string          `json:"displayUnits,omitempty"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

// Validate checks that the document is safe to send.
func (p Preferences) Validate() error {
	if p.ReadingInterval < 1 {
		return fmt.Errorf("readingInterval must be at least 1, got %d", p.ReadingInterval)
	}
	switch p.DisplayUnits {
	case "", "metric", "imperial":
	default:
		return fmt.Errorf("unknown displayUnits %q", p.DisplayUnits)
	}
	return nil
}

// Sender publishes a payload on a broker topic.
type Sender interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

type Publisher struct {
	sender Sender
	logger *slog.Logger
}

func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	return &Publisher{sender: sender, logger: logger.With("component", "devicepref")}
}

// Topic returns the topic a device listens on for preferences.
func Topic(deviceID string) string {
	return "device/" + deviceID + "/preferences"
}

// Publish sends prefs to the device. The message is retained so a device
// that reconnects receives its latest preferences.
func (p *Publisher) Publish(deviceID string, prefs Preferences) error {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, deviceID)
	}
	if err := prefs.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	topic := Topic(id.String())
	if err := p.sender.Publish(topic, payload, true, qosAtLeastOnce); err != nil {
		return err
	}
	p.logger.Info("preferences published", "device_id", id.String(), "topic", topic)
	return nil
}
