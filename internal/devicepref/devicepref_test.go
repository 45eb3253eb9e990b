package devicepref

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-gateway/internal/logging"
)

type sent struct {
	topic   string
	payload []byte
	retain  bool
	qos     byte
}

type fakeSender struct {
	msgs []sent
	err  error
}

func (f *fakeSender) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{topic, payload, retain, qos})
	return nil
}

func TestPublish(t *testing.T) {
	s := &fakeSender{}
	p := NewPublisher(s, logging.Discard())

	err := p.Publish("4C1F8B9E-6A3D-4F57-9B0E-1D2C3B4A5F60", Preferences{ReadingInterval: 30, DisplayUnits: "metric"})
	require.NoError(t, err)
	require.Len(t, s.msgs, 1)

	msg := s.msgs[0]
	assert.Equal(t, "device/4c1f8b9e-6a3d-4f57-9b0e-1d2c3b4a5f60/preferences", msg.topic)
	assert.True(t, msg.retain)
	assert.Equal(t, byte(1), msg.qos)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, map[string]any{"readingInterval": float64(30), "displayUnits": "metric"}, decoded)
}

func TestPublish_Rejects(t *testing.T) {
	s := &fakeSender{}
	p := NewPublisher(s, logging.Discard())

	assert.ErrorIs(t, p.Publish("device/#", Preferences{ReadingInterval: 30}), ErrInvalidDevice)
	assert.Error(t, p.Publish("4c1f8b9e-6a3d-4f57-9b0e-1d2c3b4a5f60", Preferences{}))
	assert.Error(t, p.Publish("4c1f8b9e-6a3d-4f57-9b0e-1d2c3b4a5f60", Preferences{ReadingInterval: 5, DisplayUnits: "kelvin"}))
	assert.Empty(t, s.msgs)

	boom := errors.New("broker down")
	s.err = boom
	assert.ErrorIs(t, p.Publish("4c1f8b9e-6a3d-4f57-9b0e-1d2c3b4a5f60", Preferences{ReadingInterval: 5}), boom)
}
