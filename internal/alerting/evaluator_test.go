package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/logging"
	"greenhouse-gateway/internal/storage"
	"greenhouse-gateway/internal/websocket"
)

const device = "4c1f8b9e-6a3d-4f57-9b0e-1d2c3b4a5f60"

type published struct {
	topic string
	event websocket.Event
}

type recorder struct {
	mu   sync.Mutex
	sent []published
}

func (r *recorder) Broadcast(topic string, ev websocket.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, published{topic: topic, event: ev})
	return 1
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, p := range r.sent {
		out[i] = p.topic
	}
	return out
}

type failingAlerts struct {
	*storage.MemoryStore
}

func (failingAlerts) PersistAlert(context.Context, *data.Alert) (string, error) {
	return "", storage.ErrPersistence
}

var fixedNow = time.Date(2024, 5, 10, 7, 0, 0, 0, time.UTC)

func newEvaluator(store Store) (*Evaluator, *recorder) {
	rec := &recorder{}
	e := NewEvaluator(store, rec, logging.Discard(), nil)
	e.now = func() time.Time { return fixedNow }
	return e, rec
}

func sample(temp float64) *data.SensorReading {
	return &data.SensorReading{DeviceID: device, Temperature: temp, Humidity: 55, Pressure: 1000, AirQuality: 300, Timestamp: fixedNow}
}

func TestEvaluateReading_DeviceConditionFires(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddCondition(data.Condition{ID: "c1", UserID: "u1", DeviceID: device, Name: "Cool", SensorType: "Temperature", Expression: "<=25"})
	e, rec := newEvaluator(store)

	alerts, err := e.EvaluateReading(context.Background(), sample(20))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, "Cool", a.Name)
	assert.Equal(t, device, a.DeviceID)
	assert.Empty(t, a.PlantID)
	assert.Equal(t, fixedNow, a.Timestamp)
	assert.Equal(t, "Temperature is 20, condition <=25", a.Description)

	assert.Equal(t, []data.Alert{a}, store.Alerts())
	assert.Equal(t, []string{"devices/" + device + "/alerts", "users/u1/alerts"}, rec.topics())
	assert.Equal(t, websocket.AlertEvent{Alert: a}, rec.sent[0].event)
}

func TestEvaluateReading_NoMatchNoAlert(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddCondition(data.Condition{ID: "c1", UserID: "u1", DeviceID: device, Name: "Cool", SensorType: "Temperature", Expression: "<=25"})
	e, rec := newEvaluator(store)

	alerts, err := e.EvaluateReading(context.Background(), sample(25.01))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Empty(t, store.Alerts())
	assert.Empty(t, rec.topics())
}

func TestEvaluateReading_PlantConditionUsesPlantTopic(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddPlant(data.Plant{ID: "p1", UserID: "u1", Name: "Basil", DeviceID: device})
	store.AddCondition(data.Condition{ID: "c1", UserID: "u1", PlantID: "p1", Name: "Humid", SensorType: "Humidity", Expression: ">=50"})
	e, rec := newEvaluator(store)

	alerts, err := e.EvaluateReading(context.Background(), sample(20))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "p1", alerts[0].PlantID)
	assert.Empty(t, alerts[0].DeviceID)
	assert.Equal(t, []string{"plants/p1/alerts", "users/u1/alerts"}, rec.topics())
}

func TestEvaluateReading_InvalidStoredConditionsSkipped(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddCondition(data.Condition{ID: "bad-sensor", UserID: "u1", DeviceID: device, SensorType: "Light", Expression: "<=25"})
	store.AddCondition(data.Condition{ID: "bad-expr", UserID: "u1", DeviceID: device, SensorType: "Humidity", Expression: "10-90"})
	store.AddCondition(data.Condition{ID: "bad-domain", UserID: "u1", DeviceID: device, SensorType: "AirQuality", Expression: ">=2001"})
	store.AddCondition(data.Condition{ID: "ok", UserID: "u1", DeviceID: device, Name: "Range", SensorType: "Temperature", Expression: "30--10"})
	e, _ := newEvaluator(store)

	alerts, err := e.EvaluateReading(context.Background(), sample(-10))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Range", alerts[0].Name)
}

func TestEvaluateReading_RefiresOnEveryQualifyingReading(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddCondition(data.Condition{ID: "c1", UserID: "u1", DeviceID: device, Name: "Hot", SensorType: "Temperature", Expression: ">=30"})
	e, _ := newEvaluator(store)

	for i := 0; i < 3; i++ {
		_, err := e.EvaluateReading(context.Background(), sample(31))
		require.NoError(t, err)
	}
	assert.Len(t, store.Alerts(), 3)
}

func TestEvaluateReading_PersistFailureSkipsBroadcast(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	mem.AddCondition(data.Condition{ID: "c1", UserID: "u1", DeviceID: device, Name: "Cool", SensorType: "Temperature", Expression: "<=25"})
	e, rec := newEvaluator(failingAlerts{mem})

	alerts, err := e.EvaluateReading(context.Background(), sample(20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrPersistence))
	assert.Empty(t, alerts)
	assert.Empty(t, rec.topics())
}

func TestCheckWatering(t *testing.T) {
	store := storage.NewMemoryStore(0)
	eight := fixedNow.AddDate(0, 0, -8)
	six := fixedNow.AddDate(0, 0, -6)
	store.AddPlant(data.Plant{ID: "p1", UserID: "u1", Name: "Basil", WaterEvery: 7, LastWatered: &eight})
	store.AddPlant(data.Plant{ID: "p2", UserID: "u1", Name: "Mint", WaterEvery: 7, LastWatered: &six})
	e, rec := newEvaluator(store)

	alerts, err := e.CheckWatering(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "p1", alerts[0].PlantID)
	assert.Equal(t, "Water Basil", alerts[0].Name)
	assert.Equal(t, "Basil was last watered 8 days ago", alerts[0].Description)
	assert.Equal(t, []string{"plants/p1/alerts", "users/u1/alerts"}, rec.topics())
	assert.Len(t, store.Alerts(), 1)
}

func TestCheckWatering_NeverWatered(t *testing.T) {
	store := storage.NewMemoryStore(0)
	store.AddPlant(data.Plant{ID: "p1", UserID: "u1", Name: "Fern", WaterEvery: 2})
	e, _ := newEvaluator(store)

	alerts, err := e.CheckWatering(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Fern has never been watered", alerts[0].Description)
}
