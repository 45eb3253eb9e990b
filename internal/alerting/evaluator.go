// internal/alerting/evaluator.go
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"greenhouse-gateway/internal/condition"
	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/metrics"
	"greenhouse-gateway/internal/topics"
	"greenhouse-gateway/internal/websocket"
)

// Store is the persistence the evaluator reads conditions and plants from and
// writes alerts to.
type Store interface {
	ConditionsForDevice(ctx context.Context, deviceID string) ([]data.Condition, error)
	PersistAlert(ctx context.Context, a *data.Alert) (string, error)
	PlantsDueForWatering(ctx context.Context, now time.Time) ([]data.Plant, error)
}

// Publisher fans events out to live connections.
type Publisher interface {
	Broadcast(topic string, ev websocket.Event) int
}

// Evaluator turns readings and scheduled plant checks into persisted,
// broadcast alerts. It keeps no state between calls, so a condition that
// stays true fires on every qualifying reading.
type Evaluator struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewEvaluator(store Store, publisher Publisher, logger *slog.Logger, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "alerting"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateReading checks every condition attached to the reading's device
// (directly or through a plant) and returns the alerts it created. A
// persistence failure stops evaluation; alerts already created are returned
// with the error.
func (e *Evaluator) EvaluateReading(ctx context.Context, r *data.SensorReading) ([]data.Alert, error) {
	conds, err := e.store.ConditionsForDevice(ctx, r.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load conditions for device %s: %w", r.DeviceID, err)
	}

	var created []data.Alert
	for _, stored := range conds {
		st, err := condition.ParseSensorType(stored.SensorType)
		if err != nil {
			e.logger.Warn("skipping condition", "condition_id", stored.ID, "error", err)
			continue
		}
		cond, err := condition.Parse(st, stored.Expression)
		if err != nil {
			e.logger.Warn("skipping condition", "condition_id", stored.ID, "error", err)
			continue
		}
		value, _ := r.Value(st)
		if !condition.Evaluate(cond, value) {
			continue
		}

		alert := data.Alert{
			UserID:      stored.UserID,
			Name:        stored.Name,
			Description: fmt.Sprintf("%s is %s, condition %s", st, formatValue(value), cond),
			Timestamp:   e.now(),
			PlantID:     stored.PlantID,
		}
		if stored.PlantID == "" {
			alert.DeviceID = r.DeviceID
		}
		if err := e.raise(ctx, &alert, metrics.AlertCondition); err != nil {
			return created, err
		}
		created = append(created, alert)
	}
	return created, nil
}

// CheckWatering raises one alert per plant that is due for watering.
func (e *Evaluator) CheckWatering(ctx context.Context) ([]data.Alert, error) {
	now := e.now()
	plants, err := e.store.PlantsDueForWatering(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("load plants due for watering: %w", err)
	}

	var created []data.Alert
	for _, p := range plants {
		desc := fmt.Sprintf("%s has never been watered", p.Name)
		if days, ok := p.DaysSinceWatered(now); ok {
			desc = fmt.Sprintf("%s was last watered %d days ago", p.Name, days)
		}
		alert := data.Alert{
			UserID:      p.UserID,
			Name:        "Water " + p.Name,
			Description: desc,
			Timestamp:   now,
			PlantID:     p.ID,
		}
		if err := e.raise(ctx, &alert, metrics.AlertWatering); err != nil {
			return created, err
		}
		created = append(created, alert)
	}
	if len(created) > 0 {
		e.logger.Info("watering check raised alerts", "count", len(created))
	}
	return created, nil
}

// raise persists the alert and then broadcasts it to the owning entity and
// user topics.
func (e *Evaluator) raise(ctx context.Context, a *data.Alert, kind string) error {
	id, err := e.store.PersistAlert(ctx, a)
	if err != nil {
		return fmt.Errorf("persist alert %q: %w", a.Name, err)
	}
	a.ID = id
	e.metrics.AlertCreated(kind)
	e.logger.Info("alert raised",
		"alert_id", a.ID, "user_id", a.UserID, "device_id", a.DeviceID, "plant_id", a.PlantID, "name", a.Name)

	ev := websocket.AlertEvent{Alert: *a}
	if a.PlantID != "" {
		e.publisher.Broadcast(topics.PlantAlerts(a.PlantID), ev)
	} else if a.DeviceID != "" {
		e.publisher.Broadcast(topics.DeviceAlerts(a.DeviceID), ev)
	}
	if a.UserID != "" {
		e.publisher.Broadcast(topics.UserAlerts(a.UserID), ev)
	}
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
