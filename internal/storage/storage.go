// Package storage provides the persistence collaborators of the pipeline: an
// in-memory store for development and tests, a Postgres store, and an
// InfluxDB writer for reading history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greenhouse-gateway/internal/data"
)

var (
	// ErrNotFound is returned when a referenced device or plant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence wraps every failure of the underlying storage engine.
	ErrPersistence = errors.New("persistence failure")
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Readings persists and replays sensor readings.
type Readings interface {
	PersistReading(ctx context.Context, r *data.SensorReading) (string, error)
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]data.SensorReading, error)
}

// Store is the full persistence collaborator consumed by the gateway.
type Store interface {
	Readings
	DeviceOwner(ctx context.Context, deviceID string) (string, error)
	PlantOwner(ctx context.Context, plantID string) (string, error)
	ConditionsForDevice(ctx context.Context, deviceID string) ([]data.Condition, error)
	PersistAlert(ctx context.Context, a *data.Alert) (string, error)
	PlantsDueForWatering(ctx context.Context, now time.Time) ([]data.Plant, error)
}

type routed struct {
	Store
	readings Readings
}

// WithReadings returns a Store that keeps readings in r and everything else
// in base.
func WithReadings(base Store, r Readings) Store {
	return &routed{Store: base, readings: r}
}

func (s *routed) PersistReading(ctx context.Context, r *data.SensorReading) (string, error) {
	return s.readings.PersistReading(ctx, r)
}

func (s *routed) RecentReadings(ctx context.Context, deviceID string, limit int) ([]data.SensorReading, error) {
	return s.readings.RecentReadings(ctx, deviceID, limit)
}
