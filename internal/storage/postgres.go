// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"greenhouse-gateway/internal/data"
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id      UUID PRIMARY KEY,
	user_id TEXT,
	name    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS plants (
	id           UUID PRIMARY KEY,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	water_every  INTEGER NOT NULL DEFAULT 0,
	last_watered TIMESTAMPTZ,
	device_id    UUID REFERENCES devices(id) ON DELETE SET NULL
);
CREATE TABLE IF NOT EXISTS readings (
	id          UUID PRIMARY KEY,
	device_id   UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	temperature DOUBLE PRECISION NOT NULL,
	humidity    DOUBLE PRECISION NOT NULL,
	pressure    DOUBLE PRECISION NOT NULL,
	air_quality INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_device_time ON readings (device_id, recorded_at DESC);
CREATE TABLE IF NOT EXISTS conditions (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	device_id   UUID REFERENCES devices(id) ON DELETE CASCADE,
	plant_id    UUID REFERENCES plants(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	expression  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	plant_id    UUID,
	device_id   UUID
);`

// PostgresStore implements the persistence collaborator on Postgres via
// database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return persistErr("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) PersistReading(ctx context.Context, r *data.SensorReading) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (id, device_id, temperature, humidity, pressure, air_quality, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, r.DeviceID, r.Temperature, r.Humidity, r.Pressure, r.AirQuality, r.Timestamp,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return "", persistErr("insert reading", fmt.Errorf("device %s: %w", r.DeviceID, ErrNotFound))
		}
		return "", persistErr("insert reading", err)
	}
	return id, nil
}

// RecentReadings returns up to limit readings of a device, oldest first.
func (s *PostgresStore) RecentReadings(ctx context.Context, deviceID string, limit int) ([]data.SensorReading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, temperature, humidity, pressure, air_quality, recorded_at
		 FROM readings WHERE device_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, persistErr("select readings", err)
	}
	defer rows.Close()

	var out []data.SensorReading
	for rows.Next() {
		var r data.SensorReading
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Temperature, &r.Humidity, &r.Pressure, &r.AirQuality, &r.Timestamp); err != nil {
			return nil, persistErr("scan reading", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("select readings", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM devices WHERE id = $1`, deviceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return "", persistErr("select device owner", err)
	}
	return owner.String, nil
}

func (s *PostgresStore) PlantOwner(ctx context.Context, plantID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM plants WHERE id = $1`, plantID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("plant %s: %w", plantID, ErrNotFound)
	}
	if err != nil {
		return "", persistErr("select plant owner", err)
	}
	return owner, nil
}

// ConditionsForDevice returns conditions owned by the device and by plants
// attached to it.
func (s *PostgresStore) ConditionsForDevice(ctx context.Context, deviceID string) ([]data.Condition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.device_id, c.plant_id, c.name, c.sensor_type, c.expression
		 FROM conditions c LEFT JOIN plants p ON p.id = c.plant_id
		 WHERE c.device_id = $1 OR p.device_id = $1
		 ORDER BY c.id`,
		deviceID,
	)
	if err != nil {
		return nil, persistErr("select conditions", err)
	}
	defer rows.Close()

	var out []data.Condition
	for rows.Next() {
		var (
			c                data.Condition
			ownDev, ownPlant sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &ownDev, &ownPlant, &c.Name, &c.SensorType, &c.Expression); err != nil {
			return nil, persistErr("scan condition", err)
		}
		c.DeviceID, c.PlantID = ownDev.String, ownPlant.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("select conditions", err)
	}
	return out, nil
}

func (s *PostgresStore) PersistAlert(ctx context.Context, a *data.Alert) (string, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, user_id, name, description, created_at, plant_id, device_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, a.UserID, a.Name, a.Description, a.Timestamp, nullable(a.PlantID), nullable(a.DeviceID),
	)
	if err != nil {
		return "", persistErr("insert alert", err)
	}
	return id, nil
}

// PlantsDueForWatering selects plants whose last watering is at least
// water_every days before now. Plants never watered are always due.
func (s *PostgresStore) PlantsDueForWatering(ctx context.Context, now time.Time) ([]data.Plant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, water_every, last_watered, device_id
		 FROM plants
		 WHERE water_every > 0
		   AND (last_watered IS NULL OR last_watered <= $1::timestamptz - make_interval(days => water_every))
		 ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, persistErr("select due plants", err)
	}
	defer rows.Close()

	var out []data.Plant
	for rows.Next() {
		var (
			p       data.Plant
			watered sql.NullTime
			device  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.WaterEvery, &watered, &device); err != nil {
			return nil, persistErr("scan plant", err)
		}
		if watered.Valid {
			ts := watered.Time.UTC()
			p.LastWatered = &ts
		}
		p.DeviceID = device.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("select due plants", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
