// internal/storage/influx.go
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"greenhouse-gateway/internal/data"
)

const (
	measurement     = "sensor_data"
	historyLookback = "-30d"
)

// InfluxReadings writes readings to an InfluxDB bucket as points of the
// sensor_data measurement, tagged by device.
type InfluxReadings struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

func NewInfluxReadings(client influxdb2.Client, org, bucket string) *InfluxReadings {
	return &InfluxReadings{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}
}

func (s *InfluxReadings) PersistReading(ctx context.Context, r *data.SensorReading) (string, error) {
	id := uuid.NewString()
	point := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("device_id", r.DeviceID).
		AddField("id", id).
		AddField("temperature", r.Temperature).
		AddField("humidity", r.Humidity).
		AddField("pressure", r.Pressure).
		AddField("air_quality_analog", r.AirQuality).
		SetTime(r.Timestamp)

	if err := s.write.WritePoint(ctx, point); err != nil {
		return "", persistErr("write point", err)
	}
	return id, nil
}

// RecentReadings returns up to limit readings of the last 30 days, oldest
// first.
func (s *InfluxReadings) RecentReadings(ctx context.Context, deviceID string, limit int) ([]data.SensorReading, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: %s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r["device_id"] == "%s")
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		|> sort(columns: ["_time"], desc: true)
		|> limit(n: %d)
	`, s.bucket, historyLookback, measurement, deviceID, limit)

	result, err := s.query.Query(ctx, query)
	if err != nil {
		return nil, persistErr("query readings", err)
	}
	defer result.Close()

	var out []data.SensorReading
	for result.Next() {
		values := result.Record().Values()
		r := data.SensorReading{
			DeviceID:    deviceID,
			Temperature: toFloat(values["temperature"]),
			Humidity:    toFloat(values["humidity"]),
			Pressure:    toFloat(values["pressure"]),
			AirQuality:  int(toFloat(values["air_quality_analog"])),
			Timestamp:   result.Record().Time().UTC(),
		}
		if id, ok := values["id"].(string); ok {
			r.ID = id
		}
		out = append(out, r)
	}
	if result.Err() != nil {
		return nil, persistErr("query readings", result.Err())
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Ping reports whether the server is reachable.
func (s *InfluxReadings) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influx: %w", err)
	}
	if !ok {
		return fmt.Errorf("ping influx: server not ready")
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
