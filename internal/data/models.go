// internal/data/models.go
package data

import (
	"time"

	"greenhouse-gateway/internal/condition"
)

// SensorReading is one telemetry sample published by a device.
type SensorReading struct {
	ID          string    `json:"id,omitempty"`
	DeviceID    string    `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	AirQuality  int       `json:"air_quality_analog"`
	Timestamp   time.Time `json:"timestamp"`
}

// Value returns the field of the reading measured by st.
func (r *SensorReading) Value(st condition.SensorType) (float64, bool) {
	switch st {
	case condition.Temperature:
		return r.Temperature, true
	case condition.Humidity:
		return r.Humidity, true
	case condition.AirPressure:
		return r.Pressure, true
	case condition.AirQuality:
		return float64(r.AirQuality), true
	default:
		return 0, false
	}
}

// Condition is an alert condition as stored by the REST layer. Exactly one of
// DeviceID and PlantID is set.
type Condition struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId,omitempty"`
	PlantID    string `json:"plantId,omitempty"`
	Name       string `json:"name"`
	SensorType string `json:"sensorType"`
	Expression string `json:"condition"`
}

// Alert is created once per triggering evaluation and never modified.
type Alert struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	PlantID     string    `json:"plantId,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
}

// Device is a registered sensor device. UserID is empty for unclaimed devices.
type Device struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
}

// Plant is a user's plant with a watering interval in days.
type Plant struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	WaterEvery  int        `json:"waterEvery"`
	LastWatered *time.Time `json:"lastWatered,omitempty"`
	DeviceID    string     `json:"deviceId,omitempty"`
}

// DaysSinceWatered returns the number of whole days between the last
// watering and now, and false when the plant was never watered.
func (p *Plant) DaysSinceWatered(now time.Time) (int, bool) {
	if p.LastWatered == nil {
		return 0, false
	}
	return int(now.Sub(*p.LastWatered).Hours() / 24), true
}

// DueForWatering reports whether the plant has gone at least WaterEvery days
// without water. Plants without an interval are never due; plants that were
// never watered always are.
func (p *Plant) DueForWatering(now time.Time) bool {
	if p.WaterEvery <= 0 {
		return false
	}
	days, ok := p.DaysSinceWatered(now)
	if !ok {
		return true
	}
	return days >= p.WaterEvery
}
