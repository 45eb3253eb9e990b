// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"greenhouse-gateway/internal/condition"
)

var (
	// ErrMalformedPayload marks payloads that cannot be decoded into a reading.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrOutOfDomain marks readings with a field outside its sensor domain.
	ErrOutOfDomain = errors.New("value out of domain")
)

// FieldError names the reading field that failed domain validation.
type FieldError struct {
	Field  string
	Value  float64
	Domain condition.Domain
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %v outside %s", e.Field, e.Value, e.Domain)
}

func (e *FieldError) Unwrap() error {
	return ErrOutOfDomain
}

// wireReading mirrors the device payload. Pointers distinguish missing
// fields from zero values.
type wireReading struct {
	DeviceID    *string  `json:"deviceId"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
	AirQuality  *int     `json:"air_quality_analog"`
	Timestamp   *string  `json:"timestamp"`
}

// Timestamps without a zone are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseReading decodes an untrusted device payload. Every field is required;
// the device id must be a UUID and the timestamp ISO-8601. Domain checks are
// left to Validate.
func ParseReading(raw []byte) (*SensorReading, error) {
	var w wireReading
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var missing []string
	if w.DeviceID == nil {
		missing = append(missing, "deviceId")
	}
	if w.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if w.Humidity == nil {
		missing = append(missing, "humidity")
	}
	if w.Pressure == nil {
		missing = append(missing, "pressure")
	}
	if w.AirQuality == nil {
		missing = append(missing, "air_quality_analog")
	}
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
	}

	id, err := uuid.Parse(*w.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: deviceId: %v", ErrMalformedPayload, err)
	}

	ts, err := parseTimestamp(*w.Timestamp)
	if err != nil {
		return nil, err
	}

	return &SensorReading{
		DeviceID:    id.String(),
		Temperature: *w.Temperature,
		Humidity:    *w.Humidity,
		Pressure:    *w.Pressure,
		AirQuality:  *w.AirQuality,
		Timestamp:   ts,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrMalformedPayload, s)
}

// Validate checks every measured field against its sensor domain and returns
// a *FieldError for the first violation.
func (r *SensorReading) Validate() error {
	fields := []struct {
		name   string
		sensor condition.SensorType
	}{
		{"temperature", condition.Temperature},
		{"humidity", condition.Humidity},
		{"pressure", condition.AirPressure},
		{"air_quality_analog", condition.AirQuality},
	}

	for _, f := range fields {
		v, _ := r.Value(f.sensor)
		d, _ := condition.DomainOf(f.sensor)
		if !d.Contains(v) {
			return &FieldError{Field: f.name, Value: v, Domain: d}
		}
	}
	return nil
}
