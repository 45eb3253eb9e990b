// internal/websocket/events.go
package websocket

import (
	"encoding/json"

	"greenhouse-gateway/internal/data"
)

// Event types carried in the eventType field of every outbound frame.
const (
	TypeReading      = "reading"
	TypeAlert        = "alert"
	TypeHistory      = "history"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Event is a frame pushed to live connections. The variants below are the
// complete set; each serializes itself into a flat {eventType, ...} object.
type Event interface {
	json.Marshaler
	EventType() string
	event()
}

// ReadingEvent carries a persisted sensor reading.
type ReadingEvent struct {
	Reading data.SensorReading
}

func (ReadingEvent) EventType() string { return TypeReading }
func (ReadingEvent) event()            {}

func (e ReadingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EventType string `json:"eventType"`
		data.SensorReading
	}{TypeReading, e.Reading})
}

// AlertEvent carries a persisted alert.
type AlertEvent struct {
	Alert data.Alert
}

func (AlertEvent) EventType() string { return TypeAlert }
func (AlertEvent) event()            {}

func (e AlertEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EventType string `json:"eventType"`
		data.Alert
	}{TypeAlert, e.Alert})
}

// HistoryEvent carries recent readings for a topic, oldest first.
type HistoryEvent struct {
	Topic    string
	Readings []data.SensorReading
}

func (HistoryEvent) EventType() string { return TypeHistory }
func (HistoryEvent) event()            {}

func (e HistoryEvent) MarshalJSON() ([]byte, error) {
	readings := e.Readings
	if readings == nil {
		readings = []data.SensorReading{}
	}
	return json.Marshal(struct {
		EventType string               `json:"eventType"`
		Topic     string               `json:"topic"`
		Readings  []data.SensorReading `json:"readings"`
	}{TypeHistory, e.Topic, readings})
}

// SubscriptionEvent acknowledges a subscribe or unsubscribe request.
type SubscriptionEvent struct {
	Topic      string
	Subscribed bool
}

func (e SubscriptionEvent) EventType() string {
	if e.Subscribed {
		return TypeSubscribed
	}
	return TypeUnsubscribed
}

func (SubscriptionEvent) event() {}

func (e SubscriptionEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EventType string `json:"eventType"`
		Topic     string `json:"topic"`
	}{e.EventType(), e.Topic})
}

// ErrorEvent reports a rejected control message back to the client.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) EventType() string { return TypeError }
func (ErrorEvent) event()            {}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EventType string `json:"eventType"`
		Message   string `json:"message"`
	}{TypeError, e.Message})
}
