// internal/storage/memory.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenhouse-gateway/internal/data"
)

const defaultHistorySize = 100 // readings kept per device

// MemoryStore keeps everything in process memory. Readings are bounded per
// device; alerts are kept in full.
type MemoryStore struct {
	mu         sync.RWMutex
	readings   map[string][]data.SensorReading
	capacity   int
	devices    map[string]data.Device
	plants     map[string]data.Plant
	conditions []data.Condition
	alerts     []data.Alert
}

func NewMemoryStore(historySize int) *MemoryStore {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &MemoryStore{
		readings: make(map[string][]data.SensorReading),
		capacity: historySize,
		devices:  make(map[string]data.Device),
		plants:   make(map[string]data.Plant),
	}
}

// Seed is the JSON document accepted by LoadSeed.
type Seed struct {
	Devices    []data.Device    `json:"devices"`
	Plants     []data.Plant     `json:"plants"`
	Conditions []data.Condition `json:"conditions"`
}

// LoadSeed reads devices, plants and conditions from a JSON file.
func (s *MemoryStore) LoadSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("decode seed %s: %w", path, err)
	}
	for _, d := range seed.Devices {
		s.AddDevice(d)
	}
	for _, p := range seed.Plants {
		s.AddPlant(p)
	}
	for _, c := range seed.Conditions {
		s.AddCondition(c)
	}
	return nil
}

func (s *MemoryStore) AddDevice(d data.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

func (s *MemoryStore) AddPlant(p data.Plant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plants[p.ID] = p
}

func (s *MemoryStore) AddCondition(c data.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.conditions = append(s.conditions, c)
}

func (s *MemoryStore) PersistReading(ctx context.Context, r *data.SensorReading) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", persistErr("insert reading", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *r
	rec.ID = uuid.NewString()
	buf := s.readings[rec.DeviceID]
	if len(buf) >= s.capacity {
		// Remove the oldest element
		buf = buf[1:]
	}
	s.readings[rec.DeviceID] = append(buf, rec)
	return rec.ID, nil
}

// RecentReadings returns up to limit readings of a device, oldest first.
func (s *MemoryStore) RecentReadings(_ context.Context, deviceID string, limit int) ([]data.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.readings[deviceID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]data.SensorReading, limit)
	copy(result, buf[len(buf)-limit:])
	return result, nil
}

func (s *MemoryStore) DeviceOwner(_ context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return "", fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return d.UserID, nil
}

func (s *MemoryStore) PlantOwner(_ context.Context, plantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plants[plantID]
	if !ok {
		return "", fmt.Errorf("plant %s: %w", plantID, ErrNotFound)
	}
	return p.UserID, nil
}

// ConditionsForDevice returns conditions owned by the device and by plants
// attached to it.
func (s *MemoryStore) ConditionsForDevice(_ context.Context, deviceID string) ([]data.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []data.Condition
	for _, c := range s.conditions {
		if c.DeviceID == deviceID {
			out = append(out, c)
			continue
		}
		if c.PlantID != "" && s.plants[c.PlantID].DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) PersistAlert(ctx context.Context, a *data.Alert) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", persistErr("insert alert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *a
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.alerts = append(s.alerts, rec)
	return rec.ID, nil
}

// Alerts returns a copy of every persisted alert in insertion order.
func (s *MemoryStore) Alerts() []data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]data.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *MemoryStore) PlantsDueForWatering(_ context.Context, now time.Time) ([]data.Plant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []data.Plant
	for _, p := range s.plants {
		if p.DueForWatering(now) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}
