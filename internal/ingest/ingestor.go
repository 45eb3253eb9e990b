// Package ingest turns inbound broker telemetry into persisted readings,
// live updates and alert checks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/metrics"
	"greenhouse-gateway/internal/storage"
	"greenhouse-gateway/internal/topics"
	"greenhouse-gateway/internal/websocket"
)

// SensorDataFilter matches every device's telemetry topic.
const SensorDataFilter = "device/+/sensordata"

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	processTimeout   = 10 * time.Second
)

// ErrDeviceMismatch is returned when a payload names a different device than
// the topic it was published on.
var ErrDeviceMismatch = errors.New("payload device does not match topic")

// Subscriber is the broker side of the ingestor.
type Subscriber interface {
	Subscribe(filter string, handler func(topic string, payload []byte)) error
	Unsubscribe(filter string) error
}

// Store persists readings and resolves device owners.
type Store interface {
	PersistReading(ctx context.Context, r *data.SensorReading) (string, error)
	DeviceOwner(ctx context.Context, deviceID string) (string, error)
}

// Publisher fans events out to live connections.
type Publisher interface {
	Broadcast(topic string, ev websocket.Event) int
	BroadcastGlobal(ev websocket.Event) int
}

// Evaluator checks a persisted reading against its alert conditions.
type Evaluator interface {
	EvaluateReading(ctx context.Context, r *data.SensorReading) ([]data.Alert, error)
}

type Options struct {
	Workers   int
	QueueSize int
}

type message struct {
	topic   string
	payload []byte
}

// Ingestor consumes telemetry with a bounded pool of workers. Each message
// is handled start to finish by one worker, so persist, fan-out and alert
// check keep their order.
type Ingestor struct {
	sub       Subscriber
	store     Store
	publisher Publisher
	evaluator Evaluator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	workers   int

	queue  chan message
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(sub Subscriber, store Store, publisher Publisher, evaluator Evaluator, opts Options, logger *slog.Logger, m *metrics.Metrics) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Ingestor{
		sub:       sub,
		store:     store,
		publisher: publisher,
		evaluator: evaluator,
		logger:    logger.With("component", "ingest"),
		metrics:   m,
		workers:   opts.Workers,
		queue:     make(chan message, opts.QueueSize),
	}
}

// Start launches the workers and subscribes to device telemetry. Messages
// keep being processed after ctx is cancelled until Stop drains the queue.
func (i *Ingestor) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	for n := 0; n < i.workers; n++ {
		i.wg.Add(1)
		go i.work(ctx)
	}
	if err := i.sub.Subscribe(SensorDataFilter, i.enqueue); err != nil {
		i.closeQueue()
		i.wg.Wait()
		return fmt.Errorf("subscribe %s: %w", SensorDataFilter, err)
	}
	i.logger.Info("ingestor started", "filter", SensorDataFilter, "workers", i.workers)
	return nil
}

// Stop unsubscribes, then waits for queued and in-flight messages to finish.
func (i *Ingestor) Stop() {
	if err := i.sub.Unsubscribe(SensorDataFilter); err != nil {
		i.logger.Warn("unsubscribe failed", "error", err)
	}
	i.closeQueue()
	i.wg.Wait()
	i.logger.Info("ingestor stopped")
}

func (i *Ingestor) closeQueue() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.queue)
	}
}

// enqueue blocks while the queue is full, pushing back on the broker.
func (i *Ingestor) enqueue(topic string, payload []byte) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		i.logger.Warn("message after stop dropped", "topic", topic)
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	i.queue <- message{topic: topic, payload: buf}
}

func (i *Ingestor) work(ctx context.Context) {
	defer i.wg.Done()
	for msg := range i.queue {
		ctx, cancel := context.WithTimeout(ctx, processTimeout)
		_ = i.Handle(ctx, msg.topic, msg.payload)
		cancel()
	}
}

// Handle runs one message through the pipeline. Rejections and failures are
// logged and counted here; the returned error is for callers that want it.
func (i *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	i.metrics.ReadingReceived()
	log := i.logger.With("topic", topic)

	reading, err := i.decode(topic, payload)
	if err != nil {
		reason := metrics.ReasonMalformed
		switch {
		case errors.Is(err, data.ErrOutOfDomain):
			reason = metrics.ReasonOutOfDomain
		case errors.Is(err, ErrDeviceMismatch):
			reason = metrics.ReasonDeviceTopic
		}
		i.metrics.ReadingRejected(reason)
		log.Warn("reading rejected", "reason", reason, "error", err)
		return err
	}
	log = log.With("device_id", reading.DeviceID)

	id, err := i.store.PersistReading(ctx, reading)
	if err != nil {
		i.metrics.PersistFailed()
		log.Error("persist reading", "error", err)
		return fmt.Errorf("persist reading: %w", err)
	}
	reading.ID = id
	i.metrics.ReadingPersisted()

	i.fanOut(ctx, log, reading)

	if _, err := i.evaluator.EvaluateReading(ctx, reading); err != nil {
		log.Error("evaluate alerts", "reading_id", id, "error", err)
		return fmt.Errorf("evaluate alerts: %w", err)
	}

	i.metrics.ObserveIngest(time.Since(start).Seconds())
	return nil
}

func (i *Ingestor) decode(topic string, payload []byte) (*data.SensorReading, error) {
	reading, err := data.ParseReading(payload)
	if err != nil {
		return nil, err
	}
	if dev, ok := topicDevice(topic); !ok || !strings.EqualFold(dev, reading.DeviceID) {
		return nil, fmt.Errorf("%w: topic %s, payload %s", ErrDeviceMismatch, topic, reading.DeviceID)
	}
	if err := reading.Validate(); err != nil {
		return nil, err
	}
	return reading, nil
}

// fanOut pushes the reading to its device topic and to the owner's topic, or
// to the global dashboard when the device is unclaimed.
func (i *Ingestor) fanOut(ctx context.Context, log *slog.Logger, r *data.SensorReading) {
	ev := websocket.ReadingEvent{Reading: *r}
	i.publisher.Broadcast(topics.DeviceReadings(r.DeviceID), ev)

	owner, err := i.store.DeviceOwner(ctx, r.DeviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		owner = ""
	case err != nil:
		log.Warn("resolve device owner", "error", err)
		return
	}

	if owner == "" {
		i.publisher.BroadcastGlobal(ev)
		return
	}
	i.publisher.Broadcast(topics.UserReadings(owner), ev)
}

// topicDevice extracts the device id from device/{id}/sensordata.
func topicDevice(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "device" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
