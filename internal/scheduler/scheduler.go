// Package scheduler runs the daily plant watering check.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/metrics"
)

// Checker runs one watering check.
type Checker interface {
	CheckWatering(ctx context.Context) ([]data.Alert, error)
}

// NextRun returns the next time at hour:00 in loc that is strictly after now.
func NextRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// Scheduler wakes once a day at a fixed hour and runs the checker.
type Scheduler struct {
	checker Checker
	hour    int
	loc     *time.Location
	logger  *slog.Logger
	metrics *metrics.Metrics

	now      func() time.Time
	newTimer func(d time.Duration) (<-chan time.Time, func() bool)
}

func New(checker Checker, hour int, loc *time.Location, logger *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("scheduler hour %d outside 0-23", hour)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		checker: checker,
		hour:    hour,
		loc:     loc,
		logger:  logger.With("component", "scheduler"),
		metrics: m,
		now:     time.Now,
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}, nil
}

// Run sleeps until the next scheduled hour, runs the check and repeats until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := NextRun(s.now(), s.hour, s.loc)
		s.logger.Info("next watering check scheduled", "at", next.Format(time.RFC3339))

		fire, stop := s.newTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			stop()
			s.logger.Info("scheduler stopped")
			return
		case <-fire:
		}
		s.runOnce(ctx)
	}
}

// runOnce isolates a failing check from the loop.
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.SchedulerRun("panic")
			s.logger.Error("watering check panicked", "panic", r)
		}
	}()

	start := time.Now()
	alerts, err := s.checker.CheckWatering(ctx)
	if err != nil {
		s.metrics.SchedulerRun("error")
		s.logger.Error("watering check failed", "error", err, "alerts", len(alerts))
		return
	}
	s.metrics.SchedulerRun("ok")
	s.logger.Info("watering check finished", "alerts", len(alerts), "duration", time.Since(start))
}
