// Package sweep runs a periodic task on a fixed interval.
//
// Ticks are single-flight: a tick that fires while the previous run is still
// in progress is skipped. Task errors and panics are logged and counted but
// never stop later ticks.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/metrics"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// ErrPanic wraps a recovered task panic.
var ErrPanic = errors.New("sweep task panicked")

// Scheduler runs Task every Interval until its context ends.
type Scheduler struct {
	// Name labels log entries.
	Name string
	// Interval between ticks. Must be positive.
	Interval time.Duration
	// Task is the work run on every tick.
	Task Task
	// Logger is an optional logger.
	Logger *log.Logger
	// Collector counts ticks and failures. Optional.
	Collector *metrics.Collector

	running sync.Mutex
}

// Run ticks until ctx is canceled. Returns ctx.Err() on exit, or an error if
// the scheduler is misconfigured.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("sweep %s: interval must be positive, got %v", s.Name, s.Interval)
	}
	if s.Task == nil {
		return fmt.Errorf("sweep %s: task is nil", s.Name)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.running.TryLock() {
				s.Logger.Debug("sweep tick skipped, previous run in progress", map[string]any{"sweep": s.Name})
				continue
			}
			go func() {
				defer s.running.Unlock()
				_ = s.run(ctx)
			}()
		}
	}
}

// RunOnce runs the task synchronously, waiting for any in-flight tick first.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.running.Lock()
	defer s.running.Unlock()
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (err error) {
	s.Collector.IncSweepTick()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err != nil {
			s.Collector.IncSweepFailure()
			s.Logger.Error("sweep task failed", map[string]any{
				"sweep": s.Name,
				"error": log.ErrField(err),
			})
		}
	}()

	return s.Task(ctx)
}
