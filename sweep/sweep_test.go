package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/tapedeck/metrics"
)

func TestRun_TicksUntilCanceled(t *testing.T) {
	var calls atomic.Int32
	s := &Scheduler{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Task: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want DeadlineExceeded", err)
	}
	if calls.Load() < 2 {
		t.Errorf("task ran %d times, want at least 2", calls.Load())
	}
}

func TestRun_ErrorsAndPanicsDoNotStop(t *testing.T) {
	var calls atomic.Int32
	collector := metrics.NewCollector("batched_directory", "memory")
	s := &Scheduler{
		Name:      "flaky",
		Interval:  5 * time.Millisecond,
		Collector: collector,
		Task: func(context.Context) error {
			switch calls.Add(1) {
			case 1:
				panic("boom")
			case 2:
				return errors.New("staging unreadable")
			}
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 150*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if calls.Load() < 3 {
		t.Fatalf("task ran %d times, want ticks to continue after failures", calls.Load())
	}
	snap := collector.Snapshot()
	if snap.SweepFailures != 2 {
		t.Errorf("SweepFailures = %d, want 2", snap.SweepFailures)
	}
	if snap.SweepTicks < 3 {
		t.Errorf("SweepTicks = %d, want >= 3", snap.SweepTicks)
	}
}

func TestRun_SingleFlight(t *testing.T) {
	var active, maxActive atomic.Int32
	s := &Scheduler{
		Name:     "slow",
		Interval: time.Millisecond,
		Task: func(context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	// Wait for the last in-flight run.
	_ = s.RunOnce(context.Background())

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxActive.Load())
	}
}

func TestRunOnce(t *testing.T) {
	s := &Scheduler{Name: "once", Task: func(context.Context) error { panic("kaboom") }}
	if err := s.RunOnce(t.Context()); !errors.Is(err, ErrPanic) {
		t.Errorf("RunOnce = %v, want ErrPanic", err)
	}
}

func TestRun_Misconfigured(t *testing.T) {
	if err := (&Scheduler{Task: func(context.Context) error { return nil }}).Run(t.Context()); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := (&Scheduler{Interval: time.Second}).Run(t.Context()); err == nil {
		t.Error("expected error for nil task")
	}
}
