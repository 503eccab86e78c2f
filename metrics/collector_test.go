package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("whole_session", "fs")

	c.IncSessionOpened()
	c.IncSessionOpened()
	c.IncSessionClosed()
	c.IncIdentityAccepted()
	c.IncIdentityRejected()
	c.IncIdentityRejected()
	c.IncTextDropped()
	c.IncUploadSuccess()
	c.IncUploadSuccess()
	c.IncUploadFailure()
	c.IncUploadRetry()
	c.IncSweepTick()
	c.IncSweepFailure()

	s := c.Snapshot()

	if s.SessionsOpened != 2 {
		t.Errorf("SessionsOpened = %d, want 2", s.SessionsOpened)
	}
	if s.SessionsClosed != 1 {
		t.Errorf("SessionsClosed = %d, want 1", s.SessionsClosed)
	}
	if s.IdentityAccepted != 1 {
		t.Errorf("IdentityAccepted = %d, want 1", s.IdentityAccepted)
	}
	if s.IdentityRejected != 2 {
		t.Errorf("IdentityRejected = %d, want 2", s.IdentityRejected)
	}
	if s.TextDropped != 1 {
		t.Errorf("TextDropped = %d, want 1", s.TextDropped)
	}
	if s.UploadSuccess != 2 {
		t.Errorf("UploadSuccess = %d, want 2", s.UploadSuccess)
	}
	if s.UploadFailure != 1 {
		t.Errorf("UploadFailure = %d, want 1", s.UploadFailure)
	}
	if s.UploadRetry != 1 {
		t.Errorf("UploadRetry = %d, want 1", s.UploadRetry)
	}
	if s.SweepTicks != 1 || s.SweepFailures != 1 {
		t.Errorf("Sweep counters = %d/%d, want 1/1", s.SweepTicks, s.SweepFailures)
	}
	if s.Policy != "whole_session" || s.StorageBackend != "fs" {
		t.Errorf("unexpected dimensions: %q %q", s.Policy, s.StorageBackend)
	}
}

func TestCollector_AbsorbPolicyStatsReplaces(t *testing.T) {
	c := NewCollector("streaming", "s3")

	c.AbsorbPolicyStats(10, 16000, 3)
	c.AbsorbPolicyStats(12, 19200, 4)

	s := c.Snapshot()
	if s.FramesReceived != 12 || s.BytesReceived != 19200 || s.Flushes != 4 {
		t.Errorf("unexpected absorbed stats: %+v", s)
	}
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector

	c.IncSessionOpened()
	c.IncUploadFailure()
	c.AbsorbPolicyStats(1, 2, 3)

	if s := c.Snapshot(); s != (Snapshot{}) {
		t.Errorf("nil collector snapshot should be zero, got %+v", s)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("batched_directory", "memory")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncSessionOpened()
				c.IncUploadSuccess()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.SessionsOpened != 5000 || s.UploadSuccess != 5000 {
		t.Errorf("expected 5000/5000, got %d/%d", s.SessionsOpened, s.UploadSuccess)
	}
}
