// Package policy defines the chunk aggregation policies.
//
// A policy decides when buffered audio frames become an artifact. Every
// policy reacts to the same three triggers: a frame arrived, a session
// closed, a sweep tick fired. Artifacts are handed to a Publisher (the
// uploader) before the trigger returns.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/tapedeck/artifact"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/types"
)

// Policy names.
const (
	NameWholeSession     = "whole_session"
	NameStreaming        = "streaming"
	NameBatchedDirectory = "batched_directory"
)

// DefaultMaxBufferBytes bounds a whole-session buffer before it rolls over.
const DefaultMaxBufferBytes int64 = 256 * 1024 * 1024

// ErrUnknownPolicy is returned by New for an unrecognized policy name.
var ErrUnknownPolicy = errors.New("unknown policy")

// Policy aggregates audio frames into artifacts.
//
// Implementations must be safe for concurrent use across sessions. Calls for
// a single session are serialized by the session.
type Policy interface {
	// Name returns the policy name.
	Name() string

	// OnFrame handles one binary frame from a streaming session.
	// Returns the artifacts produced by this frame, if any.
	OnFrame(ctx context.Context, ref *types.SessionRef, frame []byte) ([]*types.Artifact, error)

	// OnClose runs exactly once per session when it closes.
	OnClose(ctx context.Context, ref *types.SessionRef) ([]*types.Artifact, error)

	// OnTick runs on every sweep tick.
	OnTick(ctx context.Context) ([]*types.Artifact, error)

	// Stats returns a consistent snapshot of policy counters.
	Stats() Stats
}

// Stats represents policy observability counters.
type Stats struct {
	// Frames is the number of frames received.
	Frames int64 `json:"frames"`
	// Bytes is the number of frame bytes received.
	Bytes int64 `json:"bytes"`
	// BufferBytes is the number of bytes held but not yet flushed.
	BufferBytes int64 `json:"buffer_bytes"`
	// Flushes is the number of flush operations that produced an artifact.
	Flushes int64 `json:"flushes"`
	// Artifacts is the number of artifacts built.
	Artifacts int64 `json:"artifacts"`
	// Uploaded is the number of artifacts acknowledged by storage.
	Uploaded int64 `json:"uploaded"`
	// Failed is the number of artifacts whose upload failed.
	Failed int64 `json:"failed"`
	// Errors is the count of non-fatal errors (build, staging I/O).
	Errors int64 `json:"errors"`
}

// Config configures a policy built by New.
type Config struct {
	// Name selects the policy. Empty means whole_session.
	Name string
	// Format is the PCM layout of incoming frames.
	Format types.Format
	// MaxBufferBytes bounds a whole-session buffer. Zero uses the default,
	// negative disables the bound.
	MaxBufferBytes int64
	// StagingDir is the batched-directory staging area.
	StagingDir string
	// PerDevice makes batched-directory sweeps produce one artifact per device.
	PerDevice bool
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

func (c *Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// New builds the configured policy.
func New(cfg Config, pub Publisher) (Policy, error) {
	if pub == nil {
		return nil, errors.New("policy requires a publisher")
	}
	if cfg.Format == (types.Format{}) {
		cfg.Format = types.DefaultFormat()
	}

	switch cfg.Name {
	case NameWholeSession, "":
		return NewWholeSessionPolicy(pub, cfg), nil
	case NameStreaming:
		return NewStreamingPolicy(pub, cfg), nil
	case NameBatchedDirectory:
		return NewBatchedDirectoryPolicy(pub, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Name)
	}
}

// Names lists the selectable policy names.
func Names() []string {
	return []string{NameWholeSession, NameStreaming, NameBatchedDirectory}
}

// flusher turns drained audio into published artifacts. Every policy
// embeds one.
type flusher struct {
	pub    Publisher
	format types.Format
	logger *log.Logger
	stats  *statsRecorder
	clock  *captureClock
}

func newFlusher(pub Publisher, cfg Config) flusher {
	return flusher{
		pub:    pub,
		format: cfg.Format,
		logger: cfg.Logger,
		stats:  newStatsRecorder(),
		clock:  newCaptureClock(),
	}
}

// flush builds an artifact from raw and hands it to the publisher.
// An empty payload yields no artifact and no error.
func (f *flusher) flush(ctx context.Context, deviceID string, createdAt time.Time, raw []byte) (*types.Artifact, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	a, err := artifact.Build(deviceID, f.clock.next(deviceID, createdAt), raw, f.format)
	if err != nil {
		f.stats.incErrors()
		f.logger.Error("failed to build artifact", map[string]any{
			"device_id": deviceID,
			"error":     log.ErrField(err),
		})
		return nil, err
	}

	f.stats.incFlush()
	err = f.pub.Publish(ctx, a)
	f.stats.recordUpload(err == nil)
	return a, err
}

// captureClock hands out artifact capture times that strictly increase per
// device at millisecond resolution, so one device never produces two
// artifacts with the same name.
type captureClock struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCaptureClock() *captureClock {
	return &captureClock{last: make(map[string]time.Time)}
}

// next returns at truncated to the millisecond, or one millisecond past the
// device's previous capture time if at is not later than it.
func (c *captureClock) next(deviceID string, at time.Time) time.Time {
	t := at.UTC().Truncate(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[deviceID]; ok && !t.After(last) {
		t = last.Add(time.Millisecond)
	}
	c.last[deviceID] = t
	return t
}

// forget drops the device's entry if its last capture time is before cutoff.
func (c *captureClock) forget(deviceID string, cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[deviceID]; ok && last.Before(cutoff) {
		delete(c.last, deviceID)
	}
}

// statsRecorder is an internal helper for thread-safe stats management.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

func (r *statsRecorder) incFrame(n int) {
	r.mu.Lock()
	r.stats.Frames++
	r.stats.Bytes += int64(n)
	r.mu.Unlock()
}

func (r *statsRecorder) addBuffer(delta int64) {
	r.mu.Lock()
	r.stats.BufferBytes += delta
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.Flushes++
	r.stats.Artifacts++
	r.mu.Unlock()
}

func (r *statsRecorder) recordUpload(ok bool) {
	r.mu.Lock()
	if ok {
		r.stats.Uploaded++
	} else {
		r.stats.Failed++
	}
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
