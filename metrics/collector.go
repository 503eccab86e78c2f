// Package metrics provides process-wide ingestion counters.
//
// The Collector is a leaf package with no internal dependencies. Aggregation
// policy counters are absorbed from policy.Stats on demand rather than
// recorded live, avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Sessions
	SessionsOpened   int64 `json:"sessions_opened"`
	SessionsClosed   int64 `json:"sessions_closed"`
	IdentityAccepted int64 `json:"identity_accepted"`
	IdentityRejected int64 `json:"identity_rejected"`
	TextDropped      int64 `json:"text_dropped"`

	// Aggregation (absorbed from policy.Stats)
	FramesReceived int64 `json:"frames_received"`
	BytesReceived  int64 `json:"bytes_received"`
	Flushes        int64 `json:"flushes"`

	// Storage
	UploadSuccess int64 `json:"upload_success"`
	UploadFailure int64 `json:"upload_failure"`
	UploadRetry   int64 `json:"upload_retry"`

	// Sweeps
	SweepTicks    int64 `json:"sweep_ticks"`
	SweepFailures int64 `json:"sweep_failures"`

	// Dimensions (informational, set at construction)
	Policy         string `json:"policy"`
	StorageBackend string `json:"storage_backend"`
}

// Collector accumulates counters for the lifetime of the process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsOpened   int64
	sessionsClosed   int64
	identityAccepted int64
	identityRejected int64
	textDropped      int64

	framesReceived int64
	bytesReceived  int64
	flushes        int64

	uploadSuccess int64
	uploadFailure int64
	uploadRetry   int64

	sweepTicks    int64
	sweepFailures int64

	policy         string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, storageBackend string) *Collector {
	return &Collector{
		policy:         policy,
		storageBackend: storageBackend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Sessions ---

// IncSessionOpened records an accepted connection.
func (c *Collector) IncSessionOpened() {
	if c == nil {
		return
	}
	c.add(&c.sessionsOpened, 1)
}

// IncSessionClosed records a completed close transition.
func (c *Collector) IncSessionClosed() {
	if c == nil {
		return
	}
	c.add(&c.sessionsClosed, 1)
}

// IncIdentityAccepted records a session entering the streaming stage.
func (c *Collector) IncIdentityAccepted() {
	if c == nil {
		return
	}
	c.add(&c.identityAccepted, 1)
}

// IncIdentityRejected records an empty or invalid identity message.
func (c *Collector) IncIdentityRejected() {
	if c == nil {
		return
	}
	c.add(&c.identityRejected, 1)
}

// IncTextDropped records a stray text message dropped while streaming.
func (c *Collector) IncTextDropped() {
	if c == nil {
		return
	}
	c.add(&c.textDropped, 1)
}

// --- Storage ---
// Upload counters are per artifact. Sidecar and ledger writes are not counted.

// IncUploadSuccess records an acknowledged artifact upload.
func (c *Collector) IncUploadSuccess() {
	if c == nil {
		return
	}
	c.add(&c.uploadSuccess, 1)
}

// IncUploadFailure records a failed artifact upload.
func (c *Collector) IncUploadFailure() {
	if c == nil {
		return
	}
	c.add(&c.uploadFailure, 1)
}

// IncUploadRetry records a re-driven upload of a retained file.
func (c *Collector) IncUploadRetry() {
	if c == nil {
		return
	}
	c.add(&c.uploadRetry, 1)
}

// --- Sweeps ---

// IncSweepTick records a scheduler tick that ran its task.
func (c *Collector) IncSweepTick() {
	if c == nil {
		return
	}
	c.add(&c.sweepTicks, 1)
}

// IncSweepFailure records a scheduler tick whose task failed or panicked.
func (c *Collector) IncSweepFailure() {
	if c == nil {
		return
	}
	c.add(&c.sweepFailures, 1)
}

// --- Aggregation (absorbed from policy.Stats) ---

// AbsorbPolicyStats copies aggregation counters into the collector.
// Values replace, not add to, the previous absorb.
func (c *Collector) AbsorbPolicyStats(frames, bytes, flushes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesReceived = frames
	c.bytesReceived = bytes
	c.flushes = flushes
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SessionsOpened:   c.sessionsOpened,
		SessionsClosed:   c.sessionsClosed,
		IdentityAccepted: c.identityAccepted,
		IdentityRejected: c.identityRejected,
		TextDropped:      c.textDropped,

		FramesReceived: c.framesReceived,
		BytesReceived:  c.bytesReceived,
		Flushes:        c.flushes,

		UploadSuccess: c.uploadSuccess,
		UploadFailure: c.uploadFailure,
		UploadRetry:   c.uploadRetry,

		SweepTicks:    c.sweepTicks,
		SweepFailures: c.sweepFailures,

		Policy:         c.policy,
		StorageBackend: c.storageBackend,
	}
}
