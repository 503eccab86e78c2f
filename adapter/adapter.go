// Package adapter defines the notification boundary for uploaded artifacts.
//
// Adapters publish artifact_uploaded events to downstream systems after the
// storage backend acknowledged a durable write.
package adapter

import (
	"context"
	"time"
)

// ContractVersion is the version of the event payload shape.
const ContractVersion = "1"

// EventTypeArtifactUploaded is the only event type published.
const EventTypeArtifactUploaded = "artifact_uploaded"

// ArtifactUploadedEvent is the payload published when an artifact reaches
// durable storage.
type ArtifactUploadedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "artifact_uploaded"
	Name            string `json:"name"`
	DeviceID        string `json:"device_id"`
	CreatedAt       string `json:"created_at"` // ISO 8601, millisecond precision
	Key             string `json:"key"`
	SizeBytes       int64  `json:"size_bytes"`
	Backend         string `json:"backend"`
	Timestamp       string `json:"timestamp"` // ISO 8601
}

// NewArtifactUploadedEvent fills the constant fields of an event.
func NewArtifactUploadedEvent(name, deviceID string, createdAt time.Time, key string, size int64, backend string) *ArtifactUploadedEvent {
	return &ArtifactUploadedEvent{
		ContractVersion: ContractVersion,
		EventType:       EventTypeArtifactUploaded,
		Name:            name,
		DeviceID:        deviceID,
		CreatedAt:       createdAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Key:             key,
		SizeBytes:       size,
		Backend:         backend,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

// Adapter publishes artifact events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends an event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ArtifactUploadedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff returns the delay before retry attempt i (i >= 1).
func Backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Sleep waits for the backoff of attempt i or until ctx ends.
func Sleep(ctx context.Context, i int) error {
	t := time.NewTimer(Backoff(i))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
