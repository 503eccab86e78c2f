package types

import "time"

// UploadState tracks an artifact through the storage handoff.
type UploadState string

const (
	// UploadPending means the artifact was built but not yet acknowledged by storage.
	UploadPending UploadState = "pending"
	// UploadUploaded means storage acknowledged a durable write.
	UploadUploaded UploadState = "uploaded"
	// UploadFailed means the upload was attempted and failed; the local copy is retained.
	UploadFailed UploadState = "failed"
)

// Artifact is a finished, named, WAV-framed audio object ready for storage.
//
// Artifacts are owned by a single flush path at a time; fields are not
// guarded for concurrent mutation.
type Artifact struct {
	// DeviceID identifies the recording device.
	DeviceID string
	// CreatedAt is the capture time of the first frame in the artifact.
	CreatedAt time.Time
	// Format is the PCM layout of the payload.
	Format Format
	// Payload is the framed WAV file content (header + PCM).
	Payload []byte
	// Name is derived deterministically from DeviceID and CreatedAt.
	Name string
	// LocalPath is the ephemeral on-disk copy, empty until materialized.
	LocalPath string
	// UploadState is the storage handoff state.
	UploadState UploadState
}

// PCMBytes returns the size of the PCM payload excluding the WAV header.
func (a *Artifact) PCMBytes(headerSize int) int64 {
	n := int64(len(a.Payload) - headerSize)
	if n < 0 {
		return 0
	}
	return n
}

// ArtifactInfo is the read-only listing view of a stored artifact.
type ArtifactInfo struct {
	Name      string    `json:"name" yaml:"name"`
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	SizeBytes int64     `json:"size_bytes" yaml:"size_bytes"`
}
