// Package artifact builds named, WAV-framed audio artifacts from aggregated
// PCM bytes.
package artifact

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

// ErrEmptyPayload is returned by Build for a zero-length payload.
// Callers skip artifact creation rather than uploading an empty file.
var ErrEmptyPayload = errors.New("artifact: empty payload")

// ErrInvalidDeviceID is returned by Build for an empty device id.
var ErrInvalidDeviceID = errors.New("artifact: empty device id")

// Build frames raw with a WAV header and names the result after deviceID and
// createdAt. The returned artifact is pending upload and not yet materialized.
func Build(deviceID string, createdAt time.Time, raw []byte, format types.Format) (*types.Artifact, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}

	framed, err := wav.Wrap(raw, format)
	if err != nil {
		return nil, fmt.Errorf("build artifact for %s: %w", deviceID, err)
	}

	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	return &types.Artifact{
		DeviceID:    deviceID,
		CreatedAt:   createdAt,
		Format:      format,
		Payload:     framed,
		Name:        Name(deviceID, createdAt),
		UploadState: types.UploadPending,
	}, nil
}
