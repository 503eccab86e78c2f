package artifact

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

// SidecarExtension is appended to an artifact name to form its record key.
const SidecarExtension = ".meta"

// Record is the structured metadata persisted next to each artifact, so that
// readers never depend on parsing the file name.
type Record struct {
	Name        string       `msgpack:"name"`
	DeviceID    string       `msgpack:"device_id"`
	CreatedAtMs int64        `msgpack:"created_at_ms"`
	Format      types.Format `msgpack:"format"`
	PCMBytes    int64        `msgpack:"pcm_bytes"`
	Version     string       `msgpack:"version"`
}

// NewRecord describes a built artifact.
func NewRecord(a *types.Artifact) Record {
	return Record{
		Name:        a.Name,
		DeviceID:    a.DeviceID,
		CreatedAtMs: a.CreatedAt.UnixMilli(),
		Format:      a.Format,
		PCMBytes:    a.PCMBytes(wav.HeaderSize),
		Version:     types.Version,
	}
}

// CreatedAt returns the capture time in UTC.
func (r Record) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMs).UTC()
}

// SidecarName returns the record key for an artifact name.
func SidecarName(name string) string {
	return name + SidecarExtension
}

// EncodeRecord serializes r as msgpack.
func EncodeRecord(r Record) ([]byte, error) {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("encode artifact record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a msgpack record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode artifact record: %w", err)
	}
	if r.DeviceID == "" || r.Name == "" {
		return Record{}, fmt.Errorf("decode artifact record: missing device id or name")
	}
	return r, nil
}
