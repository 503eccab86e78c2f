package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
)

// LedgerDataset is the dataset ID of the upload ledger.
const LedgerDataset = "uploads"

// RecordKindUpload marks ledger records written after a successful upload.
const RecordKindUpload = "upload"

// ErrNoUploadsFound is returned when the ledger holds no matching records.
var ErrNoUploadsFound = errors.New("no upload records found")

// UploadRecord is one ledger entry.
type UploadRecord struct {
	Name        string    `json:"name" yaml:"name"`
	DeviceID    string    `json:"device_id" yaml:"device_id"`
	CreatedAtMs int64     `json:"created_at_ms" yaml:"created_at_ms"`
	SizeBytes   int64     `json:"size_bytes" yaml:"size_bytes"`
	Key         string    `json:"key" yaml:"key"`
	UploadedAt  time.Time `json:"uploaded_at" yaml:"uploaded_at"`
}

// Ledger is an append-only history of completed uploads, stored as a
// Hive-partitioned JSONL dataset (device_id/day).
type Ledger struct {
	dataset lode.Dataset
	mu      sync.Mutex
}

// NewLedger creates a ledger over the given store factory.
func NewLedger(factory lode.StoreFactory) (*Ledger, error) {
	ds, err := newLedgerDataset(factory)
	if err != nil {
		return nil, WrapInitError(err, LedgerDataset)
	}
	return &Ledger{dataset: ds}, nil
}

func newLedgerDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(LedgerDataset),
		factory,
		lode.WithHiveLayout("device_id", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Append writes one upload record.
func (l *Ledger) Append(ctx context.Context, rec UploadRecord) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.dataset.Write(ctx, []any{rec.toMap()}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, LedgerDataset+"/"+rec.Name)
	}
	return nil
}

// Query returns upload records, newest snapshot first.
// An empty deviceID matches every device. limit <= 0 means no limit.
func (l *Ledger) Query(ctx context.Context, deviceID string, limit int) ([]UploadRecord, error) {
	snapshots, err := l.dataset.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, LedgerDataset+"/snapshots")
	}

	var out []UploadRecord
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatchesFilter(snap, "device_id", deviceID) {
			continue
		}

		data, err := l.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", LedgerDataset, snap.ID))
		}

		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindUpload {
				continue
			}
			rec := uploadRecordFromMap(m)
			if deviceID != "" && rec.DeviceID != deviceID {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}

	if len(out) == 0 {
		return nil, ErrNoUploadsFound
	}
	return out, nil
}

func (r UploadRecord) toMap() map[string]any {
	return map[string]any{
		"record_kind":   RecordKindUpload,
		"device_id":     r.DeviceID,
		"day":           time.UnixMilli(r.CreatedAtMs).UTC().Format(time.DateOnly),
		"name":          r.Name,
		"created_at_ms": r.CreatedAtMs,
		"size_bytes":    r.SizeBytes,
		"key":           r.Key,
		"uploaded_at":   r.UploadedAt.UTC().Format(time.RFC3339Nano),
	}
}

func uploadRecordFromMap(m map[string]any) UploadRecord {
	rec := UploadRecord{
		Name:        toString(m["name"]),
		DeviceID:    toString(m["device_id"]),
		CreatedAtMs: toInt64(m["created_at_ms"]),
		SizeBytes:   toInt64(m["size_bytes"]),
		Key:         toString(m["key"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, toString(m["uploaded_at"])); err == nil {
		rec.UploadedAt = ts
	}
	return rec
}

// snapshotMatchesFilter checks if a snapshot's file paths match
// the given partition key=value filter.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 converts a decoded JSON number to int64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
