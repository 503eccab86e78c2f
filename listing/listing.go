// Package listing provides the read-only view of stored artifacts.
package listing

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/tapedeck/artifact"
	"github.com/pithecene-io/tapedeck/lode"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

// Lister lists artifacts from an ObjectStore.
type Lister struct {
	store  lode.ObjectStore
	logger *log.Logger
}

// New creates a Lister. logger may be nil.
func New(store lode.ObjectStore, logger *log.Logger) *Lister {
	return &Lister{store: store, logger: logger}
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	DeviceID string
	Since    time.Time
	Until    time.Time
}

func (f Filter) match(info types.ArtifactInfo) bool {
	if f.DeviceID != "" && info.DeviceID != f.DeviceID {
		return false
	}
	if !f.Since.IsZero() && info.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !info.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Artifacts returns every stored artifact sorted by creation time, then name.
//
// Device id and creation time come from the artifact's record when one is
// stored, and from the artifact name otherwise. Names that cannot be parsed
// are skipped with a warning.
func (l *Lister) Artifacts(ctx context.Context) ([]types.ArtifactInfo, error) {
	return l.Find(ctx, Filter{})
}

// Find is Artifacts narrowed by f.
func (l *Lister) Find(ctx context.Context, f Filter) ([]types.ArtifactInfo, error) {
	objects, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}

	records := make(map[string]bool)
	for _, o := range objects {
		if strings.HasSuffix(o.Name, artifact.SidecarExtension) {
			records[strings.TrimSuffix(o.Name, artifact.SidecarExtension)] = true
		}
	}

	out := make([]types.ArtifactInfo, 0, len(objects))
	for _, o := range objects {
		if path.Ext(o.Name) != artifact.Extension {
			continue
		}

		info, ok := l.describe(ctx, o.Name, records[o.Name])
		if !ok || !f.match(info) {
			continue
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (l *Lister) describe(ctx context.Context, name string, hasRecord bool) (types.ArtifactInfo, bool) {
	if hasRecord {
		rec, err := l.record(ctx, name)
		if err == nil {
			return types.ArtifactInfo{
				Name:      name,
				DeviceID:  rec.DeviceID,
				CreatedAt: rec.CreatedAt(),
				SizeBytes: rec.PCMBytes + wav.HeaderSize,
			}, true
		}
		l.logger.Warn("unreadable artifact record, falling back to name", map[string]any{
			"artifact": name,
			"error":    log.ErrField(err),
		})
	}

	deviceID, createdAt, err := artifact.ParseName(name)
	if err != nil {
		l.logger.Warn("skipping artifact with unparseable name", map[string]any{
			"artifact": name,
			"error":    log.ErrField(err),
		})
		return types.ArtifactInfo{}, false
	}
	return types.ArtifactInfo{
		Name:      name,
		DeviceID:  deviceID,
		CreatedAt: createdAt,
		SizeBytes: l.sizeFromHeader(ctx, name),
	}, true
}

// sizeFromHeader derives an artifact's size from its WAV header.
// Returns 0 if the header cannot be read.
func (l *Lister) sizeFromHeader(ctx context.Context, name string) int64 {
	h, err := l.store.Head(ctx, name, wav.HeaderSize)
	if err == nil {
		var n int64
		if _, n, err = wav.DecodeHeader(h); err == nil {
			return wav.HeaderSize + n
		}
	}
	l.logger.Warn("cannot read artifact header, size unknown", map[string]any{
		"artifact": name,
		"error":    log.ErrField(err),
	})
	return 0
}

func (l *Lister) record(ctx context.Context, name string) (artifact.Record, error) {
	data, err := l.store.Get(ctx, artifact.SidecarName(name))
	if err != nil {
		return artifact.Record{}, err
	}
	return artifact.DecodeRecord(data)
}
