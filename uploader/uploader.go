// Package uploader hands finished artifacts to durable storage.
//
// An artifact is first materialized into the spool directory, then uploaded
// through a lode.ObjectStore. The local copy is deleted only after the store
// acknowledged the write; on failure it stays in the spool for Retry.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/tapedeck/adapter"
	"github.com/pithecene-io/tapedeck/artifact"
	"github.com/pithecene-io/tapedeck/iox"
	"github.com/pithecene-io/tapedeck/lode"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/metrics"
	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

// maxRenames bounds how far a capture time is advanced to find a free name.
const maxRenames = 64

// Uploader persists artifacts. Safe for concurrent use.
type Uploader struct {
	store     lode.ObjectStore
	spoolDir  string
	ledger    *lode.Ledger
	notifier  adapter.Adapter
	logger    *log.Logger
	collector *metrics.Collector
	backend   string
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLedger records every completed upload in the ledger.
func WithLedger(l *lode.Ledger) Option {
	return func(u *Uploader) { u.ledger = l }
}

// WithNotifier publishes an artifact_uploaded event after every upload.
func WithNotifier(a adapter.Adapter) Option {
	return func(u *Uploader) { u.notifier = a }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithCollector counts retries on the collector.
func WithCollector(c *metrics.Collector) Option {
	return func(u *Uploader) { u.collector = c }
}

// WithBackend sets the backend label carried by notifications.
func WithBackend(name string) Option {
	return func(u *Uploader) { u.backend = name }
}

// New creates an Uploader writing local copies to spoolDir.
// The spool directory is created if missing.
func New(store lode.ObjectStore, spoolDir string, opts ...Option) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("uploader requires a store")
	}
	if spoolDir == "" {
		return nil, errors.New("uploader requires a spool directory")
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	u := &Uploader{
		store:    store,
		spoolDir: spoolDir,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// SpoolDir returns the directory holding local copies.
func (u *Uploader) SpoolDir() string {
	return u.spoolDir
}

// Publish uploads a, satisfying the aggregation policies' publisher contract.
func (u *Uploader) Publish(ctx context.Context, a *types.Artifact) error {
	return u.Upload(ctx, a)
}

// Upload materializes a if needed, uploads it and deletes the local copy.
// On failure a.UploadState is UploadFailed, the local copy is kept and the
// returned error is an *UploadError.
//
// a.Name and a.CreatedAt may be advanced by whole milliseconds when the
// name is already taken by another upload, a spooled file or a different
// stored object.
func (u *Uploader) Upload(ctx context.Context, a *types.Artifact) error {
	if a.LocalPath == "" {
		return u.uploadFromMemory(ctx, a)
	}
	if !u.acquire(a.Name) {
		a.UploadState = types.UploadFailed
		return &UploadError{Name: a.Name, LocalPath: a.LocalPath, Err: ErrUploadInProgress}
	}
	defer func() { u.release(a.Name) }()

	return u.upload(ctx, a)
}

// uploadFromMemory spools a freshly built artifact and uploads it. If the
// spool cannot be written the payload is put to storage directly, so a
// broken spool alone never loses audio.
func (u *Uploader) uploadFromMemory(ctx context.Context, a *types.Artifact) error {
	if err := u.reserve(a); err != nil {
		a.UploadState = types.UploadFailed
		return &UploadError{Name: a.Name, Err: err}
	}
	defer func() { u.release(a.Name) }()

	p := filepath.Join(u.spoolDir, a.Name)
	if err := iox.WriteFileAtomic(p, a.Payload, 0o644); err != nil {
		u.logger.Warn("failed to spool artifact, uploading from memory", map[string]any{
			"artifact": a.Name,
			"error":    log.ErrField(err),
		})
		if perr := u.write(ctx, a); perr != nil {
			a.UploadState = types.UploadFailed
			u.logger.Error("failed to upload unspooled artifact", map[string]any{
				"artifact": a.Name,
				"error":    log.ErrField(perr),
			})
			return &UploadError{Name: a.Name, Err: errors.Join(err, perr)}
		}
		u.finish(ctx, a)
		return nil
	}
	a.LocalPath = p

	return u.upload(ctx, a)
}

// upload sends the spooled copy of a. The caller holds a's name.
func (u *Uploader) upload(ctx context.Context, a *types.Artifact) error {
	if err := u.write(ctx, a); err != nil {
		a.UploadState = types.UploadFailed
		u.logger.Warn("upload failed, local copy retained", map[string]any{
			"artifact": a.Name,
			"path":     a.LocalPath,
			"error":    log.ErrField(err),
		})
		return &UploadError{Name: a.Name, LocalPath: a.LocalPath, Err: err}
	}

	if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("failed to delete local copy", map[string]any{
			"artifact": a.Name,
			"path":     a.LocalPath,
			"error":    log.ErrField(err),
		})
	}
	a.LocalPath = ""

	u.finish(ctx, a)
	return nil
}

// write stores a from its local copy, or from memory if it has none. While
// storage holds different content under a's name, a is renamed to the next
// free millisecond and written again.
func (u *Uploader) write(ctx context.Context, a *types.Artifact) error {
	for attempt := 0; ; attempt++ {
		var err error
		if a.LocalPath != "" {
			err = u.store.Upload(ctx, a.Name, a.LocalPath)
		} else {
			err = u.store.Put(ctx, a.Name, a.Payload)
		}
		if !errors.Is(err, lode.ErrConflict) || attempt == maxRenames {
			return err
		}

		old := a.Name
		if rerr := u.rename(a); rerr != nil {
			return errors.Join(err, rerr)
		}
		u.logger.Warn("artifact name taken in storage, renamed", map[string]any{
			"from": old,
			"to":   a.Name,
		})
	}
}

// finish records a completed upload: sidecar record, ledger, notification.
func (u *Uploader) finish(ctx context.Context, a *types.Artifact) {
	a.UploadState = types.UploadUploaded
	logger := u.logger.With(map[string]any{"artifact": a.Name, "device_id": a.DeviceID})

	if err := u.putRecord(ctx, a); err != nil {
		logger.Warn("failed to store artifact record", map[string]any{"error": log.ErrField(err)})
	}

	size := int64(len(a.Payload))
	key := lode.ArtifactPrefix + a.Name
	if err := u.ledger.Append(ctx, lode.UploadRecord{
		Name:        a.Name,
		DeviceID:    a.DeviceID,
		CreatedAtMs: a.CreatedAt.UnixMilli(),
		SizeBytes:   size,
		Key:         key,
		UploadedAt:  u.now(),
	}); err != nil {
		logger.Warn("failed to append upload ledger", map[string]any{"error": log.ErrField(err)})
	}

	if u.notifier != nil {
		ev := adapter.NewArtifactUploadedEvent(a.Name, a.DeviceID, a.CreatedAt, key, size, u.backend)
		if err := u.notifier.Publish(ctx, ev); err != nil {
			logger.Warn("failed to publish upload notification", map[string]any{"error": log.ErrField(err)})
		}
	}

	logger.Info("artifact uploaded", map[string]any{"bytes": size})
}

func (u *Uploader) putRecord(ctx context.Context, a *types.Artifact) error {
	data, err := artifact.EncodeRecord(artifact.NewRecord(a))
	if err != nil {
		return err
	}
	return u.store.Put(ctx, artifact.SidecarName(a.Name), data)
}

func (u *Uploader) acquire(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, busy := u.inflight[name]; busy {
		return false
	}
	u.inflight[name] = struct{}{}
	return true
}

func (u *Uploader) release(name string) {
	u.mu.Lock()
	delete(u.inflight, name)
	u.mu.Unlock()
}

// reserve holds a name for a not yet spooled artifact, advancing a to the
// next free millisecond while the name is in flight or already spooled.
func (u *Uploader) reserve(a *types.Artifact) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if u.freeLocked(a.Name) {
			u.inflight[a.Name] = struct{}{}
			return nil
		}
		if attempt == maxRenames {
			return fmt.Errorf("no free name for %s after %d attempts", a.Name, maxRenames)
		}
		advance(a)
	}
}

// rename moves a held artifact to the next free name, moving its local copy
// along. The old name is released.
func (u *Uploader) rename(a *types.Artifact) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	old, oldPath := a.Name, a.LocalPath
	next := *a
	for attempt := 0; ; attempt++ {
		if attempt == maxRenames {
			return fmt.Errorf("no free name for %s after %d attempts", old, maxRenames)
		}
		advance(&next)
		if u.freeLocked(next.Name) {
			break
		}
	}

	if oldPath != "" {
		p := filepath.Join(u.spoolDir, next.Name)
		if err := os.Rename(oldPath, p); err != nil {
			return fmt.Errorf("rename local copy: %w", err)
		}
		a.LocalPath = p
	}
	a.CreatedAt, a.Name = next.CreatedAt, next.Name
	delete(u.inflight, old)
	u.inflight[a.Name] = struct{}{}
	return nil
}

// freeLocked reports whether name is neither in flight nor spooled.
// Callers hold u.mu.
func (u *Uploader) freeLocked(name string) bool {
	if _, busy := u.inflight[name]; busy {
		return false
	}
	_, err := os.Lstat(filepath.Join(u.spoolDir, name))
	return err != nil
}

// advance moves a's capture time one millisecond forward and renames it.
func advance(a *types.Artifact) {
	a.CreatedAt = a.CreatedAt.Add(time.Millisecond)
	a.Name = artifact.Name(a.DeviceID, a.CreatedAt)
}

// RetryResult summarizes one Retry pass.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
	// Permanent counts failures a later retry cannot fix.
	Permanent int `json:"permanent"`
	Skipped   int `json:"skipped"`
}

// Retry re-drives every artifact retained in the spool directory.
// Files currently being uploaded and files whose names do not parse are
// skipped. Errors of individual files are joined.
func (u *Uploader) Retry(ctx context.Context) (RetryResult, error) {
	var res RetryResult

	entries, err := os.ReadDir(u.spoolDir)
	if err != nil {
		return res, fmt.Errorf("read spool directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != artifact.Extension {
			continue
		}

		a, err := u.loadSpooled(name)
		if err != nil {
			res.Skipped++
			u.logger.Warn("skipping unreadable spool file", map[string]any{
				"file":  name,
				"error": log.ErrField(err),
			})
			continue
		}

		if !u.acquire(name) {
			res.Skipped++
			continue
		}
		res.Attempted++
		u.collector.IncUploadRetry()
		err = u.upload(ctx, a)
		u.release(a.Name)

		if err != nil {
			res.Failed++
			var ue *UploadError
			if errors.As(err, &ue) && !ue.Retryable() {
				res.Permanent++
			}
			errs = append(errs, err)
			continue
		}
		res.Uploaded++
	}

	return res, errors.Join(errs...)
}

func (u *Uploader) loadSpooled(name string) (*types.Artifact, error) {
	deviceID, createdAt, err := artifact.ParseName(name)
	if err != nil {
		return nil, err
	}

	p := filepath.Join(u.spoolDir, name)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	_, format, err := wav.Unwrap(data)
	if err != nil {
		return nil, err
	}

	return &types.Artifact{
		DeviceID:    deviceID,
		CreatedAt:   createdAt,
		Format:      format,
		Payload:     data,
		Name:        name,
		LocalPath:   p,
		UploadState: types.UploadFailed,
	}, nil
}
