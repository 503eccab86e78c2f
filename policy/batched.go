package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/tapedeck/artifact"
	"github.com/pithecene-io/tapedeck/iox"
	"github.com/pithecene-io/tapedeck/log"
	"github.com/pithecene-io/tapedeck/types"
)

// BatchDeviceID is the device id of a merged, all-device batch artifact.
const BatchDeviceID = "batch"

// StagedExtension is the suffix of a staged frame file.
const StagedExtension = ".chunk"

// ErrDirectoryIO is returned when a frame cannot be staged.
// The frame is skipped; the session continues.
var ErrDirectoryIO = errors.New("staging directory I/O failed")

// BatchedDirectoryPolicy stages every frame as its own file in a shared
// directory and merges the staged files into artifacts on each sweep tick.
//
// Lock discipline:
//   - OnFrame holds the shared side of mu while writing one staged file
//     (temp file + rename, so readers never see a partial frame)
//   - OnTick holds the exclusive side for the whole sweep, so no frame is
//     staged between listing and deletion
//
// Staged files are deleted only after the merged artifact has been
// materialized locally. Close does not flush: the next sweep collects the
// session's frames.
type BatchedDirectoryPolicy struct {
	flusher
	dir       string
	perDevice bool
	now       func() time.Time

	mu  sync.RWMutex
	seq atomic.Uint64
}

// NewBatchedDirectoryPolicy creates a batched-directory policy.
// The staging directory is created if missing.
func NewBatchedDirectoryPolicy(pub Publisher, cfg Config) (*BatchedDirectoryPolicy, error) {
	if cfg.StagingDir == "" {
		return nil, errors.New("batched_directory policy requires a staging directory")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryIO, err)
	}
	return &BatchedDirectoryPolicy{
		flusher:   newFlusher(pub, cfg),
		dir:       cfg.StagingDir,
		perDevice: cfg.PerDevice,
		now:       cfg.clock(),
	}, nil
}

// Name implements Policy.
func (p *BatchedDirectoryPolicy) Name() string { return NameBatchedDirectory }

// OnFrame stages the frame. Never produces an artifact.
func (p *BatchedDirectoryPolicy) OnFrame(_ context.Context, ref *types.SessionRef, frame []byte) ([]*types.Artifact, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	p.stats.incFrame(len(frame))

	name := stagedName(ref.DeviceID, p.now(), p.seq.Add(1))

	p.mu.RLock()
	err := iox.WriteFileAtomic(filepath.Join(p.dir, name), frame, 0o644)
	p.mu.RUnlock()

	if err != nil {
		p.stats.incErrors()
		p.logger.Error("failed to stage frame", map[string]any{
			"session_id": ref.SessionID,
			"device_id":  ref.DeviceID,
			"error":      log.ErrField(err),
		})
		return nil, fmt.Errorf("%w: %v", ErrDirectoryIO, err)
	}
	p.stats.addBuffer(int64(len(frame)))
	return nil, nil
}

// OnClose is a no-op.
func (p *BatchedDirectoryPolicy) OnClose(context.Context, *types.SessionRef) ([]*types.Artifact, error) {
	return nil, nil
}

// OnTick merges every staged frame into artifacts, uploads them and deletes
// the staged files that made it into a materialized artifact.
func (p *BatchedDirectoryPolicy) OnTick(ctx context.Context) ([]*types.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	staged, err := p.listStaged()
	if err != nil {
		p.stats.incErrors()
		return nil, fmt.Errorf("%w: %v", ErrDirectoryIO, err)
	}
	if len(staged) == 0 {
		return nil, nil
	}

	var out []*types.Artifact
	var errs []error
	for _, group := range p.group(staged) {
		a, err := p.merge(ctx, group)
		if a != nil {
			out = append(out, a)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Stats implements Policy.
func (p *BatchedDirectoryPolicy) Stats() Stats {
	return p.stats.snapshot()
}

// merge concatenates one group of staged files, publishes the result and
// removes the files it consumed.
func (p *BatchedDirectoryPolicy) merge(ctx context.Context, group stagedGroup) (*types.Artifact, error) {
	var data []byte
	var consumed []stagedFile
	for _, f := range group.files {
		b, err := os.ReadFile(filepath.Join(p.dir, f.name))
		if err != nil {
			p.stats.incErrors()
			p.logger.Warn("skipping unreadable staged file", map[string]any{
				"file":  f.name,
				"error": log.ErrField(err),
			})
			continue
		}
		data = append(data, b...)
		consumed = append(consumed, f)
	}
	if len(consumed) == 0 {
		return nil, nil
	}

	a, err := p.flush(ctx, group.deviceID, consumed[0].at, data)
	if a == nil && err == nil {
		// Only empty files: nothing to keep.
		p.remove(consumed)
		return nil, nil
	}
	if a != nil && (a.UploadState == types.UploadUploaded || a.LocalPath != "") {
		p.remove(consumed)
		p.stats.addBuffer(-int64(len(data)))
	}
	return a, err
}

func (p *BatchedDirectoryPolicy) remove(files []stagedFile) {
	for _, f := range files {
		if err := os.Remove(filepath.Join(p.dir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove staged file", map[string]any{
				"file":  f.name,
				"error": log.ErrField(err),
			})
		}
	}
}

type stagedFile struct {
	name     string
	deviceID string
	at       time.Time
	seq      uint64
}

type stagedGroup struct {
	deviceID string
	files    []stagedFile
}

// listStaged returns the staged files ordered by (timestamp, seq).
func (p *BatchedDirectoryPolicy) listStaged() ([]stagedFile, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	files := make([]stagedFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		f, err := parseStagedName(e.Name())
		if err != nil {
			p.logger.Debug("ignoring foreign file in staging directory", map[string]any{"file": e.Name()})
			continue
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].at.Equal(files[j].at) {
			return files[i].at.Before(files[j].at)
		}
		return files[i].seq < files[j].seq
	})
	return files, nil
}

// group splits ordered staged files into one global batch, or one group per
// device in order of first appearance.
func (p *BatchedDirectoryPolicy) group(files []stagedFile) []stagedGroup {
	if !p.perDevice {
		return []stagedGroup{{deviceID: BatchDeviceID, files: files}}
	}

	var groups []stagedGroup
	index := make(map[string]int)
	for _, f := range files {
		i, ok := index[f.deviceID]
		if !ok {
			i = len(groups)
			index[f.deviceID] = i
			groups = append(groups, stagedGroup{deviceID: f.deviceID})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups
}

// stagedName is <escapedDevice>_<13-digit millis>_<seq>.chunk.
func stagedName(deviceID string, at time.Time, seq uint64) string {
	return fmt.Sprintf("%s_%013d_%d%s", artifact.EscapeDeviceID(deviceID), at.UnixMilli(), seq, StagedExtension)
}

func parseStagedName(name string) (stagedFile, error) {
	base, ok := strings.CutSuffix(name, StagedExtension)
	if !ok {
		return stagedFile{}, fmt.Errorf("not a staged file: %q", name)
	}

	seqAt := strings.LastIndexByte(base, '_')
	if seqAt < 0 {
		return stagedFile{}, fmt.Errorf("malformed staged name: %q", name)
	}
	seq, err := strconv.ParseUint(base[seqAt+1:], 10, 64)
	if err != nil {
		return stagedFile{}, fmt.Errorf("malformed staged seq: %q", name)
	}

	// The remainder has the artifact naming shape without the extension.
	deviceID, at, err := artifact.ParseName(base[:seqAt] + artifact.Extension)
	if err != nil {
		return stagedFile{}, err
	}
	return stagedFile{name: name, deviceID: deviceID, at: at, seq: seq}, nil
}

var _ Policy = (*BatchedDirectoryPolicy)(nil)
