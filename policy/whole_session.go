package policy

import (
	"context"
	"time"

	"github.com/pithecene-io/tapedeck/types"
)

// WholeSessionPolicy buffers a session's frames in arrival order and emits
// one artifact when the session closes.
//
// A buffer that would exceed MaxBufferBytes is rolled over into its own
// artifact before the next frame is appended. No frame is ever dropped.
type WholeSessionPolicy struct {
	flusher
	maxBytes int64
	now      func() time.Time
}

// NewWholeSessionPolicy creates a whole-session policy.
func NewWholeSessionPolicy(pub Publisher, cfg Config) *WholeSessionPolicy {
	maxBytes := cfg.MaxBufferBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	return &WholeSessionPolicy{
		flusher:  newFlusher(pub, cfg),
		maxBytes: maxBytes,
		now:      cfg.clock(),
	}
}

// Name implements Policy.
func (p *WholeSessionPolicy) Name() string { return NameWholeSession }

// OnFrame appends the frame to the session buffer, rolling over first if
// the buffer is full.
func (p *WholeSessionPolicy) OnFrame(ctx context.Context, ref *types.SessionRef, frame []byte) ([]*types.Artifact, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	p.stats.incFrame(len(frame))

	var out []*types.Artifact
	var err error
	if p.maxBytes > 0 && ref.Buffer.Len() > 0 && ref.Buffer.Size()+int64(len(frame)) > p.maxBytes {
		p.logger.Info("session buffer full, rolling over", map[string]any{
			"session_id": ref.SessionID,
			"device_id":  ref.DeviceID,
			"bytes":      ref.Buffer.Size(),
		})
		out, err = p.drain(ctx, ref)
	}

	ref.Buffer.Append(frame, p.now())
	p.stats.addBuffer(int64(len(frame)))
	return out, err
}

// OnClose drains the session buffer into one artifact.
func (p *WholeSessionPolicy) OnClose(ctx context.Context, ref *types.SessionRef) ([]*types.Artifact, error) {
	out, err := p.drain(ctx, ref)
	p.clock.forget(ref.DeviceID, p.now().Truncate(time.Millisecond))
	return out, err
}

// OnTick is a no-op: whole-session artifacts are driven by close.
func (p *WholeSessionPolicy) OnTick(context.Context) ([]*types.Artifact, error) {
	return nil, nil
}

// Stats implements Policy.
func (p *WholeSessionPolicy) Stats() Stats {
	return p.stats.snapshot()
}

func (p *WholeSessionPolicy) drain(ctx context.Context, ref *types.SessionRef) ([]*types.Artifact, error) {
	data, firstAt, _ := ref.Buffer.Drain()
	if len(data) == 0 {
		return nil, nil
	}
	p.stats.addBuffer(-int64(len(data)))

	a, err := p.flush(ctx, ref.DeviceID, firstAt, data)
	if a == nil {
		return nil, err
	}
	return []*types.Artifact{a}, err
}

var _ Policy = (*WholeSessionPolicy)(nil)
