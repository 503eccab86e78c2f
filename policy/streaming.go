package policy

import (
	"context"
	"time"

	"github.com/pithecene-io/tapedeck/types"
)

// StreamingPolicy frames and uploads every frame as its own artifact.
type StreamingPolicy struct {
	flusher
	now func() time.Time
}

// NewStreamingPolicy creates a streaming policy.
func NewStreamingPolicy(pub Publisher, cfg Config) *StreamingPolicy {
	return &StreamingPolicy{
		flusher: newFlusher(pub, cfg),
		now:     cfg.clock(),
	}
}

// Name implements Policy.
func (p *StreamingPolicy) Name() string { return NameStreaming }

// OnFrame builds and uploads one artifact for the frame.
func (p *StreamingPolicy) OnFrame(ctx context.Context, ref *types.SessionRef, frame []byte) ([]*types.Artifact, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	p.stats.incFrame(len(frame))

	a, err := p.flush(ctx, ref.DeviceID, p.now(), frame)
	if a == nil {
		return nil, err
	}
	return []*types.Artifact{a}, err
}

// OnClose forgets the device's last capture time once it is in the past.
func (p *StreamingPolicy) OnClose(_ context.Context, ref *types.SessionRef) ([]*types.Artifact, error) {
	p.clock.forget(ref.DeviceID, p.now().Truncate(time.Millisecond))
	return nil, nil
}

// OnTick is a no-op.
func (p *StreamingPolicy) OnTick(context.Context) ([]*types.Artifact, error) {
	return nil, nil
}

// Stats implements Policy.
func (p *StreamingPolicy) Stats() Stats {
	return p.stats.snapshot()
}

var _ Policy = (*StreamingPolicy)(nil)
