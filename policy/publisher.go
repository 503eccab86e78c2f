package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/tapedeck/types"
)

// Publisher hands a finished artifact to durable storage.
//
// When Publish returns, the artifact's UploadState is uploaded or failed.
// A failed artifact with a non-empty LocalPath has been materialized and is
// retained for retry.
type Publisher interface {
	Publish(ctx context.Context, a *types.Artifact) error
}

// StubPublisher is a test publisher that accepts artifacts without storing them.
type StubPublisher struct {
	mu sync.Mutex

	// Published stores every artifact handed to Publish, in order.
	Published []*types.Artifact

	// ErrorOnPublish, if non-nil, is returned by Publish and marks the
	// artifact failed without a local copy.
	ErrorOnPublish error
}

// NewStubPublisher creates a new stub publisher for testing.
func NewStubPublisher() *StubPublisher {
	return &StubPublisher{}
}

// Publish records the artifact.
func (s *StubPublisher) Publish(_ context.Context, a *types.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Published = append(s.Published, a)
	if s.ErrorOnPublish != nil {
		a.UploadState = types.UploadFailed
		return s.ErrorOnPublish
	}
	a.UploadState = types.UploadUploaded
	return nil
}

// Artifacts returns a copy of the published artifacts.
func (s *StubPublisher) Artifacts() []*types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Artifact, len(s.Published))
	copy(out, s.Published)
	return out
}
