package lode

import (
	"context"

	"github.com/pithecene-io/tapedeck/metrics"
)

// InstrumentedStore wraps an ObjectStore and records upload metrics.
// Each Upload call increments upload_success or upload_failure on the
// collector. Put, Get, Head and List are passed through.
type InstrumentedStore struct {
	inner     ObjectStore
	collector *metrics.Collector
}

// NewInstrumentedStore wraps a store with metrics instrumentation.
func NewInstrumentedStore(inner ObjectStore, collector *metrics.Collector) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, collector: collector}
}

// Upload delegates to the inner store and records success or failure.
func (s *InstrumentedStore) Upload(ctx context.Context, name, localPath string) error {
	err := s.inner.Upload(ctx, name, localPath)
	if err != nil {
		s.collector.IncUploadFailure()
	} else {
		s.collector.IncUploadSuccess()
	}
	return err
}

// Put delegates to the inner store.
func (s *InstrumentedStore) Put(ctx context.Context, name string, data []byte) error {
	return s.inner.Put(ctx, name, data)
}

// Get delegates to the inner store.
func (s *InstrumentedStore) Get(ctx context.Context, name string) ([]byte, error) {
	return s.inner.Get(ctx, name)
}

// Head delegates to the inner store.
func (s *InstrumentedStore) Head(ctx context.Context, name string, n int64) ([]byte, error) {
	return s.inner.Head(ctx, name, n)
}

// List delegates to the inner store.
func (s *InstrumentedStore) List(ctx context.Context) ([]ObjectInfo, error) {
	return s.inner.List(ctx)
}

// Verify InstrumentedStore implements ObjectStore.
var _ ObjectStore = (*InstrumentedStore)(nil)
