package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/tapedeck/types"
)

var (
	// ErrRegistryClosed is returned by Open after Drain started.
	ErrRegistryClosed = errors.New("session registry closed")

	// ErrDuplicateConnection is returned by Open for a connection that
	// already has a session.
	ErrDuplicateConnection = errors.New("connection already has a session")
)

// Registry owns the open sessions, keyed by connection.
// Lookups are lock-free; independent connections never contend.
type Registry struct {
	opts Options

	sessions sync.Map // Peer -> *Session
	count    atomic.Int64

	// mu orders Open against Drain: Open holds the read side from the
	// draining check until its session is counted in wg.
	mu       sync.RWMutex
	draining bool
	wg       sync.WaitGroup
}

// NewRegistry creates a registry whose sessions share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts}
}

// Open creates and registers a session for peer.
func (r *Registry) Open(peer Peer) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.draining {
		return nil, ErrRegistryClosed
	}

	s := New(peer, r.opts)
	r.wg.Add(1)
	r.count.Add(1)
	if _, loaded := r.sessions.LoadOrStore(peer, s); loaded {
		r.count.Add(-1)
		r.wg.Done()
		return nil, ErrDuplicateConnection
	}
	r.opts.Collector.IncSessionOpened()
	s.logger.Info("session opened", nil)
	return s, nil
}

// Lookup returns the session of peer.
func (r *Registry) Lookup(peer Peer) (*Session, bool) {
	v, ok := r.sessions.Load(peer)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Close flushes the session of peer and unregisters it.
// Closing an unknown connection is a no-op.
func (r *Registry) Close(ctx context.Context, peer Peer) ([]*types.Artifact, error) {
	s, ok := r.Lookup(peer)
	if !ok {
		return nil, nil
	}
	arts, err := s.Close(ctx)
	if _, loaded := r.sessions.LoadAndDelete(peer); loaded {
		r.count.Add(-1)
		r.wg.Done()
	}
	return arts, err
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Info is a point-in-time description of an open session.
type Info struct {
	SessionID string      `json:"session_id"`
	DeviceID  string      `json:"device_id,omitempty"`
	Stage     types.Stage `json:"stage"`
	OpenedAt  time.Time   `json:"opened_at"`
}

// Sessions describes every open session.
func (r *Registry) Sessions() []Info {
	var out []Info
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		out = append(out, Info{
			SessionID: s.ID(),
			DeviceID:  s.DeviceID(),
			Stage:     s.Stage(),
			OpenedAt:  s.openedAt,
		})
		return true
	})
	return out
}

// Drain refuses new sessions, closes every open session (flushing each) and
// waits until all of them are unregistered or ctx ends.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	var errs []error
	r.sessions.Range(func(k, _ any) bool {
		if _, err := r.Close(ctx, k.(Peer)); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
