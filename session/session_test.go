package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/tapedeck/metrics"
	"github.com/pithecene-io/tapedeck/policy"
	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

type fakePeer struct {
	mu       sync.Mutex
	statuses []string
}

func (p *fakePeer) SendStatus(_ context.Context, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, msg)
	return nil
}

func (p *fakePeer) Statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statuses...)
}

func newTestSession(t *testing.T, pub *policy.StubPublisher) (*Session, *fakePeer, *metrics.Collector) {
	t.Helper()
	pol, err := policy.New(policy.Config{Name: policy.NameWholeSession}, pub)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	collector := metrics.NewCollector(pol.Name(), "memory")
	peer := &fakePeer{}
	return New(peer, Options{Policy: pol, Collector: collector}), peer, collector
}

func TestSession_IdentifyThenStream(t *testing.T) {
	ctx := t.Context()
	pub := policy.NewStubPublisher()
	s, peer, _ := newTestSession(t, pub)

	if s.Stage() != types.StageAwaitingIdentity {
		t.Fatalf("initial stage = %s", s.Stage())
	}
	if err := s.HandleMessage(ctx, TextMessage, []byte("  dev-7\n")); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if s.Stage() != types.StageStreaming || s.DeviceID() != "dev-7" {
		t.Fatalf("stage=%s device=%q", s.Stage(), s.DeviceID())
	}

	for range 3 {
		if err := s.HandleMessage(ctx, BinaryMessage, bytes.Repeat([]byte{7}, 1600)); err != nil {
			t.Fatalf("frame: %v", err)
		}
	}

	arts, err := s.Close(ctx)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(arts))
	}
	if arts[0].DeviceID != "dev-7" || len(arts[0].Payload) != 4800+wav.HeaderSize {
		t.Errorf("unexpected artifact %s (%d bytes)", arts[0].Name, len(arts[0].Payload))
	}

	got := peer.Statuses()
	if len(got) != 2 || got[0] != "Device ID dev-7 registered" || !strings.HasSuffix(got[1], "successfully uploaded") {
		t.Errorf("statuses = %q", got)
	}
}

func TestSession_EmptyIdentityStaysAwaiting(t *testing.T) {
	ctx := t.Context()
	pub := policy.NewStubPublisher()
	s, peer, collector := newTestSession(t, pub)

	err := s.HandleMessage(ctx, TextMessage, []byte("   "))
	if !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
	if s.Stage() != types.StageAwaitingIdentity {
		t.Errorf("stage = %s, want awaiting_identity", s.Stage())
	}
	if got := peer.Statuses(); len(got) != 1 || got[0] != StatusInvalidIdentity {
		t.Errorf("statuses = %q", got)
	}

	// Binary audio before identity is treated as an identity attempt and never buffered.
	if err := s.HandleMessage(ctx, BinaryMessage, []byte{0xff, 0xfe, 0x00}); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity for binary frame, got %v", err)
	}

	if arts, err := s.Close(ctx); err != nil || len(arts) != 0 {
		t.Errorf("Close = %v, %v", arts, err)
	}
	if len(pub.Artifacts()) != 0 {
		t.Error("no artifact expected for an unidentified session")
	}
	if snap := collector.Snapshot(); snap.IdentityRejected != 2 || snap.IdentityAccepted != 0 {
		t.Errorf("rejected=%d accepted=%d", snap.IdentityRejected, snap.IdentityAccepted)
	}
}

func TestSession_RecoversAfterInvalidIdentity(t *testing.T) {
	ctx := t.Context()
	s, _, _ := newTestSession(t, policy.NewStubPublisher())

	_ = s.HandleMessage(ctx, TextMessage, []byte(""))
	if err := s.HandleMessage(ctx, TextMessage, []byte("dev-9")); err != nil {
		t.Fatalf("second identity: %v", err)
	}
	if s.DeviceID() != "dev-9" {
		t.Errorf("DeviceID = %q", s.DeviceID())
	}

	// The device id is immutable once set: later text is dropped.
	if err := s.HandleMessage(ctx, TextMessage, []byte("dev-10")); err != nil {
		t.Fatalf("stray text: %v", err)
	}
	if s.DeviceID() != "dev-9" {
		t.Errorf("DeviceID changed to %q", s.DeviceID())
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
		err  error
	}{
		{"plain", []byte("dev-7"), "dev-7", nil},
		{"trimmed", []byte("\t dev 7 \r\n"), "dev 7", nil},
		{"unicode", []byte("микрофон-1"), "микрофон-1", nil},
		{"empty", []byte(""), "", ErrEmptyIdentity},
		{"whitespace", []byte(" \n\t"), "", ErrEmptyIdentity},
		{"invalid utf8", []byte{0xc3, 0x28}, "", ErrInvalidIdentity},
		{"too long", []byte(strings.Repeat("x", MaxDeviceIDBytes+1)), "", ErrInvalidIdentity},
		{"max length", []byte(strings.Repeat("x", MaxDeviceIDBytes)), strings.Repeat("x", MaxDeviceIDBytes), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIdentity(tt.in)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSession_TextWhileStreamingDropped(t *testing.T) {
	ctx := t.Context()
	pub := policy.NewStubPublisher()
	s, _, collector := newTestSession(t, pub)

	_ = s.HandleMessage(ctx, TextMessage, []byte("dev-1"))
	if err := s.HandleMessage(ctx, TextMessage, []byte("hello")); err != nil {
		t.Fatalf("text: %v", err)
	}
	arts, _ := s.Close(ctx)
	if len(arts) != 0 {
		t.Errorf("text must not become audio, got %d artifacts", len(arts))
	}
	if collector.Snapshot().TextDropped != 1 {
		t.Errorf("TextDropped = %d", collector.Snapshot().TextDropped)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	ctx := t.Context()
	pub := policy.NewStubPublisher()
	s, _, collector := newTestSession(t, pub)

	_ = s.HandleMessage(ctx, TextMessage, []byte("dev-1"))
	_ = s.HandleMessage(ctx, BinaryMessage, []byte{1, 2, 3, 4})

	var wg sync.WaitGroup
	results := make([][]*types.Artifact, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = s.Close(ctx)
		}()
	}
	wg.Wait()

	for i, r := range results {
		if len(r) != 1 || r[0] != results[0][0] {
			t.Errorf("close %d returned %v", i, r)
		}
	}
	if len(pub.Artifacts()) != 1 {
		t.Errorf("flush ran %d times, want 1", len(pub.Artifacts()))
	}
	if collector.Snapshot().SessionsClosed != 1 {
		t.Errorf("SessionsClosed = %d", collector.Snapshot().SessionsClosed)
	}

	if err := s.HandleMessage(ctx, BinaryMessage, []byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("HandleMessage after close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_UploadFailureReported(t *testing.T) {
	ctx := t.Context()
	pub := policy.NewStubPublisher()
	pub.ErrorOnPublish = errors.New("bucket unavailable")
	s, peer, _ := newTestSession(t, pub)

	_ = s.HandleMessage(ctx, TextMessage, []byte("dev-1"))
	_ = s.HandleMessage(ctx, BinaryMessage, []byte{1, 2})

	arts, err := s.Close(ctx)
	if err == nil {
		t.Fatal("expected close error")
	}
	if len(arts) != 1 || arts[0].UploadState != types.UploadFailed {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
	got := peer.Statuses()
	if last := got[len(got)-1]; !strings.HasPrefix(last, "Error: Failed to upload") {
		t.Errorf("last status = %q", last)
	}
}

func TestSession_StagingFailureReported(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	pol, err := policy.New(policy.Config{Name: policy.NameBatchedDirectory, StagingDir: dir}, policy.NewStubPublisher())
	if err != nil {
		t.Fatal(err)
	}
	peer := &fakePeer{}
	s := New(peer, Options{Policy: pol, Now: func() time.Time { return time.Unix(0, 0) }})

	_ = s.HandleMessage(ctx, TextMessage, []byte("dev-1"))
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	err = s.HandleMessage(ctx, BinaryMessage, []byte{1, 2})
	if !errors.Is(err, policy.ErrDirectoryIO) {
		t.Fatalf("expected ErrDirectoryIO, got %v", err)
	}
	if s.Stage() != types.StageStreaming {
		t.Error("session must keep streaming after a staging failure")
	}
	got := peer.Statuses()
	if got[len(got)-1] != StatusStagingFailed {
		t.Errorf("last status = %q", got[len(got)-1])
	}
}
