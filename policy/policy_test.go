package policy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func newRef(sessionID, deviceID string) *types.SessionRef {
	return &types.SessionRef{
		SessionID: sessionID,
		DeviceID:  deviceID,
		OpenedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Buffer:    &types.FrameBuffer{},
	}
}

func frame(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func unwrapPCM(t *testing.T, a *types.Artifact) []byte {
	t.Helper()
	pcm, _, err := wav.Unwrap(a.Payload)
	if err != nil {
		t.Fatalf("Unwrap %s: %v", a.Name, err)
	}
	return pcm
}

func TestNew_SelectsPolicy(t *testing.T) {
	pub := NewStubPublisher()
	for _, name := range Names() {
		p, err := New(Config{Name: name, StagingDir: t.TempDir()}, pub)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("New(%s).Name() = %s", name, p.Name())
		}
	}

	p, err := New(Config{}, pub)
	if err != nil || p.Name() != NameWholeSession {
		t.Errorf("default policy = %v, %v", p, err)
	}

	if _, err := New(Config{Name: "hourly"}, pub); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("expected ErrUnknownPolicy, got %v", err)
	}
	if _, err := New(Config{Name: NameBatchedDirectory}, pub); err == nil {
		t.Error("batched_directory without staging dir should fail")
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Error("nil publisher should fail")
	}
}

// Every policy must honor the same session lifecycle: frames in, close,
// tick, and every frame byte lands in exactly one artifact in order.
func TestPolicies_SessionLifecycle(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			pub := NewStubPublisher()
			clock := newFakeClock(time.Millisecond)
			p, err := New(Config{Name: name, StagingDir: t.TempDir(), Now: clock.Now}, pub)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			ref := newRef("s-1", "dev-7")
			var want []byte
			for i := range 3 {
				f := frame(byte('a'+i), 1600)
				want = append(want, f...)
				if _, err := p.OnFrame(ctx, ref, f); err != nil {
					t.Fatalf("OnFrame: %v", err)
				}
			}
			if _, err := p.OnClose(ctx, ref); err != nil {
				t.Fatalf("OnClose: %v", err)
			}
			if _, err := p.OnTick(ctx); err != nil {
				t.Fatalf("OnTick: %v", err)
			}

			var got []byte
			for _, a := range pub.Artifacts() {
				if a.UploadState != types.UploadUploaded {
					t.Errorf("%s: state %s", a.Name, a.UploadState)
				}
				got = append(got, unwrapPCM(t, a)...)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("artifact bytes differ: got %d bytes, want %d", len(got), len(want))
			}

			st := p.Stats()
			if st.Frames != 3 || st.Bytes != 4800 {
				t.Errorf("stats frames=%d bytes=%d", st.Frames, st.Bytes)
			}
			if st.BufferBytes != 0 {
				t.Errorf("BufferBytes = %d after flush", st.BufferBytes)
			}
		})
	}
}

func TestWholeSession_OneArtifactOnClose(t *testing.T) {
	ctx := t.Context()
	pub := NewStubPublisher()
	clock := newFakeClock(10 * time.Millisecond)
	p := NewWholeSessionPolicy(pub, Config{Format: types.DefaultFormat(), Now: clock.Now})

	ref := newRef("s-1", "dev-7")
	for range 3 {
		out, err := p.OnFrame(ctx, ref, frame(1, 1600))
		if err != nil || len(out) != 0 {
			t.Fatalf("OnFrame = %v, %v", out, err)
		}
	}

	out, err := p.OnClose(ctx, ref)
	if err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(out))
	}

	a := out[0]
	if a.DeviceID != "dev-7" {
		t.Errorf("DeviceID = %q", a.DeviceID)
	}
	if len(a.Payload) != 4800+wav.HeaderSize {
		t.Errorf("payload = %d bytes, want %d", len(a.Payload), 4800+wav.HeaderSize)
	}
	if a.Name != "dev-7_1772366400000.wav" {
		t.Errorf("Name = %q: createdAt must be the first frame's arrival", a.Name)
	}

	// A second close has nothing left to flush.
	out, err = p.OnClose(ctx, ref)
	if err != nil || len(out) != 0 {
		t.Errorf("second OnClose = %v, %v", out, err)
	}
}

func TestWholeSession_EmptySessionProducesNothing(t *testing.T) {
	pub := NewStubPublisher()
	p := NewWholeSessionPolicy(pub, Config{Format: types.DefaultFormat()})

	out, err := p.OnClose(t.Context(), newRef("s-1", "dev-7"))
	if err != nil || len(out) != 0 {
		t.Errorf("OnClose = %v, %v", out, err)
	}
	if len(pub.Artifacts()) != 0 {
		t.Error("no artifact expected for an empty session")
	}
}

func TestWholeSession_RollsOverWhenFull(t *testing.T) {
	ctx := t.Context()
	pub := NewStubPublisher()
	clock := newFakeClock(time.Millisecond)
	p := NewWholeSessionPolicy(pub, Config{Format: types.DefaultFormat(), MaxBufferBytes: 3000, Now: clock.Now})

	ref := newRef("s-1", "dev-7")
	var rolled []*types.Artifact
	for i := range 4 {
		out, err := p.OnFrame(ctx, ref, frame(byte(i), 1000))
		if err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
		rolled = append(rolled, out...)
	}
	if len(rolled) != 1 {
		t.Fatalf("got %d rollovers, want 1", len(rolled))
	}
	if n := len(unwrapPCM(t, rolled[0])); n != 3000 {
		t.Errorf("rolled artifact has %d bytes, want 3000", n)
	}

	out, err := p.OnClose(ctx, ref)
	if err != nil || len(out) != 1 {
		t.Fatalf("OnClose = %v, %v", out, err)
	}
	if out[0].Name == rolled[0].Name {
		t.Error("rollover and close artifacts must have distinct names")
	}
	if got := p.Stats().Flushes; got != 2 {
		t.Errorf("Flushes = %d, want 2", got)
	}
}

func TestWholeSession_PublishFailure(t *testing.T) {
	pub := NewStubPublisher()
	pub.ErrorOnPublish = errors.New("store down")
	p := NewWholeSessionPolicy(pub, Config{Format: types.DefaultFormat()})

	ref := newRef("s-1", "dev-7")
	if _, err := p.OnFrame(t.Context(), ref, frame(1, 100)); err != nil {
		t.Fatal(err)
	}
	out, err := p.OnClose(t.Context(), ref)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if len(out) != 1 || out[0].UploadState != types.UploadFailed {
		t.Errorf("expected one failed artifact, got %+v", out)
	}
	if st := p.Stats(); st.Failed != 1 || st.Uploaded != 0 {
		t.Errorf("stats failed=%d uploaded=%d", st.Failed, st.Uploaded)
	}
}

func TestStreaming_OneArtifactPerFrame(t *testing.T) {
	ctx := t.Context()
	pub := NewStubPublisher()
	// A frozen clock: every frame arrives in the same millisecond.
	clock := newFakeClock(0)
	p := NewStreamingPolicy(pub, Config{Format: types.DefaultFormat(), Now: clock.Now})

	ref := newRef("s-1", "dev-7")
	names := make(map[string]bool)
	for i := range 5 {
		out, err := p.OnFrame(ctx, ref, frame(byte(i), 320))
		if err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("got %d artifacts, want 1", len(out))
		}
		if names[out[0].Name] {
			t.Fatalf("duplicate artifact name %s", out[0].Name)
		}
		names[out[0].Name] = true
		if pcm := unwrapPCM(t, out[0]); pcm[0] != byte(i) {
			t.Errorf("frame %d out of order", i)
		}
	}

	arts := pub.Artifacts()
	for i := 1; i < len(arts); i++ {
		if !arts[i].CreatedAt.After(arts[i-1].CreatedAt) {
			t.Errorf("CreatedAt not strictly increasing at %d", i)
		}
	}

	out, err := p.OnClose(ctx, ref)
	if err != nil || len(out) != 0 {
		t.Errorf("OnClose = %v, %v", out, err)
	}
}

func TestStreaming_EmptyFrameSkipped(t *testing.T) {
	pub := NewStubPublisher()
	p := NewStreamingPolicy(pub, Config{Format: types.DefaultFormat()})
	out, err := p.OnFrame(context.Background(), newRef("s", "d"), nil)
	if err != nil || len(out) != 0 || len(pub.Artifacts()) != 0 {
		t.Errorf("empty frame produced %v, %v", out, err)
	}
}
