package artifact_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/tapedeck/artifact"
	"github.com/pithecene-io/tapedeck/types"
	"github.com/pithecene-io/tapedeck/wav"
)

func TestBuild_FramesOnceAndNames(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	raw := bytes.Repeat([]byte{0x10, 0x20}, 2400)

	a, err := artifact.Build("dev-7", createdAt, raw, types.DefaultFormat())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if a.UploadState != types.UploadPending {
		t.Errorf("expected pending state, got %s", a.UploadState)
	}
	if a.Name != "dev-7_1772366400123.wav" {
		t.Errorf("unexpected name %q", a.Name)
	}
	if !a.CreatedAt.Equal(createdAt.Truncate(time.Millisecond)) {
		t.Errorf("expected createdAt truncated to millis, got %v", a.CreatedAt)
	}
	if len(a.Payload) != wav.HeaderSize+len(raw) {
		t.Errorf("expected header applied once: got %d bytes", len(a.Payload))
	}

	payload, _, err := wav.Unwrap(a.Payload)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if !bytes.Equal(payload, raw) {
		t.Error("payload does not round-trip")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	createdAt := time.UnixMilli(1_700_000_000_000)
	a1, err := artifact.Build("dev", createdAt, []byte{1, 2}, types.DefaultFormat())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	a2, err := artifact.Build("dev", createdAt, []byte{1, 2}, types.DefaultFormat())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if a1.Name != a2.Name || !bytes.Equal(a1.Payload, a2.Payload) {
		t.Error("expected identical artifacts for identical inputs")
	}
}

func TestBuild_EmptyPayload(t *testing.T) {
	_, err := artifact.Build("dev", time.Now(), nil, types.DefaultFormat())
	if !errors.Is(err, artifact.ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestBuild_InvalidFormat(t *testing.T) {
	_, err := artifact.Build("dev", time.Now(), []byte{1, 2}, types.Format{SampleRate: 0, Channels: 1, BitDepth: 16})
	if !errors.Is(err, wav.ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestName_RoundTrip(t *testing.T) {
	createdAt := time.UnixMilli(1_772_366_400_123).UTC()
	ids := []string{
		"dev-7",
		"kitchen_mic_2",
		"123_456",
		"room 4/left",
		"100%",
		"ünïcode",
		"a_1772366400123",
	}

	for _, id := range ids {
		name := artifact.Name(id, createdAt)
		if strings.Count(name, "_") != 1 {
			t.Errorf("name %q for %q must contain exactly one delimiter", name, id)
		}
		if strings.Contains(name, "/") {
			t.Errorf("name %q for %q must not contain a path separator", name, id)
		}

		gotID, gotAt, err := artifact.ParseName(name)
		if err != nil {
			t.Fatalf("ParseName(%q) failed: %v", name, err)
		}
		if gotID != id {
			t.Errorf("expected device id %q, got %q", id, gotID)
		}
		if !gotAt.Equal(createdAt) {
			t.Errorf("expected %v, got %v", createdAt, gotAt)
		}
	}
}

func TestParseName_WithDirectory(t *testing.T) {
	id, _, err := artifact.ParseName("audio/dev-1_0001700000000000.wav")
	if err == nil {
		t.Fatalf("expected error for 16-digit timestamp, got id %q", id)
	}

	id, _, err = artifact.ParseName("audio/dev-1_1700000000000.wav")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if id != "dev-1" {
		t.Errorf("expected dev-1, got %q", id)
	}
}

func TestParseName_Malformed(t *testing.T) {
	names := []string{
		"",
		"dev.wav",
		"dev_123.wav",
		"dev_1700000000000.mp3",
		"_1700000000000.wav",
		"dev_17000000000x0.wav",
		"concatenated_1700000000000_extra.wav",
		"de v_1700000000000.wav",
	}
	for _, n := range names {
		if _, _, err := artifact.ParseName(n); !errors.Is(err, artifact.ErrMalformedName) {
			t.Errorf("ParseName(%q): expected ErrMalformedName, got %v", n, err)
		}
	}
}

func TestRecord_EncodeDecode(t *testing.T) {
	a, err := artifact.Build("kitchen_mic", time.UnixMilli(1_700_000_000_000), make([]byte, 4800), types.DefaultFormat())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	data, err := artifact.EncodeRecord(artifact.NewRecord(a))
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	rec, err := artifact.DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}

	if rec.DeviceID != "kitchen_mic" || rec.Name != a.Name {
		t.Errorf("unexpected record identity: %+v", rec)
	}
	if rec.PCMBytes != 4800 {
		t.Errorf("expected 4800 PCM bytes, got %d", rec.PCMBytes)
	}
	if !rec.CreatedAt().Equal(a.CreatedAt) {
		t.Errorf("expected createdAt %v, got %v", a.CreatedAt, rec.CreatedAt())
	}
	if artifact.SidecarName(a.Name) != a.Name+".meta" {
		t.Errorf("unexpected sidecar name %q", artifact.SidecarName(a.Name))
	}
}

func TestDecodeRecord_Garbage(t *testing.T) {
	if _, err := artifact.DecodeRecord([]byte{0xc1}); err == nil {
		t.Error("expected error for invalid msgpack")
	}
}
