package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogger_JSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Meta{Service: "tapedeck", Policy: "whole_session"}, &buf)

	logger.With(map[string]any{"session_id": "s-1"}).Info("frame received", map[string]any{"bytes": 1600})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}

	if entry["message"] != "frame received" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
	if entry["service"] != "tapedeck" || entry["policy"] != "whole_session" {
		t.Errorf("missing service context: %v", entry)
	}
	if entry["session_id"] != "s-1" {
		t.Errorf("missing With field: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["bytes"] != float64(1600) {
		t.Errorf("unexpected fields: %v", entry["fields"])
	}
}

func TestLogger_SugarWarnf(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Meta{Service: "tapedeck"}, &buf)

	logger.Sugar().Warnf("%d of %d failed", 1, 3)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "1 of 3 failed" || entry["level"] != "warn" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["service"] != "tapedeck" {
		t.Errorf("missing service context: %v", entry)
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	logger.With(map[string]any{"k": "v"}).Error("ignored", nil)
	logger.Sugar().Infof("ignored %d", 1)
	if err := logger.Sync(); err != nil {
		t.Errorf("nil Sync returned %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(Meta{Service: "tapedeck"}, parseLevel("WARN"), &buf)
	logger.Info("hidden", nil)
	logger.Warn("shown", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn entry missing")
	}
	if parseLevel("bogus").String() != "info" {
		t.Error("unknown level should fall back to info")
	}
}

func TestErrField(t *testing.T) {
	if ErrField(nil) != "" {
		t.Error("nil error should render empty")
	}
	if ErrField(errors.New("boom")) != "boom" {
		t.Error("unexpected rendering")
	}
}
