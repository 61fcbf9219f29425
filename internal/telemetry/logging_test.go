package telemetry

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecretKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")
	logger.Info("enqueued", "api_key", "sk-live-abcdef1234567890")

	out := buf.String()
	if strings.Contains(out, "sk-live-abcdef1234567890") {
		t.Fatalf("expected api_key to be redacted, got: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected [REDACTED] marker, got: %s", out)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Fatalf("info line leaked through warn-level handler: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn line to appear: %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("bogus") != parseLevel("info") {
		t.Fatalf("expected unknown level to default to info")
	}
}
