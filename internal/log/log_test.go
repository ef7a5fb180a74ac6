package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" WARN ": slog.LevelWarn,
		"error":  slog.LevelError,
		"":       slog.LevelInfo,
		"bogus":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWriterFormats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewWriter(&buf, "info", "json").Info("tunnel registered", "tunnel_id", "t-1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if rec["tunnel_id"] != "t-1" {
		t.Fatalf("unexpected record %v", rec)
	}

	buf.Reset()
	logger := NewWriter(&buf, "warn", "text")
	logger.Info("dropped")
	logger.Warn("kept", "node_id", "n-1")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "node_id=n-1") {
		t.Fatalf("unexpected text output %q", out)
	}
}
