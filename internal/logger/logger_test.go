package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warn") != zerolog.WarnLevel {
		t.Error("expected warn level")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("unknown levels should fall back to info")
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json").With("device")
	l.Info("transfer", "bytes", 40, "device", "XLA:0", "err", errors.New("boom"), "dangling")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "device" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["bytes"] != float64(40) {
		t.Errorf("expected bytes=40, got %v", entry["bytes"])
	}
	if entry["err"] != "boom" {
		t.Errorf("expected err=boom, got %v", entry["err"])
	}
	if _, ok := entry["dangling"]; ok {
		t.Error("unpaired key must be dropped")
	}
}
