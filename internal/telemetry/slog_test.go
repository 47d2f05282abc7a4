package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// SetupLogger tests
// ---------------------------------------------------------------------------

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "warning", "error", "ERROR", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, level, r)
					}
				}()
				SetupLogger(format, level, "stderr", "license-server")
			})
		}
	}
	SetupLogger("text", "error", "stdout", "")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandler_JSONFormat_ProducesValidJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelInfo))
	logger.Info("validation decided", "license_key", "WPL-TEST", "allowed", true)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("JSON handler produced no output")
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		t.Fatalf("JSON handler output is not valid JSON: %v\noutput: %s", err, line)
	}
	if obj["msg"] != "validation decided" {
		t.Errorf("expected msg=validation decided, got %v", obj["msg"])
	}
	if obj["license_key"] != "WPL-TEST" {
		t.Errorf("expected license_key=WPL-TEST, got %v", obj["license_key"])
	}
}

func TestNewHandler_TextFormat_ProducesKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelInfo))
	logger.Info("text test", "env", "development")

	line := buf.String()
	if !strings.Contains(line, "text test") {
		t.Errorf("text handler output does not contain message: %q", line)
	}
	if !strings.Contains(line, "env=development") {
		t.Errorf("text handler output does not contain env=development: %q", line)
	}
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelWarn))
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be suppressed") {
		t.Error("Info record appeared despite LevelWarn filter")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

func TestNewHandler_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelDebug))
	logger.Debug("with source")

	if !strings.Contains(buf.String(), `"source"`) {
		t.Errorf("debug output has no source attribute: %s", buf.String())
	}
}

func TestWithService_TagsEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(withService(newHandler(&buf, "json", slog.LevelInfo), "license-server"))
	logger.Info("first")
	logger.With("license_key", "WPL-TEST").Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Fatalf("invalid JSON: %v\noutput: %s", err, line)
		}
		if obj["service"] != "license-server" {
			t.Errorf("expected service=license-server, got %v in %s", obj["service"], line)
		}
	}
}

func TestWithService_EmptyNameAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(withService(newHandler(&buf, "text", slog.LevelInfo), ""))
	logger.Info("untagged")

	if strings.Contains(buf.String(), "service=") {
		t.Errorf("unexpected service attribute: %q", buf.String())
	}
}
