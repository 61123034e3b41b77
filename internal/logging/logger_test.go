// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%s)", err, line)
		}
		out = append(out, entry)
	}
	return out
}

// TestLogger_Info verifies the JSON shape of an info entry.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Out: &buf, Level: LevelInfo})

	logger.Info("cycle finished", map[string]interface{}{"pushed": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["message"] != "cycle finished" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	if e["pushed"] != float64(3) {
		t.Errorf("pushed = %v, want 3", e["pushed"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Out: &buf, Level: LevelInfo})

	logger.ErrorWithCode("push failed", "NETWORK_ERROR", io.ErrUnexpectedEOF, map[string]interface{}{"batch": 2})

	e := decodeLines(t, &buf)[0]
	if e["error_code"] != "NETWORK_ERROR" {
		t.Errorf("error_code = %v", e["error_code"])
	}
	if e["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v", e["error"])
	}
	if e["batch"] != float64(2) {
		t.Errorf("batch = %v", e["batch"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Out: &buf, Level: LevelWarn})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

// TestLogger_WithComponent verifies component tagging.
func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Out: &buf, Level: LevelDebug}).WithComponent("queue")

	logger.Debug("enqueued")

	if got := decodeLines(t, &buf)[0]["component"]; got != "queue" {
		t.Errorf("component = %v, want queue", got)
	}
}

// TestConfigure_File verifies rotated file output.
func TestConfigure_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.log")
	logger := New(Options{File: path, Level: LevelInfo})
	logger.Info("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

// TestGlobal verifies Init swaps the global logger.
func TestGlobal(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)
	Info("global entry")
	if !strings.Contains(buf.String(), "global entry") {
		t.Errorf("global logger did not write: %q", buf.String())
	}
}

// TestParseLevel verifies config level parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
