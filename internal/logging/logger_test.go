// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// decodeLines parses every JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v\nOutput: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization Tests
// =====================================================

// TestInit verifies the global logger is replaced.
func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelDebug)

	Info("hello", map[string]interface{}{"k": "v"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Message != "hello" {
		t.Errorf("Message = %q, want 'hello'", entries[0].Message)
	}
}

// TestGet_default verifies a default logger exists without Init.
func TestGet_default(t *testing.T) {
	mu.Lock()
	global = nil
	mu.Unlock()

	if Get() == nil {
		t.Fatal("Get() returned nil")
	}
	if Get() != Get() {
		t.Error("Get() should return the same instance")
	}
}

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

// =====================================================
// Level Tests
// =====================================================

// TestLogger_filtering verifies entries below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "warning" {
		t.Errorf("Level = %q, want 'warning'", entries[0].Level)
	}
	if entries[1].Level != "error" {
		t.Errorf("Level = %q, want 'error'", entries[1].Level)
	}
}

// =====================================================
// JSON Output Tests
// =====================================================

// TestLogger_jsonFormat verifies JSON output format.
func TestLogger_jsonFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("test message", map[string]interface{}{
		"string": "value",
		"number": 42,
		"bool":   true,
	})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]

	if _, err := time.Parse(time.RFC3339, entry.Timestamp); err != nil {
		t.Errorf("Timestamp is not valid RFC3339: %v", err)
	}
	if entry.Context["string"] != "value" {
		t.Errorf("Context['string'] = %v, want 'value'", entry.Context["string"])
	}
	if entry.Context["number"] != float64(42) {
		t.Errorf("Context['number'] = %v, want 42", entry.Context["number"])
	}
	if entry.Context["bool"] != true {
		t.Errorf("Context['bool'] = %v, want true", entry.Context["bool"])
	}
}

// TestLogger_Error verifies the error text lands in the context.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("push failed", io.ErrUnexpectedEOF, map[string]interface{}{"operation_id": "op-1"})

	entry := decodeLines(t, &buf)[0]
	if entry.Context["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v, want %q", entry.Context["error"], io.ErrUnexpectedEOF.Error())
	}
	if entry.Context["operation_id"] != "op-1" {
		t.Errorf("operation_id = %v, want 'op-1'", entry.Context["operation_id"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"entity_id": "O1"}
	logger.ErrorWithCode("sync failed", "SYNC_FAILED", io.ErrUnexpectedEOF, ctx)

	entry := decodeLines(t, &buf)[0]
	if entry.Level != "error" {
		t.Errorf("Level = %q, want 'error'", entry.Level)
	}
	if entry.Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v, want 'SYNC_FAILED'", entry.Context["error_code"])
	}
	if entry.Context["entity_id"] != "O1" {
		t.Errorf("entity_id = %v, want 'O1'", entry.Context["entity_id"])
	}
	if _, ok := ctx["error_code"]; ok {
		t.Error("ErrorWithCode should not mutate the caller's context map")
	}
}

// TestLogger_getContext_multiple verifies context maps are merged.
func TestLogger_getContext_multiple(t *testing.T) {
	logger := New(io.Discard, LevelInfo)

	merged := logger.getContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)
	if len(merged) != 2 || merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("getContext() = %v", merged)
	}
	if logger.getContext() != nil {
		t.Error("getContext() with no arguments should return nil")
	}
}

// TestLogger_concurrentLogging verifies concurrent writes produce whole lines.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	var bufMu sync.Mutex
	logger := New(writerFunc(func(p []byte) (int, error) {
		bufMu.Lock()
		defer bufMu.Unlock()
		return buf.Write(p)
	}), LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}

// TestNewFileWriter verifies rotation settings are carried through.
func TestNewFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posync.log")
	w := NewFileWriter(FileOptions{Path: path, MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 7})

	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("NewFileWriter() returned %T", w)
	}
	defer lj.Close()

	if lj.Filename != path || lj.MaxSize != 5 || lj.MaxBackups != 2 || lj.MaxAge != 7 {
		t.Errorf("unexpected rotation settings: %+v", lj)
	}

	logger := New(w, LevelInfo)
	logger.Info("written to file")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
