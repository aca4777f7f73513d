package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDomainFields(t *testing.T) {
	tests := []struct {
		field Field
		key   string
		value any
	}{
		{HostID("h-1"), "host_id", "h-1"},
		{ClusterID("c-1"), "cluster_id", "c-1"},
		{NodeID("mgmt-1"), "node_id", "mgmt-1"},
		{Address("10.0.0.5"), "address", "10.0.0.5"},
		{Status("Connected"), "status", "Connected"},
		{Count(3), "count", 3},
		{Latency(2 * time.Second), "latency", "2s"},
		{Error(errors.New("boom")), "error", "boom"},
		{Error(nil), "error", nil},
	}

	for _, tt := range tests {
		if tt.field.Key != tt.key || tt.field.Value != tt.value {
			t.Errorf("field = %+v, want {%s %v}", tt.field, tt.key, tt.value)
		}
	}
}

func TestJSONLogger_BasicLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	logger.Info("host added", HostID("h-1"))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}

	if entry.Level != "INFO" {
		t.Errorf("Level = %v, want INFO", entry.Level)
	}
	if entry.Message != "host added" {
		t.Errorf("Message = %v, want 'host added'", entry.Message)
	}
	if entry.Fields["host_id"] != "h-1" {
		t.Errorf("Fields[host_id] = %v, want h-1", entry.Fields["host_id"])
	}
}

func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(lines))
	}

	var first LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if first.Level != "WARN" {
		t.Errorf("First entry level = %v, want WARN", first.Level)
	}
}

func TestJSONLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)
	child := logger.With(Component("coordinator"))

	logger.SetLevel(ErrorLevel)
	child.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("child logged after parent raised level: %s", buf.String())
	}

	child.Error("sweep failed", NodeID("mgmt-2"))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if entry.Fields["component"] != "coordinator" {
		t.Errorf("component = %v, want coordinator", entry.Fields["component"])
	}
	if entry.Fields["node_id"] != "mgmt-2" {
		t.Errorf("node_id = %v, want mgmt-2", entry.Fields["node_id"])
	}
}

func TestJSONLogger_ConcurrentChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		child := logger.With(Int("worker", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				child.Info("tick")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("Expected 400 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("interleaved output %q: %v", line, err)
		}
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	timer := StartTimer(logger, "reconnect sweep", NodeID("mgmt-1"))
	timer.End(Count(4))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if entry.Fields["latency"] == nil {
		t.Error("latency field missing")
	}
	if entry.Fields["count"] != float64(4) {
		t.Errorf("count = %v, want 4", entry.Fields["count"])
	}

	buf.Reset()
	timer.EndError(errors.New("store unavailable"))
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if entry.Level != "ERROR" || entry.Fields["error"] != "store unavailable" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.log")

	logger, closer, err := New(path, "debug")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestSetDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLogger(NewJSONLogger(&buf, InfoLevel))
	defer SetDefaultLogger(NewJSONLogger(os.Stdout, InfoLevel))

	Info("global")
	if !strings.Contains(buf.String(), "global") {
		t.Errorf("default logger not replaced: %q", buf.String())
	}

	if OrDefault(nil) != DefaultLogger() {
		t.Error("OrDefault(nil) should return the default logger")
	}
}
