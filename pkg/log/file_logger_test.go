package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLoggerWritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	logger.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Category:     CategoryFault,
		Fault:        &FaultEvent{Message: "read timeout"},
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var got Event
	if err := NewDecoder(f).Decode(&got); err != nil {
		t.Fatalf("decode logged event: %v", err)
	}
	if got.Fault == nil || got.Fault.Message != "read timeout" {
		t.Errorf("logged event = %+v, want fault 'read timeout'", got)
	}
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// Logging after close is a no-op.
	logger.Log(Event{ConnectionID: "late"})
}
