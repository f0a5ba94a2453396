package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("server"); err != nil {
			t.Fatal(err)
		}
		r.Log(EventRunStarted, "run", map[string]string{"mode": "quiz"})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}
	_ = r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderLogging(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	r.Log(EventRunStarted, "ignored", nil)

	if err := r.Start("server"); err != nil {
		t.Fatal(err)
	}
	r.Log(EventRunStarted, "run-1", map[string]any{"mode": "coding"})
	r.Log(EventRunFinished, "run-1", map[string]any{"results": 2})
	if r.Written() != 2 {
		t.Errorf("expected 2 events written, got %d", r.Written())
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	r.Log(EventRunFinished, "after-close", nil)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "trace_server_") {
		t.Errorf("unexpected trace name %q", entries[0].Name())
	}

	f, err := os.Open(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventRunStarted || events[0].RunID != "run-1" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Type != EventRunFinished {
		t.Errorf("unexpected last event %+v", events[1])
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	if err := r.Start("x"); err != nil {
		t.Fatal(err)
	}
	r.Log(EventCapture, "run", nil)
	if r.Written() != 0 || r.Dir() != "" {
		t.Error("nil recorder should report nothing")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}
