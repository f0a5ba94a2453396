// Package recorder is a rotating JSONL flight recorder for analysis runs.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written by the coordinator.
const (
	EventRunStarted     = "run_started"
	EventCapture        = "capture"
	EventProviderResult = "provider_result"
	EventRunFinished    = "run_finished"
)

// Event is one line of a trace file.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Recorder appends run events to the current trace file. A nil *Recorder discards
// everything, so callers never need to check whether tracing is enabled.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	written  int
}

// NewRecorder creates the trace directory if needed.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace file named after label, keeping only the newest MaxRotatedFiles.
func (r *Recorder) Start(label string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", label, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.written = 0
	return nil
}

// Log writes one event. It is a no-op before Start or after Close.
func (r *Recorder) Log(eventType, runID string, data any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if err := r.encoder.Encode(Event{Timestamp: time.Now(), Type: eventType, RunID: runID, Data: data}); err == nil {
		r.written++
	}
}

// Written reports how many events went into the current trace file.
func (r *Recorder) Written() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Dir returns the trace directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.basePath
}

func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	// Keep N-1 to make room for the file about to be created.
	if len(traces) >= MaxRotatedFiles {
		for _, t := range traces[MaxRotatedFiles-1:] {
			_ = os.Remove(filepath.Join(r.basePath, t.name))
		}
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
