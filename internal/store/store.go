// Package store is the key-value settings store shared by the configuration surface, the
// background coordinator and the in-page agents.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/config"
)

// Well-known settings keys. Provider credential keys come from config.
const (
	KeyEnabled     = "EXTENSION_ENABLED"
	KeyMode        = "ACTIVE_MODE"
	KeyAutoCapture = "QUIZ_AUTO_CAPTURE"
	KeySetupDone   = "SETUP_COMPLETE"
)

// Store reads and writes named settings. Missing keys are absent from the Get result.
type Store interface {
	Get(ctx context.Context, keys []string) (map[string]any, error)
	Set(ctx context.Context, values map[string]any) error
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) Get(ctx context.Context, keys []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pick(m.values, keys), nil
}

func (m *MemoryStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		if v == nil {
			delete(m.values, k)
			continue
		}
		m.values[k] = v
	}
	return nil
}

// FileStore persists settings as a JSON object on disk. Every Set rewrites the file atomically.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	values map[string]any
}

// OpenFileStore loads path if it exists. A missing file starts an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	fs := &FileStore{path: path, values: make(map[string]any)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.values); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if fs.values == nil {
		fs.values = make(map[string]any)
	}
	return fs, nil
}

// Path returns the backing file.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(ctx context.Context, keys []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return pick(f.values, keys), nil
}

func (f *FileStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]any, len(f.values)+len(values))
	for k, v := range f.values {
		next[k] = v
	}
	for k, v := range values {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}

	if err := f.write(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *FileStore) write(values map[string]any) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

func pick(values map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	if keys == nil {
		for k, v := range values {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// SnapshotKeys lists every key LoadConfiguration reads for cfg.
func SnapshotKeys(cfg config.Config) []string {
	keys := []string{KeyEnabled, KeyMode, KeyAutoCapture, KeySetupDone}
	return append(keys, cfg.CredentialKeys()...)
}

// LoadConfiguration reads a Configuration snapshot. Only an explicit false disables the
// analyzer or auto capture; a missing mode means quiz.
func LoadConfiguration(ctx context.Context, s Store, cfg config.Config) (analysis.Configuration, error) {
	values, err := s.Get(ctx, SnapshotKeys(cfg))
	if err != nil {
		return analysis.Configuration{}, fmt.Errorf("read settings: %w", err)
	}

	out := analysis.Configuration{
		Enabled:     !isFalse(values[KeyEnabled]),
		Mode:        analysis.ParseMode(stringValue(values[KeyMode])),
		AutoCapture: !isFalse(values[KeyAutoCapture]),
		SetupDone:   isTrue(values[KeySetupDone]),
		Credentials: make(map[string]string),
	}
	for _, p := range cfg.Providers {
		key := stringValue(values[p.CredentialKey])
		if key == "" {
			continue
		}
		out.Credentials[p.ID] = key
		out.Configured = append(out.Configured, p.ID)
	}
	return out, nil
}

// Redacted returns the settings with credential values replaced by a presence marker.
func Redacted(values map[string]any, credentialKeys []string) map[string]any {
	secret := make(map[string]bool, len(credentialKeys))
	for _, k := range credentialKeys {
		secret[k] = true
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if secret[k] {
			out[k] = stringValue(v) != ""
			continue
		}
		out[k] = v
	}
	return out
}

// SortedKeys is a helper for stable listings.
func SortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func isFalse(v any) bool {
	switch b := v.(type) {
	case bool:
		return !b
	case string:
		return b == "false"
	default:
		return false
	}
}

func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}
