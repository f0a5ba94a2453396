package browser

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"pageanalyzer-mcp-server/internal/config"
)

func newTestManager(cfg config.BrowserConfig) *SessionManager {
	return NewSessionManager(cfg, config.CaptureConfig{}, nil)
}

func TestNewSessionManager(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	if manager == nil {
		t.Fatal("expected non-nil manager")
	}
	if manager.IsConnected() {
		t.Error("expected not connected")
	}
	if url := manager.ControlURL(); url != "" {
		t.Errorf("expected empty control URL, got %q", url)
	}
	if len(manager.List()) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(manager.List()))
	}
}

func TestSessionManagerLookupsWithoutSession(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})

	if _, found := manager.GetSession("nonexistent-id"); found {
		t.Error("expected session not found")
	}
	if page, found := manager.Page("nonexistent-id"); found || page != nil {
		t.Error("expected page not found")
	}
	if _, err := manager.Surface("nonexistent-id"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if err := manager.CloseSession(context.Background(), "nonexistent-id"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}

	// Should not panic
	manager.UpdateMetadata("nonexistent-id", func(s Session) Session {
		s.URL = "https://example.com"
		return s
	})
}

func TestSessionManagerCreateSessionNoBrowser(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	_, err := manager.CreateSession(context.Background(), "https://example.com")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionManagerShutdownNoSessions(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	if err := manager.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestSessionPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	manager := newTestManager(config.BrowserConfig{SessionStore: path})

	older := time.Now().Add(-time.Hour)
	manager.sessions["b"] = &sessionRecord{meta: Session{ID: "b", URL: "https://b.example", Status: "active", CreatedAt: time.Now()}}
	manager.sessions["a"] = &sessionRecord{meta: Session{ID: "a", URL: "https://a.example", Status: "active", CreatedAt: older}}

	if err := manager.persistSessions(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var saved []Session
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(saved) != 2 || saved[0].ID != "a" {
		t.Fatalf("expected oldest session first, got %+v", saved)
	}

	restored := newTestManager(config.BrowserConfig{SessionStore: path})
	if err := restored.loadSessions(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sessions := restored.List()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.Status != "detached" {
			t.Errorf("session %s: expected detached, got %q", s.ID, s.Status)
		}
		if _, ok := restored.Page(s.ID); ok {
			t.Errorf("session %s: detached session should have no page", s.ID)
		}
	}
}

func TestLoadSessionsEdgeCases(t *testing.T) {
	dir := t.TempDir()

	empty := newTestManager(config.BrowserConfig{})
	if err := empty.loadSessions(); err != nil {
		t.Errorf("empty path should be a no-op, got %v", err)
	}
	if err := empty.persistSessions(); err != nil {
		t.Errorf("empty path should be a no-op, got %v", err)
	}

	missing := newTestManager(config.BrowserConfig{SessionStore: filepath.Join(dir, "missing.json")})
	if err := missing.loadSessions(); err != nil {
		t.Errorf("missing file should be a no-op, got %v", err)
	}

	badPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badPath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := newTestManager(config.BrowserConfig{SessionStore: badPath})
	if err := bad.loadSessions(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestCloseSessionRunsHook(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	var closed []string
	manager.SetHooks(Hooks{PageClosed: func(id string) { closed = append(closed, id) }})

	cancelled := false
	manager.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}, cancel: func() { cancelled = true }}

	if err := manager.CloseSession(context.Background(), "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !cancelled {
		t.Error("expected session context cancelled")
	}
	if len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("expected PageClosed(s1), got %v", closed)
	}
	if _, ok := manager.GetSession("s1"); ok {
		t.Error("expected session forgotten")
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	var mu sync.Mutex
	closed := map[string]bool{}
	manager.SetHooks(Hooks{PageClosed: func(id string) {
		mu.Lock()
		closed[id] = true
		mu.Unlock()
	}})
	manager.sessions["a"] = &sessionRecord{meta: Session{ID: "a"}}
	manager.sessions["b"] = &sessionRecord{meta: Session{ID: "b"}}

	if err := manager.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !closed["a"] || !closed["b"] {
		t.Errorf("expected both sessions closed, got %v", closed)
	}
	if len(manager.List()) != 0 {
		t.Error("expected no sessions after shutdown")
	}
}

func TestSessionManagerConcurrentAccess(t *testing.T) {
	manager := newTestManager(config.BrowserConfig{})
	manager.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			manager.UpdateMetadata("s1", func(s Session) Session {
				s.LastActive = time.Now()
				return s
			})
		}()
		go func() {
			defer wg.Done()
			_ = manager.List()
			_, _ = manager.GetSession("s1")
		}()
	}
	wg.Wait()
}

func TestIsRestrictedURL(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"chrome://settings", true},
		{"chrome-extension://abc/options.html", true},
		{"devtools://devtools/bundled/inspector.html", true},
		{"view-source:https://example.com", true},
		{"https://example.com/quiz", false},
		{"http://localhost:8080", false},
		{"about:blank", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isRestrictedURL(tt.url); got != tt.expected {
			t.Errorf("isRestrictedURL(%q) = %v, want %v", tt.url, got, tt.expected)
		}
	}
}

func TestDecodePanelEvent(t *testing.T) {
	ev := decodePanelEvent(gson.New(map[string]interface{}{"action": "select", "tab": "groq"}))
	if ev.Action != "select" || ev.Tab != "groq" {
		t.Errorf("unexpected event %+v", ev)
	}

	ev = decodePanelEvent(gson.New(map[string]interface{}{"action": "toggle"}))
	if ev.Action != "toggle" || ev.Tab != "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestTruncate(t *testing.T) {
	s := &PageSurface{maxChars: 3}
	if got := s.truncate("héllo"); got != "hél" {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
	unlimited := &PageSurface{}
	if got := unlimited.truncate("hello"); got != "hello" {
		t.Errorf("expected no truncation, got %q", got)
	}
}
