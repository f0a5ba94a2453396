package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"pageanalyzer-mcp-server/internal/capture"
	"pageanalyzer-mcp-server/internal/config"
)

var (
	ErrNotConnected   = errors.New("browser not connected")
	ErrUnknownSession = errors.New("unknown session")
)

// Session describes the public metadata for a tracked page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	cancel context.CancelFunc
}

// Hooks observe the page lifecycle. PageReady fires after every main-frame load, which is
// when a fresh document needs a fresh agent.
type Hooks struct {
	PageReady  func(sessionID string, page *rod.Page)
	PageClosed func(sessionID string)
}

// SessionManager owns the Chrome instance and tracks page sessions.
type SessionManager struct {
	cfg        config.BrowserConfig
	capture    config.CaptureConfig
	logger     *slog.Logger
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
	hooks      Hooks
}

func NewSessionManager(cfg config.BrowserConfig, capture config.CaptureConfig, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg,
		capture:  capture,
		logger:   logger,
		sessions: make(map[string]*sessionRecord),
	}
}

// SetHooks installs lifecycle callbacks. Call before opening pages.
func (m *SessionManager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.RLock()
	existing := m.browser
	m.mu.RUnlock()
	if existing != nil {
		if _, err := existing.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = existing.Close()
		m.dropAll()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		u, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	// The connect ctx only bounds the handshake.
	browser = browser.Context(context.Background())

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	m.logger.Info("browser connected", "control_url", controlURL)
	return nil
}

// launch starts Chrome from the configured command, or from Rod's default browser.
func (m *SessionManager) launch() (string, error) {
	if len(m.cfg.Launch) == 0 {
		u, err := launcher.New().Headless(m.cfg.IsHeadless()).Launch()
		if err != nil {
			return "", fmt.Errorf("launch chrome: %w", err)
		}
		return u, nil
	}

	bin := m.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
	for _, rawFlag := range m.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	u, err := l.Launch()
	if err == nil {
		return u, nil
	}
	// Fallback: let Rod pick the port and defaults.
	alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	closed := m.dropAll()

	m.mu.Lock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.mu.Unlock()

	for _, rec := range closed {
		if rec.page != nil {
			_ = rec.page.Close()
		}
	}
	m.logger.Info("browser shutdown complete", "pages", len(closed))
	return err
}

// dropAll forgets every session and notifies the closed hook.
func (m *SessionManager) dropAll() []*sessionRecord {
	m.mu.Lock()
	out := make([]*sessionRecord, 0, len(m.sessions))
	for id, rec := range m.sessions {
		if rec.cancel != nil {
			rec.cancel()
		}
		out = append(out, rec)
		delete(m.sessions, id)
	}
	onClosed := m.hooks.PageClosed
	m.mu.Unlock()

	if onClosed != nil {
		for _, rec := range out {
			onClosed(rec.meta.ID)
		}
	}
	return out
}

// List returns metadata for all known sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// CreateSession opens a new page in an incognito context and navigates it to url.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", "error", err)
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  now,
		LastActive: now,
	}
	sessCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, cancel: cancel}
	m.mu.Unlock()

	m.watchLoads(sessCtx, meta.ID, page)

	// Best-effort load; the load watcher spawns the agent once the document is ready.
	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		m.logger.Warn("navigation failed", "session", meta.ID, "url", url, "error", err)
	}
	_ = m.persistSessions()

	return &meta, nil
}

// watchLoads reports every main-frame load of page until the session ends.
func (m *SessionManager) watchLoads(ctx context.Context, sessionID string, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageLoadEventFired) {
		info, err := page.Info()
		now := time.Now()
		m.UpdateMetadata(sessionID, func(s Session) Session {
			if err == nil {
				s.URL = info.URL
				s.Title = info.Title
			}
			s.LastActive = now
			return s
		})

		m.mu.RLock()
		onReady := m.hooks.PageReady
		m.mu.RUnlock()
		if onReady != nil {
			go onReady(sessionID, page)
		}
	})
	go wait()
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// Surface returns the privileged capture surface of a live session.
func (m *SessionManager) Surface(sessionID string) (capture.Surface, error) {
	page, ok := m.Page(sessionID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrUnknownSession)
	}
	return NewPageSurface(page, m.capture.GetMaxTextChars()), nil
}

// UpdateMetadata lets callers refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// CloseSession closes the page and forgets the session.
func (m *SessionManager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	onClosed := m.hooks.PageClosed
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, ErrUnknownSession)
	}

	if rec.cancel != nil {
		rec.cancel()
	}
	if onClosed != nil {
		onClosed(sessionID)
	}
	var err error
	if rec.page != nil {
		err = rec.page.Close()
	}
	_ = m.persistSessions()
	return err
}

// persistSessions writes session metadata to disk for continuity across restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	sessions := m.List()
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata without attaching to pages.
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, live := m.sessions[s.ID]; live {
			continue
		}
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}
