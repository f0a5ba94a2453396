package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"

	"pageanalyzer-mcp-server/internal/agent"
	"pageanalyzer-mcp-server/internal/browser"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/capture"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/coordinator"
	"pageanalyzer-mcp-server/internal/dispatch"
	mcpserver "pageanalyzer-mcp-server/internal/mcp"
	"pageanalyzer-mcp-server/internal/panel"
	"pageanalyzer-mcp-server/internal/provider"
	"pageanalyzer-mcp-server/internal/recorder"
	"pageanalyzer-mcp-server/internal/store"
)

// app holds the three contexts and the browser that hosts the pages.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    store.Store
	recorder *recorder.Recorder
	sessions *browser.SessionManager
	coord    *coordinator.Coordinator
	agents   *agent.Pool
	server   *mcpserver.Server
	closers  []func()
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New(logger.With("component", "bus"))}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st

	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			return nil, fmt.Errorf("flight recorder: %w", err)
		}
		if err := rec.Start("server"); err != nil {
			return nil, fmt.Errorf("flight recorder: %w", err)
		}
		a.recorder = rec
		a.closers = append(a.closers, func() { _ = rec.Close() })
	}

	registry := provider.NewRegistry(cfg.Providers, cfg.Capture.GetMaxTextChars(), nil)
	engine := dispatch.NewEngine(registry, cfg.Dispatch, logger.With("component", "dispatch"))

	a.sessions = browser.NewSessionManager(cfg.Browser, cfg.Capture, logger.With("component", "browser"))
	a.coord = coordinator.New(coordinator.Deps{
		Bus:      a.bus,
		Store:    st,
		Config:   cfg,
		Engine:   engine,
		Capture:  capture.NewController(cfg.Capture, capture.NewGate(), capture.WithLogger(logger)),
		Surfaces: a.sessions,
		Recorder: a.recorder,
		Logger:   logger.With("component", "coordinator"),
	})
	bg := a.coord.Start()
	a.closers = append(a.closers, bg.Close)

	a.agents = agent.NewPool(a.bus, cfg, registry.Labels(), logger.With("component", "agent"))
	a.closers = append(a.closers, a.agents.StopAll)
	a.sessions.SetHooks(browser.Hooks{
		PageReady:  a.pageReady,
		PageClosed: func(id string) { a.agents.Stop(id) },
	})

	server, err := mcpserver.NewServer(mcpserver.Deps{
		Config:  cfg,
		Browser: a.sessions,
		Store:   st,
		Bus:     a.bus,
		Runs:    a.coord,
		Logger:  logger.With("component", "mcp"),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize MCP server: %w", err)
	}
	a.server = server
	a.closers = append(a.closers, server.Close)
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Path == "" {
		return store.NewMemoryStore(), nil
	}
	fs, err := store.OpenFileStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	return fs, nil
}

// startBrowser connects Chrome and opens the configured start pages.
func (a *app) startBrowser(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}
	for _, url := range a.cfg.Browser.StartURLs {
		if _, err := a.sessions.CreateSession(ctx, url); err != nil {
			a.logger.Warn("failed to open start page", "url", url, "error", err)
		}
	}
	return nil
}

// pageReady injects a fresh agent into every loaded document.
func (a *app) pageReady(sessionID string, page *rod.Page) {
	view := browser.NewShadowView(page, a.logger)
	ag := a.agents.Spawn(sessionID, browser.NewPageSurface(page, a.cfg.Capture.GetMaxTextChars()), view)
	view.OnEvent(func(ctx context.Context, ev panel.Event) {
		if err := ag.HandlePanelEvent(ctx, ev); err != nil {
			a.logger.Debug("panel event dropped", "session", sessionID, "action", ev.Action, "error", err)
		}
	})
}

// close tears everything down in reverse order of construction.
func (a *app) close() {
	if a.sessions != nil {
		_ = a.sessions.Shutdown(context.Background())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
