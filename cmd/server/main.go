package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"pageanalyzer-mcp-server/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit config file (overlays workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .pageanalyzer/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	if wsDir != "" {
		logger.Info("workspace config loaded", "dir", wsDir)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Browser.AutoStart {
		if err := a.startBrowser(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser to start it later")
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting page analyzer MCP SSE server", "port", cfg.MCP.SSEPort)
		startErr = a.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting page analyzer MCP stdio server")
		startErr = a.server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return startErr
	}
	return nil
}

// newLogger builds the tint handler. In stdio mode stderr would corrupt the MCP stream, so
// logs go to the configured file without colour, or nowhere.
func newLogger(cfg config.Config) (*slog.Logger, func()) {
	opts := &tint.Options{Level: parseLevel(cfg.Server.LogLevel), TimeFormat: time.TimeOnly}

	if cfg.MCP.SSEPort > 0 {
		return slog.New(tint.NewHandler(os.Stderr, opts)), func() {}
	}

	opts.NoColor = true
	if cfg.Server.LogFile == "" {
		return slog.New(tint.NewHandler(io.Discard, opts)), func() {}
	}
	logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(tint.NewHandler(io.Discard, opts)), func() {}
	}
	return slog.New(tint.NewHandler(logFile, opts)), func() { _ = logFile.Close() }
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
