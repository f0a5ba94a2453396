package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/config"
)

func testAppConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Browser.SessionStore = ""
	cfg.Store.Path = filepath.Join(dir, "settings.json")
	cfg.Recorder.Dir = filepath.Join(dir, "traces")
	cfg.Server.LogFile = filepath.Join(dir, "server.log")
	return cfg
}

func TestNewAppWiresContexts(t *testing.T) {
	cfg := testAppConfig(t)
	a, err := newApp(cfg, slog.Default())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()

	addrs := map[bus.Address]bool{}
	for _, addr := range a.bus.Addresses() {
		addrs[addr] = true
	}
	if !addrs[bus.Background] || !addrs[bus.Options] {
		t.Fatalf("expected background and options endpoints, got %v", a.bus.Addresses())
	}

	t.Run("settings saved through MCP reach the background", func(t *testing.T) {
		result, err := a.server.ExecuteTool("save-settings", map[string]interface{}{
			"settings": map[string]interface{}{"GEMINI_API_KEY": "key", "ACTIVE_MODE": "coding"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if m, _ := result.(map[string]interface{}); m["success"] != true {
			t.Fatalf("save failed: %v", result)
		}

		cmd, _ := bus.NewCommand(bus.ActionGetConfig, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := a.bus.Request(ctx, bus.TabAddress("probe"), bus.Background, cmd)
		if err != nil {
			t.Fatal(err)
		}
		var view bus.ConfigView
		if err := resp.Decode(&view); err != nil {
			t.Fatal(err)
		}
		if view.Mode != "coding" || len(view.Providers) != 1 || view.Providers[0] != "gemini" || !view.SetupDone {
			t.Errorf("unexpected config view %+v", view)
		}
	})

	t.Run("settings persisted to disk", func(t *testing.T) {
		data, err := os.ReadFile(cfg.Store.Path)
		if err != nil {
			t.Fatalf("settings file missing: %v", err)
		}
		if !strings.Contains(string(data), "ACTIVE_MODE") {
			t.Errorf("unexpected settings file %s", data)
		}
	})

	t.Run("recorder trace opened", func(t *testing.T) {
		entries, err := os.ReadDir(cfg.Recorder.Dir)
		if err != nil || len(entries) == 0 {
			t.Errorf("expected a trace file in %s (err=%v)", cfg.Recorder.Dir, err)
		}
	})
}

func TestNewAppMemoryStore(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Store.Path = ""
	cfg.Recorder.Enable = false

	a, err := newApp(cfg, slog.Default())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()
	if a.recorder != nil {
		t.Error("expected recorder disabled")
	}
	if _, err := a.server.ExecuteTool("get-settings", nil); err != nil {
		t.Errorf("get-settings failed: %v", err)
	}
}

func TestAppCloseStopsEndpoints(t *testing.T) {
	a, err := newApp(testAppConfig(t), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	a.close()
	if n := len(a.bus.Addresses()); n != 0 {
		t.Errorf("expected no endpoints after close, got %d", n)
	}
	// Second close is a no-op.
	a.close()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNewLoggerStdioWritesFile(t *testing.T) {
	cfg := testAppConfig(t)
	logger, closeLog := newLogger(cfg)
	logger.Info("hello from test", "k", "v")
	closeLog()

	data, err := os.ReadFile(cfg.Server.LogFile)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("unexpected log content %q", data)
	}
	if strings.Contains(string(data), "\x1b[") {
		t.Error("file logs should not carry colour codes")
	}
}
