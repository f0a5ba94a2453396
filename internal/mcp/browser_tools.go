package mcp

import (
	"context"
	"errors"

	"pageanalyzer-mcp-server/internal/browser"
)

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	browser BrowserControl
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start the Chrome instance that hosts analyzed pages.

CALL THIS FIRST unless the server was started with auto_start.

WHAT IT DOES:
- Launches Chrome (or attaches to debugger_url when configured)
- Returns the DevTools control URL
- Idempotent: safe to call if already running

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.browser.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.browser.ControlURL(),
		}, nil
	}

	if err := t.browser.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.browser.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and every page agent.
type ShutdownBrowserTool struct {
	browser BrowserControl
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop Chrome and close every open page.

Each page's agent is torn down with it; in-flight analysis requests fail
with "connection lost" and their late results are discarded.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.browser.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

// OpenPageTool opens a page; an agent is injected once it loads.
type OpenPageTool struct {
	browser BrowserControl
}

func (t *OpenPageTool) Name() string { return "open-page" }
func (t *OpenPageTool) Description() string {
	return `Open a URL in a new page session.

The in-page agent bootstraps after the document loads. In quiz mode with
auto capture on it starts analyzing right away; otherwise use trigger-analysis.

Returns: {session: {id, url, status}} - pass the id to trigger-analysis and get-results.`
}
func (t *OpenPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Page to open",
			},
		},
		"required": []string{"url"},
	}
}
func (t *OpenPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return failure("url is required"), nil
	}
	session, err := t.browser.CreateSession(ctx, url)
	if errors.Is(err, browser.ErrNotConnected) {
		return failure("browser not running; call launch-browser first"), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": session}, nil
}

type ListPagesTool struct {
	browser BrowserControl
}

func (t *ListPagesTool) Name() string { return "list-pages" }
func (t *ListPagesTool) Description() string {
	return `List tracked page sessions, oldest first.

Sessions restored from a previous run are reported as "detached" and have no agent.

Returns: {connected, pages: [{id, url, title, status}]}`
}
func (t *ListPagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListPagesTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"connected": t.browser.IsConnected(),
		"pages":     t.browser.List(),
	}, nil
}

type ClosePageTool struct {
	browser BrowserControl
}

func (t *ClosePageTool) Name() string { return "close-page" }
func (t *ClosePageTool) Description() string {
	return `Close a page session and stop its agent.`
}
func (t *ClosePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ClosePageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return failure("session_id is required"), nil
	}
	err := t.browser.CloseSession(ctx, sessionID)
	if errors.Is(err, browser.ErrUnknownSession) {
		return failure("session not found: %s", sessionID), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session_id": sessionID}, nil
}
