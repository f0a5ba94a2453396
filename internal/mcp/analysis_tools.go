package mcp

import (
	"context"
	"errors"
	"time"

	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/panel"
)

const panelPollInterval = 100 * time.Millisecond

// TriggerAnalysisTool starts a run in a page's agent, like clicking the panel's trigger.
type TriggerAnalysisTool struct {
	bus     *bus.Bus
	timeout time.Duration
}

func (t *TriggerAnalysisTool) Name() string { return "trigger-analysis" }
func (t *TriggerAnalysisTool) Description() string {
	return `Run the active mode's analysis on an open page.

WHAT IT DOES:
- quiz: captures the visible viewport
- coding: scrolls through the page capturing each viewport, plus page text
- selection: sends the currently selected text
Every configured provider is asked in parallel; each gets its own result tab.

By default waits for the run to finish and returns the panel tabs.
Pass wait=false to return immediately and poll get-results.`
}
func (t *TriggerAnalysisTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Page session to analyze",
			},
			"wait": map[string]interface{}{
				"type":        "boolean",
				"description": "Wait for the run to finish (default true)",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait for the run when wait is true",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *TriggerAnalysisTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return failure("session_id is required"), nil
	}

	// The previous run id tells a finished new run apart from the last one.
	var before panel.State
	if err := askAgent(ctx, t.bus, sessionID, bus.ActionGetPanel, &before); err != nil {
		return agentFailure(sessionID, err), nil
	}
	if before.Loading {
		return failure("analysis already running for session %s", sessionID), nil
	}
	if err := askAgent(ctx, t.bus, sessionID, bus.ActionTriggerAnalysis, nil); err != nil {
		return agentFailure(sessionID, err), nil
	}
	if !getBoolArg(args, "wait", true) {
		return map[string]interface{}{"success": true, "session_id": sessionID, "status": "started"}, nil
	}

	timeout := time.Duration(getIntArg(args, "timeout_ms", int(t.timeout/time.Millisecond))) * time.Millisecond
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := waitForRun(waitCtx, t.bus, sessionID, before.RunID)
	if errors.Is(err, context.DeadlineExceeded) {
		return map[string]interface{}{"success": false, "error": "analysis still running", "panel": state}, nil
	}
	if err != nil {
		return agentFailure(sessionID, err), nil
	}
	return map[string]interface{}{"success": true, "session_id": sessionID, "panel": state}, nil
}

// waitForRun polls the agent panel until a run other than previous has finalized.
func waitForRun(ctx context.Context, b *bus.Bus, sessionID, previous string) (panel.State, error) {
	ticker := time.NewTicker(panelPollInterval)
	defer ticker.Stop()

	var state panel.State
	for {
		if err := askAgent(ctx, b, sessionID, bus.ActionGetPanel, &state); err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			return state, err
		}
		if state.RunID != "" && state.RunID != previous && state.Finalized {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetResultsTool reads a page's panel and the coordinator's record of its last run.
type GetResultsTool struct {
	bus  *bus.Bus
	runs RunHistory
}

func (t *GetResultsTool) Name() string { return "get-results" }
func (t *GetResultsTool) Description() string {
	return `Read the analysis results shown on a page.

Returns: {panel: {run_id, tabs: [{id, label, status, content}], loading, finalized},
last_run: {request_id, mode, duration_ns, results, error}}`
}
func (t *GetResultsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Page session to read",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *GetResultsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return failure("session_id is required"), nil
	}

	out := map[string]interface{}{"success": true, "session_id": sessionID}
	if t.runs != nil {
		if run, ok := t.runs.LastRun(sessionID); ok {
			out["last_run"] = run
		}
	}

	var state panel.State
	if err := askAgent(ctx, t.bus, sessionID, bus.ActionGetPanel, &state); err != nil {
		if _, ok := out["last_run"]; !ok {
			return agentFailure(sessionID, err), nil
		}
		out["panel_error"] = err.Error()
		return out, nil
	}
	out["panel"] = state
	return out, nil
}

func agentFailure(sessionID string, err error) map[string]interface{} {
	if errors.Is(err, bus.ErrConnectionLost) {
		return failure("no agent running for session %s", sessionID)
	}
	return failure("session %s: %v", sessionID, err)
}
