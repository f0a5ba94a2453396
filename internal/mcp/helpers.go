package mcp

import (
	"context"
	"fmt"
	"time"

	"pageanalyzer-mcp-server/internal/bus"
)

// agentRequestTimeout bounds a single bus round trip to an in-page agent.
const agentRequestTimeout = 5 * time.Second

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	m, _ := args[key].(map[string]interface{})
	return m
}

func failure(format string, a ...interface{}) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": fmt.Sprintf(format, a...)}
}

// askAgent sends one request to the agent of sessionID from the options address.
func askAgent(ctx context.Context, b *bus.Bus, sessionID, action string, out interface{}) error {
	cmd, err := bus.NewCommand(action, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, agentRequestTimeout)
	defer cancel()

	resp, err := b.Request(ctx, bus.Options, bus.TabAddress(sessionID), cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.ErrorMessage)
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// tabSessions lists the page sessions that currently run an agent.
func tabSessions(b *bus.Bus) []string {
	var out []string
	for _, addr := range b.Addresses() {
		if id, ok := addr.SessionID(); ok {
			out = append(out, id)
		}
	}
	return out
}
