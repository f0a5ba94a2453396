package mcp

import (
	"context"
	"fmt"
	"sort"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/store"
)

// GetSettingsTool reports the stored settings with credentials redacted.
type GetSettingsTool struct {
	cfg   config.Config
	store store.Store
}

func (t *GetSettingsTool) Name() string { return "get-settings" }
func (t *GetSettingsTool) Description() string {
	return `Read the analyzer settings.

Credential keys are reported as true/false (set or not), never as values.

Returns: {settings: {KEY: value}, effective: {enabled, mode, auto_capture, setup_complete, providers}}`
}
func (t *GetSettingsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetSettingsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	values, err := t.store.Get(ctx, store.SnapshotKeys(t.cfg))
	if err != nil {
		return nil, err
	}
	snap, err := store.LoadConfiguration(ctx, t.store, t.cfg)
	if err != nil {
		return nil, err
	}
	providers := snap.Configured
	if providers == nil {
		providers = []string{}
	}
	return map[string]interface{}{
		"settings": store.Redacted(values, t.cfg.CredentialKeys()),
		"effective": map[string]interface{}{
			"enabled":        snap.Enabled,
			"mode":           snap.Mode,
			"auto_capture":   snap.AutoCapture,
			"setup_complete": snap.SetupDone,
			"providers":      providers,
		},
	}, nil
}

// SaveSettingsTool writes settings and tells every open page to reload them.
type SaveSettingsTool struct {
	cfg   config.Config
	store store.Store
	bus   *bus.Bus
}

func (t *SaveSettingsTool) Name() string { return "save-settings" }
func (t *SaveSettingsTool) Description() string {
	return `Save analyzer settings and notify open pages.

KEYS:
- EXTENSION_ENABLED (bool)
- ACTIVE_MODE ("quiz" | "coding" | "selection")
- QUIZ_AUTO_CAPTURE (bool)
- SETUP_COMPLETE (bool)
- one API key per provider (see pageanalyzer://about); "" or null removes it

Saving any API key marks setup complete unless SETUP_COMPLETE is given.
Every open page reloads and picks up the new settings.`
}
func (t *SaveSettingsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"settings": map[string]interface{}{
				"type":        "object",
				"description": "Map of setting key to value",
			},
		},
		"required": []string{"settings"},
	}
}
func (t *SaveSettingsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw := getMapArg(args, "settings")
	if len(raw) == 0 {
		return failure("settings is required"), nil
	}

	values, err := normalizeSettings(t.cfg, raw)
	if err != nil {
		return failure("%v", err), nil
	}
	if _, explicit := values[store.KeySetupDone]; !explicit && savesCredential(t.cfg, values) {
		values[store.KeySetupDone] = true
	}

	if err := t.store.Set(ctx, values); err != nil {
		return nil, err
	}
	snap, err := store.LoadConfiguration(ctx, t.store, t.cfg)
	if err != nil {
		return nil, err
	}
	notified, err := notifyModeChanged(t.bus, snap.Mode)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":  true,
		"saved":    store.SortedKeys(values),
		"notified": notified,
	}, nil
}

// SetModeTool switches the active analysis mode.
type SetModeTool struct {
	store store.Store
	bus   *bus.Bus
}

func (t *SetModeTool) Name() string { return "set-mode" }
func (t *SetModeTool) Description() string {
	return `Switch the analysis mode and reload every open page.

MODES:
- quiz: screenshot of the visible viewport (auto capture unless disabled)
- coding: scrolling screenshots plus page text (manual trigger)
- selection: the selected text only (manual trigger)`
}
func (t *SetModeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type": "string",
				"enum": []string{string(analysis.ModeQuiz), string(analysis.ModeCoding), string(analysis.ModeSelection)},
			},
		},
		"required": []string{"mode"},
	}
}
func (t *SetModeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	mode := analysis.Mode(getStringArg(args, "mode"))
	if !mode.Valid() {
		return failure("invalid mode %q (use quiz, coding or selection)", mode), nil
	}
	if err := t.store.Set(ctx, map[string]any{store.KeyMode: string(mode)}); err != nil {
		return nil, err
	}
	notified, err := notifyModeChanged(t.bus, mode)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "mode": mode, "notified": notified}, nil
}

func notifyModeChanged(b *bus.Bus, mode analysis.Mode) (int, error) {
	cmd, err := bus.NewCommand(bus.ActionModeChanged, bus.ModeChangedPayload{Mode: string(mode)})
	if err != nil {
		return 0, err
	}
	return b.BroadcastTabs(bus.Options, cmd)
}

// normalizeSettings validates keys and value types. Empty credentials become nil, which
// deletes them from the store.
func normalizeSettings(cfg config.Config, raw map[string]interface{}) (map[string]any, error) {
	credential := make(map[string]bool)
	for _, k := range cfg.CredentialKeys() {
		credential[k] = true
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(raw))
	for _, k := range keys {
		v := raw[k]
		switch {
		case k == store.KeyMode:
			s, _ := v.(string)
			if !analysis.Mode(s).Valid() {
				return nil, fmt.Errorf("invalid %s %v (use quiz, coding or selection)", k, v)
			}
			out[k] = s
		case k == store.KeyEnabled || k == store.KeyAutoCapture || k == store.KeySetupDone:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%s must be a boolean", k)
			}
			out[k] = b
		case credential[k]:
			if v == nil {
				out[k] = nil
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a string", k)
			}
			if s == "" {
				out[k] = nil
				continue
			}
			out[k] = s
		default:
			return nil, fmt.Errorf("unknown setting %q", k)
		}
	}
	return out, nil
}

func savesCredential(cfg config.Config, values map[string]any) bool {
	for _, k := range cfg.CredentialKeys() {
		if s, ok := values[k].(string); ok && s != "" {
			return true
		}
	}
	return false
}
