package bus

import "pageanalyzer-mcp-server/internal/analysis"

// ActionProviderResult streams one provider result from the background to the requesting tab.
const ActionProviderResult = "PROVIDER_RESULT"

type AnalyzePagePayload struct {
	RequestID string `json:"requestId,omitempty"`
	Prompt    string `json:"prompt"`
}

type AnalyzeMultiPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Prompt    string `json:"prompt"`
	// Screenshots are data URLs in capture order.
	Screenshots []string `json:"screenshots"`
	Offsets     []int    `json:"offsets,omitempty"`
	PageText    string   `json:"pageText,omitempty"`
}

type AnalyzeSelectionPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Prompt    string `json:"prompt"`
	Text      string `json:"text"`
}

// CaptureResult answers CAPTURE_VIEWPORT.
type CaptureResult struct {
	DataURL string `json:"dataUrl"`
	Offset  int    `json:"offset"`
}

// ConfigView answers GET_CONFIG. Credential values never leave the background.
type ConfigView struct {
	Enabled     bool     `json:"enabled"`
	Mode        string   `json:"mode"`
	AutoCapture bool     `json:"autoCapture"`
	SetupDone   bool     `json:"setupComplete"`
	Providers   []string `json:"providers"`
}

type ModeChangedPayload struct {
	Mode string `json:"mode"`
}

type ProviderResultPayload struct {
	RequestID string                  `json:"requestId"`
	Result    analysis.ProviderResult `json:"result"`
}

// TriggerPayload asks an agent to run its mode's analysis now.
type TriggerPayload struct {
	Mode string `json:"mode,omitempty"`
}
