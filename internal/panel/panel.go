// Package panel renders the tabbed results sidebar injected into the visited page.
//
// The renderer owns all panel state. Every mutation re-renders the full markup into a View,
// which is expected to replace the contents of a style-isolated root. Provider results are
// applied in arrival order: tabs are created lazily and updated in place, never removed
// mid-run. A request-level failure replaces the tab strip with a single "Error" tab.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Status is the state of one tab.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorTabID is the ID of the synthetic tab shown for request-level failures.
const ErrorTabID = "error"

// Tab is one provider's slot in the panel.
type Tab struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Status  Status `json:"status"`
	Content string `json:"content"`
}

// State is a copy of the panel state.
type State struct {
	RunID     string `json:"run_id,omitempty"`
	Tabs      []Tab  `json:"tabs"`
	Active    string `json:"active,omitempty"`
	Expanded  bool   `json:"expanded"`
	Loading   bool   `json:"loading"`
	Manual    bool   `json:"manual"`
	Finalized bool   `json:"finalized"`
	Mounted   bool   `json:"mounted"`
	Closed    bool   `json:"closed"`
}

// View displays rendered markup. Render replaces whatever was shown before.
type View interface {
	Render(ctx context.Context, markup string) error
	Unmount(ctx context.Context) error
}

// Event actions delivered by a View.
const (
	EventToggle  = "toggle"
	EventSelect  = "select"
	EventClose   = "close"
	EventTrigger = "trigger"
)

// Event is a user interaction inside the panel.
type Event struct {
	Action string `json:"action"`
	Tab    string `json:"tab,omitempty"`
}

// Renderer drives one panel. It is safe for concurrent use.
type Renderer struct {
	mu     sync.Mutex
	view   View
	labels map[string]string
	logger *slog.Logger
	state  State

	onTrigger func()
}

func NewRenderer(view View, labels map[string]string, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return &Renderer{view: view, labels: labels, logger: logger}
}

// OnTrigger sets the callback run when the manual trigger button is clicked.
func (r *Renderer) OnTrigger(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrigger = fn
}

// Mount injects the panel once. Later calls only update the manual flag.
func (r *Renderer) Mount(ctx context.Context, manual bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed {
		return nil
	}
	r.state.Manual = manual
	r.state.Mounted = true
	if !manual && r.state.RunID == "" {
		r.state.Loading = true
	}
	return r.renderLocked(ctx)
}

// Begin starts a new run, clearing the results of any previous one.
func (r *Renderer) Begin(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed {
		return nil
	}
	r.state.RunID = runID
	r.state.Tabs = nil
	r.state.Active = ""
	r.state.Loading = true
	r.state.Finalized = false
	return r.renderLocked(ctx)
}

// Apply shows one streamed result of the current run. Results for another run or arriving
// after the run completed are ignored.
func (r *Renderer) Apply(ctx context.Context, runID string, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed || r.state.Finalized || runID != r.state.RunID {
		return nil
	}
	r.applyLocked(res.Provider, res.Text, res.Error)
	return r.renderLocked(ctx)
}

// Result is the subset of a provider result the panel consumes.
type Result struct {
	Provider string
	Text     *string
	Error    *string
}

// Complete finalizes the current run with its ordered results, or with a request-level
// error message when errMsg is non-empty.
func (r *Renderer) Complete(ctx context.Context, runID string, results []Result, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed || runID != r.state.RunID || r.state.Finalized {
		return nil
	}
	if errMsg != "" {
		r.failLocked(errMsg)
		return r.renderLocked(ctx)
	}
	for _, res := range results {
		r.applyLocked(res.Provider, res.Text, res.Error)
	}
	r.state.Loading = false
	r.state.Finalized = true
	return r.renderLocked(ctx)
}

// Fail ends the current run with a request-level error.
func (r *Renderer) Fail(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed {
		return nil
	}
	r.failLocked(message)
	return r.renderLocked(ctx)
}

// Toggle flips between collapsed and expanded.
func (r *Renderer) Toggle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed {
		return nil
	}
	r.state.Expanded = !r.state.Expanded
	return r.renderLocked(ctx)
}

// SetExpanded is idempotent: repeating the same value re-renders nothing.
func (r *Renderer) SetExpanded(ctx context.Context, expanded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed || r.state.Expanded == expanded {
		return nil
	}
	r.state.Expanded = expanded
	return r.renderLocked(ctx)
}

// Select activates a tab. Unknown tabs are ignored.
func (r *Renderer) Select(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed || r.indexLocked(id) < 0 || r.state.Active == id {
		return nil
	}
	r.state.Active = id
	return r.renderLocked(ctx)
}

// Close removes the panel from the page. Further updates are ignored.
func (r *Renderer) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Closed {
		return nil
	}
	r.state.Closed = true
	r.state.Expanded = false
	if !r.state.Mounted {
		return nil
	}
	r.state.Mounted = false
	return r.view.Unmount(ctx)
}

// HandleEvent applies a user interaction reported by the View.
func (r *Renderer) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Action {
	case EventToggle:
		return r.Toggle(ctx)
	case EventSelect:
		return r.Select(ctx, ev.Tab)
	case EventClose:
		return r.Close(ctx)
	case EventTrigger:
		r.mu.Lock()
		fn := r.onTrigger
		r.mu.Unlock()
		if fn != nil {
			go fn()
		}
		return nil
	default:
		return fmt.Errorf("unknown panel event %q", ev.Action)
	}
}

// Snapshot returns a copy of the current state.
func (r *Renderer) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state
	out.Tabs = append([]Tab(nil), r.state.Tabs...)
	return out
}

// Markup renders the current state without touching the View.
func (r *Renderer) Markup() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return renderMarkup(r.state)
}

func (r *Renderer) applyLocked(provider string, text, errMsg *string) {
	i := r.indexLocked(provider)
	if i < 0 {
		r.state.Tabs = append(r.state.Tabs, Tab{ID: provider, Label: r.label(provider), Status: StatusPending})
		i = len(r.state.Tabs) - 1
	}
	tab := &r.state.Tabs[i]
	switch {
	case errMsg != nil:
		tab.Status = StatusError
		tab.Content = *errMsg
	case text != nil:
		tab.Status = StatusSuccess
		tab.Content = *text
	}
	if r.state.Active == "" {
		r.state.Active = provider
	}
}

func (r *Renderer) failLocked(message string) {
	if message == "" {
		message = "Unknown error"
	}
	r.state.Tabs = []Tab{{ID: ErrorTabID, Label: "Error", Status: StatusError, Content: message}}
	r.state.Active = ErrorTabID
	r.state.Loading = false
	r.state.Finalized = true
}

func (r *Renderer) indexLocked(id string) int {
	for i, t := range r.state.Tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (r *Renderer) label(id string) string {
	name := r.labels[id]
	if name == "" {
		name = id
	}
	if icon, ok := providerIcons[id]; ok {
		return icon + " " + name
	}
	return name
}

func (r *Renderer) renderLocked(ctx context.Context) error {
	if !r.state.Mounted {
		return nil
	}
	markup, err := renderMarkup(r.state)
	if err != nil {
		return err
	}
	if err := r.view.Render(ctx, markup); err != nil {
		r.logger.Warn("panel render failed", "error", err)
		return fmt.Errorf("render panel: %w", err)
	}
	return nil
}

var providerIcons = map[string]string{
	"gemini":      "🔷",
	"groq":        "⚡",
	"huggingface": "🤗",
	"together":    "🌐",
}
