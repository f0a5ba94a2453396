// Package agent is the in-page mode controller. One Agent runs per page session: it reads
// the configuration from the background at bootstrap, mounts the results panel and runs the
// active mode's analysis path when triggered.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/capture"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/panel"
)

var (
	// ErrIdle is returned when the agent has no panel because the analyzer is disabled or no
	// provider is configured.
	ErrIdle = errors.New("agent is idle")
	// ErrBusy is returned when a run is already in flight.
	ErrBusy = errors.New("analysis already running")
)

// Page is what the agent can do with its page directly. Screenshots are not on the list:
// they are privileged and go through the background.
type Page interface {
	ScrollOffset(ctx context.Context) (int, error)
	ScrollTo(ctx context.Context, y int) error
	Metrics(ctx context.Context) (capture.Metrics, error)
	PageText(ctx context.Context) (string, error)
	SelectedText(ctx context.Context) (string, error)
}

// Status is the agent lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// Options configures an Agent.
type Options struct {
	SessionID string
	Bus       *bus.Bus
	Page      Page
	View      panel.View
	Agent     config.AgentConfig
	Capture   config.CaptureConfig
	Labels    map[string]string
	Logger    *slog.Logger
}

// Agent is the controller of one page. It is safe for concurrent use.
type Agent struct {
	opts   Options
	addr   bus.Address
	logger *slog.Logger
	// Each agent captures through its own gate; the background serializes captures globally.
	gate *capture.Gate

	reloadMu sync.Mutex
	mu       sync.Mutex
	ep       *bus.Endpoint
	status   Status
	mode     analysis.Mode
	renderer *panel.Renderer
	genCtx   context.Context
	cancel   context.CancelFunc
	lastErr  string
}

func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		opts:   opts,
		addr:   bus.TabAddress(opts.SessionID),
		logger: logger.With("session", opts.SessionID),
		gate:   capture.NewGate(),
		status: StatusStarting,
	}
}

// Address is the agent's bus address.
func (a *Agent) Address() bus.Address {
	return a.addr
}

// Start registers the agent on the bus and bootstraps it in the background.
func (a *Agent) Start() {
	ep := a.opts.Bus.Register(a.addr, a.handle)
	a.mu.Lock()
	a.ep = ep
	a.mu.Unlock()
	go a.bootstrap()
}

// Stop tears the agent down: the panel is removed and pending requests to it fail.
func (a *Agent) Stop() {
	a.mu.Lock()
	ep, r, cancel := a.ep, a.renderer, a.cancel
	a.ep, a.renderer, a.cancel = nil, nil, nil
	a.status = StatusStopped
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r != nil {
		_ = r.Close(context.Background())
	}
	if ep != nil {
		ep.Close()
	}
}

// Status reports the lifecycle state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Mode returns the mode read at the last bootstrap.
func (a *Agent) Mode() analysis.Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Panel returns a copy of the panel state, or false when no panel is mounted.
func (a *Agent) Panel() (panel.State, bool) {
	a.mu.Lock()
	r := a.renderer
	a.mu.Unlock()
	if r == nil {
		return panel.State{}, false
	}
	return r.Snapshot(), true
}

// HandlePanelEvent forwards a user interaction from the view.
func (a *Agent) HandlePanelEvent(ctx context.Context, ev panel.Event) error {
	a.mu.Lock()
	r := a.renderer
	a.mu.Unlock()
	if r == nil {
		return ErrIdle
	}
	return r.HandleEvent(ctx, ev)
}

// Reload closes the panel and bootstraps again, picking up a new mode or configuration.
// Concurrent reloads run one after another.
func (a *Agent) Reload() {
	a.reloadMu.Lock()
	a.mu.Lock()
	r, cancel := a.renderer, a.cancel
	a.renderer, a.cancel = nil, nil
	stopped := a.status == StatusStopped
	if !stopped {
		a.status = StatusStarting
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r != nil {
		_ = r.Close(context.Background())
	}
	if stopped {
		a.reloadMu.Unlock()
		return
	}
	genCtx, auto := a.install()
	a.reloadMu.Unlock()
	a.autoRun(genCtx, auto)
}

func (a *Agent) bootstrap() {
	a.reloadMu.Lock()
	genCtx, auto := a.install()
	a.reloadMu.Unlock()
	a.autoRun(genCtx, auto)
}

// install reads the configuration and mounts a fresh panel. The caller holds reloadMu.
func (a *Agent) install() (context.Context, bool) {
	genCtx, cancel := context.WithCancel(context.Background())

	ctx, stop := context.WithTimeout(genCtx, 10*time.Second)
	view, err := a.fetchConfig(ctx)
	stop()
	if err != nil {
		cancel()
		a.logger.Warn("could not read configuration", "error", err)
		a.setIdle(err.Error())
		return nil, false
	}
	if !view.Enabled {
		cancel()
		a.logger.Info("analyzer disabled, staying idle")
		a.setIdle(analysis.NewRequestError(analysis.CodeExtensionDisabled).Message)
		return nil, false
	}
	if len(view.Providers) == 0 {
		cancel()
		a.logger.Info("no provider configured, staying idle")
		a.setIdle(analysis.NewRequestError(analysis.CodeNoProviderConfigured).Message)
		return nil, false
	}

	mode := analysis.ParseMode(view.Mode)
	auto := mode == analysis.ModeQuiz && view.AutoCapture

	r := panel.NewRenderer(a.opts.View, a.opts.Labels, a.logger)
	r.OnTrigger(func() {
		if err := a.Trigger(genCtx); err != nil && !errors.Is(err, ErrBusy) {
			a.logger.Debug("triggered run failed", "error", err)
		}
	})

	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		cancel()
		return nil, false
	}
	prev, prevCancel := a.renderer, a.cancel
	a.renderer, a.mode, a.genCtx, a.cancel = r, mode, genCtx, cancel
	a.lastErr = ""
	a.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		_ = prev.Close(context.Background())
	}

	if err := r.Mount(genCtx, !auto); err != nil {
		a.logger.Warn("mount panel failed", "error", err)
	}
	a.mu.Lock()
	if a.status == StatusStarting {
		a.status = StatusReady
	}
	a.mu.Unlock()
	a.logger.Info("agent ready", "mode", mode, "auto", auto)
	return genCtx, auto
}

// autoRun starts the quiz run after the bootstrap delay when auto capture is on.
func (a *Agent) autoRun(genCtx context.Context, auto bool) {
	if !auto {
		return
	}
	select {
	case <-time.After(a.opts.Agent.GetBootstrapDelay()):
	case <-genCtx.Done():
		return
	}
	if err := a.Trigger(genCtx); err != nil && !errors.Is(err, ErrBusy) {
		a.logger.Debug("auto capture run failed", "error", err)
	}
}

func (a *Agent) setIdle(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusStopped {
		return
	}
	a.status = StatusIdle
	a.lastErr = reason
}

// IdleReason explains why the agent is idle.
func (a *Agent) IdleReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Agent) fetchConfig(ctx context.Context) (bus.ConfigView, error) {
	var view bus.ConfigView
	cmd, err := bus.NewCommand(bus.ActionGetConfig, nil)
	if err != nil {
		return view, err
	}
	resp, err := a.opts.Bus.Request(ctx, a.addr, bus.Background, cmd)
	if err != nil {
		return view, err
	}
	if !resp.Success {
		return view, errors.New(resp.ErrorMessage)
	}
	err = resp.Decode(&view)
	return view, err
}

// Trigger runs the active mode's analysis and waits for it to finish. The panel shows the
// outcome; the returned error is the request-level failure, if any.
func (a *Agent) Trigger(ctx context.Context) error {
	a.mu.Lock()
	r, mode := a.renderer, a.mode
	if r == nil {
		a.mu.Unlock()
		return ErrIdle
	}
	if a.status == StatusRunning {
		a.mu.Unlock()
		return ErrBusy
	}
	runID := uuid.NewString()
	a.status = StatusRunning
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.status == StatusRunning {
			a.status = StatusReady
		}
		a.mu.Unlock()
	}()

	if err := r.Begin(ctx, runID); err != nil {
		a.logger.Warn("render failed", "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout(mode))
	defer cancel()
	results, err := a.analyze(runCtx, mode, runID)

	errMsg := ""
	if err != nil {
		errMsg = failureMessage(err)
		a.logger.Info("analysis failed", "mode", mode, "run", runID, "error", err)
	}
	if err := r.Complete(context.WithoutCancel(ctx), runID, panelResults(results), errMsg); err != nil {
		a.logger.Warn("render failed", "error", err)
	}
	return err
}

func (a *Agent) timeout(mode analysis.Mode) time.Duration {
	switch mode {
	case analysis.ModeCoding:
		return a.opts.Agent.GetCodingTimeout()
	case analysis.ModeSelection:
		return a.opts.Agent.GetSelectionTimeout()
	default:
		return a.opts.Agent.GetQuizTimeout()
	}
}

func (a *Agent) analyze(ctx context.Context, mode analysis.Mode, runID string) ([]analysis.ProviderResult, error) {
	switch mode {
	case analysis.ModeCoding:
		return a.analyzeCoding(ctx, runID)
	case analysis.ModeSelection:
		return a.analyzeSelection(ctx, runID)
	default:
		return a.request(ctx, bus.ActionAnalyzePage, bus.AnalyzePagePayload{RequestID: runID})
	}
}

func (a *Agent) analyzeCoding(ctx context.Context, runID string) ([]analysis.ProviderResult, error) {
	ctrl := capture.NewController(a.opts.Capture, a.gate, capture.WithLogger(a.logger))

	frames, err := ctrl.Scroll(ctx, &proxySurface{agent: a})
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, analysis.NewRequestError(analysis.CodeCaptureFailed)
	}

	text, err := a.opts.Page.PageText(ctx)
	if err != nil {
		a.logger.Warn("page text extraction failed", "error", err)
		text = ""
	}

	payload := bus.AnalyzeMultiPayload{RequestID: runID, PageText: text}
	for _, f := range frames {
		payload.Screenshots = append(payload.Screenshots, f.DataURL())
		payload.Offsets = append(payload.Offsets, f.ViewportOffset)
	}
	return a.request(ctx, bus.ActionAnalyzePageMulti, payload)
}

func (a *Agent) analyzeSelection(ctx context.Context, runID string) ([]analysis.ProviderResult, error) {
	text, err := a.opts.Page.SelectedText(ctx)
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, analysis.NewRequestError(analysis.CodeNothingSelected)
	}
	return a.request(ctx, bus.ActionAnalyzeSelection, bus.AnalyzeSelectionPayload{RequestID: runID, Text: text})
}

// remoteError is a failure reported by the background; its message is shown as is.
type remoteError struct {
	message string
}

func (e *remoteError) Error() string { return e.message }

func (a *Agent) request(ctx context.Context, action string, payload any) ([]analysis.ProviderResult, error) {
	cmd, err := bus.NewCommand(action, payload)
	if err != nil {
		return nil, err
	}
	resp, err := a.opts.Bus.Request(ctx, a.addr, bus.Background, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &remoteError{message: resp.ErrorMessage}
	}
	var results []analysis.ProviderResult
	if err := resp.Decode(&results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

// failureMessage maps a run failure to the text shown in the Error tab.
func failureMessage(err error) string {
	var remote *remoteError
	switch {
	case errors.As(err, &remote):
		return remote.message
	case errors.Is(err, context.DeadlineExceeded):
		return analysis.NewRequestError(analysis.CodeRequestTimedOut).Message
	case errors.Is(err, bus.ErrConnectionLost), errors.Is(err, context.Canceled):
		return analysis.NewRequestError(analysis.CodeConnectionLost).Message
	}
	if rerr, ok := analysis.AsRequestError(err); ok {
		return rerr.Message
	}
	return err.Error()
}

func (a *Agent) handle(ctx context.Context, msg bus.Message, respond bus.Responder) {
	switch msg.Command.Action {
	case bus.ActionProviderResult:
		var p bus.ProviderResultPayload
		if err := msg.Command.Decode(&p); err != nil {
			respond(bus.Fail(err.Error()))
			return
		}
		a.mu.Lock()
		r := a.renderer
		a.mu.Unlock()
		if r != nil {
			_ = r.Apply(ctx, p.RequestID, panelResult(p.Result))
		}
		respond(bus.OK(nil))
	case bus.ActionModeChanged:
		respond(bus.OK(nil))
		a.Reload()
	case bus.ActionTriggerAnalysis:
		a.mu.Lock()
		idle := a.renderer == nil
		genCtx := a.genCtx
		a.mu.Unlock()
		if idle {
			respond(bus.Fail(ErrIdle.Error()))
			return
		}
		respond(bus.OK(nil))
		if err := a.Trigger(genCtx); err != nil && !errors.Is(err, ErrBusy) {
			a.logger.Debug("remote trigger failed", "error", err)
		}
	case bus.ActionGetPanel:
		state, ok := a.Panel()
		if !ok {
			respond(bus.Fail(ErrIdle.Error()))
			return
		}
		respond(bus.OK(state))
	default:
		respond(bus.Fail(fmt.Sprintf("unknown action %q", msg.Command.Action)))
	}
}

func panelResult(r analysis.ProviderResult) panel.Result {
	return panel.Result{Provider: r.Provider, Text: r.Text, Error: r.Error}
}

func panelResults(results []analysis.ProviderResult) []panel.Result {
	out := make([]panel.Result, 0, len(results))
	for _, r := range results {
		out = append(out, panelResult(r))
	}
	return out
}
