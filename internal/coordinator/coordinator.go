// Package coordinator is the background context: it owns credentials, privileged capture
// and provider dispatch, and answers in-page agents over the bus.
package coordinator

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
	"pageanalyzer-mcp-server/internal/dispatch"
	"pageanalyzer-mcp-server/internal/recorder"
	"pageanalyzer-mcp-server/internal/store"
)

// SurfaceResolver maps a page session to the surface privileged captures run against.
type SurfaceResolver interface {
	Surface(sessionID string) (capture.Surface, error)
}

// ErrNoSurface is returned by resolvers that do not know a session.
var ErrNoSurface = errors.New("no capture surface for session")

// Coordinator handles the background endpoint.
type Coordinator struct {
	bus      *bus.Bus
	store    store.Store
	cfg      config.Config
	engine   *dispatch.Engine
	capture  *capture.Controller
	surfaces SurfaceResolver
	rec      *recorder.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]chan analysis.ProviderResult
	last    map[string]RunSummary
}

// RunSummary describes the most recent run for a session.
type RunSummary struct {
	RequestID string                    `json:"request_id"`
	Mode      analysis.Mode             `json:"mode"`
	Started   time.Time                 `json:"started"`
	Duration  time.Duration             `json:"duration_ns"`
	Results   []analysis.ProviderResult `json:"results,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Bus      *bus.Bus
	Store    store.Store
	Config   config.Config
	Engine   *dispatch.Engine
	Capture  *capture.Controller
	Surfaces SurfaceResolver
	Recorder *recorder.Recorder
	Logger   *slog.Logger
}

// New builds a coordinator and hooks the engine's result stream.
func New(d Deps) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		bus:      d.Bus,
		store:    d.Store,
		cfg:      d.Config,
		engine:   d.Engine,
		capture:  d.Capture,
		surfaces: d.Surfaces,
		rec:      d.Recorder,
		logger:   logger,
		streams:  make(map[string]chan analysis.ProviderResult),
		last:     make(map[string]RunSummary),
	}
	d.Engine.OnResult = c.onResult
	return c
}

// Start registers the background endpoint.
func (c *Coordinator) Start() *bus.Endpoint {
	return c.bus.Register(bus.Background, c.Handle)
}

// LastRun returns the latest run summary for a session.
func (c *Coordinator) LastRun(sessionID string) (RunSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.last[sessionID]
	return s, ok
}

// Handle is the background bus handler.
func (c *Coordinator) Handle(ctx context.Context, msg bus.Message, respond bus.Responder) {
	switch msg.Command.Action {
	case bus.ActionAnalyzePage:
		respond(c.analyzePage(ctx, msg))
	case bus.ActionAnalyzePageMulti:
		respond(c.analyzeMulti(ctx, msg))
	case bus.ActionAnalyzeSelection:
		respond(c.analyzeSelection(ctx, msg))
	case bus.ActionCaptureViewport:
		respond(c.captureViewport(ctx, msg))
	case bus.ActionGetConfig:
		respond(c.getConfig(ctx))
	default:
		respond(bus.Fail(fmt.Sprintf("unknown action %q", msg.Command.Action)))
	}
}

func (c *Coordinator) analyzePage(ctx context.Context, msg bus.Message) bus.Response {
	var p bus.AnalyzePagePayload
	if err := msg.Command.Decode(&p); err != nil {
		return bus.Fail(err.Error())
	}
	snap, err := store.LoadConfiguration(ctx, c.store, c.cfg)
	if err != nil {
		return bus.Fail(err.Error())
	}
	if rerr := c.engine.Preflight(snap); rerr != nil {
		return bus.Fail(rerr.Message)
	}

	surface, err := c.surfaceFor(msg.From)
	if err != nil {
		return bus.Fail(analysis.NewRequestError(analysis.CodeCaptureDenied).Message)
	}
	frame, err := c.capture.SingleShot(ctx, surface)
	if err != nil {
		c.logger.Warn("single-shot capture failed", "from", msg.From, "error", err)
		if rerr, ok := analysis.AsRequestError(err); ok {
			return bus.Fail(rerr.Message)
		}
		return bus.Fail(analysis.NewRequestError(analysis.CodeCaptureDenied).Message)
	}

	req := analysis.AnalysisRequest{
		ID:     requestID(p.RequestID),
		Mode:   analysis.ModeQuiz,
		Prompt: c.prompt(p.Prompt, analysis.ModeQuiz),
		Media:  []analysis.CaptureFrame{frame},
	}
	return c.run(ctx, msg.From, req, snap)
}

func (c *Coordinator) analyzeMulti(ctx context.Context, msg bus.Message) bus.Response {
	var p bus.AnalyzeMultiPayload
	if err := msg.Command.Decode(&p); err != nil {
		return bus.Fail(err.Error())
	}
	snap, err := store.LoadConfiguration(ctx, c.store, c.cfg)
	if err != nil {
		return bus.Fail(err.Error())
	}

	frames := make([]analysis.CaptureFrame, 0, len(p.Screenshots))
	for i, raw := range p.Screenshots {
		offset := 0
		if i < len(p.Offsets) {
			offset = p.Offsets[i]
		}
		frame, err := analysis.ParseDataURL(raw, offset)
		if err != nil {
			c.logger.Warn("skipping undecodable frame", "index", i, "error", err)
			continue
		}
		frames = append(frames, frame)
	}

	req := analysis.AnalysisRequest{
		ID:            requestID(p.RequestID),
		Mode:          analysis.ModeCoding,
		Prompt:        c.prompt(p.Prompt, analysis.ModeCoding),
		Media:         frames,
		ExtractedText: p.PageText,
	}
	return c.run(ctx, msg.From, req, snap)
}

func (c *Coordinator) analyzeSelection(ctx context.Context, msg bus.Message) bus.Response {
	var p bus.AnalyzeSelectionPayload
	if err := msg.Command.Decode(&p); err != nil {
		return bus.Fail(err.Error())
	}
	snap, err := store.LoadConfiguration(ctx, c.store, c.cfg)
	if err != nil {
		return bus.Fail(err.Error())
	}
	req := analysis.AnalysisRequest{
		ID:            requestID(p.RequestID),
		Mode:          analysis.ModeSelection,
		Prompt:        c.prompt(p.Prompt, analysis.ModeSelection),
		ExtractedText: strings.TrimSpace(p.Text),
	}
	return c.run(ctx, msg.From, req, snap)
}

func (c *Coordinator) captureViewport(ctx context.Context, msg bus.Message) bus.Response {
	surface, err := c.surfaceFor(msg.From)
	if err != nil {
		return bus.Fail(err.Error())
	}
	frame, err := c.capture.SingleShot(ctx, surface)
	if err != nil {
		if rerr, ok := analysis.AsRequestError(err); ok {
			return bus.Fail(rerr.Message)
		}
		return bus.Fail(err.Error())
	}
	c.rec.Log(recorder.EventCapture, "", map[string]any{"from": msg.From, "bytes": len(frame.ImageData), "offset": frame.ViewportOffset})
	return bus.OK(bus.CaptureResult{DataURL: frame.DataURL(), Offset: frame.ViewportOffset})
}

func (c *Coordinator) getConfig(ctx context.Context) bus.Response {
	snap, err := store.LoadConfiguration(ctx, c.store, c.cfg)
	if err != nil {
		return bus.Fail(err.Error())
	}
	providers := snap.Configured
	if providers == nil {
		providers = []string{}
	}
	return bus.OK(bus.ConfigView{
		Enabled:     snap.Enabled,
		Mode:        string(snap.Mode),
		AutoCapture: snap.AutoCapture,
		SetupDone:   snap.SetupDone,
		Providers:   providers,
	})
}

// run dispatches req and streams each provider result to the sender as it arrives.
func (c *Coordinator) run(ctx context.Context, from bus.Address, req analysis.AnalysisRequest, snap analysis.Configuration) bus.Response {
	started := time.Now()
	// Request IDs come from the sender, so streams are keyed per sender.
	key := streamKey(from, req.ID)
	c.rec.Log(recorder.EventRunStarted, key, map[string]any{
		"from":   from,
		"mode":   req.Mode,
		"frames": len(req.Media),
		"text":   len(req.ExtractedText),
	})

	stream := make(chan analysis.ProviderResult, len(c.cfg.Providers)+1)
	forwarded := make(chan struct{})
	c.mu.Lock()
	c.streams[key] = stream
	c.mu.Unlock()
	go c.forward(from, req.ID, stream, forwarded)

	keyed := req
	keyed.ID = key
	outcome := c.engine.Dispatch(ctx, keyed, snap)

	c.mu.Lock()
	delete(c.streams, key)
	c.mu.Unlock()
	close(stream)
	<-forwarded

	summary := RunSummary{RequestID: req.ID, Mode: req.Mode, Started: started, Duration: time.Since(started), Results: outcome.Results}
	if outcome.Err != nil {
		summary.Error = outcome.Err.Message
	}
	if sid, ok := from.SessionID(); ok {
		c.mu.Lock()
		c.last[sid] = summary
		c.mu.Unlock()
	}
	c.rec.Log(recorder.EventRunFinished, key, map[string]any{
		"ok":       outcome.OK(),
		"results":  len(outcome.Results),
		"error":    summary.Error,
		"duration": summary.Duration.String(),
	})

	if outcome.Err != nil {
		c.logger.Info("analysis failed", "request", req.ID, "mode", req.Mode, "code", outcome.Err.Code)
		return bus.Fail(outcome.Err.Message)
	}
	c.logger.Info("analysis finished", "request", req.ID, "mode", req.Mode, "results", len(outcome.Results), "duration", summary.Duration)
	return bus.OK(outcome.Results)
}

// onResult runs under the engine's result lock, in arrival order. key is the stream key run
// dispatched with.
func (c *Coordinator) onResult(key string, r analysis.ProviderResult) {
	c.rec.Log(recorder.EventProviderResult, key, r)

	c.mu.Lock()
	stream, ok := c.streams[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case stream <- r:
	default:
		c.logger.Debug("result stream full", "request", key, "provider", r.Provider)
	}
}

// forward delivers streamed results one at a time so the receiver sees arrival order.
func (c *Coordinator) forward(to bus.Address, requestID string, stream <-chan analysis.ProviderResult, done chan<- struct{}) {
	defer close(done)
	if _, ok := to.SessionID(); !ok {
		for range stream {
		}
		return
	}
	for r := range stream {
		cmd, err := bus.NewCommand(bus.ActionProviderResult, bus.ProviderResultPayload{RequestID: requestID, Result: r})
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.bus.Request(ctx, bus.Background, to, cmd); err != nil {
			c.logger.Debug("stream result not delivered", "to", to, "request", requestID, "error", err)
		}
		cancel()
	}
}

func (c *Coordinator) surfaceFor(from bus.Address) (capture.Surface, error) {
	sid, ok := from.SessionID()
	if !ok {
		return nil, fmt.Errorf("%s: %w", from, ErrNoSurface)
	}
	if c.surfaces == nil {
		return nil, fmt.Errorf("%s: %w", sid, ErrNoSurface)
	}
	return c.surfaces.Surface(sid)
}

// prompt falls back to the configured prompt for the mode.
func (c *Coordinator) prompt(given string, mode analysis.Mode) string {
	if strings.TrimSpace(given) != "" {
		return given
	}
	switch mode {
	case analysis.ModeCoding:
		return c.cfg.Agent.CodingPrompt
	case analysis.ModeSelection:
		return c.cfg.Agent.SelectionPrompt
	default:
		return c.cfg.Agent.QuizPrompt
	}
}

func streamKey(from bus.Address, id string) string {
	return string(from) + "#" + id
}

func requestID(given string) string {
	if given != "" {
		return given
	}
	return uuid.NewString()
}
