// Package dispatch fans one analysis request out to every configured provider and joins the
// results under a single request-wide timeout.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/provider"
)

// CallerSource resolves the callers for a configuration snapshot.
type CallerSource interface {
	Callers(snap analysis.Configuration) ([]provider.Caller, error)
}

// Engine runs dispatches. It is safe for concurrent use.
type Engine struct {
	source   CallerSource
	timeouts config.DispatchConfig
	logger   *slog.Logger

	// OnResult observes provider results in arrival order. Results arriving after the
	// request timeout are not reported.
	OnResult func(requestID string, r analysis.ProviderResult)
}

func NewEngine(source CallerSource, timeouts config.DispatchConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, timeouts: timeouts, logger: logger}
}

// Preflight checks the request-independent preconditions in order.
func (e *Engine) Preflight(snap analysis.Configuration) *analysis.RequestError {
	if !snap.Enabled {
		return analysis.NewRequestError(analysis.CodeExtensionDisabled)
	}
	if !snap.HasProvider() {
		return analysis.NewRequestError(analysis.CodeNoProviderConfigured)
	}
	return nil
}

// Timeout returns the request-wide timeout for req.
func (e *Engine) Timeout(req analysis.AnalysisRequest) time.Duration {
	switch {
	case len(req.Media) > 1:
		return e.timeouts.GetMultiFrameTimeout()
	case len(req.Media) == 1:
		return e.timeouts.GetSingleFrameTimeout()
	default:
		return e.timeouts.GetTextTimeout()
	}
}

// Dispatch produces the terminal outcome for req. Provider failures are folded into their
// results; only precondition failures, the timeout and ctx cancellation abort the run.
func (e *Engine) Dispatch(ctx context.Context, req analysis.AnalysisRequest, snap analysis.Configuration) analysis.DispatchOutcome {
	if rerr := e.Preflight(snap); rerr != nil {
		return analysis.Failed(rerr)
	}
	if req.Mode.RequiresMedia() && len(req.Media) == 0 {
		return analysis.Failed(analysis.NewRequestError(analysis.CodeCaptureFailed))
	}
	if req.Mode == analysis.ModeSelection && req.ExtractedText == "" {
		return analysis.Failed(analysis.NewRequestError(analysis.CodeNothingSelected))
	}

	callers, err := e.source.Callers(snap)
	if err != nil {
		e.logger.Error("resolve providers failed", "request", req.ID, "error", err)
		return analysis.Failed(analysis.Errorf(analysis.CodeNoProviderConfigured, "%v", err))
	}
	if len(callers) == 0 {
		return analysis.Failed(analysis.NewRequestError(analysis.CodeNoProviderConfigured))
	}

	timeout := e.Timeout(req)
	input := provider.Input{Prompt: req.Prompt, Media: req.Media, Text: req.ExtractedText}
	results := make([]analysis.ProviderResult, len(callers))

	var mu sync.Mutex
	closed := false
	report := func(i int, r analysis.ProviderResult) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			e.logger.Debug("discarding late provider result", "request", req.ID, "provider", r.Provider)
			return
		}
		results[i] = r
		if e.OnResult != nil {
			e.OnResult(req.ID, r)
		}
	}

	// Provider calls are not tied to ctx: once launched they run to their own per-call timeout.
	callCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i, c := range callers {
		g.Go(func() error {
			report(i, callOne(callCtx, c, input))
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		mu.Lock()
		closed = true
		out := make([]analysis.ProviderResult, len(results))
		copy(out, results)
		mu.Unlock()
		return analysis.Succeeded(out)
	case <-timer.C:
		mu.Lock()
		closed = true
		mu.Unlock()
		e.logger.Warn("dispatch timed out", "request", req.ID, "timeout", timeout, "providers", len(callers))
		return analysis.Failed(analysis.NewRequestError(analysis.CodeRequestTimedOut))
	case <-ctx.Done():
		mu.Lock()
		closed = true
		mu.Unlock()
		return analysis.Failed(analysis.NewRequestError(analysis.CodeConnectionLost))
	}
}

// callOne converts any failure, including a panic, into that provider's error result.
func callOne(ctx context.Context, c provider.Caller, in provider.Input) (res analysis.ProviderResult) {
	id := c.ID()
	defer func() {
		if r := recover(); r != nil {
			res = analysis.ErrorResult(id, fmt.Sprintf("provider panicked: %v", r))
		}
	}()

	text, err := c.Call(ctx, in)
	if err != nil {
		return analysis.ErrorResult(id, err.Error())
	}
	return analysis.TextResult(id, text)
}
