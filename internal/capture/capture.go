// Package capture owns viewport capture: a single-shot path and a bounded scrolling scan
// that always restores the original scroll position.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/config"
)

// ErrCaptureDenied is returned by a Surface that refuses to capture (restricted pages).
var ErrCaptureDenied = errors.New("capture denied")

// Metrics describes the scrollable document.
type Metrics struct {
	DocumentHeight int
	ViewportHeight int
}

// Surface is the page being captured.
type Surface interface {
	CaptureVisibleViewport(ctx context.Context, format string, quality int) ([]byte, error)
	ScrollOffset(ctx context.Context) (int, error)
	ScrollTo(ctx context.Context, y int) error
	Metrics(ctx context.Context) (Metrics, error)
}

// Gate serializes captures system-wide. The zero value is not usable; use NewGate.
type Gate struct {
	slot chan struct{}
}

func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the capture slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	<-g.slot
}

// Controller runs captures against surfaces.
type Controller struct {
	gate        *Gate
	maxCaptures int
	settle      time.Duration
	format      string
	quality     int
	logger      *slog.Logger
	sleep       func(time.Duration)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the settle wait, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController builds a controller from capture config. All controllers sharing gate
// capture one frame at a time.
func NewController(cfg config.CaptureConfig, gate *Gate, opts ...Option) *Controller {
	if gate == nil {
		gate = NewGate()
	}
	c := &Controller{
		gate:        gate,
		maxCaptures: cfg.GetMaxCaptures(),
		settle:      cfg.GetSettleDelay(),
		format:      cfg.GetFormat(),
		quality:     cfg.GetQuality(),
		logger:      slog.Default(),
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxCaptures returns the scroll scan bound.
func (c *Controller) MaxCaptures() int {
	return c.maxCaptures
}

func (c *Controller) mimeType() string {
	if c.format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// SingleShot captures the visible viewport once. A refusal is reported as CaptureDenied and
// never retried.
func (c *Controller) SingleShot(ctx context.Context, s Surface) (analysis.CaptureFrame, error) {
	offset, err := s.ScrollOffset(ctx)
	if err != nil {
		offset = 0
	}
	data, err := c.capture(ctx, s)
	if err != nil {
		if errors.Is(err, ErrCaptureDenied) {
			return analysis.CaptureFrame{}, analysis.NewRequestError(analysis.CodeCaptureDenied)
		}
		return analysis.CaptureFrame{}, fmt.Errorf("capture viewport: %w", err)
	}
	if len(data) == 0 {
		return analysis.CaptureFrame{}, errors.New("capture viewport: empty image")
	}
	return analysis.CaptureFrame{ImageData: data, ViewportOffset: offset, MimeType: c.mimeType()}, nil
}

func (c *Controller) capture(ctx context.Context, s Surface) ([]byte, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()
	return s.CaptureVisibleViewport(ctx, c.format, c.quality)
}

// Scroll scans the document top to bottom, one frame per viewport, up to MaxCaptures frames.
// The scroll offset is restored on every exit path. When no frame was captured, including
// when the document cannot be measured, it makes exactly one fallback single shot; if that
// fails too the result is empty with a nil error. Once started the scan is not interrupted
// by ctx.
func (c *Controller) Scroll(ctx context.Context, s Surface) ([]analysis.CaptureFrame, error) {
	var frames []analysis.CaptureFrame
	if origin, metrics, err := c.measure(ctx, s); err != nil {
		c.logger.Warn("cannot measure document, skipping scroll scan", "error", err)
	} else {
		frames = c.scan(ctx, s, origin, metrics)
	}
	if len(frames) > 0 {
		return frames, nil
	}

	c.logger.Warn("scroll capture produced no frames, falling back to single shot")
	frame, err := c.SingleShot(context.WithoutCancel(ctx), s)
	if err != nil {
		c.logger.Warn("fallback capture failed", "error", err)
		return []analysis.CaptureFrame{}, nil
	}
	return []analysis.CaptureFrame{frame}, nil
}

func (c *Controller) measure(ctx context.Context, s Surface) (int, Metrics, error) {
	origin, err := s.ScrollOffset(ctx)
	if err != nil {
		return 0, Metrics{}, fmt.Errorf("read scroll offset: %w", err)
	}
	metrics, err := s.Metrics(ctx)
	if err != nil {
		return 0, Metrics{}, fmt.Errorf("read document metrics: %w", err)
	}
	return origin, metrics, nil
}

func (c *Controller) scan(ctx context.Context, s Surface, origin int, m Metrics) []analysis.CaptureFrame {
	scanCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.ScrollTo(scanCtx, origin); err != nil {
			c.logger.Warn("restore scroll offset failed", "origin", origin, "error", err)
		}
	}()

	frames := make([]analysis.CaptureFrame, 0, c.maxCaptures)
	cursor, count := 0, 0
	for cursor < m.DocumentHeight && count < c.maxCaptures {
		if err := s.ScrollTo(scanCtx, cursor); err != nil {
			c.logger.Warn("scroll failed", "offset", cursor, "error", err)
		} else {
			c.sleep(c.settle)
			data, err := c.capture(scanCtx, s)
			switch {
			case err != nil:
				c.logger.Warn("frame capture failed", "offset", cursor, "error", err)
			case len(data) == 0:
				c.logger.Warn("frame capture returned no data", "offset", cursor)
			default:
				frames = append(frames, analysis.CaptureFrame{ImageData: data, ViewportOffset: cursor, MimeType: c.mimeType()})
			}
		}

		if m.ViewportHeight <= 0 {
			break
		}
		cursor += m.ViewportHeight
		count++
	}
	return frames
}
