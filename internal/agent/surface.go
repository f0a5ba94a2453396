package agent

import (
	"context"
	"errors"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/capture"
)

// proxySurface scrolls the page directly and asks the background for each screenshot.
type proxySurface struct {
	agent *Agent
}

func (s *proxySurface) CaptureVisibleViewport(ctx context.Context, format string, quality int) ([]byte, error) {
	cmd, err := bus.NewCommand(bus.ActionCaptureViewport, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.agent.opts.Bus.Request(ctx, s.agent.addr, bus.Background, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.ErrorMessage == analysis.NewRequestError(analysis.CodeCaptureDenied).Message {
			return nil, capture.ErrCaptureDenied
		}
		return nil, errors.New(resp.ErrorMessage)
	}
	var shot bus.CaptureResult
	if err := resp.Decode(&shot); err != nil {
		return nil, err
	}
	frame, err := analysis.ParseDataURL(shot.DataURL, shot.Offset)
	if err != nil {
		return nil, err
	}
	return frame.ImageData, nil
}

func (s *proxySurface) ScrollOffset(ctx context.Context) (int, error) {
	return s.agent.opts.Page.ScrollOffset(ctx)
}

func (s *proxySurface) ScrollTo(ctx context.Context, y int) error {
	return s.agent.opts.Page.ScrollTo(ctx, y)
}

func (s *proxySurface) Metrics(ctx context.Context) (capture.Metrics, error) {
	return s.agent.opts.Page.Metrics(ctx)
}
