package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-shiori/go-readability"

	"pageanalyzer-mcp-server/internal/capture"
)

// PageSurface adapts a Rod page to capture and text extraction.
type PageSurface struct {
	page     *rod.Page
	maxChars int
}

func NewPageSurface(page *rod.Page, maxChars int) *PageSurface {
	return &PageSurface{page: page, maxChars: maxChars}
}

// CaptureVisibleViewport screenshots what is currently on screen.
func (s *PageSurface) CaptureVisibleViewport(ctx context.Context, format string, quality int) ([]byte, error) {
	info, err := s.page.Context(ctx).Info()
	if err == nil && isRestrictedURL(info.URL) {
		return nil, fmt.Errorf("%s: %w", info.URL, capture.ErrCaptureDenied)
	}

	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatJpeg}
	if format == "png" {
		req.Format = proto.PageCaptureScreenshotFormatPng
	} else {
		q := quality
		req.Quality = &q
	}
	return s.page.Context(ctx).Screenshot(false, req)
}

func (s *PageSurface) ScrollOffset(ctx context.Context) (int, error) {
	res, err := s.page.Context(ctx).Eval(`() => Math.round(window.scrollY || document.documentElement.scrollTop || 0)`)
	if err != nil {
		return 0, fmt.Errorf("read scroll offset: %w", err)
	}
	return res.Value.Int(), nil
}

func (s *PageSurface) ScrollTo(ctx context.Context, y int) error {
	if _, err := s.page.Context(ctx).Eval(`(y) => window.scrollTo(0, y)`, y); err != nil {
		return fmt.Errorf("scroll to %d: %w", y, err)
	}
	return nil
}

func (s *PageSurface) Metrics(ctx context.Context) (capture.Metrics, error) {
	res, err := s.page.Context(ctx).Eval(`() => ({
		doc: Math.max(
			document.body ? document.body.scrollHeight : 0,
			document.documentElement ? document.documentElement.scrollHeight : 0
		),
		view: window.innerHeight
	})`)
	if err != nil {
		return capture.Metrics{}, fmt.Errorf("read document metrics: %w", err)
	}
	return capture.Metrics{
		DocumentHeight: res.Value.Get("doc").Int(),
		ViewportHeight: res.Value.Get("view").Int(),
	}, nil
}

// PageText extracts the readable text of the page, falling back to body.innerText when
// readability finds no article.
func (s *PageSurface) PageText(ctx context.Context) (string, error) {
	page := s.page.Context(ctx)
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to get page HTML: %w", err)
	}

	parsedURL, _ := url.Parse(info.URL)
	if article, err := readability.FromReader(strings.NewReader(html), parsedURL); err == nil {
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return s.truncate(text), nil
		}
	}

	res, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", fmt.Errorf("failed to get page text: %w", err)
	}
	return s.truncate(strings.TrimSpace(res.Value.Str())), nil
}

// SelectedText returns the current document selection.
func (s *PageSurface) SelectedText(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => {
		const sel = window.getSelection ? window.getSelection() : null;
		return sel ? sel.toString() : "";
	}`)
	if err != nil {
		return "", fmt.Errorf("read selection: %w", err)
	}
	return res.Value.Str(), nil
}

func (s *PageSurface) truncate(text string) string {
	if s.maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= s.maxChars {
		return text
	}
	return string(runes[:s.maxChars])
}

// isRestrictedURL reports pages the browser refuses to let extensions capture.
func isRestrictedURL(raw string) bool {
	restricted := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"edge://",
		"view-source:",
		"chrome-search://",
	}
	for _, prefix := range restricted {
		if strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}
