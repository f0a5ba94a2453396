// Package provider wraps one outbound analysis call per configured backend behind a uniform
// Caller interface. Request and response formats differ per backend and are isolated in shapes.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pageanalyzer-mcp-server/internal/analysis"
	"pageanalyzer-mcp-server/internal/config"
)

const (
	pageTextMarker  = "\n\n--- PAGE TEXT ---\n"
	maxResponseBody = 8 << 20
)

// Input is everything a provider needs for one call.
type Input struct {
	Prompt string
	Media  []analysis.CaptureFrame
	Text   string
}

// Caller is implemented by every provider client.
type Caller interface {
	ID() string
	Call(ctx context.Context, in Input) (string, error)
}

// shape builds the request body and extracts the answer for one backend family.
type shape interface {
	request(c *Client, in Input) (url string, body any, err error)
	authorize(req *http.Request, apiKey string)
	errorDetail(body []byte) string
	extract(body []byte) (string, *Error)
}

// Client is one configured provider.
type Client struct {
	id           string
	label        string
	baseURL      string
	model        string
	textModel    string
	apiKey       string
	maxTextChars int
	timeout      time.Duration
	shape        shape
	http         *http.Client
}

// Options overrides client defaults. Zero values keep the defaults.
type Options struct {
	HTTPClient   *http.Client
	MaxTextChars int
}

// NewClient builds a client for cfg using apiKey.
func NewClient(cfg config.ProviderConfig, apiKey string, opts Options) (*Client, error) {
	var s shape
	switch cfg.Shape {
	case config.ShapeGemini:
		s = geminiShape{}
	case config.ShapeOpenAI:
		s = openAIShape{}
	case config.ShapeHuggingFace:
		s = huggingFaceShape{}
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.ID, Shape: cfg.Shape}
	}

	timeout := cfg.GetTimeout()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	maxChars := opts.MaxTextChars
	if maxChars <= 0 {
		maxChars = 8000
	}

	return &Client{
		id:           cfg.ID,
		label:        cfg.Label(),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		textModel:    cfg.TextModel,
		apiKey:       apiKey,
		maxTextChars: maxChars,
		timeout:      timeout,
		shape:        s,
		http:         hc,
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

// Call performs one request bounded by the provider timeout, whatever client was injected.
// Every failure is returned as *Error.
func (c *Client) Call(ctx context.Context, in Input) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Kind: KindAuth, Provider: c.id, Message: "missing API key"}
	}

	url, payload, err := c.shape.request(c, in)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Provider: c.id, Message: "build request", Err: err}
	}
	body, err := marshalBody(payload)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Provider: c.id, Message: "encode request", Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindMalformed, Provider: c.id, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.shape.authorize(req, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", c.transportError(err)
	}

	if resp.StatusCode >= 400 {
		detail := c.shape.errorDetail(raw)
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return "", statusError(c.id, resp.StatusCode, detail)
	}

	text, perr := c.shape.extract(raw)
	if perr != nil {
		perr.Provider = c.id
		return "", perr
	}
	return text, nil
}

func (c *Client) transportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{
			Kind:     KindNetwork,
			Provider: c.id,
			Message:  fmt.Sprintf("%s API request timed out after %s.", c.label, c.timeout),
			Err:      err,
		}
	}
	return &Error{Kind: KindNetwork, Provider: c.id, Message: "request failed: " + err.Error(), Err: err}
}

// modelFor picks the text model for requests without media when one is configured.
func (c *Client) modelFor(in Input) string {
	if len(in.Media) == 0 && c.textModel != "" {
		return c.textModel
	}
	return c.model
}

// composePrompt appends page text (with media) or selected text (without media) to the prompt.
func (c *Client) composePrompt(in Input) string {
	if in.Text == "" {
		return in.Prompt
	}
	text := truncate(in.Text, c.maxTextChars)
	if len(in.Media) > 0 {
		return in.Prompt + pageTextMarker + text
	}
	return in.Prompt + "\n\n" + text
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func encodeFrame(f analysis.CaptureFrame) (mime, data string) {
	mime = f.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return mime, base64.StdEncoding.EncodeToString(f.ImageData)
}
