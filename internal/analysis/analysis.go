// Package analysis holds the values that flow through the capture-and-dispatch pipeline:
// requests built by the in-page agent, frames produced by capture, per-provider results
// and the terminal outcome of one dispatch.
package analysis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Mode selects which analysis path the in-page agent runs.
type Mode string

const (
	ModeQuiz      Mode = "quiz"
	ModeCoding    Mode = "coding"
	ModeSelection Mode = "selection"
)

// ParseMode normalizes a stored mode value. Unknown or empty values fall back to quiz.
func ParseMode(raw string) Mode {
	switch Mode(raw) {
	case ModeCoding:
		return ModeCoding
	case ModeSelection:
		return ModeSelection
	default:
		return ModeQuiz
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeQuiz || m == ModeCoding || m == ModeSelection
}

// RequiresMedia reports whether requests in this mode must carry at least one frame.
func (m Mode) RequiresMedia() bool {
	return m == ModeQuiz || m == ModeCoding
}

// CaptureFrame is one visual sample of the viewport.
type CaptureFrame struct {
	ImageData      []byte `json:"image_data"`
	ViewportOffset int    `json:"viewport_offset"`
	MimeType       string `json:"mime_type"`
}

// DataURL encodes the frame as a data URL.
func (f CaptureFrame) DataURL() string {
	mime := f.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.ImageData)
}

// ParseDataURL decodes a base64 data URL into a frame at offset.
func ParseDataURL(raw string, offset int) (CaptureFrame, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return CaptureFrame{}, errors.New("not a data URL")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return CaptureFrame{}, errors.New("data URL has no payload")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return CaptureFrame{}, errors.New("data URL is not base64")
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return CaptureFrame{}, fmt.Errorf("decode data URL: %w", err)
	}
	if len(img) == 0 {
		return CaptureFrame{}, errors.New("data URL is empty")
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	return CaptureFrame{ImageData: img, ViewportOffset: offset, MimeType: mime}, nil
}

// AnalysisRequest is built once per triggered analysis and never mutated.
type AnalysisRequest struct {
	ID            string         `json:"id"`
	Mode          Mode           `json:"mode"`
	Prompt        string         `json:"prompt"`
	Media         []CaptureFrame `json:"media,omitempty"`
	ExtractedText string         `json:"extracted_text,omitempty"`
}

// ProviderResult is the outcome of one provider call. Exactly one of Text and Error is set.
type ProviderResult struct {
	Provider string  `json:"provider"`
	Text     *string `json:"result,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// TextResult builds a successful result.
func TextResult(provider, text string) ProviderResult {
	return ProviderResult{Provider: provider, Text: &text}
}

// ErrorResult builds a failed result. An empty message is replaced so the error side stays present.
func ErrorResult(provider, message string) ProviderResult {
	if message == "" {
		message = "unknown error"
	}
	return ProviderResult{Provider: provider, Error: &message}
}

// Valid reports whether exactly one of Text and Error is present.
func (r ProviderResult) Valid() bool {
	return (r.Text == nil) != (r.Error == nil)
}

// Failed reports whether the result carries an error.
func (r ProviderResult) Failed() bool {
	return r.Error != nil
}

// Content returns whichever side of the result is present.
func (r ProviderResult) Content() string {
	switch {
	case r.Text != nil:
		return *r.Text
	case r.Error != nil:
		return *r.Error
	default:
		return ""
	}
}

// ErrorCode classifies request-level failures that abort a whole run.
type ErrorCode string

const (
	CodeCaptureDenied        ErrorCode = "CaptureDenied"
	CodeExtensionDisabled    ErrorCode = "ExtensionDisabled"
	CodeNoProviderConfigured ErrorCode = "NoProviderConfigured"
	CodeCaptureFailed        ErrorCode = "CaptureFailed"
	CodeRequestTimedOut      ErrorCode = "RequestTimedOut"
	CodeConnectionLost       ErrorCode = "ConnectionLost"
	CodeNothingSelected      ErrorCode = "NothingSelected"
)

var defaultMessages = map[ErrorCode]string{
	CodeCaptureDenied:        "Cannot capture this page. It might be a restricted browser page.",
	CodeExtensionDisabled:    "Extension is disabled. Please enable it in the settings.",
	CodeNoProviderConfigured: "No provider API key configured. Please save at least one API key in the settings.",
	CodeCaptureFailed:        "No screenshots captured.",
	CodeRequestTimedOut:      "Request timed out. The background service might be busy or failed.",
	CodeConnectionLost:       "Connection lost. The extension needs to be reloaded.",
	CodeNothingSelected:      "No text selected.",
}

// RequestError is a request-level failure. It compares equal under errors.Is to any
// RequestError with the same code.
type RequestError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewRequestError builds a request error with the default human-readable message.
func NewRequestError(code ErrorCode) *RequestError {
	return &RequestError{Code: code, Message: defaultMessages[code]}
}

// Errorf builds a request error with a custom message.
func Errorf(code ErrorCode, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *RequestError) Is(target error) bool {
	var other *RequestError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrCaptureDenied        = &RequestError{Code: CodeCaptureDenied}
	ErrExtensionDisabled    = &RequestError{Code: CodeExtensionDisabled}
	ErrNoProviderConfigured = &RequestError{Code: CodeNoProviderConfigured}
	ErrCaptureFailed        = &RequestError{Code: CodeCaptureFailed}
	ErrRequestTimedOut      = &RequestError{Code: CodeRequestTimedOut}
	ErrConnectionLost       = &RequestError{Code: CodeConnectionLost}
	ErrNothingSelected      = &RequestError{Code: CodeNothingSelected}
)

// AsRequestError extracts a RequestError from err, if any.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// DispatchOutcome is the terminal result of one dispatch: either ordered per-provider
// results or a single request-level error.
type DispatchOutcome struct {
	Results []ProviderResult `json:"results,omitempty"`
	Err     *RequestError    `json:"error,omitempty"`
}

// Failed builds an outcome carrying a request-level error.
func Failed(err *RequestError) DispatchOutcome {
	return DispatchOutcome{Err: err}
}

// Succeeded builds an outcome from results in provider registration order.
func Succeeded(results []ProviderResult) DispatchOutcome {
	return DispatchOutcome{Results: results}
}

// OK reports whether the outcome carries provider results rather than a request error.
func (o DispatchOutcome) OK() bool {
	return o.Err == nil
}

// Configuration is the read-only settings snapshot an agent or coordinator works with for
// the lifetime of one page load.
type Configuration struct {
	Enabled     bool              `json:"enabled"`
	Mode        Mode              `json:"mode"`
	AutoCapture bool              `json:"auto_capture"`
	SetupDone   bool              `json:"setup_complete"`
	Credentials map[string]string `json:"-"`
	// Configured lists provider IDs with a credential, in registration order.
	Configured []string `json:"configured_providers"`
}

// HasProvider reports whether at least one provider has a credential.
func (c Configuration) HasProvider() bool {
	return len(c.Configured) > 0
}
