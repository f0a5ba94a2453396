package provider

import (
	"fmt"
	"strings"
)

// Kind classifies a provider failure. The dispatch engine folds every kind into the
// provider's result message; none of them change control flow.
type Kind string

const (
	KindAuth           Kind = "AuthError"
	KindRateLimited    Kind = "RateLimited"
	KindMalformed      Kind = "MalformedResponse"
	KindNetwork        Kind = "NetworkError"
	KindContentBlocked Kind = "ContentBlocked"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAuth           = &Error{Kind: KindAuth}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrMalformed      = &Error{Kind: KindMalformed}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrContentBlocked = &Error{Kind: KindContentBlocked}
)

// ErrUnsupportedProvider is returned by the registry for an unknown request shape.
type ErrUnsupportedProvider struct {
	Provider string
	Shape    string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported provider shape %q for %s", e.Shape, e.Provider)
}

// classifyStatus maps an HTTP error status to a failure kind.
func classifyStatus(status int, message string) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 400 && strings.Contains(strings.ToLower(message), "api key not valid"):
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindNetwork
	default:
		return KindMalformed
	}
}

func statusError(providerID string, status int, detail string) *Error {
	msg := fmt.Sprintf("API Error (%d)", status)
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{
		Kind:     classifyStatus(status, detail),
		Provider: providerID,
		Status:   status,
		Message:  msg,
	}
}
