package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Request is one text completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Schema      string // JSON schema of the expected output; empty for free text
	Temperature float64
	MaxTokens   int
}

// Response is a completed request with token usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is an opaque text completion capability.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderError reports a failed provider call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (http %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient builds a retryable provider error.
func Transient(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: true, Err: err}
}

// Permanent builds a non-retryable provider error.
func Permanent(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

// StatusError classifies an HTTP error status: timeouts, 429 and 5xx are transient.
func StatusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Transient:  transientStatus(status),
		Err:        errors.New(body),
	}
}

func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying.
// Unclassified network errors and deadline overruns count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
