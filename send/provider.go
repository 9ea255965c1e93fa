// Package send abstracts the outbound message provider the server engine
// delivers through. The engine classifies failures only as retryable or
// not by HTTP-style status; it never inspects provider responses for
// semantic content.
package send

import (
	"context"
	"net/http"
)

// Payload is one outbound message. Opaque to the engine; the sweep's
// PayloadSource reconstructs it from the triggering business entity.
type Payload struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Result is the provider's verdict on one send attempt.
type Result struct {
	// OK reports whether the provider accepted the message.
	OK bool
	// ProviderID is the provider's identifier for the accepted message.
	ProviderID string
	// StatusCode is the HTTP-style status of the attempt.
	StatusCode int
	// ErrorMessage is the provider's opaque diagnostic for a rejection.
	ErrorMessage string
}

// Provider is the outbound send capability. A transport error (err != nil)
// is always treated as retryable; a non-nil Result is classified by its
// StatusCode.
type Provider interface {
	Send(ctx context.Context, p *Payload) (*Result, error)
}

// ProviderFunc is an adapter to use a plain function as a Provider.
type ProviderFunc func(ctx context.Context, p *Payload) (*Result, error)

// Send implements Provider.
func (f ProviderFunc) Send(ctx context.Context, p *Payload) (*Result, error) {
	return f(ctx, p)
}

// Retryable classifies an HTTP-style status code. Timeouts, rate limits,
// and server errors are transient; other client errors are not.
func Retryable(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}
