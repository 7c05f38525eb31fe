// Package llm adapts text-generation providers to a single schema-constrained
// call.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Provider generates text constrained to a JSON schema.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is a single system + user prompt exchange.
type Request struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     *Schema
	MaxTokens  int
}

// Response carries the provider's text output.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

var (
	// ErrMalformedResponse means the provider answered with a body that could
	// not be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrNoText means the provider answered without any text output.
	ErrNoText = errors.New("provider response has no text")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("provider circuit open")
)

// StatusError is a non-2xx answer from a provider endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsResponseError reports whether err means the provider answered but the
// answer was unusable. Anything else is a failure to complete the call.
func IsResponseError(err error) bool {
	return errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrNoText)
}
