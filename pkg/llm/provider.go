// Package llm defines the request/response oracle contract TwinRaven uses
// for output summarization and tool synthesis, plus a retrying wrapper.
//
// The provider boundary is deliberately thin: a prompt and an optional
// response schema go in, text (and optionally schema-parsed JSON) comes
// out. Prompt construction stays in the calling packages.
package llm

import (
	"context"
	"errors"
	"time"
)

// Request is a single generation request.
type Request struct {
	// Prompt is the full prompt text.
	Prompt string

	// ResponseSchema, when non-nil, is a JSON Schema the response content
	// must conform to. Providers that support structured output enforce
	// it server-side; the caller validates regardless.
	ResponseSchema map[string]any

	// MaxTokens bounds the response length. Zero means provider default.
	MaxTokens int

	// Temperature controls sampling. Synthesis and summarization use 0.
	Temperature float32
}

// Response is the provider's answer.
type Response struct {
	// Content is the raw response text.
	Content string

	// Parsed holds the schema-parsed JSON when a ResponseSchema was
	// supplied and the provider returned valid JSON, nil otherwise.
	Parsed map[string]any

	// Model identifies the model that produced the response.
	Model string

	// Token accounting and timing.
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
}

// Provider is the LLM boundary contract. Implementations must be safe for
// concurrent use; concurrent calls are independent.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Error kinds. Implementations wrap these so callers can classify with
// errors.Is.
var (
	// ErrProvider covers generic provider-side failures.
	ErrProvider = errors.New("llm: provider error")

	// ErrResponse indicates the response violated the requested schema
	// or was otherwise unparseable.
	ErrResponse = errors.New("llm: invalid response")

	// ErrTimeout indicates the per-request deadline expired.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrMisconfigured indicates missing credentials or an unknown
	// model. Fatal: surfaces at construction, never retried.
	ErrMisconfigured = errors.New("llm: provider misconfigured")
)

// Defaults for the retrying wrapper.
const (
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 120 * time.Second
)
