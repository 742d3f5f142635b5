// Package openai implements llm.Provider over any OpenAI-compatible chat
// completion API (OpenAI, Azure, vLLM, Ollama's compatibility endpoint).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/twinraven/twinraven/pkg/llm"
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL points the client at a non-default endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithModel selects the model (default: gpt-4o-mini).
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider calls an OpenAI-compatible chat completion endpoint.
type Provider struct {
	client  *goopenai.Client
	model   string
	baseURL string
}

// New constructs a provider. An empty API key is a misconfiguration unless
// a custom base URL (e.g. a local server) is supplied.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: "gpt-4o-mini"}
	for _, opt := range opts {
		opt(p)
	}

	if apiKey == "" && p.baseURL == "" {
		return nil, fmt.Errorf("%w: missing API key", llm.ErrMisconfigured)
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	p.client = goopenai.NewClientWithConfig(cfg)
	return p, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: req.Temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.ResponseSchema != nil {
		schemaJSON, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return llm.Response{}, fmt.Errorf("%w: marshal response schema: %v", llm.ErrProvider, err)
		}
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(schemaJSON),
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: empty choices", llm.ErrResponse)
	}

	out := llm.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}

	if req.ResponseSchema != nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(out.Content), &parsed); err != nil {
			return llm.Response{}, fmt.Errorf("%w: response is not valid JSON: %v", llm.ErrResponse, err)
		}
		out.Parsed = parsed
	}
	return out, nil
}

// classifyError maps API errors onto the stable llm error kinds, marking
// transient statuses for the retry wrapper.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503:
			return &llm.TransientError{
				Err:        fmt.Errorf("%w: %v", llm.ErrProvider, err),
				StatusCode: apiErr.HTTPStatusCode,
			}
		case 401, 403, 404:
			return fmt.Errorf("%w: %v", llm.ErrMisconfigured, err)
		}
	}
	return fmt.Errorf("%w: %v", llm.ErrProvider, err)
}
