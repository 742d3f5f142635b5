// synthesizer.go turns a mined candidate chain into a draft composite
// tool: sample retrieval, deterministic analysis, one temperature-0 LLM
// call with structured hints, validated response, reconciliation.

package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/llm"
	"github.com/twinraven/twinraven/pkg/muninn"
)

// Defaults for synthesizer options.
const (
	DefaultMaxSampleExecutions = 3
	DefaultMaxParallelSteps    = 2
	DefaultMaxTokens           = 4096
)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxSampleExecutions caps how many observed executions the prompt
// includes.
func WithMaxSampleExecutions(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// WithMaxParallelSteps caps parallel siblings per step during
// reconciliation.
func WithMaxParallelSteps(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// Synthesizer proposes composite tools from mined chains. It reads the
// event log and the provider; it writes nothing.
type Synthesizer struct {
	store       muninn.EventStore
	provider    llm.Provider
	logger      *zap.Logger
	schema      *jsonschema.Schema
	maxSamples  int
	maxParallel int
}

// NewSynthesizer creates a Synthesizer. The response schema compiles
// once here; a compilation failure is a programming error surfaced
// immediately.
func NewSynthesizer(store muninn.EventStore, provider llm.Provider, opts ...Option) (*Synthesizer, error) {
	schema, err := compiledResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}

	s := &Synthesizer{
		store:       store,
		provider:    provider,
		logger:      zap.NewNop(),
		schema:      schema,
		maxSamples:  DefaultMaxSampleExecutions,
		maxParallel: DefaultMaxParallelSteps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Synthesize produces a draft tool at version 1 from the chain. One
// retry is permitted when the response fails validation, with the
// validator's messages fed back into the prompt.
func (s *Synthesizer) Synthesize(ctx context.Context, chain mining.CandidateChain) (SynthesizedTool, error) {
	if len(chain.Tools) < 2 {
		return SynthesizedTool{}, fmt.Errorf("chain %s has fewer than two tools", chain.ID)
	}

	samples, err := retrieveSamples(ctx, s.store, chain.Tools, chain.SampleEvents)
	if err != nil {
		return SynthesizedTool{}, fmt.Errorf("retrieve samples for chain %s: %w", chain.ID, err)
	}
	hints := analyzeParameterFlow(samples, chain.Tools)

	doc, err := s.generate(ctx, chain, hints, samples)
	if err != nil {
		return SynthesizedTool{}, err
	}

	reconcileParallelism(doc.Steps, s.maxParallel)

	tool := SynthesizedTool{
		Slug:           Slugify(chain.Tools),
		Description:    doc.Description,
		Parameters:     doc.Parameters,
		InternalWiring: make(map[int]map[string]string),
		Steps:          make([]Step, len(doc.Steps)),
		ErrorStrategy:  deriveErrorStrategy(samples, chain.Tools),
		SourceChainID:  chain.ID,
		Version:        1,
		Status:         StatusDraft,
		CreatedAt:      time.Now().UTC(),
	}

	for i, step := range doc.Steps {
		tool.Steps[i] = Step{
			Index:              i,
			ToolID:             step.ToolID,
			InputMapping:       step.InputMapping,
			Condition:          step.Condition,
			ParallelizableWith: step.ParallelizableWith,
			TimeoutMS:          step.TimeoutMS,
		}
		for key, raw := range step.InputMapping {
			if src, err := ParseSource(raw); err == nil && src.Kind == SourceWiring {
				if tool.InternalWiring[i] == nil {
					tool.InternalWiring[i] = make(map[string]string)
				}
				tool.InternalWiring[i][key] = raw
			}
		}
	}

	s.logger.Info("synthesized draft tool",
		zap.String("slug", tool.Slug),
		zap.String("chain_id", chain.ID),
		zap.Int("steps", len(tool.Steps)),
		zap.Int("samples", len(samples)))
	return tool, nil
}

// generate performs the LLM round trip, retrying once on validation
// failure with the error text as feedback.
func (s *Synthesizer) generate(ctx context.Context, chain mining.CandidateChain, hints []ParamHint, samples []sampleExecution) (llmToolDoc, error) {
	feedback := ""
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		prompt := buildPrompt(chain, hints, samples, s.maxSamples, feedback)
		resp, err := s.provider.Generate(ctx, llm.Request{
			Prompt:         prompt,
			ResponseSchema: responseSchema(),
			MaxTokens:      DefaultMaxTokens,
			Temperature:    0,
		})
		if err != nil {
			return llmToolDoc{}, fmt.Errorf("synthesis generation: %w", err)
		}

		doc, err := parseResponse(s.schema, resp.Content, chain.Tools)
		if err == nil && len(doc.Steps) != len(chain.Tools) {
			err = fmt.Errorf("%w: expected %d steps in sequence order, got %d",
				ErrResponseInvalid, len(chain.Tools), len(doc.Steps))
		}
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrResponseInvalid) {
			return llmToolDoc{}, err
		}

		lastErr = err
		feedback = err.Error()
		s.logger.Warn("synthesis response failed validation",
			zap.String("chain_id", chain.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return llmToolDoc{}, fmt.Errorf("synthesis for chain %s failed after retry: %w", chain.ID, lastErr)
}
