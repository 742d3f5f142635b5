// Package validation replays synthesized tools offline against recorded
// sessions. The validator never invokes a tool: it projects the
// composite over data the event log already holds and scores the
// projection against what actually happened.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
	"github.com/twinraven/twinraven/pkg/muninn"
)

// SimilarityMethod selects the equivalence scorer.
type SimilarityMethod string

const (
	MethodExactMatch  SimilarityMethod = "exact_match"
	MethodCosineTFIDF SimilarityMethod = "cosine_tfidf"
)

// ErrInvalidConfig is returned for out-of-range validation parameters.
var ErrInvalidConfig = errors.New("validation: invalid config")

// InsufficientDataError reports that too few sessions contain the
// tool's chain to replay it meaningfully.
type InsufficientDataError struct {
	Needed int
	Found  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("validation: %d replay sessions required, %d found", e.Needed, e.Found)
}

// Config parameterizes one validation run.
type Config struct {
	// MinReplaySessions is the number of matching sessions required.
	MinReplaySessions int `yaml:"min_replay_sessions" json:"min_replay_sessions"`

	// EquivalenceThreshold is the minimum mean similarity, in [0, 1].
	EquivalenceThreshold float64 `yaml:"equivalence_threshold" json:"equivalence_threshold"`

	// MaxLatencyRegression is the allowed composite/original latency
	// ratio, > 0.
	MaxLatencyRegression float64 `yaml:"max_latency_regression" json:"max_latency_regression"`

	// SimilarityMethod is exact_match or cosine_tfidf.
	SimilarityMethod SimilarityMethod `yaml:"similarity_method" json:"similarity_method"`

	// Since and Until bound the session search.
	Since time.Time `yaml:"since" json:"since"`
	Until time.Time `yaml:"until" json:"until"`

	// RequireApproval holds a passing tool in testing instead of
	// promoting it.
	RequireApproval bool `yaml:"require_approval" json:"require_approval"`
}

// DefaultConfig validates over the last 7 days.
func DefaultConfig() Config {
	now := time.Now().UTC()
	return Config{
		MinReplaySessions:    3,
		EquivalenceThreshold: 0.85,
		MaxLatencyRegression: 1.2,
		SimilarityMethod:     MethodCosineTFIDF,
		Since:                now.AddDate(0, 0, -7),
		Until:                now,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.MinReplaySessions < 1 {
		return fmt.Errorf("%w: min_replay_sessions %d < 1", ErrInvalidConfig, c.MinReplaySessions)
	}
	if c.EquivalenceThreshold < 0 || c.EquivalenceThreshold > 1 {
		return fmt.Errorf("%w: equivalence_threshold %v not in [0, 1]", ErrInvalidConfig, c.EquivalenceThreshold)
	}
	if c.MaxLatencyRegression <= 0 {
		return fmt.Errorf("%w: max_latency_regression %v must be positive", ErrInvalidConfig, c.MaxLatencyRegression)
	}
	switch c.SimilarityMethod {
	case MethodExactMatch, MethodCosineTFIDF:
	default:
		return fmt.Errorf("%w: unknown similarity method %q", ErrInvalidConfig, c.SimilarityMethod)
	}
	if !c.Until.After(c.Since) {
		return fmt.Errorf("%w: until must be after since", ErrInvalidConfig)
	}
	return nil
}

// Result aggregates the equivalence, latency, and error-parity checks.
type Result struct {
	ID               string           `json:"id"`
	Slug             string           `json:"slug"`
	Version          int              `json:"version"`
	SessionsReplayed int              `json:"sessions_replayed"`
	MeanSimilarity   float64          `json:"mean_similarity"`
	MinSimilarity    float64          `json:"min_similarity"`
	Method           SimilarityMethod `json:"method"`
	Threshold        float64          `json:"threshold"`
	ErrorParity      bool             `json:"error_parity"`
	LatencyRatio     float64          `json:"latency_ratio"`
	Passed           bool             `json:"passed"`
	FailureReasons   []string         `json:"failure_reasons,omitempty"`
	ValidatedAt      time.Time        `json:"validated_at"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Validator replays synthesized tools against the event log.
type Validator struct {
	store  muninn.EventStore
	logger *zap.Logger
}

// NewValidator creates a Validator over the given event store.
func NewValidator(store muninn.EventStore, opts ...Option) *Validator {
	v := &Validator{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate replays the tool and transitions it on the result: pass
// promotes (or parks in testing when approval is required), fail returns
// it to draft. The tool must be in draft or testing on entry.
func (v *Validator) Validate(ctx context.Context, tool *synthesis.SynthesizedTool, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if tool.Status != synthesis.StatusDraft && tool.Status != synthesis.StatusTesting {
		return Result{}, fmt.Errorf("validation: tool %s is %s, expected draft or testing", tool.Slug, tool.Status)
	}

	replays, err := v.selectReplays(ctx, tool, cfg)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ID:               uuid.NewString(),
		Slug:             tool.Slug,
		Version:          tool.Version,
		SessionsReplayed: len(replays),
		Method:           cfg.SimilarityMethod,
		Threshold:        cfg.EquivalenceThreshold,
		ErrorParity:      true,
		ValidatedAt:      time.Now().UTC(),
	}

	// Equivalence: project each replay and score against the recorded
	// final output.
	result.MinSimilarity = 1
	var similaritySum float64
	for _, r := range replays {
		projected := project(tool, r)
		recorded := ""
		if out := r.events[len(r.events)-1].OutputSummary; out != nil {
			recorded = *out
		}

		var score float64
		switch cfg.SimilarityMethod {
		case MethodExactMatch:
			if projected == recorded {
				score = 1
			}
		case MethodCosineTFIDF:
			score = cosineTFIDF(projected, recorded)
		}
		similaritySum += score
		if score < result.MinSimilarity {
			result.MinSimilarity = score
		}
	}
	result.MeanSimilarity = similaritySum / float64(len(replays))
	if result.MeanSimilarity < cfg.EquivalenceThreshold {
		result.FailureReasons = append(result.FailureReasons,
			fmt.Sprintf("mean similarity %.3f below threshold %.3f", result.MeanSimilarity, cfg.EquivalenceThreshold))
	}

	// Latency: recorded step latencies minus projected parallel savings.
	var original, composite float64
	groups := parallelGroups(tool.Steps)
	for _, r := range replays {
		stepLatency := make([]float64, len(r.events))
		var total float64
		for i, e := range r.events {
			stepLatency[i] = float64(e.LatencyMS)
			total += stepLatency[i]
		}
		original += total
		composite += total - parallelSavings(groups, stepLatency)
	}
	if original > 0 {
		result.LatencyRatio = composite / original
	}
	if result.LatencyRatio > cfg.MaxLatencyRegression {
		result.FailureReasons = append(result.FailureReasons,
			fmt.Sprintf("latency ratio %.3f exceeds %.3f", result.LatencyRatio, cfg.MaxLatencyRegression))
	}

	// Error parity: every recorded step failure must be covered by the
	// error strategy.
	for _, r := range replays {
		for i, e := range r.events {
			if e.Outcome != muninn.OutcomeFailure {
				continue
			}
			if !tool.ErrorStrategy.Covers(i) {
				result.ErrorParity = false
				result.FailureReasons = append(result.FailureReasons,
					fmt.Sprintf("session %s: failure at step %d (%s) not covered by error strategy",
						r.sessionID, i, e.ToolID))
			}
		}
	}

	result.Passed = len(result.FailureReasons) == 0
	v.transition(tool, result, cfg)

	v.logger.Info("validation complete",
		zap.String("slug", tool.Slug),
		zap.Int("version", tool.Version),
		zap.Bool("passed", result.Passed),
		zap.Float64("mean_similarity", result.MeanSimilarity),
		zap.Float64("latency_ratio", result.LatencyRatio),
		zap.Bool("error_parity", result.ErrorParity))
	return result, nil
}

// transition applies the lifecycle move the result dictates.
func (v *Validator) transition(tool *synthesis.SynthesizedTool, result Result, cfg Config) {
	switch {
	case result.Passed && !cfg.RequireApproval:
		tool.Status = synthesis.StatusPromoted
		now := time.Now().UTC()
		tool.PromotedAt = &now
	case result.Passed:
		tool.Status = synthesis.StatusTesting
	default:
		tool.Status = synthesis.StatusDraft
	}
}

// replay is one matching session: the events matching the tool's chain
// in order.
type replay struct {
	sessionID string
	events    []muninn.Event
}

// selectReplays finds the most recent sessions containing the tool's
// chain, up to the configured count. Too few is InsufficientDataError.
func (v *Validator) selectReplays(ctx context.Context, tool *synthesis.SynthesizedTool, cfg Config) ([]replay, error) {
	tools := make([]string, len(tool.Steps))
	for i, step := range tool.Steps {
		tools[i] = step.ToolID
	}

	sessionIDs, err := v.store.GetSessions(ctx, cfg.Since, cfg.Until, len(tools))
	if err != nil {
		return nil, err
	}

	var replays []replay
	for _, sid := range sessionIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(replays) == cfg.MinReplaySessions {
			break
		}

		events, err := v.store.GetBySession(ctx, sid, muninn.OrderTimestamp)
		if err != nil {
			return nil, err
		}
		matched := matchChain(events, tools)
		if matched == nil {
			continue
		}

		v.warnLowOutcomeCoverage(sid, events)
		replays = append(replays, replay{sessionID: sid, events: matched})
	}

	if len(replays) < cfg.MinReplaySessions {
		return nil, &InsufficientDataError{Needed: cfg.MinReplaySessions, Found: len(replays)}
	}
	return replays, nil
}

// warnLowOutcomeCoverage flags sessions where most events carry the
// partial outcome: the caller likely never sets outcomes, which weakens
// failure-rate statistics. Never a failure.
func (v *Validator) warnLowOutcomeCoverage(sessionID string, events []muninn.Event) {
	partial := 0
	for _, e := range events {
		if e.Outcome == muninn.OutcomePartial {
			partial++
		}
	}
	if partial*2 > len(events) {
		v.logger.Warn("low outcome coverage in replay session",
			zap.String("session_id", sessionID),
			zap.Int("partial", partial),
			zap.Int("events", len(events)))
	}
}

// matchChain returns the earliest events matching the tool order, nil
// when the session does not contain the chain.
func matchChain(events []muninn.Event, tools []string) []muninn.Event {
	matched := make([]muninn.Event, 0, len(tools))
	next := 0
	for _, e := range events {
		if next < len(tools) && e.ToolID == tools[next] {
			matched = append(matched, e)
			next++
		}
	}
	if next < len(tools) {
		return nil
	}
	return matched
}

// parallelGroups clusters steps into connected components over the
// parallelizable_with relation. Singleton steps form their own group.
func parallelGroups(steps []synthesis.Step) [][]int {
	parent := make([]int, len(steps))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for i, step := range steps {
		for _, j := range step.ParallelizableWith {
			if j >= 0 && j < len(steps) {
				parent[find(i)] = find(j)
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := range steps {
		root := find(i)
		byRoot[root] = append(byRoot[root], i)
	}
	groups := make([][]int, 0, len(byRoot))
	for _, members := range byRoot {
		groups = append(groups, members)
	}
	return groups
}

// parallelSavings is the latency a parallel schedule saves: per group,
// the sum of member latencies minus the slowest member.
func parallelSavings(groups [][]int, stepLatency []float64) float64 {
	var savings float64
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		var sum, max float64
		for _, i := range group {
			if i >= len(stepLatency) {
				continue
			}
			sum += stepLatency[i]
			if stepLatency[i] > max {
				max = stepLatency[i]
			}
		}
		savings += sum - max
	}
	return savings
}
