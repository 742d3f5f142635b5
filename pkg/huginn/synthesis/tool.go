// tool.go defines the synthesized composite tool document and its
// lifecycle states.

package synthesis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is a tool lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusTesting  Status = "testing"
	StatusPromoted Status = "promoted"
	StatusRetired  Status = "retired"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusTesting, StatusPromoted, StatusRetired:
		return true
	}
	return false
}

// CanTransition reports whether s → to is an allowed lifecycle move.
// Retired is terminal.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusDraft:
		return to == StatusTesting
	case StatusTesting:
		return to == StatusDraft || to == StatusPromoted
	case StatusPromoted:
		return to == StatusRetired
	}
	return false
}

// Step is one composite step: which tool runs, where its inputs come
// from, and how it relates to its siblings.
type Step struct {
	// Index is the zero-based position, dense from 0.
	Index int `json:"index"`

	// ToolID names the underlying tool.
	ToolID string `json:"tool_id"`

	// InputMapping maps each input key to a source: parameters.<name>,
	// wiring.<stepIdx>.<field>, or literal:<json>.
	InputMapping map[string]string `json:"input_mapping"`

	// Condition is an optional restricted predicate controlling skip.
	Condition string `json:"condition,omitempty"`

	// ParallelizableWith lists sibling indices this step may run
	// concurrently with.
	ParallelizableWith []int `json:"parallelizable_with,omitempty"`

	// TimeoutMS is an optional per-step timeout.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// Backoff kinds for step retry policies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy describes per-step retry behavior.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"`
	BaseDelayMS int    `json:"base_delay_ms"`
}

// Behavior kinds for ErrorStrategy.DefaultBehavior.
const (
	BehaviorRetry = "retry"
	BehaviorSkip  = "skip"
	BehaviorAbort = "abort"
)

// ErrorStrategy describes how the composite reacts to step failures.
type ErrorStrategy struct {
	// Retries maps step index to its retry policy.
	Retries map[int]RetryPolicy `json:"retries,omitempty"`

	// Fallbacks maps step index to alternative sequences tried on
	// failure. An empty sequence means skip the step.
	Fallbacks map[int][][]string `json:"fallbacks,omitempty"`

	// AbortConditions are restricted predicates that abort the whole
	// composite when true.
	AbortConditions []string `json:"abort_conditions,omitempty"`

	// DefaultBehavior applies to steps with no specific policy.
	DefaultBehavior string `json:"default_behavior"`
}

// Covers reports whether the strategy addresses a failure at the step:
// a retry policy, a fallback, or an explicit abort condition naming it.
func (e ErrorStrategy) Covers(stepIndex int) bool {
	if _, ok := e.Retries[stepIndex]; ok {
		return true
	}
	if _, ok := e.Fallbacks[stepIndex]; ok {
		return true
	}
	needle := fmt.Sprintf("wiring.%d.", stepIndex)
	for _, cond := range e.AbortConditions {
		if strings.Contains(cond, needle) {
			return true
		}
	}
	return false
}

// SynthesizedTool is the composite tool proposal. Versions are monotone
// from 1; the document itself is immutable once written to the registry.
type SynthesizedTool struct {
	// Slug identifies the tool, derived from the constituent tool names.
	Slug string `json:"slug"`

	// Description is the LLM-produced human description.
	Description string `json:"description"`

	// Parameters is the merged external parameter schema
	// (JSON Schema Draft 2020-12).
	Parameters map[string]any `json:"parameters"`

	// InternalWiring maps step index → input key → upstream source.
	InternalWiring map[int]map[string]string `json:"internal_wiring"`

	// Steps is the ordered step list.
	Steps []Step `json:"steps"`

	// ErrorStrategy describes failure handling.
	ErrorStrategy ErrorStrategy `json:"error_strategy"`

	// SourceChainID references the mined chain this tool came from.
	SourceChainID string `json:"source_chain_id"`

	// Version is the monotone version counter, starting at 1.
	Version int `json:"version"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	RetiredAt  *time.Time `json:"retired_at,omitempty"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a tool slug from the constituent tool names:
// lowercased, non-alphanumeric runs collapsed to hyphens, joined with
// hyphens.
func Slugify(tools []string) string {
	parts := make([]string, 0, len(tools))
	for _, tool := range tools {
		p := slugStrip.ReplaceAllString(strings.ToLower(tool), "-")
		p = strings.Trim(p, "-")
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "composite"
	}
	return strings.Join(parts, "-")
}

// Source kinds for step input mappings and wiring values.
const (
	SourceParameters = "parameters"
	SourceWiring     = "wiring"
	SourceLiteral    = "literal"
)

// MappingSource is a parsed input-mapping value.
type MappingSource struct {
	Kind string

	// Param is set for parameters.<name>.
	Param string

	// StepIndex and Field are set for wiring.<stepIdx>.<field>.
	StepIndex int
	Field     string

	// Literal holds the raw JSON for literal:<json>.
	Literal string
}

// ParseSource parses an input-mapping value. Accepted forms:
// parameters.<name>, wiring.<stepIdx>.<field>, literal:<json>.
func ParseSource(s string) (MappingSource, error) {
	switch {
	case strings.HasPrefix(s, SourceParameters+"."):
		name := strings.TrimPrefix(s, SourceParameters+".")
		if name == "" {
			return MappingSource{}, fmt.Errorf("empty parameter name in %q", s)
		}
		return MappingSource{Kind: SourceParameters, Param: name}, nil

	case strings.HasPrefix(s, SourceWiring+"."):
		rest := strings.TrimPrefix(s, SourceWiring+".")
		idx, field, ok := strings.Cut(rest, ".")
		if !ok || field == "" {
			return MappingSource{}, fmt.Errorf("malformed wiring reference %q", s)
		}
		step, err := strconv.Atoi(idx)
		if err != nil || step < 0 {
			return MappingSource{}, fmt.Errorf("invalid wiring step index in %q", s)
		}
		return MappingSource{Kind: SourceWiring, StepIndex: step, Field: field}, nil

	case strings.HasPrefix(s, SourceLiteral+":"):
		return MappingSource{Kind: SourceLiteral, Literal: strings.TrimPrefix(s, SourceLiteral+":")}, nil
	}
	return MappingSource{}, fmt.Errorf("unknown mapping source %q", s)
}
