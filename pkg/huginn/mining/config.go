// config.go defines mining parameters and their validation.

package mining

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm selects the pattern-mining variant.
type Algorithm string

const (
	// AlgorithmPrefixSpan mines sequential patterns with no timing
	// constraint between steps.
	AlgorithmPrefixSpan Algorithm = "prefixspan"

	// AlgorithmGSP additionally requires each consecutive pair of a
	// pattern occurrence to fall within the configured time window.
	AlgorithmGSP Algorithm = "gsp"
)

// ErrInvalidConfig is returned for out-of-range mining parameters,
// before any store access.
var ErrInvalidConfig = errors.New("mining: invalid config")

// Config parameterizes one mining run. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// Algorithm is prefixspan or gsp.
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`

	// MinSupport is the minimum fraction of sessions that must contain
	// a chain as a subsequence, in (0, 1].
	MinSupport float64 `yaml:"min_support" json:"min_support"`

	// MinConfidence is the minimum mean transition probability, in [0, 1].
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// MaxChainLength caps pattern length (minimum chain length is 2).
	MaxChainLength int `yaml:"max_chain_length" json:"max_chain_length"`

	// TimeWindowSeconds is the per-link gap bound for gsp.
	TimeWindowSeconds float64 `yaml:"time_window_seconds" json:"time_window_seconds"`

	// Since and Until bound the mined time range.
	Since time.Time `yaml:"since" json:"since"`
	Until time.Time `yaml:"until" json:"until"`

	// SessionIDs optionally restricts mining to these sessions.
	SessionIDs []string `yaml:"session_ids,omitempty" json:"session_ids,omitempty"`

	// CollapseRepeats drops consecutive duplicate tool calls from each
	// session sequence before mining.
	CollapseRepeats bool `yaml:"collapse_repeats" json:"collapse_repeats"`

	// MaxSampleEvents caps provenance sample ids per candidate (≤ 10).
	MaxSampleEvents int `yaml:"max_sample_events" json:"max_sample_events"`

	// SubsumptionThreshold is the relative support slack within which a
	// shorter chain is dropped in favor of a longer one containing it.
	SubsumptionThreshold float64 `yaml:"subsumption_threshold" json:"subsumption_threshold"`

	// SampleRate deterministically samples sessions by hash, in (0, 1].
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`

	// MaxFailureRate is the orchestration guard: FilterCandidates drops
	// chains whose failure rate exceeds it. Zero disables the guard.
	MaxFailureRate float64 `yaml:"max_failure_rate" json:"max_failure_rate"`
}

// DefaultConfig returns sensible mining defaults over the last 7 days.
func DefaultConfig() Config {
	now := time.Now().UTC()
	return Config{
		Algorithm:            AlgorithmPrefixSpan,
		MinSupport:           0.3,
		MinConfidence:        0.6,
		MaxChainLength:       5,
		TimeWindowSeconds:    300,
		Since:                now.AddDate(0, 0, -7),
		Until:                now,
		CollapseRepeats:      true,
		MaxSampleEvents:      10,
		SubsumptionThreshold: 0.1,
		SampleRate:           1.0,
	}
}

// Validate checks parameter ranges. Called by the Miner before any store
// access.
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmPrefixSpan, AlgorithmGSP:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	if c.MinSupport <= 0 || c.MinSupport > 1 {
		return fmt.Errorf("%w: min_support %v not in (0, 1]", ErrInvalidConfig, c.MinSupport)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence %v not in [0, 1]", ErrInvalidConfig, c.MinConfidence)
	}
	if c.MaxChainLength < 2 {
		return fmt.Errorf("%w: max_chain_length %d < 2", ErrInvalidConfig, c.MaxChainLength)
	}
	if c.Algorithm == AlgorithmGSP && c.TimeWindowSeconds <= 0 {
		return fmt.Errorf("%w: time_window_seconds %v must be positive for gsp", ErrInvalidConfig, c.TimeWindowSeconds)
	}
	if !c.Until.After(c.Since) {
		return fmt.Errorf("%w: until must be after since", ErrInvalidConfig)
	}
	if c.MaxSampleEvents < 0 || c.MaxSampleEvents > MaxSampleEventsLimit {
		return fmt.Errorf("%w: max_sample_events %d not in [0, %d]", ErrInvalidConfig, c.MaxSampleEvents, MaxSampleEventsLimit)
	}
	if c.SubsumptionThreshold < 0 || c.SubsumptionThreshold > 1 {
		return fmt.Errorf("%w: subsumption_threshold %v not in [0, 1]", ErrInvalidConfig, c.SubsumptionThreshold)
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return fmt.Errorf("%w: sample_rate %v not in (0, 1]", ErrInvalidConfig, c.SampleRate)
	}
	if c.MaxFailureRate < 0 || c.MaxFailureRate > 1 {
		return fmt.Errorf("%w: max_failure_rate %v not in [0, 1]", ErrInvalidConfig, c.MaxFailureRate)
	}
	return nil
}

// MaxSampleEventsLimit is the hard cap on provenance samples per chain.
const MaxSampleEventsLimit = 10
