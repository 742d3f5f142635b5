// chain.go defines the mined candidate chain and its persistence contract.

package mining

import (
	"context"
	"time"
)

// CandidateChain is one recurring tool sequence discovered by the Miner.
// Chains are immutable after save; equality for re-mining comparisons is
// the (tools, support, confidence) tuple, not the identifier.
type CandidateChain struct {
	// ID is a random identifier assigned at construction.
	ID string `json:"chain_id"`

	// Tools is the ordered tool-id sequence, length ≥ 2.
	Tools []string `json:"tools"`

	// Support is the fraction of mined sessions containing the chain as
	// a subsequence, in [0, 1].
	Support float64 `json:"support"`

	// Confidence is the mean transition probability over consecutive
	// links, in [0, 1].
	Confidence float64 `json:"confidence"`

	// AvgLatencyMS is the mean total latency of the chain's matched
	// events across containing sessions.
	AvgLatencyMS float64 `json:"avg_latency_ms"`

	// FailureRate is the fraction of containing sessions whose
	// final-step event failed. Partial outcomes do not count.
	FailureRate float64 `json:"failure_rate"`

	// SampleEvents holds up to MaxSampleEventsLimit event ids locating
	// chain occurrences, most recent sessions first.
	SampleEvents []string `json:"sample_events"`

	// DiscoveredAt is the mining run time, UTC.
	DiscoveredAt time.Time `json:"discovered_at"`

	// MiningConfig snapshots the parameters that produced the chain.
	MiningConfig Config `json:"mining_config"`
}

// Equal reports whether two chains describe the same pattern with the
// same statistics, ignoring identifiers and provenance.
func (c CandidateChain) Equal(other CandidateChain) bool {
	if len(c.Tools) != len(other.Tools) {
		return false
	}
	for i := range c.Tools {
		if c.Tools[i] != other.Tools[i] {
			return false
		}
	}
	return c.Support == other.Support && c.Confidence == other.Confidence
}

// CandidateStore persists mining outputs. Saved chains are immutable;
// deletion is reserved for the orchestration layer once a chain has been
// consumed or rejected.
type CandidateStore interface {
	// Save persists a chain. A duplicate id returns
	// muninn.ErrDuplicateCandidate.
	Save(ctx context.Context, chain CandidateChain) error

	// Get fetches a chain by id, muninn.ErrCandidateNotFound when absent.
	Get(ctx context.Context, chainID string) (CandidateChain, error)

	// List returns chains ordered by support descending, then id.
	List(ctx context.Context, minSupport float64) ([]CandidateChain, error)

	// Delete removes a consumed or rejected chain.
	Delete(ctx context.Context, chainID string) error
}
