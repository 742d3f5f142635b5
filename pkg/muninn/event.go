// event.go defines the canonical telemetry event data structure for muninn.

package muninn

import (
	"fmt"
	"time"
)

// Outcome classifies how a tool call finished.
type Outcome string

const (
	// OutcomeSuccess indicates the tool call completed normally.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates the tool call raised an error.
	OutcomeFailure Outcome = "failure"

	// OutcomePartial indicates the tool call produced a usable but
	// incomplete result. Partial outcomes never count as failures in
	// mining statistics.
	OutcomePartial Outcome = "partial"
)

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Event is the canonical record of one tool call within a session.
// Events are written once and never mutated, with one exception: the
// Successor link is backfilled by the ObservationContext when the next
// event in the session is recorded.
type Event struct {
	// Identity fields

	// EventID is a globally unique identifier (lowercase UUID).
	EventID string

	// SessionID is the caller-assigned session grouping key.
	SessionID string

	// ToolID names the tool that was invoked.
	ToolID string

	// Input fields

	// InputHash is a 64-bit hash (16 hex chars) of the canonicalized
	// input tree. Identical inputs always produce identical hashes.
	InputHash string

	// InputParams is the original input parameter tree.
	InputParams map[string]any

	// OutputSummary is the optional compressed textual output summary.
	// Nil when output capture was disabled.
	OutputSummary *string

	// Chain links

	// Predecessor is the EventID of the prior event in this session,
	// nil for the session head.
	Predecessor *string

	// Successor is the EventID of the next event in this session.
	// Backfilled after the next record call; a nil successor on a
	// non-tail event indicates an accepted chain gap.
	Successor *string

	// Timing and outcome

	// Timestamp is the UTC creation time at microsecond precision.
	Timestamp time.Time

	// LatencyMS is the non-negative execution duration in milliseconds.
	LatencyMS int32

	// Outcome classifies how the call finished.
	Outcome Outcome

	// Tags is an unordered multiset of caller-supplied labels.
	Tags []string
}

// Validate checks the event invariants that hold for every stored event.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidEvent)
	}
	if len(e.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("%w: session id exceeds %d chars", ErrInvalidEvent, MaxSessionIDLen)
	}
	if e.ToolID == "" {
		return fmt.Errorf("%w: empty tool id", ErrInvalidEvent)
	}
	if len(e.ToolID) > MaxToolIDLen {
		return fmt.Errorf("%w: tool id exceeds %d chars", ErrInvalidEvent, MaxToolIDLen)
	}
	if e.LatencyMS < 0 {
		return fmt.Errorf("%w: negative latency %d", ErrInvalidEvent, e.LatencyMS)
	}
	if !e.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, e.Outcome)
	}
	return nil
}

// Field length limits enforced by Validate and by the store schema.
const (
	MaxSessionIDLen = 256
	MaxToolIDLen    = 256
)
