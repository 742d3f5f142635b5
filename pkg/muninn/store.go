// store.go defines the EventStore and CandidateStore persistence contracts.

package muninn

import (
	"context"
	"sort"
	"time"
)

// SessionOrder selects the ordering of a session scan.
type SessionOrder string

const (
	// OrderTimestamp orders events by their creation time.
	OrderTimestamp SessionOrder = "timestamp"

	// OrderChain orders events by walking predecessor/successor links,
	// appending orphans sorted by timestamp.
	OrderChain SessionOrder = "chain"
)

// Filter restricts Count queries.
type Filter struct {
	SessionID string
	ToolID    string
	Outcome   Outcome
	Since     time.Time
	Until     time.Time
}

// EventStore is the append-only persistence contract for telemetry events.
// Implementations must be safe for concurrent use. The store is written
// only by the Collector (and the retention pruner); every other component
// reads.
type EventStore interface {
	// Append persists a single event. Returns ErrDuplicateEvent when the
	// identifier already exists.
	Append(ctx context.Context, event Event) error

	// AppendBatch persists events atomically: all rows or none.
	// Any duplicate identifier fails the whole batch.
	AppendBatch(ctx context.Context, events []Event) error

	// UpdateSuccessor backfills the successor link on a stored event.
	// This is the single permitted write outside Append, used solely by
	// the ObservationContext.
	UpdateSuccessor(ctx context.Context, predID, succID string) error

	// GetByID fetches one event or ErrEventNotFound.
	GetByID(ctx context.Context, eventID string) (Event, error)

	// GetBySession returns a session's events in the requested order.
	GetBySession(ctx context.Context, sessionID string, order SessionOrder) ([]Event, error)

	// GetByTool returns events for a tool within [since, until),
	// newest first, capped at limit (0 means no cap).
	GetByTool(ctx context.Context, toolID string, since, until time.Time, limit int) ([]Event, error)

	// GetSessions returns the distinct session ids with at least
	// minEventCount events in [since, until).
	GetSessions(ctx context.Context, since, until time.Time, minEventCount int) ([]string, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Prune deletes events older than the cutoff and returns the number
	// of rows removed. The only destructive operation on events.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Health verifies store reachability with a cheap bounded query.
	Health(ctx context.Context) error
}

// ChainOrder reorders a session's events by walking successor links from
// the head (the event without a predecessor). Events unreachable from the
// head are appended at the end sorted by timestamp (the orphan tail).
//
// The second return value reports whether a cycle was encountered; on a
// cycle the walk stops and the remainder degrades to timestamp order.
// Callers are expected to log a warning when it is true.
func ChainOrder(events []Event) ([]Event, bool) {
	if len(events) <= 1 {
		return events, false
	}

	byID := make(map[string]*Event, len(events))
	for i := range events {
		byID[events[i].EventID] = &events[i]
	}

	// Head: predecessor absent or pointing outside the loaded session.
	var head *Event
	for i := range events {
		e := &events[i]
		if e.Predecessor == nil {
			head = e
			break
		}
		if _, ok := byID[*e.Predecessor]; !ok {
			head = e
			break
		}
	}

	visited := make(map[string]bool, len(events))
	ordered := make([]Event, 0, len(events))
	cycle := false

	// No head means every event has an in-session predecessor, which in a
	// finite session forces a cycle. The walk is skipped and everything
	// degrades to the timestamp-sorted tail.
	if head == nil {
		cycle = true
	}

	cur := head
	for cur != nil {
		if visited[cur.EventID] {
			cycle = true
			break
		}
		visited[cur.EventID] = true
		ordered = append(ordered, *cur)

		if cur.Successor == nil {
			break
		}
		next, ok := byID[*cur.Successor]
		if !ok {
			break
		}
		cur = next
	}

	// Orphan tail: everything unreachable from the head, by timestamp.
	var orphans []Event
	for i := range events {
		if !visited[events[i].EventID] {
			orphans = append(orphans, events[i])
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].Timestamp.Before(orphans[j].Timestamp)
	})

	return append(ordered, orphans...), cycle
}
