package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven/twinraven/pkg/muninn"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// baseTime has whole-microsecond precision so timestamps round-trip
// exactly through the integer storage column.
var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)

func testEvent(id, session, tool string, ts time.Time) muninn.Event {
	params := map[string]any{"q": id}
	return muninn.Event{
		EventID:     id,
		SessionID:   session,
		ToolID:      tool,
		InputHash:   muninn.InputHash(params),
		InputParams: params,
		Timestamp:   ts,
		LatencyMS:   42,
		Outcome:     muninn.OutcomeSuccess,
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Health(context.Background()))
}

func TestHealthFailsOnClosedStore(t *testing.T) {
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Error(t, store.Health(context.Background()))
}

func TestAppendAndGetByID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	summary := "3 rows"
	pred := "evt-0"
	event := testEvent("evt-1", "sess-1", "search", baseTime)
	event.OutputSummary = &summary
	event.Predecessor = &pred
	event.Tags = []string{"retry", "cached"}
	event.Outcome = muninn.OutcomePartial

	require.NoError(t, store.Append(ctx, event))

	got, err := store.GetByID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.SessionID, got.SessionID)
	assert.Equal(t, event.ToolID, got.ToolID)
	assert.Equal(t, event.InputHash, got.InputHash)
	assert.Equal(t, map[string]any{"q": "evt-1"}, got.InputParams)
	require.NotNil(t, got.OutputSummary)
	assert.Equal(t, summary, *got.OutputSummary)
	require.NotNil(t, got.Predecessor)
	assert.Equal(t, pred, *got.Predecessor)
	assert.Nil(t, got.Successor)
	assert.Equal(t, []string{"retry", "cached"}, got.Tags)
	assert.Equal(t, muninn.OutcomePartial, got.Outcome)
	assert.Equal(t, int32(42), got.LatencyMS)

	// Timestamps come back as UTC with microsecond precision.
	assert.True(t, got.Timestamp.Equal(baseTime))
	assert.Equal(t, time.UTC, got.Timestamp.Location())
}

func TestAppendTruncatesToMicroseconds(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	event := testEvent("evt-ns", "sess-1", "search", baseTime.Add(789*time.Nanosecond))
	require.NoError(t, store.Append(ctx, event))

	got, err := store.GetByID(ctx, "evt-ns")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(baseTime))
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	store := openStore(t)

	event := testEvent("evt-1", "", "search", baseTime)
	err := store.Append(context.Background(), event)
	require.ErrorIs(t, err, muninn.ErrInvalidEvent)
}

func TestAppendDuplicateEventID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))

	err := store.Append(ctx, testEvent("evt-1", "sess-2", "fetch", baseTime.Add(time.Second)))
	require.ErrorIs(t, err, muninn.ErrDuplicateEvent)
}

func TestGetByIDNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, muninn.ErrEventNotFound)
}

func TestUpdateSuccessor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))
	require.NoError(t, store.UpdateSuccessor(ctx, "evt-1", "evt-2"))

	got, err := store.GetByID(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, got.Successor)
	assert.Equal(t, "evt-2", *got.Successor)
}

func TestUpdateSuccessorUnknownEvent(t *testing.T) {
	store := openStore(t)

	err := store.UpdateSuccessor(context.Background(), "missing", "evt-2")
	require.ErrorIs(t, err, muninn.ErrEventNotFound)
}

func TestAppendBatchIsAtomic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))

	// One duplicate in the batch rolls back every row.
	batch := []muninn.Event{
		testEvent("evt-2", "sess-1", "fetch", baseTime.Add(time.Second)),
		testEvent("evt-1", "sess-1", "search", baseTime.Add(2*time.Second)),
		testEvent("evt-3", "sess-1", "parse", baseTime.Add(3*time.Second)),
	}
	err := store.AppendBatch(ctx, batch)
	require.ErrorIs(t, err, muninn.ErrDuplicateEvent)

	count, err := store.Count(ctx, muninn.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = store.GetByID(ctx, "evt-2")
	assert.ErrorIs(t, err, muninn.ErrEventNotFound)
}

func TestAppendBatchEmpty(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.AppendBatch(context.Background(), nil))
}

func TestGetBySessionTimestampOrder(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// Inserted out of order.
	require.NoError(t, store.Append(ctx, testEvent("evt-2", "sess-1", "fetch", baseTime.Add(time.Second))))
	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))
	require.NoError(t, store.Append(ctx, testEvent("evt-9", "sess-other", "search", baseTime)))

	events, err := store.GetBySession(ctx, "sess-1", muninn.OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].EventID)
	assert.Equal(t, "evt-2", events[1].EventID)
}

func TestGetBySessionChainOrder(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// Chain b → a with timestamps in the opposite order: chain order
	// must win over timestamp order.
	a := testEvent("evt-a", "sess-1", "fetch", baseTime)
	b := testEvent("evt-b", "sess-1", "search", baseTime.Add(time.Second))
	predB := "evt-b"
	a.Predecessor = &predB
	succA := "evt-a"
	b.Successor = &succA

	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Append(ctx, b))

	events, err := store.GetBySession(ctx, "sess-1", muninn.OrderChain)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-b", events[0].EventID)
	assert.Equal(t, "evt-a", events[1].EventID)
}

func TestGetBySessionEmpty(t *testing.T) {
	store := openStore(t)

	events, err := store.GetBySession(context.Background(), "missing", muninn.OrderTimestamp)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetByToolWindowAndLimit(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i, ts := range []time.Time{
		baseTime,
		baseTime.Add(time.Minute),
		baseTime.Add(2 * time.Minute),
		baseTime.Add(3 * time.Minute),
	} {
		id := []string{"evt-1", "evt-2", "evt-3", "evt-4"}[i]
		require.NoError(t, store.Append(ctx, testEvent(id, "sess-1", "search", ts)))
	}
	require.NoError(t, store.Append(ctx, testEvent("evt-5", "sess-1", "fetch", baseTime.Add(time.Minute))))

	// Half-open window [since, until): evt-4 at +3m is excluded.
	events, err := store.GetByTool(ctx, "search", baseTime.Add(time.Minute), baseTime.Add(3*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-3", events[0].EventID)
	assert.Equal(t, "evt-2", events[1].EventID)

	// Limit keeps the newest.
	events, err = store.GetByTool(ctx, "search", baseTime, baseTime.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-4", events[0].EventID)
}

func TestGetSessions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// sess-a: two events, latest at +1m. sess-b: three events, latest at
	// +5m. sess-c: one event only.
	require.NoError(t, store.Append(ctx, testEvent("a1", "sess-a", "search", baseTime)))
	require.NoError(t, store.Append(ctx, testEvent("a2", "sess-a", "fetch", baseTime.Add(time.Minute))))
	require.NoError(t, store.Append(ctx, testEvent("b1", "sess-b", "search", baseTime)))
	require.NoError(t, store.Append(ctx, testEvent("b2", "sess-b", "fetch", baseTime.Add(2*time.Minute))))
	require.NoError(t, store.Append(ctx, testEvent("b3", "sess-b", "parse", baseTime.Add(5*time.Minute))))
	require.NoError(t, store.Append(ctx, testEvent("c1", "sess-c", "search", baseTime.Add(10*time.Minute))))

	sessions, err := store.GetSessions(ctx, baseTime, baseTime.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b", "sess-a"}, sessions)

	// minEventCount below 1 is clamped to 1.
	sessions, err = store.GetSessions(ctx, baseTime, baseTime.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-c", "sess-b", "sess-a"}, sessions)
}

func TestCountFilters(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	failed := testEvent("evt-2", "sess-1", "fetch", baseTime.Add(time.Minute))
	failed.Outcome = muninn.OutcomeFailure
	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))
	require.NoError(t, store.Append(ctx, failed))
	require.NoError(t, store.Append(ctx, testEvent("evt-3", "sess-2", "fetch", baseTime.Add(2*time.Minute))))

	tests := []struct {
		name   string
		filter muninn.Filter
		want   int64
	}{
		{"all", muninn.Filter{}, 3},
		{"by session", muninn.Filter{SessionID: "sess-1"}, 2},
		{"by tool", muninn.Filter{ToolID: "fetch"}, 2},
		{"by outcome", muninn.Filter{Outcome: muninn.OutcomeFailure}, 1},
		{"by window", muninn.Filter{Since: baseTime.Add(time.Minute), Until: baseTime.Add(2 * time.Minute)}, 1},
		{"combined", muninn.Filter{SessionID: "sess-1", ToolID: "fetch", Outcome: muninn.OutcomeFailure}, 1},
		{"no match", muninn.Filter{SessionID: "sess-9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Count(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	empty, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Events)
	assert.True(t, empty.Oldest.IsZero())

	failed := testEvent("evt-2", "sess-1", "fetch", baseTime.Add(time.Minute))
	failed.Outcome = muninn.OutcomeFailure
	require.NoError(t, store.Append(ctx, testEvent("evt-1", "sess-1", "search", baseTime)))
	require.NoError(t, store.Append(ctx, failed))
	require.NoError(t, store.Append(ctx, testEvent("evt-3", "sess-2", "search", baseTime.Add(2*time.Minute))))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Events)
	assert.Equal(t, int64(2), stats.Sessions)
	assert.Equal(t, int64(2), stats.Tools)
	assert.Equal(t, int64(1), stats.Failures)
	assert.True(t, stats.Oldest.Equal(baseTime))
	assert.True(t, stats.Newest.Equal(baseTime.Add(2*time.Minute)))
}

func TestPrune(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEvent("evt-old", "sess-1", "search", baseTime)))
	require.NoError(t, store.Append(ctx, testEvent("evt-new", "sess-1", "fetch", baseTime.Add(time.Hour))))

	deleted, err := store.Prune(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetByID(ctx, "evt-old")
	assert.ErrorIs(t, err, muninn.ErrEventNotFound)
	_, err = store.GetByID(ctx, "evt-new")
	assert.NoError(t, err)

	// Nothing left below the cutoff.
	deleted, err = store.Prune(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
