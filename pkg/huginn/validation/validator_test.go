package validation

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
	"github.com/twinraven/twinraven/pkg/muninn"
)

type fakeStore struct {
	sessions map[string][]muninn.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string][]muninn.Event)}
}

func (f *fakeStore) add(e muninn.Event) {
	f.sessions[e.SessionID] = append(f.sessions[e.SessionID], e)
}

func (f *fakeStore) Append(ctx context.Context, e muninn.Event) error { f.add(e); return nil }
func (f *fakeStore) AppendBatch(ctx context.Context, events []muninn.Event) error {
	for _, e := range events {
		f.add(e)
	}
	return nil
}
func (f *fakeStore) UpdateSuccessor(ctx context.Context, predID, succID string) error { return nil }

func (f *fakeStore) GetByID(ctx context.Context, eventID string) (muninn.Event, error) {
	for _, events := range f.sessions {
		for _, e := range events {
			if e.EventID == eventID {
				return e, nil
			}
		}
	}
	return muninn.Event{}, muninn.ErrEventNotFound
}

func (f *fakeStore) GetBySession(ctx context.Context, sessionID string, order muninn.SessionOrder) ([]muninn.Event, error) {
	events := append([]muninn.Event(nil), f.sessions[sessionID]...)
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (f *fakeStore) GetByTool(ctx context.Context, toolID string, since, until time.Time, limit int) ([]muninn.Event, error) {
	return nil, nil
}

func (f *fakeStore) GetSessions(ctx context.Context, since, until time.Time, minEventCount int) ([]string, error) {
	type entry struct {
		id   string
		last time.Time
	}
	var entries []entry
	for id, events := range f.sessions {
		count := 0
		var last time.Time
		for _, e := range events {
			if !e.Timestamp.Before(since) && e.Timestamp.Before(until) {
				count++
				if e.Timestamp.After(last) {
					last = e.Timestamp
				}
			}
		}
		if count >= minEventCount {
			entries = append(entries, entry{id, last})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.After(entries[j].last)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (f *fakeStore) Count(ctx context.Context, filter muninn.Filter) (int64, error) { return 0, nil }
func (f *fakeStore) Prune(ctx context.Context, olderThan time.Time) (int64, error)  { return 0, nil }
func (f *fakeStore) Health(ctx context.Context) error                               { return nil }

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func str(s string) *string { return &s }

// seedSession writes one fetch → parse session where parse consumes
// fetch's url output.
func seedSession(store *fakeStore, i int, parseOutcome muninn.Outcome, fetchLatency, parseLatency int32) {
	sid := fmt.Sprintf("s%d", i)
	store.add(muninn.Event{
		EventID:       sid + "-fetch",
		SessionID:     sid,
		ToolID:        "fetch",
		InputParams:   map[string]any{"query": fmt.Sprintf("topic-%d", i)},
		OutputSummary: str(fmt.Sprintf(`{"url":"https://example.com/%d"}`, i)),
		Timestamp:     testBase.Add(time.Duration(i) * time.Minute),
		LatencyMS:     fetchLatency,
		Outcome:       muninn.OutcomeSuccess,
	})
	store.add(muninn.Event{
		EventID:       sid + "-parse",
		SessionID:     sid,
		ToolID:        "parse",
		InputParams:   map[string]any{"url": fmt.Sprintf("https://example.com/%d", i)},
		OutputSummary: str(`{"body":"parsed content"}`),
		Timestamp:     testBase.Add(time.Duration(i)*time.Minute + 10*time.Second),
		LatencyMS:     parseLatency,
		Outcome:       parseOutcome,
	})
}

func testTool() *synthesis.SynthesizedTool {
	return &synthesis.SynthesizedTool{
		Slug: "fetch-parse",
		Steps: []synthesis.Step{
			{Index: 0, ToolID: "fetch", InputMapping: map[string]string{"query": "parameters.query"}},
			{Index: 1, ToolID: "parse", InputMapping: map[string]string{"url": "wiring.0.url"}},
		},
		InternalWiring: map[int]map[string]string{1: {"url": "wiring.0.url"}},
		ErrorStrategy:  synthesis.ErrorStrategy{DefaultBehavior: synthesis.BehaviorAbort},
		SourceChainID:  "chain-1",
		Version:        1,
		Status:         synthesis.StatusDraft,
		CreatedAt:      testBase,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Since = testBase.Add(-time.Hour)
	cfg.Until = testBase.Add(time.Hour)
	cfg.SimilarityMethod = MethodExactMatch
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"exact match", func(c *Config) { c.SimilarityMethod = MethodExactMatch }, true},
		{"zero sessions", func(c *Config) { c.MinReplaySessions = 0 }, false},
		{"threshold over one", func(c *Config) { c.EquivalenceThreshold = 1.5 }, false},
		{"zero regression", func(c *Config) { c.MaxLatencyRegression = 0 }, false},
		{"unknown method", func(c *Config) { c.SimilarityMethod = "levenshtein" }, false},
		{"inverted range", func(c *Config) { c.Until = c.Since.Add(-time.Hour) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestValidatePassPromotes(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		seedSession(store, i, muninn.OutcomeSuccess, 50, 120)
	}
	tool := testTool()

	result, err := NewValidator(store).Validate(context.Background(), tool, testConfig())
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Equal(t, 3, result.SessionsReplayed)
	assert.Equal(t, 1.0, result.MeanSimilarity)
	assert.Equal(t, 1.0, result.MinSimilarity)
	assert.True(t, result.ErrorParity)
	assert.InDelta(t, 1.0, result.LatencyRatio, 1e-9)
	assert.Empty(t, result.FailureReasons)
	assert.Equal(t, "fetch-parse", result.Slug)
	assert.Equal(t, 1, result.Version)

	assert.Equal(t, synthesis.StatusPromoted, tool.Status)
	require.NotNil(t, tool.PromotedAt)
}

func TestValidatePassWithApprovalParksInTesting(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		seedSession(store, i, muninn.OutcomeSuccess, 50, 120)
	}
	tool := testTool()
	cfg := testConfig()
	cfg.RequireApproval = true

	result, err := NewValidator(store).Validate(context.Background(), tool, cfg)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, synthesis.StatusTesting, tool.Status)
	assert.Nil(t, tool.PromotedAt)
}

func TestValidateInsufficientData(t *testing.T) {
	store := newFakeStore()
	seedSession(store, 0, muninn.OutcomeSuccess, 50, 120)

	_, err := NewValidator(store).Validate(context.Background(), testTool(), testConfig())
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Needed)
	assert.Equal(t, 1, insufficient.Found)
}

func TestValidateBrokenWiringFailsToDraft(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		seedSession(store, i, muninn.OutcomeSuccess, 50, 120)
	}
	tool := testTool()
	// Wrong output field: the projection diverges from the recorded call.
	tool.Steps[1].InputMapping["url"] = "wiring.0.href"
	tool.InternalWiring[1]["url"] = "wiring.0.href"

	result, err := NewValidator(store).Validate(context.Background(), tool, testConfig())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Zero(t, result.MeanSimilarity)
	assert.NotEmpty(t, result.FailureReasons)
	assert.Equal(t, synthesis.StatusDraft, tool.Status)
}

func TestValidateErrorParity(t *testing.T) {
	store := newFakeStore()
	seedSession(store, 0, muninn.OutcomeFailure, 50, 120)
	seedSession(store, 1, muninn.OutcomeSuccess, 50, 120)
	seedSession(store, 2, muninn.OutcomeSuccess, 50, 120)

	t.Run("uncovered failure fails parity", func(t *testing.T) {
		tool := testTool()
		result, err := NewValidator(store).Validate(context.Background(), tool, testConfig())
		require.NoError(t, err)
		assert.False(t, result.ErrorParity)
		assert.False(t, result.Passed)
		assert.Equal(t, synthesis.StatusDraft, tool.Status)
	})

	t.Run("retry policy restores parity", func(t *testing.T) {
		tool := testTool()
		tool.ErrorStrategy.Retries = map[int]synthesis.RetryPolicy{
			1: {MaxAttempts: 3, Backoff: synthesis.BackoffExponential, BaseDelayMS: 250},
		}
		result, err := NewValidator(store).Validate(context.Background(), tool, testConfig())
		require.NoError(t, err)
		assert.True(t, result.ErrorParity)
		assert.True(t, result.Passed)
	})
}

func TestValidateLatencySavings(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		seedSession(store, i, muninn.OutcomeSuccess, 100, 100)
	}
	tool := testTool()
	// Independent steps marked parallel: group savings = sum − max.
	tool.Steps[1].InputMapping = map[string]string{"url": "parameters.url"}
	tool.InternalWiring = nil
	tool.Steps[0].ParallelizableWith = []int{1}
	tool.Steps[1].ParallelizableWith = []int{0}

	cfg := testConfig()
	cfg.SimilarityMethod = MethodCosineTFIDF
	cfg.EquivalenceThreshold = 0 // latency is what this test watches

	result, err := NewValidator(store).Validate(context.Background(), tool, cfg)
	require.NoError(t, err)
	// 200ms serial vs 100ms with both steps overlapped.
	assert.InDelta(t, 0.5, result.LatencyRatio, 1e-9)
	assert.True(t, result.Passed)
}

func TestValidateRejectsWrongState(t *testing.T) {
	store := newFakeStore()
	tool := testTool()
	tool.Status = synthesis.StatusPromoted

	_, err := NewValidator(store).Validate(context.Background(), tool, testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promoted")
}

func TestCosineTFIDF(t *testing.T) {
	assert.Equal(t, 1.0, cosineTFIDF("same text", "same text"))
	assert.Zero(t, cosineTFIDF("alpha beta", "gamma delta"))
	assert.Zero(t, cosineTFIDF("", "anything"))

	near := cosineTFIDF(`{"body":"parsed content here"}`, `{"body":"parsed content there"}`)
	far := cosineTFIDF(`{"body":"parsed content here"}`, `{"error":"timeout"}`)
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.5)
}

func TestProjectFaithfulReusesRecordedOutput(t *testing.T) {
	store := newFakeStore()
	seedSession(store, 0, muninn.OutcomeSuccess, 50, 120)
	events, err := store.GetBySession(context.Background(), "s0", muninn.OrderTimestamp)
	require.NoError(t, err)

	tool := testTool()
	projected := project(tool, replay{sessionID: "s0", events: events})
	assert.Equal(t, `{"body":"parsed content"}`, projected)
}

func TestExternalInputs(t *testing.T) {
	tool := testTool()
	tool.InternalWiring[0] = map[string]string{"session_token": "wiring.0.token"}

	inputs := ExternalInputs(tool, map[string]any{"query": "q", "session_token": "t"})
	assert.Equal(t, map[string]any{"query": "q"}, inputs)
}
