package mining

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven/twinraven/pkg/muninn"
)

// fakeStore is an in-memory EventStore sufficient for mining: sessions
// and their ordered events.
type fakeStore struct {
	sessions map[string][]muninn.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string][]muninn.Event)}
}

func (f *fakeStore) Append(ctx context.Context, e muninn.Event) error {
	f.sessions[e.SessionID] = append(f.sessions[e.SessionID], e)
	return nil
}

func (f *fakeStore) AppendBatch(ctx context.Context, events []muninn.Event) error {
	for _, e := range events {
		f.sessions[e.SessionID] = append(f.sessions[e.SessionID], e)
	}
	return nil
}

func (f *fakeStore) UpdateSuccessor(ctx context.Context, predID, succID string) error {
	return nil
}

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

func (f *fakeStore) Count(ctx context.Context, filter muninn.Filter) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Health(ctx context.Context) error { return nil }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// addSession appends one event per tool, spaced gapMS apart, with the
// given outcome on the last event.
func addSession(f *fakeStore, sessionID string, tools []string, gapMS int, lastOutcome muninn.Outcome) {
	for i, tool := range tools {
		outcome := muninn.OutcomeSuccess
		if i == len(tools)-1 {
			outcome = lastOutcome
		}
		f.Append(context.Background(), muninn.Event{
			EventID:   fmt.Sprintf("%s-%d", sessionID, i),
			SessionID: sessionID,
			ToolID:    tool,
			InputHash: "0123456789abcdef",
			Timestamp: baseTime.Add(time.Duration(i*gapMS) * time.Millisecond),
			LatencyMS: 10,
			Outcome:   outcome,
		})
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Since = baseTime.Add(-time.Hour)
	cfg.Until = baseTime.Add(time.Hour)
	cfg.MinSupport = 0.5
	cfg.MinConfidence = 0.0
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"gsp", func(c *Config) { c.Algorithm = AlgorithmGSP }, true},
		{"unknown algorithm", func(c *Config) { c.Algorithm = "apriori" }, false},
		{"zero support", func(c *Config) { c.MinSupport = 0 }, false},
		{"support over one", func(c *Config) { c.MinSupport = 1.5 }, false},
		{"negative confidence", func(c *Config) { c.MinConfidence = -0.1 }, false},
		{"chain length one", func(c *Config) { c.MaxChainLength = 1 }, false},
		{"gsp zero window", func(c *Config) {
			c.Algorithm = AlgorithmGSP
			c.TimeWindowSeconds = 0
		}, false},
		{"inverted range", func(c *Config) { c.Until = c.Since.Add(-time.Hour) }, false},
		{"too many samples", func(c *Config) { c.MaxSampleEvents = 11 }, false},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, false},
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

func TestMineInvalidConfigBeforeStoreAccess(t *testing.T) {
	cfg := testConfig()
	cfg.MinSupport = 2.0

	// A nil store proves config validation happens first.
	miner := NewMiner(nil)
	_, err := miner.Mine(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMineFindsRecurringChain(t *testing.T) {
	store := newFakeStore()
	// Three of four sessions contain search → read → summarize.
	addSession(store, "s1", []string{"search", "read", "summarize"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s2", []string{"search", "read", "summarize"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s3", []string{"search", "other", "read", "summarize"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s4", []string{"plan", "execute"}, 1000, muninn.OutcomeSuccess)

	cfg := testConfig()
	cfg.MinSupport = 0.7
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, chains)

	top := chains[0]
	assert.Equal(t, []string{"search", "read", "summarize"}, top.Tools)
	assert.InDelta(t, 0.75, top.Support, 1e-9)
	assert.Equal(t, 1.0, top.Confidence)
	assert.Zero(t, top.FailureRate)
	assert.NotEmpty(t, top.SampleEvents)
	assert.Equal(t, cfg.MinSupport, top.MiningConfig.MinSupport)

	// Ranked by support descending.
	for i := 1; i < len(chains); i++ {
		assert.GreaterOrEqual(t, chains[i-1].Support, chains[i].Support)
	}
}

func TestMineCollapsesRepeats(t *testing.T) {
	store := newFakeStore()
	addSession(store, "s1", []string{"search", "search", "read"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s2", []string{"search", "read"}, 1000, muninn.OutcomeSuccess)

	cfg := testConfig()
	cfg.MinSupport = 1.0
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, []string{"search", "read"}, chains[0].Tools)
	assert.Equal(t, 1.0, chains[0].Support)
}

func TestMineGSPWindowFilter(t *testing.T) {
	store := newFakeStore()
	// s1 and s2: steps one second apart. s3: ten minutes apart.
	addSession(store, "s1", []string{"fetch", "parse"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s2", []string{"fetch", "parse"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s3", []string{"fetch", "parse"}, 600_000, muninn.OutcomeSuccess)

	cfg := testConfig()
	cfg.Algorithm = AlgorithmGSP
	cfg.TimeWindowSeconds = 60
	cfg.MinSupport = 0.6

	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	// Only two of three sessions fall inside the window.
	assert.InDelta(t, 2.0/3.0, chains[0].Support, 1e-9)

	// Widening the window readmits the slow session.
	cfg.TimeWindowSeconds = 3600
	chains, err = NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, 1.0, chains[0].Support)
}

func TestMineFailureRate(t *testing.T) {
	store := newFakeStore()
	// Five sessions with x → y, three ending in failure at y.
	for i := 0; i < 5; i++ {
		outcome := muninn.OutcomeFailure
		if i >= 3 {
			outcome = muninn.OutcomeSuccess
		}
		addSession(store, fmt.Sprintf("s%d", i), []string{"x", "y"}, 1000, outcome)
	}

	cfg := testConfig()
	cfg.MinSupport = 0.9
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.InDelta(t, 0.6, chains[0].FailureRate, 1e-9)

	cfg.MaxFailureRate = 0.3
	assert.Empty(t, FilterCandidates(chains, cfg, nil))

	cfg.MaxFailureRate = 0.7
	assert.Len(t, FilterCandidates(chains, cfg, nil), 1)
}

func TestMinePartialOutcomeNotFailure(t *testing.T) {
	store := newFakeStore()
	addSession(store, "s1", []string{"x", "y"}, 1000, muninn.OutcomePartial)
	addSession(store, "s2", []string{"x", "y"}, 1000, muninn.OutcomePartial)

	cfg := testConfig()
	cfg.MinSupport = 1.0
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Zero(t, chains[0].FailureRate)
}

func TestMineSubsumption(t *testing.T) {
	store := newFakeStore()
	// The two-step chain never occurs without the three-step chain, so
	// their supports are identical and the shorter is subsumed.
	for i := 0; i < 4; i++ {
		addSession(store, fmt.Sprintf("s%d", i), []string{"a", "b", "c"}, 1000, muninn.OutcomeSuccess)
	}

	cfg := testConfig()
	cfg.MinSupport = 0.9
	cfg.SubsumptionThreshold = 0.1
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, []string{"a", "b", "c"}, chains[0].Tools)
}

func TestMineSubsumptionRespectsThreshold(t *testing.T) {
	store := newFakeStore()
	// [a b] in all four sessions, [a b c] in only two: the support gap
	// (0.5 relative) exceeds the threshold, so both survive.
	addSession(store, "s1", []string{"a", "b", "c"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s2", []string{"a", "b", "c"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s3", []string{"a", "b"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s4", []string{"a", "b"}, 1000, muninn.OutcomeSuccess)

	cfg := testConfig()
	cfg.MinSupport = 0.5
	cfg.SubsumptionThreshold = 0.1
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)

	var lists [][]string
	for _, c := range chains {
		lists = append(lists, c.Tools)
	}
	assert.Contains(t, lists, []string{"a", "b"})
	assert.Contains(t, lists, []string{"a", "b", "c"})
}

func TestMineDropsOverlongSessions(t *testing.T) {
	store := newFakeStore()
	long := make([]string, 20)
	for i := range long {
		long[i] = fmt.Sprintf("t%d", i)
	}
	addSession(store, "long", long, 1000, muninn.OutcomeSuccess)
	addSession(store, "s1", []string{"a", "b"}, 1000, muninn.OutcomeSuccess)
	addSession(store, "s2", []string{"a", "b"}, 1000, muninn.OutcomeSuccess)

	cfg := testConfig()
	cfg.MaxChainLength = 5 // cap = 15, the long session is dropped
	cfg.MinSupport = 1.0
	chains, err := NewMiner(store).Mine(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, []string{"a", "b"}, chains[0].Tools)
}

func TestMineDeterministicSampling(t *testing.T) {
	// Same ids, same rate, same admitted set on every run.
	ids := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	first := make([]bool, len(ids))
	for i, id := range ids {
		first[i] = sampled(id, 0.5)
	}
	for run := 0; run < 3; run++ {
		for i, id := range ids {
			assert.Equal(t, first[i], sampled(id, 0.5))
		}
	}
	// Rate 1.0 admits everything.
	for _, id := range ids {
		assert.True(t, sampled(id, 1.0))
	}
}

func TestPrefixSpan(t *testing.T) {
	sequences := [][]string{
		{"a", "b", "c"},
		{"a", "c"},
		{"a", "b"},
	}
	patterns := prefixSpan(sequences, 2, 3)

	bySupport := make(map[string]int)
	for _, p := range patterns {
		bySupport[joinTools(p.tools)] = p.support
	}
	assert.Equal(t, 2, bySupport[joinTools([]string{"a", "b"})])
	assert.Equal(t, 2, bySupport[joinTools([]string{"a", "c"})])
	// b→c appears in one sequence only, below minimum support.
	assert.NotContains(t, bySupport, joinTools([]string{"b", "c"}))
}

func TestChainEqual(t *testing.T) {
	a := CandidateChain{ID: "1", Tools: []string{"x", "y"}, Support: 0.5, Confidence: 0.8}
	b := CandidateChain{ID: "2", Tools: []string{"x", "y"}, Support: 0.5, Confidence: 0.8}
	c := CandidateChain{ID: "3", Tools: []string{"x", "y"}, Support: 0.4, Confidence: 0.8}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestMineCancellation(t *testing.T) {
	store := newFakeStore()
	addSession(store, "s1", []string{"a", "b"}, 1000, muninn.OutcomeSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMiner(store).Mine(ctx, testConfig())
	require.ErrorIs(t, err, context.Canceled)
}
