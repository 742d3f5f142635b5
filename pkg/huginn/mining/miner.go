// miner.go runs the mining pipeline: session preparation, pattern
// mining, time-window filtering, candidate construction, deduplication.

package mining

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/muninn"
)

// MinerOption configures a Miner.
type MinerOption func(*Miner)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) MinerOption {
	return func(m *Miner) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Miner discovers recurring tool chains from the event log. It reads the
// store and writes nothing; persisting results is the caller's concern.
type Miner struct {
	store  muninn.EventStore
	logger *zap.Logger
}

// NewMiner creates a Miner over the given event store.
func NewMiner(store muninn.EventStore, opts ...MinerOption) *Miner {
	m := &Miner{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// session is one prepared session: the reduced tool sequence and the
// events backing each position, most recent sessions sorted first by the
// caller.
type session struct {
	id     string
	tools  []string
	events []muninn.Event
}

// Mine runs the full pipeline and returns candidates ranked by support
// descending. Config errors surface before any store access.
func (m *Miner) Mine(ctx context.Context, cfg Config) ([]CandidateChain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions, err := m.prepareSessions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n := len(sessions)
	if n == 0 {
		m.logger.Info("mining found no usable sessions")
		return nil, nil
	}

	sequences := make([][]string, n)
	for i := range sessions {
		sequences[i] = sessions[i].tools
	}

	minAbs := int(math.Ceil(cfg.MinSupport * float64(n)))
	patterns := prefixSpan(sequences, minAbs, cfg.MaxChainLength)
	m.logger.Debug("pattern mining complete",
		zap.Int("sessions", n), zap.Int("patterns", len(patterns)))

	var chains []CandidateChain
	now := time.Now().UTC()
	for _, pat := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		containing := m.containingSessions(sessions, pat.tools, cfg)
		support := float64(len(containing)) / float64(n)
		if support < cfg.MinSupport {
			continue
		}

		chain := m.buildCandidate(sessions, containing, pat.tools, support, cfg, now)
		if chain.Confidence < cfg.MinConfidence {
			continue
		}
		chains = append(chains, chain)
	}

	chains = dedupe(chains, cfg.SubsumptionThreshold)
	sort.SliceStable(chains, func(i, j int) bool {
		if chains[i].Support != chains[j].Support {
			return chains[i].Support > chains[j].Support
		}
		if chains[i].Confidence != chains[j].Confidence {
			return chains[i].Confidence > chains[j].Confidence
		}
		return joinTools(chains[i].Tools) < joinTools(chains[j].Tools)
	})

	m.logger.Info("mining complete",
		zap.Int("sessions", n),
		zap.Int("candidates", len(chains)))
	return chains, nil
}

// prepareSessions loads, reduces, caps, and samples sessions. Order is
// most recent activity first, which later drives sample selection.
func (m *Miner) prepareSessions(ctx context.Context, cfg Config) ([]session, error) {
	ids := cfg.SessionIDs
	if len(ids) == 0 {
		var err error
		ids, err = m.store.GetSessions(ctx, cfg.Since, cfg.Until, 2)
		if err != nil {
			return nil, err
		}
	}

	maxSeqLen := 3 * cfg.MaxChainLength
	var sessions []session
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.SampleRate < 1.0 && !sampled(id, cfg.SampleRate) {
			continue
		}

		events, err := m.store.GetBySession(ctx, id, muninn.OrderTimestamp)
		if err != nil {
			return nil, err
		}

		s := session{id: id}
		for _, e := range events {
			if e.Timestamp.Before(cfg.Since) || !e.Timestamp.Before(cfg.Until) {
				continue
			}
			if cfg.CollapseRepeats && len(s.tools) > 0 && s.tools[len(s.tools)-1] == e.ToolID {
				continue
			}
			s.tools = append(s.tools, e.ToolID)
			s.events = append(s.events, e)
		}

		if len(s.tools) < 2 {
			continue
		}
		if len(s.tools) > maxSeqLen {
			m.logger.Debug("dropping over-long session",
				zap.String("session_id", id), zap.Int("length", len(s.tools)))
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// sampled deterministically admits a session id at the given rate.
func sampled(sessionID string, rate float64) bool {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	return h.Sum64()%10000 < uint64(rate*10000)
}

// containingSessions returns the indexes of sessions containing the
// pattern, applying the gsp time-window constraint when configured.
func (m *Miner) containingSessions(sessions []session, tools []string, cfg Config) []int {
	var out []int
	for i := range sessions {
		if !containsSubsequence(sessions[i].tools, tools) {
			continue
		}
		if cfg.Algorithm == AlgorithmGSP {
			if _, ok := windowEmbedding(sessions[i].events, tools, cfg.TimeWindowSeconds); !ok {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

// buildCandidate computes the statistics and provenance for one pattern.
func (m *Miner) buildCandidate(sessions []session, containing []int, tools []string, support float64, cfg Config, now time.Time) CandidateChain {
	chain := CandidateChain{
		ID:           uuid.NewString(),
		Tools:        append([]string(nil), tools...),
		Support:      support,
		Confidence:   linkConfidence(sessions, tools),
		DiscoveredAt: now,
		MiningConfig: cfg,
	}

	var totalLatency float64
	failed := 0
	for _, idx := range containing {
		s := sessions[idx]
		positions := matchPositions(s, tools, cfg)

		var sum float64
		for _, p := range positions {
			sum += float64(s.events[p].LatencyMS)
		}
		totalLatency += sum

		final := s.events[positions[len(positions)-1]]
		if final.Outcome == muninn.OutcomeFailure {
			failed++
		}

		if len(chain.SampleEvents) < cfg.MaxSampleEvents {
			chain.SampleEvents = append(chain.SampleEvents, s.events[positions[0]].EventID)
		}
	}
	if len(containing) > 0 {
		chain.AvgLatencyMS = totalLatency / float64(len(containing))
		chain.FailureRate = float64(failed) / float64(len(containing))
	}
	if chain.SampleEvents == nil {
		chain.SampleEvents = []string{}
	}
	return chain
}

// matchPositions locates one embedding of the pattern in the session:
// the window-feasible one under gsp, the earliest one otherwise.
func matchPositions(s session, tools []string, cfg Config) []int {
	if cfg.Algorithm == AlgorithmGSP {
		if positions, ok := windowEmbedding(s.events, tools, cfg.TimeWindowSeconds); ok {
			return positions
		}
	}
	return greedyEmbedding(s.tools, tools)
}

// greedyEmbedding returns the earliest positions matching the pattern.
// The caller guarantees containment.
func greedyEmbedding(seq, tools []string) []int {
	positions := make([]int, 0, len(tools))
	next := 0
	for i, tool := range seq {
		if next < len(tools) && tool == tools[next] {
			positions = append(positions, i)
			next++
		}
	}
	return positions
}

// windowEmbedding searches for an embedding whose every consecutive gap,
// measured from the end of one call to the start of the next, is within
// the window. Feasible positions per step carry a back pointer so any
// witness embedding can be reconstructed.
func windowEmbedding(events []muninn.Event, tools []string, windowSec float64) ([]int, bool) {
	window := time.Duration(windowSec * float64(time.Second))

	// feasible[i] holds event indexes that can serve as step i; parent
	// maps a (step, position) to one feasible predecessor position.
	feasible := make([][]int, len(tools))
	parent := make([]map[int]int, len(tools))
	for i := range events {
		if events[i].ToolID == tools[0] {
			feasible[0] = append(feasible[0], i)
		}
	}

	for step := 1; step < len(tools); step++ {
		parent[step] = make(map[int]int)
		for j := range events {
			if events[j].ToolID != tools[step] {
				continue
			}
			for _, p := range feasible[step-1] {
				if p >= j {
					continue
				}
				end := events[p].Timestamp.Add(time.Duration(events[p].LatencyMS) * time.Millisecond)
				if events[j].Timestamp.Sub(end) <= window {
					feasible[step] = append(feasible[step], j)
					parent[step][j] = p
					break
				}
			}
		}
		if len(feasible[step]) == 0 {
			return nil, false
		}
	}
	if len(feasible[0]) == 0 {
		return nil, false
	}

	positions := make([]int, len(tools))
	positions[len(tools)-1] = feasible[len(tools)-1][0]
	for step := len(tools) - 1; step > 0; step-- {
		positions[step-1] = parent[step][positions[step]]
	}
	return positions, true
}

// linkConfidence is the mean over consecutive links of the probability
// that the next tool appears after the prior tool within a session.
// "After" means later in the sequence, not strictly adjacent.
func linkConfidence(sessions []session, tools []string) float64 {
	if len(tools) < 2 {
		return 0
	}

	var total float64
	for i := 0; i < len(tools)-1; i++ {
		withPrior, withBoth := 0, 0
		for _, s := range sessions {
			first := -1
			for pos, tool := range s.tools {
				if tool == tools[i] {
					first = pos
					break
				}
			}
			if first < 0 {
				continue
			}
			withPrior++
			for pos := first + 1; pos < len(s.tools); pos++ {
				if s.tools[pos] == tools[i+1] {
					withBoth++
					break
				}
			}
		}
		if withPrior > 0 {
			total += float64(withBoth) / float64(withPrior)
		}
	}
	return total / float64(len(tools)-1)
}

// dedupe merges equal tool lists and applies subsumption: a strict
// subsequence of a longer chain with support within the threshold is
// dropped in favor of the longer chain.
func dedupe(chains []CandidateChain, threshold float64) []CandidateChain {
	// Equality merge: keep higher support, union sample ids.
	byTools := make(map[string]int)
	var merged []CandidateChain
	for _, c := range chains {
		key := joinTools(c.Tools)
		if idx, ok := byTools[key]; ok {
			if c.Support > merged[idx].Support {
				samples := merged[idx].SampleEvents
				merged[idx] = c
				merged[idx].SampleEvents = unionSamples(c.SampleEvents, samples)
			} else {
				merged[idx].SampleEvents = unionSamples(merged[idx].SampleEvents, c.SampleEvents)
			}
			continue
		}
		byTools[key] = len(merged)
		merged = append(merged, c)
	}

	subsumed := make([]bool, len(merged))
	for i := range merged {
		for j := range merged {
			if i == j || subsumed[j] {
				continue
			}
			if !isStrictSubsequence(merged[i].Tools, merged[j].Tools) {
				continue
			}
			if merged[j].Support == 0 {
				continue
			}
			if math.Abs(merged[i].Support-merged[j].Support)/merged[j].Support <= threshold {
				subsumed[i] = true
				break
			}
		}
	}

	out := merged[:0]
	for i := range merged {
		if !subsumed[i] {
			out = append(out, merged[i])
		}
	}
	return out
}

func unionSamples(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] && len(out) < MaxSampleEventsLimit {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func joinTools(tools []string) string {
	out := ""
	for i, t := range tools {
		if i > 0 {
			out += "\x00"
		}
		out += t
	}
	return out
}

// FilterCandidates applies the orchestration failure-rate guard: chains
// whose failure rate exceeds the configured maximum are rejected before
// synthesis. A zero maximum disables the guard.
func FilterCandidates(chains []CandidateChain, cfg Config, logger *zap.Logger) []CandidateChain {
	if cfg.MaxFailureRate <= 0 {
		return chains
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([]CandidateChain, 0, len(chains))
	for _, c := range chains {
		if c.FailureRate > cfg.MaxFailureRate {
			logger.Warn("rejecting candidate over failure-rate guard",
				zap.Strings("tools", c.Tools),
				zap.Float64("failure_rate", c.FailureRate),
				zap.Float64("max_failure_rate", cfg.MaxFailureRate))
			continue
		}
		out = append(out, c)
	}
	return out
}
