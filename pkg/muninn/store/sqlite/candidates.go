// candidates.go implements mining.CandidateStore over the
// candidate_chains table. Chains are immutable after save.

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/muninn"
)

const candidateColumns = `chain_id, tools, support, confidence, avg_latency_ms,
	failure_rate, sample_events, discovered_at, mining_config`

// Save persists a chain. A duplicate id returns muninn.ErrDuplicateCandidate.
func (s *Store) Save(ctx context.Context, chain mining.CandidateChain) error {
	tools, err := json.Marshal(chain.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	samples := chain.SampleEvents
	if samples == nil {
		samples = []string{}
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("marshal sample events: %w", err)
	}
	cfg, err := json.Marshal(chain.MiningConfig)
	if err != nil {
		return fmt.Errorf("marshal mining config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO candidate_chains (`+candidateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chain.ID, string(tools), chain.Support, chain.Confidence,
		chain.AvgLatencyMS, chain.FailureRate, string(samplesJSON),
		toMicros(chain.DiscoveredAt), string(cfg))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", muninn.ErrDuplicateCandidate, chain.ID)
		}
		return fmt.Errorf("save candidate: %w", err)
	}
	return nil
}

// Get fetches a chain by id.
func (s *Store) Get(ctx context.Context, chainID string) (mining.CandidateChain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidate_chains WHERE chain_id = ?`, chainID)
	chain, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mining.CandidateChain{}, fmt.Errorf("%w: %s", muninn.ErrCandidateNotFound, chainID)
	}
	return chain, err
}

// List returns chains with support ≥ minSupport, highest support first.
func (s *Store) List(ctx context.Context, minSupport float64) ([]mining.CandidateChain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candidateColumns+` FROM candidate_chains
		WHERE support >= ?
		ORDER BY support DESC, chain_id ASC`, minSupport)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var chains []mining.CandidateChain
	for rows.Next() {
		chain, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

// Delete removes a consumed or rejected chain.
func (s *Store) Delete(ctx context.Context, chainID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candidate_chains WHERE chain_id = ?`, chainID)
	if err != nil {
		return fmt.Errorf("delete candidate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete candidate: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", muninn.ErrCandidateNotFound, chainID)
	}
	return nil
}

func scanCandidate(row rowScanner) (mining.CandidateChain, error) {
	var c mining.CandidateChain
	var tools, samples, cfg string
	var discovered int64

	err := row.Scan(&c.ID, &tools, &c.Support, &c.Confidence, &c.AvgLatencyMS,
		&c.FailureRate, &samples, &discovered, &cfg)
	if err != nil {
		return mining.CandidateChain{}, err
	}

	if err := json.Unmarshal([]byte(tools), &c.Tools); err != nil {
		return mining.CandidateChain{}, fmt.Errorf("unmarshal tools: %w", err)
	}
	if err := json.Unmarshal([]byte(samples), &c.SampleEvents); err != nil {
		return mining.CandidateChain{}, fmt.Errorf("unmarshal sample events: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &c.MiningConfig); err != nil {
		return mining.CandidateChain{}, fmt.Errorf("unmarshal mining config: %w", err)
	}
	c.DiscoveredAt = fromMicros(discovered)
	return c, nil
}
