// scan.go runs the lifecycle scans over promoted tools: drift,
// staleness, and failure spikes.

package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
	"github.com/twinraven/twinraven/pkg/muninn"
)

// ScanConfig parameterizes the lifecycle scans.
type ScanConfig struct {
	// DriftThreshold flags a tool when current support falls below this
	// fraction of the original support.
	DriftThreshold float64 `yaml:"drift_threshold" json:"drift_threshold"`

	// AutoRetireOnDrift retires flagged tools instead of only reporting.
	AutoRetireOnDrift bool `yaml:"auto_retire_on_drift" json:"auto_retire_on_drift"`

	// AutoRetireAfterDays retires tools unused for this many days.
	AutoRetireAfterDays int `yaml:"auto_retire_after_days" json:"auto_retire_after_days"`

	// FailureWindow and FailureThreshold drive the failure-spike scan: a
	// promoted tool whose recent failure rate exceeds the threshold is
	// retired. MinInvocations guards against noise on tiny samples.
	FailureWindow    time.Duration `yaml:"failure_window" json:"failure_window"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	MinInvocations   int           `yaml:"min_invocations" json:"min_invocations"`
}

// DefaultScanConfig mirrors the documented defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		DriftThreshold:      0.5,
		AutoRetireAfterDays: 30,
		FailureWindow:       7 * 24 * time.Hour,
		FailureThreshold:    0.3,
		MinInvocations:      5,
	}
}

// DriftFinding reports one tool's support movement.
type DriftFinding struct {
	Slug            string  `json:"slug"`
	OriginalSupport float64 `json:"original_support"`
	CurrentSupport  float64 `json:"current_support"`
	Ratio           float64 `json:"ratio"`
	Flagged         bool    `json:"flagged"`
	Retired         bool    `json:"retired"`
}

// DriftScan re-mines recent sessions for each promoted tool's source
// chain and compares support against the registration-time snapshot.
// Flagged tools retire with reason drift when auto-retire is enabled.
func (r *Registry) DriftScan(ctx context.Context, miner *mining.Miner, miningCfg mining.Config, cfg ScanConfig) ([]DriftFinding, error) {
	promoted, err := r.store.ListRecords(ctx, synthesis.StatusPromoted)
	if err != nil {
		return nil, err
	}
	if len(promoted) == 0 {
		return nil, nil
	}

	// One low-threshold mining pass covers every tool's chain.
	miningCfg.MinSupport = 0.01
	miningCfg.MinConfidence = 0
	chains, err := miner.Mine(ctx, miningCfg)
	if err != nil {
		return nil, err
	}

	var findings []DriftFinding
	for _, record := range promoted {
		meta, err := r.readMetadata(record.Slug)
		if err != nil {
			return nil, err
		}
		if meta.SourceChain.Support <= 0 || len(meta.SourceChain.Tools) == 0 {
			continue
		}

		current := 0.0
		for _, chain := range chains {
			if sameTools(chain.Tools, meta.SourceChain.Tools) {
				current = chain.Support
				break
			}
		}

		finding := DriftFinding{
			Slug:            record.Slug,
			OriginalSupport: meta.SourceChain.Support,
			CurrentSupport:  current,
			Ratio:           current / meta.SourceChain.Support,
		}
		if finding.Ratio < cfg.DriftThreshold {
			finding.Flagged = true
			r.logger.Warn("tool support drifted",
				zap.String("slug", record.Slug),
				zap.Float64("original_support", finding.OriginalSupport),
				zap.Float64("current_support", finding.CurrentSupport))
			if cfg.AutoRetireOnDrift {
				if err := r.Retire(ctx, record.Slug, ReasonDrift); err != nil {
					return findings, err
				}
				finding.Retired = true
			}
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// StalenessScan retires tools unused since now − AutoRetireAfterDays.
// Never-used tools count from their registration time.
func (r *Registry) StalenessScan(ctx context.Context, cfg ScanConfig) ([]string, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.AutoRetireAfterDays)
	stale, err := r.store.StaleRecords(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var retired []string
	for _, record := range stale {
		if record.Status != synthesis.StatusPromoted {
			continue
		}
		if err := r.Retire(ctx, record.Slug, ReasonUnused); err != nil {
			return retired, err
		}
		retired = append(retired, record.Slug)
	}
	return retired, nil
}

// FailureSpikeScan retires promoted tools whose recorded failure rate
// over the window exceeds the threshold. Composite invocations appear in
// the event log under the tool's slug.
func (r *Registry) FailureSpikeScan(ctx context.Context, events muninn.EventStore, cfg ScanConfig) ([]string, error) {
	promoted, err := r.store.ListRecords(ctx, synthesis.StatusPromoted)
	if err != nil {
		return nil, err
	}

	until := time.Now().UTC()
	since := until.Add(-cfg.FailureWindow)

	var retired []string
	for _, record := range promoted {
		recent, err := events.GetByTool(ctx, record.Slug, since, until, 0)
		if err != nil {
			return retired, err
		}
		if len(recent) < cfg.MinInvocations {
			continue
		}

		failures := 0
		for _, e := range recent {
			if e.Outcome == muninn.OutcomeFailure {
				failures++
			}
		}
		rate := float64(failures) / float64(len(recent))
		if rate <= cfg.FailureThreshold {
			continue
		}

		r.logger.Warn("tool failure spike",
			zap.String("slug", record.Slug),
			zap.Float64("failure_rate", rate),
			zap.Int("invocations", len(recent)))
		if err := r.Retire(ctx, record.Slug, ReasonFailureSpike); err != nil {
			return retired, err
		}
		retired = append(retired, record.Slug)
	}
	return retired, nil
}

func sameTools(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders a finding for operator output.
func (f DriftFinding) String() string {
	return fmt.Sprintf("%s: support %.3f -> %.3f (ratio %.2f)", f.Slug, f.OriginalSupport, f.CurrentSupport, f.Ratio)
}
