// Package registry stores promoted composite tools as versioned on-disk
// JSON documents plus a database record set, and runs the lifecycle
// scans that retire them.
//
// Layout: generated/<slug>/v<N>.json holds immutable version documents;
// generated/<slug>/metadata.json holds the current version pointer and
// the source-chain snapshot. Writes serialize per slug with an advisory
// file lock plus an in-process mutex; reads are lock-free.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
	"github.com/twinraven/twinraven/pkg/huginn/validation"
)

// Retirement reasons.
const (
	ReasonManual       = "manual"
	ReasonUnused       = "auto_unused"
	ReasonDrift        = "drift"
	ReasonFailureSpike = "failure_spike"
	ReasonSuperseded   = "superseded"
)

var (
	// ErrToolNotFound is returned for an unknown slug.
	ErrToolNotFound = errors.New("registry: tool not found")

	// ErrVersionNotFound is returned for an unknown (slug, version).
	ErrVersionNotFound = errors.New("registry: version not found")
)

// TransitionError reports a lifecycle move the state machine forbids.
type TransitionError struct {
	Slug string
	From synthesis.Status
	To   synthesis.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("registry: tool %s cannot transition %s -> %s", e.Slug, e.From, e.To)
}

// ToolRecord is the registry's database row for one slug.
type ToolRecord struct {
	Slug             string           `json:"slug"`
	CurrentVersion   int              `json:"current_version"`
	DefinitionPath   string           `json:"definition_path"`
	RegisteredAt     time.Time        `json:"registered_at"`
	LastUsedAt       *time.Time       `json:"last_used_at,omitempty"`
	InvocationCount  int64            `json:"invocation_count"`
	Status           synthesis.Status `json:"status"`
	RetirementReason *string          `json:"retirement_reason,omitempty"`
}

// ToolVersion is one row per (slug, version) with the validation
// snapshot that admitted it.
type ToolVersion struct {
	Slug             string     `json:"slug"`
	Version          int        `json:"version"`
	ValidationPassed bool       `json:"validation_passed"`
	EquivalenceScore float64    `json:"equivalence_score"`
	CreatedAt        time.Time  `json:"created_at"`
	SupersededAt     *time.Time `json:"superseded_at,omitempty"`
}

// Store is the registry's database contract. The sqlite store implements
// it alongside the event and candidate stores.
type Store interface {
	// UpsertRecord inserts or replaces the record for its slug.
	UpsertRecord(ctx context.Context, record ToolRecord) error

	// GetRecord fetches a record, ErrToolNotFound when absent.
	GetRecord(ctx context.Context, slug string) (ToolRecord, error)

	// ListRecords returns records ordered by slug, optionally filtered
	// by status (empty means all).
	ListRecords(ctx context.Context, status synthesis.Status) ([]ToolRecord, error)

	// UpdateStatus sets a record's status and, for retirement, reason.
	UpdateStatus(ctx context.Context, slug string, status synthesis.Status, reason *string) error

	// TouchUsage bumps the invocation counter and last-used time.
	TouchUsage(ctx context.Context, slug string, at time.Time) error

	// InsertVersion adds one version row.
	InsertVersion(ctx context.Context, version ToolVersion) error

	// MarkSuperseded stamps a version's supersession time.
	MarkSuperseded(ctx context.Context, slug string, version int, at time.Time) error

	// GetVersions returns all versions for a slug, ascending.
	GetVersions(ctx context.Context, slug string) ([]ToolVersion, error)

	// StaleRecords returns non-retired records unused since the cutoff,
	// including never-used records registered before it.
	StaleRecords(ctx context.Context, unusedSince time.Time) ([]ToolRecord, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry manages the tool document tree and record set.
type Registry struct {
	dir    string
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	slugs map[string]*sync.Mutex
}

// New creates a Registry rooted at dir (the generated/ directory).
func New(dir string, store Store, opts ...Option) *Registry {
	r := &Registry{
		dir:    dir,
		store:  store,
		logger: zap.NewNop(),
		slugs:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockSlug serializes writers for one slug: an in-process mutex for
// goroutines plus an advisory flock for sibling processes. The returned
// function releases both.
func (r *Registry) lockSlug(slug string) (func(), error) {
	r.mu.Lock()
	m, ok := r.slugs[slug]
	if !ok {
		m = &sync.Mutex{}
		r.slugs[slug] = m
	}
	r.mu.Unlock()
	m.Lock()

	if err := os.MkdirAll(r.slugDir(slug), 0o755); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("create slug directory: %w", err)
	}
	fl := flock.New(r.metadataPath(slug) + ".lock")
	if err := fl.Lock(); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock slug %s: %w", slug, err)
	}
	return func() {
		fl.Unlock()
		m.Unlock()
	}, nil
}

// Register writes a tool version: version 1 for a new slug, previous+1
// on re-synthesis. The chain provides the source snapshot drift scans
// compare against. The tool's Version field is set to the version
// assigned.
func (r *Registry) Register(ctx context.Context, tool *synthesis.SynthesizedTool, result validation.Result, chain mining.CandidateChain) error {
	if tool.Slug == "" {
		return fmt.Errorf("registry: empty slug")
	}
	unlock, err := r.lockSlug(tool.Slug)
	if err != nil {
		return err
	}
	defer unlock()

	now := time.Now().UTC()
	version := 1
	registeredAt := now

	existing, getErr := r.store.GetRecord(ctx, tool.Slug)
	switch {
	case getErr == nil:
		version = existing.CurrentVersion + 1
		registeredAt = existing.RegisteredAt
	case errors.Is(getErr, ErrToolNotFound):
		existing = ToolRecord{}
	default:
		return getErr
	}
	tool.Version = version

	path, err := r.writeVersionDoc(tool)
	if err != nil {
		return err
	}
	if err := r.writeMetadata(tool.Slug, metadata{
		Slug:           tool.Slug,
		CurrentVersion: version,
		RegisteredAt:   registeredAt,
		UpdatedAt:      now,
		SourceChain: chainSnapshot{
			ID:      chain.ID,
			Tools:   chain.Tools,
			Support: chain.Support,
		},
	}); err != nil {
		return err
	}

	if version > 1 {
		if err := r.store.MarkSuperseded(ctx, tool.Slug, version-1, now); err != nil {
			return err
		}
	}
	if err := r.store.UpsertRecord(ctx, ToolRecord{
		Slug:            tool.Slug,
		CurrentVersion:  version,
		DefinitionPath:  path,
		RegisteredAt:    registeredAt,
		LastUsedAt:      existing.LastUsedAt,
		InvocationCount: existing.InvocationCount,
		Status:          tool.Status,
	}); err != nil {
		return err
	}
	if err := r.store.InsertVersion(ctx, ToolVersion{
		Slug:             tool.Slug,
		Version:          version,
		ValidationPassed: result.Passed,
		EquivalenceScore: result.MeanSimilarity,
		CreatedAt:        now,
	}); err != nil {
		return err
	}

	r.logger.Info("registered tool version",
		zap.String("slug", tool.Slug),
		zap.Int("version", version),
		zap.String("status", string(tool.Status)))
	return nil
}

// Get returns the record and the current version's document.
func (r *Registry) Get(ctx context.Context, slug string) (ToolRecord, synthesis.SynthesizedTool, error) {
	record, err := r.store.GetRecord(ctx, slug)
	if err != nil {
		return ToolRecord{}, synthesis.SynthesizedTool{}, err
	}
	tool, err := r.readVersionDoc(slug, record.CurrentVersion)
	if err != nil {
		return ToolRecord{}, synthesis.SynthesizedTool{}, err
	}
	return record, tool, nil
}

// GetVersion returns one specific version document.
func (r *Registry) GetVersion(ctx context.Context, slug string, version int) (synthesis.SynthesizedTool, error) {
	if _, err := r.store.GetRecord(ctx, slug); err != nil {
		return synthesis.SynthesizedTool{}, err
	}
	return r.readVersionDoc(slug, version)
}

// List returns records, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status synthesis.Status) ([]ToolRecord, error) {
	return r.store.ListRecords(ctx, status)
}

// Promote moves a tool from testing to promoted. The version must be the
// current one.
func (r *Registry) Promote(ctx context.Context, slug string, version int) error {
	unlock, err := r.lockSlug(slug)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := r.store.GetRecord(ctx, slug)
	if err != nil {
		return err
	}
	if record.CurrentVersion != version {
		return fmt.Errorf("%w: %s v%d (current is v%d)", ErrVersionNotFound, slug, version, record.CurrentVersion)
	}
	if !record.Status.CanTransition(synthesis.StatusPromoted) {
		return &TransitionError{Slug: slug, From: record.Status, To: synthesis.StatusPromoted}
	}

	if err := r.store.UpdateStatus(ctx, slug, synthesis.StatusPromoted, nil); err != nil {
		return err
	}
	r.logger.Info("promoted tool", zap.String("slug", slug), zap.Int("version", version))
	return nil
}

// Retire moves a promoted tool to the terminal retired state.
func (r *Registry) Retire(ctx context.Context, slug, reason string) error {
	unlock, err := r.lockSlug(slug)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := r.store.GetRecord(ctx, slug)
	if err != nil {
		return err
	}
	if !record.Status.CanTransition(synthesis.StatusRetired) {
		return &TransitionError{Slug: slug, From: record.Status, To: synthesis.StatusRetired}
	}

	if err := r.store.UpdateStatus(ctx, slug, synthesis.StatusRetired, &reason); err != nil {
		return err
	}
	r.logger.Info("retired tool", zap.String("slug", slug), zap.String("reason", reason))
	return nil
}

// RecordUsage bumps the invocation counter and last-used time. Counters
// are last-writer-wins; repeated calls increment by one each.
func (r *Registry) RecordUsage(ctx context.Context, slug string) error {
	return r.store.TouchUsage(ctx, slug, time.Now().UTC())
}

// VersionHistory returns all versions for a slug, ascending.
func (r *Registry) VersionHistory(ctx context.Context, slug string) ([]ToolVersion, error) {
	if _, err := r.store.GetRecord(ctx, slug); err != nil {
		return nil, err
	}
	return r.store.GetVersions(ctx, slug)
}

// Stale returns non-retired tools unused since the cutoff.
func (r *Registry) Stale(ctx context.Context, unusedSince time.Time) ([]ToolRecord, error) {
	return r.store.StaleRecords(ctx, unusedSince)
}
