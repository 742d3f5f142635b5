// registry.go implements registry.Store over the tool_records and
// tool_versions tables.

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/twinraven/twinraven/pkg/huginn/registry"
	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
)

// UpsertRecord inserts or replaces the record for its slug.
func (s *Store) UpsertRecord(ctx context.Context, record registry.ToolRecord) error {
	var lastUsed any
	if record.LastUsedAt != nil {
		lastUsed = toMicros(*record.LastUsedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_records
			(slug, current_version, definition_path, registered_at,
			 last_used_at, invocation_count, status, retirement_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			current_version = excluded.current_version,
			definition_path = excluded.definition_path,
			last_used_at = excluded.last_used_at,
			invocation_count = excluded.invocation_count,
			status = excluded.status,
			retirement_reason = excluded.retirement_reason`,
		record.Slug, record.CurrentVersion, record.DefinitionPath,
		toMicros(record.RegisteredAt), lastUsed, record.InvocationCount,
		string(record.Status), record.RetirementReason)
	if err != nil {
		return fmt.Errorf("upsert tool record: %w", err)
	}
	return nil
}

const recordColumns = `slug, current_version, definition_path, registered_at,
	last_used_at, invocation_count, status, retirement_reason`

// GetRecord fetches a record by slug.
func (s *Store) GetRecord(ctx context.Context, slug string) (registry.ToolRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM tool_records WHERE slug = ?`, slug)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ToolRecord{}, fmt.Errorf("%w: %s", registry.ErrToolNotFound, slug)
	}
	return record, err
}

// ListRecords returns records ordered by slug, optionally filtered by
// status.
func (s *Store) ListRecords(ctx context.Context, status synthesis.Status) ([]registry.ToolRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tool_records`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY slug ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool records: %w", err)
	}
	defer rows.Close()

	var records []registry.ToolRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateStatus sets a record's status and, when retiring, the reason.
func (s *Store) UpdateStatus(ctx context.Context, slug string, status synthesis.Status, reason *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_records SET status = ?, retirement_reason = ? WHERE slug = ?`,
		string(status), reason, slug)
	if err != nil {
		return fmt.Errorf("update tool status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", registry.ErrToolNotFound, slug)
	}
	return nil
}

// TouchUsage bumps the invocation counter and last-used time.
func (s *Store) TouchUsage(ctx context.Context, slug string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_records
		SET invocation_count = invocation_count + 1, last_used_at = ?
		WHERE slug = ?`, toMicros(at), slug)
	if err != nil {
		return fmt.Errorf("touch tool usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch tool usage: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", registry.ErrToolNotFound, slug)
	}
	return nil
}

// InsertVersion adds one version row.
func (s *Store) InsertVersion(ctx context.Context, v registry.ToolVersion) error {
	passed := 0
	if v.ValidationPassed {
		passed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_versions
			(slug, version, validation_passed, equivalence_score, created_at, superseded_at)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		v.Slug, v.Version, passed, v.EquivalenceScore, toMicros(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert tool version: %w", err)
	}
	return nil
}

// MarkSuperseded stamps a version's supersession time.
func (s *Store) MarkSuperseded(ctx context.Context, slug string, version int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_versions SET superseded_at = ? WHERE slug = ? AND version = ?`,
		toMicros(at), slug, version)
	if err != nil {
		return fmt.Errorf("mark version superseded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark version superseded: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s v%d", registry.ErrVersionNotFound, slug, version)
	}
	return nil
}

// GetVersions returns all versions for a slug, ascending.
func (s *Store) GetVersions(ctx context.Context, slug string) ([]registry.ToolVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, version, validation_passed, equivalence_score, created_at, superseded_at
		FROM tool_versions WHERE slug = ? ORDER BY version ASC`, slug)
	if err != nil {
		return nil, fmt.Errorf("get tool versions: %w", err)
	}
	defer rows.Close()

	var versions []registry.ToolVersion
	for rows.Next() {
		var v registry.ToolVersion
		var passed int
		var created int64
		var superseded sql.NullInt64
		if err := rows.Scan(&v.Slug, &v.Version, &passed, &v.EquivalenceScore, &created, &superseded); err != nil {
			return nil, err
		}
		v.ValidationPassed = passed != 0
		v.CreatedAt = fromMicros(created)
		if superseded.Valid {
			t := fromMicros(superseded.Int64)
			v.SupersededAt = &t
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// StaleRecords returns non-retired records unused since the cutoff,
// counting never-used records from registration time.
func (s *Store) StaleRecords(ctx context.Context, unusedSince time.Time) ([]registry.ToolRecord, error) {
	cutoff := toMicros(unusedSince)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM tool_records
		WHERE status != ?
		AND ((last_used_at IS NOT NULL AND last_used_at < ?)
		  OR (last_used_at IS NULL AND registered_at < ?))
		ORDER BY slug ASC`,
		string(synthesis.StatusRetired), cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale tool records: %w", err)
	}
	defer rows.Close()

	var records []registry.ToolRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row rowScanner) (registry.ToolRecord, error) {
	var r registry.ToolRecord
	var registered int64
	var lastUsed sql.NullInt64
	var status string
	var reason sql.NullString

	err := row.Scan(&r.Slug, &r.CurrentVersion, &r.DefinitionPath, &registered,
		&lastUsed, &r.InvocationCount, &status, &reason)
	if err != nil {
		return registry.ToolRecord{}, err
	}

	r.RegisteredAt = fromMicros(registered)
	if lastUsed.Valid {
		t := fromMicros(lastUsed.Int64)
		r.LastUsedAt = &t
	}
	r.Status = synthesis.Status(status)
	if reason.Valid {
		r.RetirementReason = &reason.String
	}
	return r, nil
}
