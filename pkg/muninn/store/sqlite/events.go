// events.go implements muninn.EventStore over the events table.

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/twinraven/twinraven/pkg/muninn"
)

const eventColumns = `event_id, session_id, tool_id, input_hash, input_params,
	output_summary, predecessor, successor, timestamp_us, latency_ms, outcome, tags`

// Append persists a single event. Duplicate identifiers return
// muninn.ErrDuplicateEvent.
func (s *Store) Append(ctx context.Context, event muninn.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	args, err := eventArgs(event)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", muninn.ErrDuplicateEvent, event.EventID)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendBatch persists events atomically: any failure, including a single
// duplicate, rolls back the whole batch.
func (s *Store) AppendBatch(ctx context.Context, events []muninn.Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		args, err := eventArgs(events[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", muninn.ErrDuplicateEvent, events[i].EventID)
			}
			return fmt.Errorf("append batch: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateSuccessor backfills the successor link, the single permitted
// write outside Append.
func (s *Store) UpdateSuccessor(ctx context.Context, predID, succID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET successor = ? WHERE event_id = ?`, succID, predID)
	if err != nil {
		return fmt.Errorf("update successor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update successor: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", muninn.ErrEventNotFound, predID)
	}
	return nil
}

// GetByID fetches one event.
func (s *Store) GetByID(ctx context.Context, eventID string) (muninn.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return muninn.Event{}, fmt.Errorf("%w: %s", muninn.ErrEventNotFound, eventID)
	}
	return event, err
}

// GetBySession returns a session's events in timestamp or chain order.
// Chain order walks successor links from the head; a detected cycle logs
// a warning and degrades the remainder to timestamp order.
func (s *Store) GetBySession(ctx context.Context, sessionID string, order muninn.SessionOrder) ([]muninn.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ?
		ORDER BY timestamp_us ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if order == muninn.OrderChain {
		ordered, cycle := muninn.ChainOrder(events)
		if cycle {
			s.logger.Warn("cycle detected in session chain, degrading to timestamp order",
				zap.String("session_id", sessionID))
		}
		return ordered, nil
	}
	return events, nil
}

// GetByTool returns events for a tool within [since, until), newest first.
func (s *Store) GetByTool(ctx context.Context, toolID string, since, until time.Time, limit int) ([]muninn.Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE tool_id = ? AND timestamp_us >= ? AND timestamp_us < ?
		ORDER BY timestamp_us DESC`
	args := []any{toolID, toMicros(since), toMicros(until)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get tool events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetSessions returns distinct session ids with at least minEventCount
// events in [since, until), most recent activity first.
func (s *Store) GetSessions(ctx context.Context, since, until time.Time, minEventCount int) ([]string, error) {
	if minEventCount < 1 {
		minEventCount = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM events
		WHERE timestamp_us >= ? AND timestamp_us < ?
		GROUP BY session_id
		HAVING COUNT(*) >= ?
		ORDER BY MAX(timestamp_us) DESC`,
		toMicros(since), toMicros(until), minEventCount)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// Count returns the number of events matching the filter.
func (s *Store) Count(ctx context.Context, filter muninn.Filter) (int64, error) {
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ToolID != "" {
		conds = append(conds, "tool_id = ?")
		args = append(args, filter.ToolID)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp_us >= ?")
		args = append(args, toMicros(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp_us < ?")
		args = append(args, toMicros(filter.Until))
	}

	query := "SELECT COUNT(*) FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Stats summarizes the event log for operators.
type Stats struct {
	Events   int64
	Sessions int64
	Tools    int64
	Failures int64
	Oldest   time.Time
	Newest   time.Time
}

// Stats aggregates log-wide counts in one query.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT session_id),
		       COUNT(DISTINCT tool_id),
		       COALESCE(SUM(outcome = 'failure'), 0),
		       MIN(timestamp_us),
		       MAX(timestamp_us)
		FROM events`).Scan(&st.Events, &st.Sessions, &st.Tools, &st.Failures, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("event stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = fromMicros(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = fromMicros(newest.Int64)
	}
	return st, nil
}

// Prune deletes events older than the cutoff. Link continuity may break
// at the retention boundary; chain reconstruction tolerates the orphans.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE timestamp_us < ?`, toMicros(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("pruned events", zap.Int64("deleted", deleted),
			zap.Time("older_than", olderThan))
	}
	return deleted, nil
}

// eventArgs flattens an event into insert arguments.
func eventArgs(e muninn.Event) ([]any, error) {
	params, err := json.Marshal(e.InputParams)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal input params: %v", muninn.ErrInvalidEvent, err)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal tags: %v", muninn.ErrInvalidEvent, err)
	}

	return []any{
		e.EventID, e.SessionID, e.ToolID, e.InputHash, string(params),
		e.OutputSummary, e.Predecessor, e.Successor,
		toMicros(e.Timestamp), e.LatencyMS, string(e.Outcome), string(tagsJSON),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (muninn.Event, error) {
	var e muninn.Event
	var params, tags string
	var summary, pred, succ sql.NullString
	var ts int64
	var outcome string

	err := row.Scan(&e.EventID, &e.SessionID, &e.ToolID, &e.InputHash, &params,
		&summary, &pred, &succ, &ts, &e.LatencyMS, &outcome, &tags)
	if err != nil {
		return muninn.Event{}, err
	}

	if err := json.Unmarshal([]byte(params), &e.InputParams); err != nil {
		return muninn.Event{}, fmt.Errorf("unmarshal input params: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return muninn.Event{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if summary.Valid {
		e.OutputSummary = &summary.String
	}
	if pred.Valid {
		e.Predecessor = &pred.String
	}
	if succ.Valid {
		e.Successor = &succ.String
	}
	e.Timestamp = fromMicros(ts)
	e.Outcome = muninn.Outcome(outcome)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]muninn.Event, error) {
	var events []muninn.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// isUniqueViolation detects SQLite primary-key conflicts.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
