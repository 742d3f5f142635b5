// Package jsonl exports events as line-delimited JSON: one canonical
// record per line, alphabetical field order, ISO-8601 UTC timestamps,
// lowercase identifiers. Files round-trip: Read re-ingests what Export
// wrote.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/muninn"
	"github.com/twinraven/twinraven/pkg/muninn/export"
)

// timestampLayout is ISO-8601 UTC at microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// record is the wire row. Field declaration order is alphabetical, which
// encoding/json preserves.
type record struct {
	EventID       string         `json:"event_id"`
	InputHash     string         `json:"input_hash"`
	InputParams   map[string]any `json:"input_params"`
	LatencyMS     int32          `json:"latency_ms"`
	Outcome       string         `json:"outcome"`
	OutputSummary *string        `json:"output_summary"`
	Predecessor   *string        `json:"predecessor"`
	SessionID     string         `json:"session_id"`
	Successor     *string        `json:"successor"`
	Tags          []string       `json:"tags"`
	Timestamp     string         `json:"timestamp"`
	ToolID        string         `json:"tool_id"`
}

// Option configures the exporter.
type Option func(*Exporter)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithOverwrite allows replacing an existing destination file.
func WithOverwrite() Option {
	return func(e *Exporter) { e.overwrite = true }
}

// Exporter writes one JSONL file per Export call.
type Exporter struct {
	path      string
	logger    *zap.Logger
	overwrite bool
}

// New creates an exporter targeting path.
func New(path string, opts ...Option) *Exporter {
	e := &Exporter{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export streams events to a temporary sibling file and renames it into
// place on success. On failure the partial file is removed and whatever
// the error was surfaces.
func (e *Exporter) Export(ctx context.Context, events export.Iterator) (int64, error) {
	if !e.overwrite {
		if _, err := os.Stat(e.path); err == nil {
			return 0, fmt.Errorf("%w: %s", export.ErrDestinationExists, e.path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %v", export.ErrExport, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", export.ErrExport, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), filepath.Base(e.path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	var count int64
	for {
		event, ok, err := events.Next(ctx)
		if err != nil {
			cleanup()
			return count, err
		}
		if !ok {
			break
		}
		if err := enc.Encode(toRecord(event)); err != nil {
			cleanup()
			return count, fmt.Errorf("%w: encode event %s: %v", export.ErrExport, event.EventID, err)
		}
		count++
	}

	if err := w.Flush(); err != nil {
		cleanup()
		return count, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return count, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return count, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return count, fmt.Errorf("%w: %v", export.ErrExport, err)
	}

	e.logger.Info("jsonl export complete",
		zap.String("path", e.path), zap.Int64("events", count))
	return count, nil
}

func toRecord(e muninn.Event) record {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return record{
		EventID:       strings.ToLower(e.EventID),
		InputHash:     e.InputHash,
		InputParams:   e.InputParams,
		LatencyMS:     e.LatencyMS,
		Outcome:       string(e.Outcome),
		OutputSummary: e.OutputSummary,
		Predecessor:   lowerPtr(e.Predecessor),
		SessionID:     e.SessionID,
		Successor:     lowerPtr(e.Successor),
		Tags:          tags,
		Timestamp:     e.Timestamp.UTC().Format(timestampLayout),
		ToolID:        e.ToolID,
	}
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	lowered := strings.ToLower(*s)
	return &lowered
}

// Read re-ingests a JSONL export. The inverse of Export: every field
// round-trips.
func Read(path string) ([]muninn.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]muninn.Event, error) {
	var events []muninn.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", export.ErrExport, line, err)
		}
		ts, err := time.Parse(timestampLayout, rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad timestamp %q", export.ErrExport, line, rec.Timestamp)
		}

		events = append(events, muninn.Event{
			EventID:       rec.EventID,
			SessionID:     rec.SessionID,
			ToolID:        rec.ToolID,
			InputHash:     rec.InputHash,
			InputParams:   rec.InputParams,
			OutputSummary: rec.OutputSummary,
			Predecessor:   rec.Predecessor,
			Successor:     rec.Successor,
			Timestamp:     ts.UTC(),
			LatencyMS:     rec.LatencyMS,
			Outcome:       muninn.Outcome(rec.Outcome),
			Tags:          rec.Tags,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	return events, nil
}
