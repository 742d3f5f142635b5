// Package parquet exports events as columnar files: 10 000-row batches,
// microsecond UTC timestamps, nested fields serialized to JSON strings,
// tags as a native list column.
package parquet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/muninn"
	"github.com/twinraven/twinraven/pkg/muninn/export"
)

// batchSize is the number of rows per row group.
const batchSize = 10_000

// row is the columnar schema. InputParams is nested JSON serialized to a
// string column; tags stay a native list.
type row struct {
	EventID       string   `parquet:"event_id"`
	SessionID     string   `parquet:"session_id"`
	ToolID        string   `parquet:"tool_id"`
	InputHash     string   `parquet:"input_hash"`
	InputParams   string   `parquet:"input_params"`
	OutputSummary *string  `parquet:"output_summary,optional"`
	Predecessor   *string  `parquet:"predecessor,optional"`
	Successor     *string  `parquet:"successor,optional"`
	TimestampUS   int64    `parquet:"timestamp,timestamp(microsecond)"`
	LatencyMS     int32    `parquet:"latency_ms"`
	Outcome       string   `parquet:"outcome"`
	Tags          []string `parquet:"tags,list"`
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

// Exporter writes one Parquet file per Export call.
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

// Export streams events into row groups of up to 10 000 rows, writing to
// a temporary sibling and renaming into place on success. On failure the
// partial file is removed.
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

	w := parquet.NewGenericWriter[row](tmp)
	batch := make([]row, 0, batchSize)
	var count int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("%w: write batch: %v", export.ErrExport, err)
		}
		// One row group per batch.
		if err := w.Flush(); err != nil {
			return fmt.Errorf("%w: flush row group: %v", export.ErrExport, err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		event, ok, err := events.Next(ctx)
		if err != nil {
			cleanup()
			return count, err
		}
		if !ok {
			break
		}
		r, err := toRow(event)
		if err != nil {
			cleanup()
			return count, err
		}
		batch = append(batch, r)
		count++
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				cleanup()
				return count, err
			}
		}
	}

	if err := flush(); err != nil {
		cleanup()
		return count, err
	}
	if err := w.Close(); err != nil {
		cleanup()
		return count, fmt.Errorf("%w: close writer: %v", export.ErrExport, err)
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

	e.logger.Info("parquet export complete",
		zap.String("path", e.path), zap.Int64("events", count))
	return count, nil
}

func toRow(e muninn.Event) (row, error) {
	params := "{}"
	if e.InputParams != nil {
		data, err := json.Marshal(e.InputParams)
		if err != nil {
			return row{}, fmt.Errorf("%w: encode input params for %s: %v", export.ErrExport, e.EventID, err)
		}
		params = string(data)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return row{
		EventID:       e.EventID,
		SessionID:     e.SessionID,
		ToolID:        e.ToolID,
		InputHash:     e.InputHash,
		InputParams:   params,
		OutputSummary: e.OutputSummary,
		Predecessor:   e.Predecessor,
		Successor:     e.Successor,
		TimestampUS:   e.Timestamp.UTC().UnixMicro(),
		LatencyMS:     e.LatencyMS,
		Outcome:       string(e.Outcome),
		Tags:          tags,
	}, nil
}

// ReadFile loads an exported file back into events, mostly for
// verification and re-ingestion.
func ReadFile(path string) ([]muninn.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", export.ErrExport, err)
	}

	rows, err := parquet.Read[row](f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: read rows: %v", export.ErrExport, err)
	}

	events := make([]muninn.Event, 0, len(rows))
	for _, r := range rows {
		event, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func fromRow(r row) (muninn.Event, error) {
	var params map[string]any
	if r.InputParams != "" {
		if err := json.Unmarshal([]byte(r.InputParams), &params); err != nil {
			return muninn.Event{}, fmt.Errorf("%w: decode input params for %s: %v", export.ErrExport, r.EventID, err)
		}
	}
	return muninn.Event{
		EventID:       r.EventID,
		SessionID:     r.SessionID,
		ToolID:        r.ToolID,
		InputHash:     r.InputHash,
		InputParams:   params,
		OutputSummary: r.OutputSummary,
		Predecessor:   r.Predecessor,
		Successor:     r.Successor,
		Timestamp:     timeFromMicros(r.TimestampUS),
		LatencyMS:     r.LatencyMS,
		Outcome:       muninn.Outcome(r.Outcome),
		Tags:          r.Tags,
	}, nil
}

func timeFromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
