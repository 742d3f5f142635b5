// Package spans exports events as trace spans. Each event becomes one
// span: the session id hashes to a stable 16-byte trace id, the event id
// truncates to an 8-byte span id, the outcome maps to span status, input
// params flatten to attributes two levels deep, and the predecessor is
// emitted as a span link.
//
// Spans flow through a bounded queue to the downstream exporter with
// retried batches; on overflow the oldest span is dropped and logged.
package spans

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/muninn"
	"github.com/twinraven/twinraven/pkg/muninn/export"
)

const (
	scopeName        = "github.com/twinraven/twinraven/pkg/muninn/export/spans"
	defaultQueueSize = 1000
	defaultBatchSize = 64
	maxRetries       = 3
)

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

// WithQueueSize sets the maximum number of queued spans (default: 1000).
func WithQueueSize(size int) Option {
	return func(e *Exporter) {
		if size > 0 {
			e.queueSize = size
		}
	}
}

// WithBatchSize sets how many spans go downstream per call (default: 64).
func WithBatchSize(size int) Option {
	return func(e *Exporter) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithOnDropped sets a callback invoked when spans are dropped due to
// queue overflow.
func WithOnDropped(fn func(count int)) Option {
	return func(e *Exporter) { e.onDropped = fn }
}

// Exporter converts events to spans and pushes them to a downstream
// span exporter.
type Exporter struct {
	downstream sdktrace.SpanExporter
	logger     *zap.Logger
	queueSize  int
	batchSize  int
	onDropped  func(count int)
}

// New creates an exporter feeding the given downstream span exporter.
func New(downstream sdktrace.SpanExporter, opts ...Option) *Exporter {
	e := &Exporter{
		downstream: downstream,
		logger:     zap.NewNop(),
		queueSize:  defaultQueueSize,
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export reads the full stream, converting each event and queuing its
// span. The count returned is the number of events read; spans dropped on
// overflow reduce what reaches the downstream exporter, not the count.
func (e *Exporter) Export(ctx context.Context, events export.Iterator) (int64, error) {
	queue := make(chan sdktrace.ReadOnlySpan, e.queueSize)
	var wg sync.WaitGroup
	var workerErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		workerErr = e.processLoop(ctx, queue)
	}()

	var count int64
	for {
		event, ok, err := events.Next(ctx)
		if err != nil {
			close(queue)
			wg.Wait()
			return count, err
		}
		if !ok {
			break
		}
		e.enqueue(queue, toSpan(event))
		count++
	}

	close(queue)
	wg.Wait()
	if workerErr != nil {
		return count, workerErr
	}
	return count, nil
}

// enqueue adds a span, dropping the oldest queued span when full.
func (e *Exporter) enqueue(queue chan sdktrace.ReadOnlySpan, span sdktrace.ReadOnlySpan) {
	select {
	case queue <- span:
		return
	default:
	}

	// Queue is full: drop the oldest and retry once.
	select {
	case dropped := <-queue:
		e.logger.Error("span queue full, dropping oldest span",
			zap.String("span", dropped.Name()))
		if e.onDropped != nil {
			e.onDropped(1)
		}
	default:
		// Worker drained it in the meantime.
	}

	select {
	case queue <- span:
	default:
		// Still full: drop the new span instead.
		e.logger.Error("span queue full, dropping span", zap.String("span", span.Name()))
		if e.onDropped != nil {
			e.onDropped(1)
		}
	}
}

// processLoop drains the queue in batches and pushes them downstream
// with retry.
func (e *Exporter) processLoop(ctx context.Context, queue <-chan sdktrace.ReadOnlySpan) error {
	batch := make([]sdktrace.ReadOnlySpan, 0, e.batchSize)
	for span := range queue {
		batch = append(batch, span)
		if len(batch) == e.batchSize {
			if err := e.exportBatch(ctx, batch); err != nil {
				// Keep draining so the producer never blocks.
				for range queue {
				}
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return e.exportBatch(ctx, batch)
	}
	return nil
}

func (e *Exporter) exportBatch(ctx context.Context, batch []sdktrace.ReadOnlySpan) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	err := backoff.Retry(func() error {
		return e.downstream.ExportSpans(ctx, batch)
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: export spans: %v", export.ErrExport, err)
	}
	return nil
}

// toSpan builds a span snapshot from one event.
func toSpan(event muninn.Event) sdktrace.ReadOnlySpan {
	traceID := traceIDFor(event.SessionID)
	stub := tracetest.SpanStub{
		Name: event.ToolID,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanIDFor(event.EventID),
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:  trace.SpanKindInternal,
		StartTime: event.Timestamp,
		EndTime:   event.Timestamp.Add(time.Duration(event.LatencyMS) * time.Millisecond),
		Status:    statusFor(event.Outcome),
		InstrumentationScope: instrumentation.Scope{
			Name: scopeName,
		},
		Attributes: attributesFor(event),
	}
	if event.Predecessor != nil {
		stub.Links = []sdktrace.Link{{
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanIDFor(*event.Predecessor),
				TraceFlags: trace.FlagsSampled,
			}),
			Attributes: []attribute.KeyValue{
				attribute.String("link.relation", "predecessor"),
			},
		}}
	}
	return stub.Snapshot()
}

// traceIDFor hashes the session id to a stable 16-byte trace id, so every
// event in a session lands on the same trace.
func traceIDFor(sessionID string) trace.TraceID {
	sum := sha256.Sum256([]byte(sessionID))
	var id trace.TraceID
	copy(id[:], sum[:16])
	return id
}

// spanIDFor truncates the event's UUID bytes to 8; non-UUID ids hash
// instead.
func spanIDFor(eventID string) trace.SpanID {
	var id trace.SpanID
	if parsed, err := uuid.Parse(eventID); err == nil {
		copy(id[:], parsed[:8])
		return id
	}
	sum := sha256.Sum256([]byte(eventID))
	copy(id[:], sum[:8])
	return id
}

func statusFor(outcome muninn.Outcome) sdktrace.Status {
	switch outcome {
	case muninn.OutcomeSuccess:
		return sdktrace.Status{Code: codes.Ok}
	case muninn.OutcomeFailure:
		return sdktrace.Status{Code: codes.Error, Description: "tool invocation failed"}
	default:
		return sdktrace.Status{Code: codes.Unset}
	}
}

func attributesFor(event muninn.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("event.id", event.EventID),
		attribute.String("session.id", event.SessionID),
		attribute.String("tool.id", event.ToolID),
		attribute.String("input.hash", event.InputHash),
		attribute.Int64("latency.ms", int64(event.LatencyMS)),
		attribute.String("outcome", string(event.Outcome)),
	}
	if len(event.Tags) > 0 {
		attrs = append(attrs, attribute.StringSlice("tags", event.Tags))
	}
	attrs = append(attrs, flattenParams("input", event.InputParams, 2)...)
	return attrs
}

// flattenParams turns nested params into dotted attribute keys up to the
// given depth; anything deeper is serialized as canonical JSON.
func flattenParams(prefix string, params map[string]any, depth int) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, key := range sortedKeys(params) {
		full := prefix + "." + key
		value := params[key]
		if nested, ok := value.(map[string]any); ok && depth > 1 {
			attrs = append(attrs, flattenParams(full, nested, depth-1)...)
			continue
		}
		attrs = append(attrs, attributeFor(full, value))
	}
	return attrs
}

func attributeFor(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case float64:
		return attribute.Float64(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case nil:
		return attribute.String(key, "null")
	default:
		return attribute.String(key, muninn.CanonicalJSON(v))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
