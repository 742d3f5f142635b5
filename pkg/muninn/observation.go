// observation.go implements the per-session write facade. One context per
// logical agent session; a context is a private sequential owner of its
// predecessor pointer and must not be shared across concurrent tasks.

package muninn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recording describes one tool call to record.
type Recording struct {
	// ToolID names the invoked tool.
	ToolID string

	// Inputs is the input parameter tree.
	Inputs map[string]any

	// Output is the raw tool output. Stored verbatim (canonical JSON)
	// when short, summarized when compression is enabled and the output
	// exceeds the length limit. Nil output stores no summary.
	Output any

	// Outcome classifies the call. Empty defaults to success.
	Outcome Outcome

	// Tags are optional labels.
	Tags []string

	// LatencyMS is the execution duration in milliseconds as measured
	// by the caller or the wrapping adapter.
	LatencyMS int32
}

// ObservationContext records events for one session. Within a session,
// events appear in the order of Record calls; each event links back to
// its predecessor and the predecessor's successor is backfilled.
type ObservationContext struct {
	store      EventStore
	sessionID  string
	logger     *zap.Logger
	summarizer *Summarizer

	previous   *Event
	eventCount int
	closed     bool

	// Buffered mode state.
	bufSize   int
	bufMaxAge time.Duration
	buffer    []Event
	bufStart  time.Time
	backfills [][2]string
}

func (o *ObservationContext) buffered() bool { return o.bufSize > 0 }

// SessionID returns the session this context records for.
func (o *ObservationContext) SessionID() string { return o.sessionID }

// EventCount returns the number of events recorded so far, including any
// dropped by store failures.
func (o *ObservationContext) EventCount() int { return o.eventCount }

// Record captures one tool call. Once a context is open, telemetry
// failures never propagate: store errors drop the event (leaving a chain
// gap) and summarization errors degrade to truncation. The only errors
// returned are a closed context and caller cancellation.
func (o *ObservationContext) Record(ctx context.Context, rec Recording) error {
	if o.closed {
		return ErrContextClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	outcome := rec.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	var summary *string
	if rec.Output != nil {
		var s string
		if o.summarizer != nil {
			s = o.summarizer.Summarize(ctx, rec.Output)
		} else {
			s = CanonicalJSON(rec.Output)
		}
		summary = &s
	}

	latency := rec.LatencyMS
	if latency < 0 {
		latency = 0
	}

	event := Event{
		EventID:       uuid.NewString(),
		SessionID:     o.sessionID,
		ToolID:        rec.ToolID,
		InputHash:     InputHash(rec.Inputs),
		InputParams:   rec.Inputs,
		OutputSummary: summary,
		Timestamp:     time.Now().UTC(),
		LatencyMS:     latency,
		Outcome:       outcome,
		Tags:          rec.Tags,
	}
	if o.previous != nil {
		pred := o.previous.EventID
		event.Predecessor = &pred
	}
	o.eventCount++

	if o.buffered() {
		o.recordBuffered(ctx, event)
		return nil
	}
	o.recordImmediate(ctx, event)
	return nil
}

// RecordFailure captures a failed tool call, rendering the error as the
// stored output summary. Failures are telemetry, never fatal.
func (o *ObservationContext) RecordFailure(ctx context.Context, toolID string, inputs map[string]any, callErr error, tags ...string) error {
	var output any
	if callErr != nil {
		output = callErr.Error()
	}
	return o.Record(ctx, Recording{
		ToolID:  toolID,
		Inputs:  inputs,
		Output:  output,
		Outcome: OutcomeFailure,
		Tags:    tags,
	})
}

// recordImmediate appends the event, then backfills the predecessor's
// successor link. A failed backfill after a successful append is an
// accepted forward-link gap; a failed append drops the event.
func (o *ObservationContext) recordImmediate(ctx context.Context, event Event) {
	if err := o.store.Append(ctx, event); err != nil {
		o.logger.Error("event append failed, dropping event",
			zap.String("event_id", event.EventID),
			zap.String("tool_id", event.ToolID),
			zap.Error(err))
		return
	}

	if o.previous != nil {
		if err := o.store.UpdateSuccessor(ctx, o.previous.EventID, event.EventID); err != nil {
			o.logger.Warn("successor backfill failed, accepting chain gap",
				zap.String("predecessor", o.previous.EventID),
				zap.Error(err))
		}
	}
	o.previous = &event
}

// recordBuffered links events in memory and flushes when the size or age
// threshold fires. Backfill updates for already-persisted predecessors
// batch together at flush time.
func (o *ObservationContext) recordBuffered(ctx context.Context, event Event) {
	if o.previous != nil {
		linked := false
		for i := range o.buffer {
			if o.buffer[i].EventID == o.previous.EventID {
				succ := event.EventID
				o.buffer[i].Successor = &succ
				linked = true
				break
			}
		}
		if !linked {
			// Predecessor already persisted; backfill at flush.
			o.backfills = append(o.backfills, [2]string{o.previous.EventID, event.EventID})
		}
	}

	if len(o.buffer) == 0 {
		o.bufStart = time.Now()
	}
	o.buffer = append(o.buffer, event)
	o.previous = &event

	if len(o.buffer) >= o.bufSize || (o.bufMaxAge > 0 && time.Since(o.bufStart) >= o.bufMaxAge) {
		o.flush(ctx)
	}
}

// flush writes the buffer via AppendBatch and applies queued backfills.
// A failed flush drops the batch.
func (o *ObservationContext) flush(ctx context.Context) {
	if len(o.buffer) == 0 {
		return
	}

	if err := o.store.AppendBatch(ctx, o.buffer); err != nil {
		o.logger.Error("buffered flush failed, dropping batch",
			zap.Int("events", len(o.buffer)),
			zap.Error(err))
		o.buffer = o.buffer[:0]
		o.backfills = o.backfills[:0]
		return
	}

	for _, bf := range o.backfills {
		if err := o.store.UpdateSuccessor(ctx, bf[0], bf[1]); err != nil {
			o.logger.Warn("successor backfill failed, accepting chain gap",
				zap.String("predecessor", bf[0]),
				zap.Error(err))
		}
	}
	o.buffer = o.buffer[:0]
	o.backfills = o.backfills[:0]
}

// Close flushes any buffered events and logs the session summary.
// Partial events remain durable even when the flush fails.
func (o *ObservationContext) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.flush(ctx)
	o.logger.Info("observation context closed",
		zap.Int("events_recorded", o.eventCount))
	return nil
}
