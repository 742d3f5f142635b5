// Package toolwrap wraps plain tool functions with telemetry capture.
// The wrapper times the call, records it on the session's observation
// context, and forwards the result untouched; recording failures never
// affect the wrapped tool.
package toolwrap

import (
	"context"
	"fmt"
	"time"

	"github.com/twinraven/twinraven/pkg/muninn"
)

// ToolFunc is the shape of a wrappable tool: structured inputs in,
// arbitrary output or error out.
type ToolFunc func(ctx context.Context, inputs map[string]any) (any, error)

// Classifier maps a completed call to an outcome. The default treats any
// error as failure and everything else as success; supply one to detect
// partial results.
type Classifier func(output any, err error) muninn.Outcome

// Option configures a wrapped tool.
type Option func(*wrapper)

// WithTags attaches static tags to every recorded event.
func WithTags(tags ...string) Option {
	return func(w *wrapper) { w.tags = tags }
}

// WithClassifier overrides outcome classification.
func WithClassifier(fn Classifier) Option {
	return func(w *wrapper) {
		if fn != nil {
			w.classify = fn
		}
	}
}

type wrapper struct {
	obs      *muninn.ObservationContext
	toolID   string
	fn       ToolFunc
	tags     []string
	classify Classifier
}

// Wrap instruments a tool function. Each invocation records one event:
// latency measured around the call, error text as the output summary on
// failure. A panic inside the tool is recorded as a failure and then
// re-raised; telemetry never swallows it.
func Wrap(obs *muninn.ObservationContext, toolID string, fn ToolFunc, opts ...Option) ToolFunc {
	w := &wrapper{
		obs:    obs,
		toolID: toolID,
		fn:     fn,
		classify: func(output any, err error) muninn.Outcome {
			if err != nil {
				return muninn.OutcomeFailure
			}
			return muninn.OutcomeSuccess
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w.invoke
}

func (w *wrapper) invoke(ctx context.Context, inputs map[string]any) (output any, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			rec := muninn.Recording{
				ToolID:    w.toolID,
				Inputs:    inputs,
				Output:    fmt.Sprintf("panic: %v", formatRecovered(r)),
				Outcome:   muninn.OutcomeFailure,
				Tags:      append(w.tags, "panic"),
				LatencyMS: elapsedMS(start),
			}
			// Record then re-panic; the wrapper observes, it does not rescue.
			_ = w.obs.Record(ctx, rec)
			panic(r)
		}
	}()

	output, err = w.fn(ctx, inputs)

	rec := muninn.Recording{
		ToolID:    w.toolID,
		Inputs:    inputs,
		Outcome:   w.classify(output, err),
		Tags:      w.tags,
		LatencyMS: elapsedMS(start),
	}
	if err != nil {
		rec.Output = err.Error()
	} else {
		rec.Output = output
	}
	_ = w.obs.Record(ctx, rec)

	return output, err
}

func elapsedMS(start time.Time) int32 {
	ms := time.Since(start).Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		return int32(^uint32(0) >> 1)
	}
	return int32(ms)
}

func formatRecovered(recovered any) string {
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}
