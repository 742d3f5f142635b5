// analysis.go retrieves sample executions and runs the deterministic
// parameter-flow analysis that anchors the synthesis prompt.

package synthesis

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/twinraven/twinraven/pkg/muninn"
)

// sampleExecution is one observed occurrence of the chain: the matched
// events in chain order within a single session.
type sampleExecution struct {
	sessionID string
	events    []muninn.Event
}

// finalOutcome is the outcome of the last matched step.
func (s sampleExecution) finalOutcome() muninn.Outcome {
	return s.events[len(s.events)-1].Outcome
}

// retrieveSamples resolves each sample event id to its session and the
// sub-sequence of events matching the chain's tool order. Samples whose
// session no longer contains the chain (pruned, for instance) are
// skipped; an error is returned only when no sample survives.
func retrieveSamples(ctx context.Context, store muninn.EventStore, tools, sampleIDs []string) ([]sampleExecution, error) {
	var samples []sampleExecution
	seen := make(map[string]bool)

	for _, id := range sampleIDs {
		event, err := store.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if seen[event.SessionID] {
			continue
		}
		seen[event.SessionID] = true

		events, err := store.GetBySession(ctx, event.SessionID, muninn.OrderTimestamp)
		if err != nil {
			return nil, err
		}

		matched := matchChain(events, tools)
		if matched == nil {
			continue
		}
		samples = append(samples, sampleExecution{sessionID: event.SessionID, events: matched})
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no sample execution matches tools %v", tools)
	}
	return samples, nil
}

// matchChain returns the earliest events matching the tool order, or nil
// when the session does not contain the chain.
func matchChain(events []muninn.Event, tools []string) []muninn.Event {
	matched := make([]muninn.Event, 0, len(tools))
	next := 0
	for _, e := range events {
		if next < len(tools) && e.ToolID == tools[next] {
			matched = append(matched, e)
			next++
		}
	}
	if next < len(tools) {
		return nil
	}
	return matched
}

// ParamClass classifies where a step input comes from.
type ParamClass string

const (
	// ClassExternal inputs have no prior source: they must come from the
	// composite's own parameters.
	ClassExternal ParamClass = "external"

	// ClassInternal inputs appear in the previous step's output and wire
	// internally.
	ClassInternal ParamClass = "internal_wiring"

	// ClassConstant inputs hold the same value in every sample.
	ClassConstant ParamClass = "constant"

	// ClassAmbiguous inputs match none of the deterministic rules and
	// are left to the LLM.
	ClassAmbiguous ParamClass = "ambiguous"
)

// ParamHint is one classified input key, injected into the prompt as a
// structured hint.
type ParamHint struct {
	StepIndex int
	Key       string
	Class     ParamClass

	// Source is the suggested mapping for internal and constant classes.
	Source string
}

// analyzeParameterFlow classifies every input key at every step across
// the samples. Output is deterministic: hints sorted by step then key.
func analyzeParameterFlow(samples []sampleExecution, tools []string) []ParamHint {
	var hints []ParamHint
	for step := range tools {
		for _, key := range stepInputKeys(samples, step) {
			hints = append(hints, classifyKey(samples, step, key))
		}
	}
	return hints
}

// stepInputKeys returns the sorted union of input keys seen at the step.
func stepInputKeys(samples []sampleExecution, step int) []string {
	set := make(map[string]bool)
	for _, s := range samples {
		for key := range s.events[step].InputParams {
			set[key] = true
		}
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func classifyKey(samples []sampleExecution, step int, key string) ParamHint {
	hint := ParamHint{StepIndex: step, Key: key}

	if step == 0 {
		if constantAcross(samples, step, key) && len(samples) > 1 {
			hint.Class = ClassConstant
			hint.Source = literalSource(samples[0].events[0].InputParams[key])
			return hint
		}
		hint.Class = ClassExternal
		return hint
	}

	// No prior source anywhere: external.
	if !appearsInPriorOutputs(samples, step, key) {
		hint.Class = ClassExternal
		return hint
	}

	// Present in the immediately preceding step's output in every
	// sample: internal wiring.
	if appearsInOutput(samples, step-1, key) {
		hint.Class = ClassInternal
		hint.Source = fmt.Sprintf("wiring.%d.%s", step-1, key)
		return hint
	}

	if constantAcross(samples, step, key) {
		hint.Class = ClassConstant
		hint.Source = literalSource(samples[0].events[step].InputParams[key])
		return hint
	}

	hint.Class = ClassAmbiguous
	return hint
}

// appearsInOutput reports whether every sample's output at the step
// contains the key, parsing the recorded summary as JSON.
func appearsInOutput(samples []sampleExecution, step int, key string) bool {
	for _, s := range samples {
		out := s.events[step].OutputSummary
		if out == nil || !gjson.Get(*out, key).Exists() {
			return false
		}
	}
	return true
}

// appearsInPriorOutputs reports whether any earlier step's output
// contains the key in any sample.
func appearsInPriorOutputs(samples []sampleExecution, step int, key string) bool {
	for _, s := range samples {
		for prior := 0; prior < step; prior++ {
			out := s.events[prior].OutputSummary
			if out != nil && gjson.Get(*out, key).Exists() {
				return true
			}
		}
	}
	return false
}

// constantAcross reports whether the key holds an identical value in
// every sample at the step. Values compare by canonical serialization.
func constantAcross(samples []sampleExecution, step int, key string) bool {
	var first string
	for i, s := range samples {
		value, ok := s.events[step].InputParams[key]
		if !ok {
			return false
		}
		canonical := muninn.CanonicalJSON(value)
		if i == 0 {
			first = canonical
			continue
		}
		if canonical != first {
			return false
		}
	}
	return true
}

// literalSource renders a value as a literal mapping source.
func literalSource(value any) string {
	return SourceLiteral + ":" + muninn.CanonicalJSON(value)
}
