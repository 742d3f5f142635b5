// projection.go simulates a composite tool over recorded data. No tool
// runs: each step's inputs are resolved from composite parameters,
// recorded upstream outputs, and literals, then checked against what the
// step actually received.

package validation

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/twinraven/twinraven/pkg/huginn/synthesis"
	"github.com/twinraven/twinraven/pkg/muninn"
)

// project resolves the composite's data flow over one replay and returns
// the projected final output. When every mapped input resolves to the
// value the recorded call actually received, the recorded final output
// is a faithful projection. A diverging step cannot reuse its recorded
// output, so the projection degrades to the resolved input tree of the
// final step, which scores low against the recorded output.
func project(tool *synthesis.SynthesizedTool, r replay) string {
	params := compositeInputs(tool, r)

	faithful := true
	var finalResolved map[string]any
	for i, step := range tool.Steps {
		resolved := resolveStepInputs(step, params, r)
		finalResolved = resolved

		recorded := r.events[i].InputParams
		for key, raw := range step.InputMapping {
			if _, err := synthesis.ParseSource(raw); err != nil {
				faithful = false
				continue
			}
			value, ok := resolved[key]
			if !ok {
				// The mapping points at data the session never produced.
				faithful = false
				continue
			}
			if muninn.CanonicalJSON(value) != muninn.CanonicalJSON(recorded[key]) {
				faithful = false
			}
		}
	}

	if faithful {
		if out := r.events[len(r.events)-1].OutputSummary; out != nil {
			return *out
		}
		return ""
	}
	return muninn.CanonicalJSON(finalResolved)
}

// compositeInputs reconstructs the external inputs for one replay: for
// every parameters.<name> mapping, the value the recorded call received
// for that key. The first binding of a name wins.
func compositeInputs(tool *synthesis.SynthesizedTool, r replay) map[string]any {
	params := make(map[string]any)
	for i, step := range tool.Steps {
		if i >= len(r.events) {
			break
		}
		for key, raw := range step.InputMapping {
			src, err := synthesis.ParseSource(raw)
			if err != nil || src.Kind != synthesis.SourceParameters {
				continue
			}
			if _, bound := params[src.Param]; bound {
				continue
			}
			if value, ok := r.events[i].InputParams[key]; ok {
				params[src.Param] = value
			}
		}
	}
	return params
}

// resolveStepInputs resolves one step's input mapping against the
// composite parameters and the recorded upstream outputs.
func resolveStepInputs(step synthesis.Step, params map[string]any, r replay) map[string]any {
	resolved := make(map[string]any, len(step.InputMapping))
	for key, raw := range step.InputMapping {
		src, err := synthesis.ParseSource(raw)
		if err != nil {
			continue
		}
		switch src.Kind {
		case synthesis.SourceParameters:
			if value, ok := params[src.Param]; ok {
				resolved[key] = value
			}
		case synthesis.SourceWiring:
			if src.StepIndex < 0 || src.StepIndex >= len(r.events) {
				continue
			}
			out := r.events[src.StepIndex].OutputSummary
			if out == nil {
				continue
			}
			if value := gjson.Get(*out, src.Field); value.Exists() {
				resolved[key] = value.Value()
			}
		case synthesis.SourceLiteral:
			var value any
			if err := json.Unmarshal([]byte(src.Literal), &value); err == nil {
				resolved[key] = value
			}
		}
	}
	return resolved
}

// ExternalInputs returns the recorded inputs at the first matched step
// minus the keys internal wiring covers. Exposed for orchestration
// tooling that reports what a composite invocation would have required.
func ExternalInputs(tool *synthesis.SynthesizedTool, firstStepInputs map[string]any) map[string]any {
	wired := make(map[string]bool)
	for key := range tool.InternalWiring[0] {
		wired[key] = true
	}
	out := make(map[string]any, len(firstStepInputs))
	for key, value := range firstStepInputs {
		if !wired[key] {
			out[key] = value
		}
	}
	return out
}
