// prompt.go builds the synthesis prompt and the strict response schema.

package synthesis

import (
	"fmt"
	"strings"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/muninn"
)

// responseSchema is the JSON Schema (Draft 2020-12) the LLM response must
// conform to. Sent with the request for providers that enforce structured
// output, and validated locally regardless.
func responseSchema() map[string]any {
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"required":             []any{"description", "parameters", "steps"},
		"additionalProperties": false,
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "minLength": 1},
			"parameters":  map[string]any{"type": "object"},
			"steps": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"tool_id", "input_mapping"},
					"additionalProperties": false,
					"properties": map[string]any{
						"tool_id": map[string]any{"type": "string", "minLength": 1},
						"input_mapping": map[string]any{
							"type":                 "object",
							"additionalProperties": map[string]any{"type": "string"},
						},
						"condition": map[string]any{"type": "string"},
						"parallelizable_with": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "integer"},
						},
						"timeout_ms": map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
		},
	}
}

// buildPrompt assembles the synthesis prompt: chain statistics, the
// classified parameter inventory, up to maxSamples observed executions,
// and the output contract. feedback carries validator errors on retry.
func buildPrompt(chain mining.CandidateChain, hints []ParamHint, samples []sampleExecution, maxSamples int, feedback string) string {
	var b strings.Builder

	b.WriteString("You are designing a composite tool that replays a recurring tool-call chain.\n\n")

	fmt.Fprintf(&b, "Tool sequence: %s\n", strings.Join(chain.Tools, " -> "))
	fmt.Fprintf(&b, "Observed support: %.3f  confidence: %.3f  avg latency: %.0f ms  failure rate: %.3f\n\n",
		chain.Support, chain.Confidence, chain.AvgLatencyMS, chain.FailureRate)

	b.WriteString("Parameter-flow analysis (deterministic, trust over intuition):\n")
	for _, h := range hints {
		fmt.Fprintf(&b, "- step %d input %q: %s", h.StepIndex, h.Key, h.Class)
		if h.Source != "" {
			fmt.Fprintf(&b, " (suggested mapping: %s)", h.Source)
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	b.WriteString("Observed sample executions:\n")
	for i, s := range samples {
		if i >= maxSamples {
			break
		}
		fmt.Fprintf(&b, "Sample %d:\n", i+1)
		for step, e := range s.events {
			fmt.Fprintf(&b, "  step %d %s inputs=%s outcome=%s",
				step, e.ToolID, muninn.CanonicalJSON(e.InputParams), e.Outcome)
			if e.OutputSummary != nil {
				fmt.Fprintf(&b, " output=%s", *e.OutputSummary)
			}
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')

	b.WriteString("Produce a JSON object with exactly these fields:\n")
	b.WriteString("- description: one sentence describing what the composite does\n")
	b.WriteString("- parameters: a JSON Schema (draft 2020-12) object for the composite's external inputs\n")
	fmt.Fprintf(&b, "- steps: one entry per tool in sequence order (%d entries)\n", len(chain.Tools))
	b.WriteString("Each step's input_mapping values must be one of: parameters.<name>, ")
	b.WriteString("wiring.<stepIdx>.<field> (stepIdx strictly before the step), or literal:<json>.\n")
	b.WriteString("Conditions, if any, are restricted predicates: comparisons on parameters.<name> ")
	b.WriteString("or wiring.<step>.<field> combined with &&, ||, !; no function calls.\n")
	b.WriteString("parallelizable_with may list sibling step indices only when neither step consumes the other's output.\n")
	b.WriteString("Respond with the JSON object only.\n")

	if feedback != "" {
		b.WriteString("\nYour previous response failed validation:\n")
		b.WriteString(feedback)
		b.WriteString("\nCorrect these problems and respond again.\n")
	}
	return b.String()
}
