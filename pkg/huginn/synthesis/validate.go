// validate.go parses and validates the LLM response: schema conformance,
// known tool ids, wiring references, and the parallelism graph.

package synthesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrResponseInvalid wraps every response-validation failure so the
// synthesizer can decide to retry with feedback.
var ErrResponseInvalid = errors.New("synthesis: invalid llm response")

// llmToolDoc is the wire shape of the LLM response.
type llmToolDoc struct {
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Steps       []llmStep      `json:"steps"`
}

type llmStep struct {
	ToolID             string            `json:"tool_id"`
	InputMapping       map[string]string `json:"input_mapping"`
	Condition          string            `json:"condition,omitempty"`
	ParallelizableWith []int             `json:"parallelizable_with,omitempty"`
	TimeoutMS          int               `json:"timeout_ms,omitempty"`
}

// compiledResponseSchema compiles the response schema once per
// synthesizer.
func compiledResponseSchema() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(responseSchema())
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("response.json")
}

// parseResponse validates content against the response schema and the
// structural rules, returning the parsed document. All failures wrap
// ErrResponseInvalid with messages suitable for retry feedback.
func parseResponse(schema *jsonschema.Schema, content string, knownTools []string) (llmToolDoc, error) {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return llmToolDoc{}, fmt.Errorf("%w: not valid JSON: %v", ErrResponseInvalid, err)
	}
	if err := schema.Validate(value); err != nil {
		return llmToolDoc{}, fmt.Errorf("%w: schema violation: %v", ErrResponseInvalid, err)
	}

	var doc llmToolDoc
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return llmToolDoc{}, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if err := checkStructure(doc, knownTools); err != nil {
		return llmToolDoc{}, err
	}
	return doc, nil
}

// checkStructure enforces the rules a JSON Schema cannot express: tool
// ids must be known, wiring references must point strictly upstream,
// conditions must parse, and parallelizable_with must be in-bounds and
// acyclic against the wiring dependency graph.
func checkStructure(doc llmToolDoc, knownTools []string) error {
	known := make(map[string]bool, len(knownTools))
	for _, tool := range knownTools {
		known[tool] = true
	}

	var problems []string
	for i, step := range doc.Steps {
		if !known[step.ToolID] {
			problems = append(problems, fmt.Sprintf("steps[%d]: unknown tool_id %q", i, step.ToolID))
		}

		for key, raw := range step.InputMapping {
			src, err := ParseSource(raw)
			if err != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].input_mapping[%q]: %v", i, key, err))
				continue
			}
			if src.Kind == SourceWiring && src.StepIndex >= i {
				problems = append(problems, fmt.Sprintf(
					"steps[%d].input_mapping[%q]: wiring reference to step %d is not upstream", i, key, src.StepIndex))
			}
		}

		if err := ValidatePredicate(step.Condition); err != nil {
			problems = append(problems, fmt.Sprintf("steps[%d].condition: %v", i, err))
		}

		for _, j := range step.ParallelizableWith {
			if j < 0 || j >= len(doc.Steps) {
				problems = append(problems, fmt.Sprintf("steps[%d].parallelizable_with: index %d out of bounds", i, j))
			} else if j == i {
				problems = append(problems, fmt.Sprintf("steps[%d].parallelizable_with: self reference", i))
			}
		}
	}

	ancestors := wiringAncestors(doc.Steps)
	for i, step := range doc.Steps {
		for _, j := range step.ParallelizableWith {
			if j < 0 || j >= len(doc.Steps) || j == i {
				continue
			}
			if ancestors[i][j] || ancestors[j][i] {
				problems = append(problems, fmt.Sprintf(
					"steps[%d].parallelizable_with: step %d is dependency-ordered with it", i, j))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n%s", ErrResponseInvalid, strings.Join(problems, "\n"))
	}
	return nil
}

// wiringAncestors computes, per step, the set of transitive ancestors
// induced by wiring references. Steps only reference upstream indices,
// so the graph is acyclic by construction once checkStructure passes.
func wiringAncestors(steps []llmStep) []map[int]bool {
	ancestors := make([]map[int]bool, len(steps))
	for i, step := range steps {
		ancestors[i] = make(map[int]bool)
		for _, raw := range step.InputMapping {
			src, err := ParseSource(raw)
			if err != nil || src.Kind != SourceWiring {
				continue
			}
			if src.StepIndex < 0 || src.StepIndex >= i {
				continue
			}
			ancestors[i][src.StepIndex] = true
			for a := range ancestors[src.StepIndex] {
				ancestors[i][a] = true
			}
		}
	}
	return ancestors
}

// reconcileParallelism recomputes parallel groupings from the wiring
// graph: a pair survives only when neither step is a transitive ancestor
// of the other, and each step keeps at most maxParallel siblings. The
// result is symmetric: i lists j exactly when j lists i.
func reconcileParallelism(steps []llmStep, maxParallel int) {
	ancestors := wiringAncestors(steps)

	type pair struct{ a, b int }
	seen := make(map[pair]bool)
	var pairs []pair
	for i, step := range steps {
		for _, j := range step.ParallelizableWith {
			if j < 0 || j >= len(steps) || j == i {
				continue
			}
			a, b := i, j
			if a > b {
				a, b = b, a
			}
			p := pair{a, b}
			if seen[p] || ancestors[a][b] || ancestors[b][a] {
				continue
			}
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})

	counts := make([]int, len(steps))
	lists := make([][]int, len(steps))
	for _, p := range pairs {
		if maxParallel > 0 && (counts[p.a] >= maxParallel || counts[p.b] >= maxParallel) {
			continue
		}
		lists[p.a] = append(lists[p.a], p.b)
		lists[p.b] = append(lists[p.b], p.a)
		counts[p.a]++
		counts[p.b]++
	}

	for i := range steps {
		sort.Ints(lists[i])
		steps[i].ParallelizableWith = lists[i]
	}
}
