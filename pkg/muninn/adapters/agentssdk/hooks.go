// Package agentssdk bridges agent-runner hooks into telemetry capture.
// The adapter implements agents.RunHooks: tool starts are held with their
// arguments and start time, tool ends record one event on the session's
// observation context. An inner RunHooks, when present, is always
// delegated to; only its errors surface to the runner.
package agentssdk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"
	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/muninn"
)

// Option configures the adapter.
type Option func(*HookAdapter)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(h *HookAdapter) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithInner chains an existing RunHooks behind the adapter.
func WithInner(inner agents.RunHooks) Option {
	return func(h *HookAdapter) { h.inner = inner }
}

// pendingCall is a started tool invocation awaiting its end hook.
type pendingCall struct {
	callID string
	inputs map[string]any
	start  time.Time
}

// HookAdapter records tool invocations observed through runner hooks.
type HookAdapter struct {
	obs    *muninn.ObservationContext
	inner  agents.RunHooks
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]pendingCall // keyed by tool name, FIFO
}

// NewHookAdapter wraps the observation context for one runner session.
func NewHookAdapter(obs *muninn.ObservationContext, opts ...Option) *HookAdapter {
	h := &HookAdapter{
		obs:     obs,
		logger:  zap.NewNop(),
		pending: make(map[string][]pendingCall),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnAgentStart delegates to inner hooks.
func (h *HookAdapter) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	if h.inner != nil {
		return h.inner.OnAgentStart(ctx, runCtx, agent)
	}
	return nil
}

// OnAgentEnd delegates to inner hooks.
func (h *HookAdapter) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	if h.inner != nil {
		return h.inner.OnAgentEnd(ctx, runCtx, agent, result)
	}
	return nil
}

// OnHandoff delegates to inner hooks.
func (h *HookAdapter) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	if h.inner != nil {
		return h.inner.OnHandoff(ctx, runCtx, from, to)
	}
	return nil
}

// OnToolStart holds the call arguments and start time until the matching
// end hook arrives.
func (h *HookAdapter) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	h.mu.Lock()
	h.pending[tool.Name] = append(h.pending[tool.Name], pendingCall{
		callID: call.ID,
		inputs: parseArguments(call.Arguments),
		start:  time.Now(),
	})
	h.mu.Unlock()

	if h.inner != nil {
		return h.inner.OnToolStart(ctx, runCtx, agent, tool, call)
	}
	return nil
}

// OnToolEnd records the completed invocation. The end hook carries no
// call id, so starts and ends pair FIFO per tool name. An end without a
// matching start still records, with no inputs and zero latency.
func (h *HookAdapter) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	h.mu.Lock()
	var call pendingCall
	if queue := h.pending[tool.Name]; len(queue) > 0 {
		call = queue[0]
		h.pending[tool.Name] = queue[1:]
	}
	h.mu.Unlock()

	var latency int32
	if !call.start.IsZero() {
		latency = int32(time.Since(call.start).Milliseconds())
	}

	if err := h.obs.Record(ctx, muninn.Recording{
		ToolID:    tool.Name,
		Inputs:    call.inputs,
		Output:    output,
		Outcome:   muninn.OutcomeSuccess,
		LatencyMS: latency,
	}); err != nil {
		h.logger.Warn("tool end not recorded",
			zap.String("tool", tool.Name),
			zap.String("call_id", call.callID),
			zap.Error(err))
	}

	if h.inner != nil {
		return h.inner.OnToolEnd(ctx, runCtx, agent, tool, output)
	}
	return nil
}

// OnLLMStart delegates to inner hooks.
func (h *HookAdapter) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	if h.inner != nil {
		return h.inner.OnLLMStart(ctx, runCtx, agent, req)
	}
	return nil
}

// OnLLMEnd delegates to inner hooks.
func (h *HookAdapter) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	if h.inner != nil {
		return h.inner.OnLLMEnd(ctx, runCtx, agent, resp)
	}
	return nil
}

// RecordToolFailure records a failed invocation the runner surfaced
// outside the hook pair, clearing any pending start for the tool.
func (h *HookAdapter) RecordToolFailure(ctx context.Context, toolName string, callErr error) error {
	h.mu.Lock()
	var call pendingCall
	if queue := h.pending[toolName]; len(queue) > 0 {
		call = queue[0]
		h.pending[toolName] = queue[1:]
	}
	h.mu.Unlock()

	return h.obs.RecordFailure(ctx, toolName, call.inputs, callErr)
}

// parseArguments decodes the call's JSON arguments; undecodable payloads
// are preserved raw.
func parseArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var inputs map[string]any
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return inputs
}
