// Package muninn provides the telemetry half of TwinRaven: an append-only
// log of agent tool invocations, grouped into sessions and linked into
// per-session chains.
//
// Muninn captures every tool call an agent makes (inputs, a compressed
// output summary, timing, and outcome) and stores it in an EventStore for
// later mining and replay. The companion huginn packages read this log to
// discover repeated tool sequences and propose composite tools.
//
// # Core Components
//
//   - Event: the canonical record of one tool call within a session
//   - Collector: opens per-session ObservationContexts against an EventStore
//   - ObservationContext: the per-session write facade that links events
//   - EventStore / CandidateStore: persistence contracts (see store/sqlite)
//
// # Quick Start
//
//	store, _ := sqlite.Open(ctx, "muninn.db")
//	collector := muninn.NewCollector(store)
//	obs, err := collector.Observe(ctx, "session-42")
//	if err != nil { ... }
//	defer obs.Close(ctx)
//
//	obs.Record(ctx, muninn.Recording{
//	    ToolID:  "search",
//	    Inputs:  map[string]any{"query": "go concurrency"},
//	    Output:  results,
//	    Outcome: muninn.OutcomeSuccess,
//	})
//
// # Design Principles
//
//   - Telemetry never aborts the agent: once a context is open, record
//     failures degrade (gaps in the chain) instead of propagating
//   - Events are written once; the only permitted mutation is the
//     successor backfill performed by the ObservationContext
//   - No global state: collectors, stores, and contexts are constructed
//     with explicit dependencies
package muninn
