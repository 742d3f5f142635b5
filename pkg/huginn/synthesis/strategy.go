// strategy.go derives the composite's error strategy from failure
// patterns observed across sample sessions.

package synthesis

import (
	"fmt"

	"github.com/twinraven/twinraven/pkg/muninn"
)

const (
	retryMaxAttempts = 3
	retryBaseDelayMS = 250
)

// deriveErrorStrategy inspects per-step failures across the samples:
//
//   - a step failing in every all-failed chain gets an abort condition
//   - a step failing while the chain still succeeds gets a skip fallback
//   - a step failing in under half its appearances gets exponential retry
//   - a step with no observed failures falls to the abort default
func deriveErrorStrategy(samples []sampleExecution, tools []string) ErrorStrategy {
	strategy := ErrorStrategy{
		Retries:         make(map[int]RetryPolicy),
		Fallbacks:       make(map[int][][]string),
		DefaultBehavior: BehaviorAbort,
	}

	failedChains := 0
	for _, s := range samples {
		if s.finalOutcome() == muninn.OutcomeFailure {
			failedChains++
		}
	}

	for step := range tools {
		stepFailures := 0
		failuresInFailedChains := 0
		failsButChainSucceeds := false

		for _, s := range samples {
			if s.events[step].Outcome != muninn.OutcomeFailure {
				continue
			}
			stepFailures++
			if s.finalOutcome() == muninn.OutcomeFailure {
				failuresInFailedChains++
			} else {
				failsButChainSucceeds = true
			}
		}

		if stepFailures == 0 {
			continue
		}

		if failedChains > 0 && failuresInFailedChains == failedChains {
			strategy.AbortConditions = append(strategy.AbortConditions,
				fmt.Sprintf("wiring.%d.outcome == 'failure'", step))
		}
		if failsButChainSucceeds {
			// An empty alternative sequence means skip.
			strategy.Fallbacks[step] = [][]string{{}}
		}
		if float64(stepFailures)/float64(len(samples)) < 0.5 {
			strategy.Retries[step] = RetryPolicy{
				MaxAttempts: retryMaxAttempts,
				Backoff:     BackoffExponential,
				BaseDelayMS: retryBaseDelayMS,
			}
		}
	}

	if len(strategy.Retries) == 0 {
		strategy.Retries = nil
	}
	if len(strategy.Fallbacks) == 0 {
		strategy.Fallbacks = nil
	}
	return strategy
}
