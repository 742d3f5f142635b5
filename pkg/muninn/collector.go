// collector.go provides the Collector, the factory for per-session
// observation contexts.

package muninn

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/llm"
)

// healthCheckTimeout bounds the store reachability check on Observe entry.
const healthCheckTimeout = 5 * time.Second

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOutputCompression enables LLM-backed output summarization.
// Outputs whose canonical serialization exceeds maxLength are compressed
// via the provider; on provider failure they are truncated.
func WithOutputCompression(provider llm.Provider, maxLength int) CollectorOption {
	return func(c *Collector) {
		c.compressionProvider = provider
		c.maxOutputLength = maxLength
	}
}

// WithBuffering switches contexts to buffered mode: events accumulate and
// flush via AppendBatch when size events are pending, interval elapses, or
// the context closes. The default is immediate mode (one append per record).
func WithBuffering(size int, interval time.Duration) CollectorOption {
	return func(c *Collector) {
		if size > 0 {
			c.bufferSize = size
		}
		if interval > 0 {
			c.bufferInterval = interval
		}
	}
}

// Collector opens per-session ObservationContexts against an EventStore.
// Contexts for different sessions run concurrently and independently; a
// single context must not be shared across tasks.
type Collector struct {
	store               EventStore
	logger              *zap.Logger
	compressionProvider llm.Provider
	maxOutputLength     int
	bufferSize          int
	bufferInterval      time.Duration
}

// NewCollector creates a Collector with the given options.
func NewCollector(store EventStore, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:           store,
		logger:          zap.NewNop(),
		maxOutputLength: DefaultMaxOutputLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe opens an observation context for one logical agent session.
// The store must be reachable: the bounded health check failing is the
// only fatal precondition surfaced to the caller.
func (c *Collector) Observe(ctx context.Context, sessionID string) (*ObservationContext, error) {
	if sessionID == "" || len(sessionID) > MaxSessionIDLen {
		return nil, fmt.Errorf("%w: invalid session id", ErrCollectorUnavailable)
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := c.store.Health(healthCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollectorUnavailable, err)
	}

	var summarizer *Summarizer
	if c.compressionProvider != nil {
		summarizer = NewSummarizer(c.compressionProvider, c.maxOutputLength, c.logger)
	}

	obs := &ObservationContext{
		store:      c.store,
		sessionID:  sessionID,
		logger:     c.logger.With(zap.String("session_id", sessionID)),
		summarizer: summarizer,
		bufSize:    c.bufferSize,
		bufMaxAge:  c.bufferInterval,
	}
	obs.logger.Debug("observation context opened",
		zap.Bool("buffered", obs.buffered()),
		zap.Bool("compression", summarizer != nil))
	return obs, nil
}

// Health verifies store reachability with a bounded check. Exposed for
// operators; Observe performs the same check on entry.
func (c *Collector) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return c.store.Health(healthCtx)
}
