// summarize.go compresses tool outputs into stored summaries, using the
// LLM provider for long outputs and truncation as the fallback.

package muninn

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/twinraven/twinraven/pkg/llm"
)

// DefaultMaxOutputLength is the serialized-output length above which the
// summarizer compresses instead of storing verbatim.
const DefaultMaxOutputLength = 2048

const truncationMarker = " …[truncated]"

// Summarizer turns a tool output into the compressed textual summary
// stored on the event.
type Summarizer struct {
	provider  llm.Provider
	maxLength int
	logger    *zap.Logger
}

// NewSummarizer builds a summarizer. A nil provider disables LLM
// compression; long outputs are truncated instead.
func NewSummarizer(provider llm.Provider, maxLength int, logger *zap.Logger) *Summarizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxOutputLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{provider: provider, maxLength: maxLength, logger: logger}
}

// Summarize serializes output canonically and compresses it when it
// exceeds the length limit. LLM failure degrades to truncation; this
// method never returns an error.
func (s *Summarizer) Summarize(ctx context.Context, output any) string {
	serialized := CanonicalJSON(output)
	if len(serialized) <= s.maxLength {
		return serialized
	}

	if s.provider != nil {
		if summary, err := s.compress(ctx, serialized); err == nil {
			return summary
		} else {
			s.logger.Warn("output summarization failed, truncating", zap.Error(err))
		}
	}
	return s.truncate(serialized)
}

func (s *Summarizer) compress(ctx context.Context, serialized string) (string, error) {
	resp, err := s.provider.Generate(ctx, llm.Request{
		Prompt: fmt.Sprintf(
			"Summarize the following tool output in at most %d characters. "+
				"Preserve identifiers, keys, counts, and error messages verbatim. "+
				"Respond with the summary text only.\n\n%s",
			s.maxLength, serialized),
		MaxTokens:   s.maxLength / 2,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("%w: empty summary", llm.ErrResponse)
	}
	return resp.Content, nil
}

func (s *Summarizer) truncate(serialized string) string {
	cut := s.maxLength - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	for cut > 0 && !utf8.RuneStart(serialized[cut]) {
		cut--
	}
	return serialized[:cut] + truncationMarker
}
