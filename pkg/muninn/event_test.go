package muninn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() Event {
	return Event{
		EventID:   "9b2f0c4e-1111-4aaa-8bbb-000000000001",
		SessionID: "sess-1",
		ToolID:    "fetch",
		InputHash: "abc123",
		Outcome:   OutcomeSuccess,
	}
}

func TestOutcomeValid(t *testing.T) {
	assert.True(t, OutcomeSuccess.Valid())
	assert.True(t, OutcomeFailure.Valid())
	assert.True(t, OutcomePartial.Valid())
	assert.False(t, Outcome("").Valid())
	assert.False(t, Outcome("crashed").Valid())
}

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{"valid", func(e *Event) {}, ""},
		{"empty event id", func(e *Event) { e.EventID = "" }, "event id"},
		{"empty session id", func(e *Event) { e.SessionID = "" }, "session id"},
		{"session id too long", func(e *Event) { e.SessionID = strings.Repeat("s", MaxSessionIDLen+1) }, "session id"},
		{"empty tool id", func(e *Event) { e.ToolID = "" }, "tool id"},
		{"tool id too long", func(e *Event) { e.ToolID = strings.Repeat("t", MaxToolIDLen+1) }, "tool id"},
		{"negative latency", func(e *Event) { e.LatencyMS = -1 }, "latency"},
		{"unknown outcome", func(e *Event) { e.Outcome = "exploded" }, "outcome"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := validEvent()
			tc.mutate(&event)
			err := event.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
