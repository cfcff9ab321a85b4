// ABOUTME: Tests for the accumulator fold over ordered event sequences.
// ABOUTME: Covers terminal authority, replay determinism, tool state tolerance, turn resets.

package accum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-relay/internal/event"
)

func delta(id, fragment string) event.SessionEvent {
	return event.SessionEvent{
		ID:        id,
		Type:      event.TypeMessageDelta,
		Timestamp: time.Now(),
		Ephemeral: true,
		Delta:     &event.DeltaPayload{Fragment: fragment},
	}
}

func terminal(id, text string) event.SessionEvent {
	return event.SessionEvent{
		ID:        id,
		Type:      event.TypeAssistantMessage,
		Timestamp: time.Now(),
		Message:   &event.MessagePayload{Role: "assistant", Text: text},
	}
}

func reasoningDelta(id, fragment string) event.SessionEvent {
	ev := delta(id, fragment)
	ev.Type = event.TypeReasoningDelta
	return ev
}

func reasoningTerminal(id, text string) event.SessionEvent {
	ev := terminal(id, text)
	ev.Type = event.TypeReasoning
	return ev
}

func toolStart(callID string) event.SessionEvent {
	return event.SessionEvent{
		ID:        callID,
		Type:      event.TypeToolStart,
		Timestamp: time.Now(),
		ToolStart: &event.ToolStartPayload{CallID: callID, Name: "bash"},
	}
}

func toolComplete(callID string) event.SessionEvent {
	return event.SessionEvent{
		ID:           callID,
		Type:         event.TypeToolComplete,
		Timestamp:    time.Now(),
		ToolComplete: &event.ToolCompletePayload{CallID: callID, Output: "done"},
	}
}

func apply(a *Accumulator, events []event.SessionEvent) {
	for _, ev := range events {
		a.Apply(ev)
	}
}

func TestAccumulator_DeltasAccumulateUntilTerminal(t *testing.T) {
	a := New()

	a.Apply(delta("m1", "2 "))
	text, ok := a.MessageText("m1")
	require.True(t, ok)
	assert.Equal(t, "2 ", text)

	a.Apply(delta("m1", "+ 2 = 4"))
	text, _ = a.MessageText("m1")
	assert.Equal(t, "2 + 2 = 4", text)
	assert.False(t, a.MessageFinalized("m1"))
}

func TestAccumulator_TerminalTextIsAuthoritative(t *testing.T) {
	// The terminal payload wins even when it differs from the concatenation
	// of the deltas (engine-side whitespace normalization and the like).
	a := New()
	apply(a, []event.SessionEvent{
		delta("m1", "2 "),
		delta("m1", "+ 2 = 4"),
		terminal("m1", "2 + 2 = 4."),
	})

	text, ok := a.MessageText("m1")
	require.True(t, ok)
	assert.Equal(t, "2 + 2 = 4.", text)
	assert.True(t, a.MessageFinalized("m1"))
	assert.Empty(t, a.InFlightMessages())
}

func TestAccumulator_LateDeltaAfterTerminalIsIgnored(t *testing.T) {
	a := New()
	apply(a, []event.SessionEvent{
		terminal("m1", "final"),
		delta("m1", "straggler"),
	})

	text, _ := a.MessageText("m1")
	assert.Equal(t, "final", text)
	assert.Empty(t, a.InFlightMessages())
}

func TestAccumulator_DeltaForUnseenIDCreatesBuffer(t *testing.T) {
	a := New()
	a.Apply(delta("never-announced", "hello"))

	text, ok := a.MessageText("never-announced")
	require.True(t, ok)
	assert.Equal(t, "hello", text)
	assert.Equal(t, []string{"never-announced"}, a.InFlightMessages())
}

func TestAccumulator_ReasoningIsSymmetricToMessages(t *testing.T) {
	a := New()
	apply(a, []event.SessionEvent{
		reasoningDelta("r1", "thinking "),
		reasoningDelta("r1", "hard"),
	})

	text, ok := a.ReasoningText("r1")
	require.True(t, ok)
	assert.Equal(t, "thinking hard", text)

	a.Apply(reasoningTerminal("r1", "thought it through"))
	text, _ = a.ReasoningText("r1")
	assert.Equal(t, "thought it through", text)
	assert.Empty(t, a.InFlightReasoning())

	// Reasoning and message buffers never bleed into each other.
	_, ok = a.MessageText("r1")
	assert.False(t, ok)
}

func TestAccumulator_ToolLifecycle(t *testing.T) {
	a := New()

	a.Apply(toolStart("c1"))
	a.Apply(toolStart("c2"))
	assert.Equal(t, []string{"c1", "c2"}, a.ExecutingTools())

	a.Apply(toolComplete("c1"))
	assert.Equal(t, []string{"c2"}, a.ExecutingTools())
}

func TestAccumulator_CompleteWithoutStartIsNoOp(t *testing.T) {
	a := New()
	a.Apply(toolComplete("orphan"))
	assert.Empty(t, a.ExecutingTools())
}

func TestAccumulator_StartAfterCompleteIsIgnored(t *testing.T) {
	// Replay can deliver a start after its complete; a finished call must
	// never appear to be running again.
	a := New()
	a.Apply(toolComplete("c1"))
	a.Apply(toolStart("c1"))
	assert.Empty(t, a.ExecutingTools())
}

func TestAccumulator_TurnEndClearsInFlightButKeepsFinalized(t *testing.T) {
	a := New()
	apply(a, []event.SessionEvent{
		terminal("m1", "kept"),
		delta("m2", "partial"),
		reasoningDelta("r1", "partial reasoning"),
		{ID: "t1", Type: event.TypeTurnEnd, Timestamp: time.Now()},
	})

	text, ok := a.MessageText("m1")
	require.True(t, ok)
	assert.Equal(t, "kept", text)

	_, ok = a.MessageText("m2")
	assert.False(t, ok)
	_, ok = a.ReasoningText("r1")
	assert.False(t, ok)
}

func TestAccumulator_AbortActsAsTurnBoundary(t *testing.T) {
	a := New()
	apply(a, []event.SessionEvent{
		delta("m1", "half a thou"),
		{ID: "a1", Type: event.TypeAbort, Timestamp: time.Now()},
	})

	_, ok := a.MessageText("m1")
	assert.False(t, ok)
}

func TestAccumulator_OtherEventTypesAreNoOps(t *testing.T) {
	a := New()
	apply(a, []event.SessionEvent{
		{ID: "e1", Type: event.TypeSessionStart, Timestamp: time.Now()},
		{ID: "e2", Type: event.TypeUsage, Timestamp: time.Now(), Usage: &event.UsagePayload{InputTokens: 10}},
		{ID: "e3", Type: event.Type("hologram-frame"), Timestamp: time.Now()},
	})

	assert.Empty(t, a.InFlightMessages())
	assert.Empty(t, a.ExecutingTools())
}

func TestAccumulator_ReplayIsDeterministic(t *testing.T) {
	events := []event.SessionEvent{
		{ID: "s1", Type: event.TypeSessionStart, Timestamp: time.Now()},
		delta("m1", "2 "),
		toolStart("c1"),
		delta("m1", "+ 2 "),
		toolComplete("c1"),
		delta("m1", "= 4"),
		terminal("m1", "2 + 2 = 4."),
		{ID: "idle", Type: event.TypeSessionIdle, Timestamp: time.Now()},
	}

	first := New()
	apply(first, events)
	second := New()
	apply(second, events)

	firstText, _ := first.MessageText("m1")
	secondText, _ := second.MessageText("m1")
	assert.Equal(t, firstText, secondText)
	assert.Equal(t, first.ExecutingTools(), second.ExecutingTools())
	assert.Equal(t, first.InFlightMessages(), second.InFlightMessages())
}

func TestAccumulator_IncrementalMatchesBatchReplay(t *testing.T) {
	events := []event.SessionEvent{
		delta("m1", "a"),
		delta("m1", "b"),
		delta("m2", "x"),
		terminal("m1", "ab!"),
		delta("m2", "y"),
	}

	// Applying a longer prefix must agree with having consumed incrementally.
	incremental := New()
	for _, ev := range events {
		incremental.Apply(ev)
	}

	for n := 1; n <= len(events); n++ {
		batch := New()
		apply(batch, events[:n])
		if n == len(events) {
			m1Batch, _ := batch.MessageText("m1")
			m1Inc, _ := incremental.MessageText("m1")
			assert.Equal(t, m1Inc, m1Batch)
			m2Batch, _ := batch.MessageText("m2")
			m2Inc, _ := incremental.MessageText("m2")
			assert.Equal(t, m2Inc, m2Batch)
		}
	}
}
