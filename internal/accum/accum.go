// ABOUTME: Accumulator reconstructs cumulative message/reasoning text and tool state from ordered events.
// ABOUTME: Pure function of the event sequence - no clocks, no side channels, fully re-derivable by replay.

package accum

import (
	"sort"
	"strings"

	"github.com/2389/session-relay/internal/event"
)

// Accumulator folds an ordered sequence of SessionEvents into the current
// rendered state: in-progress text buffers keyed by message/reasoning id and
// the set of tool calls currently executing.
//
// The zero semantics are replay-safe: applying the same prefix of events to a
// fresh Accumulator always yields the same state, and applying a longer prefix
// yields the state an incremental consumer would have reached. Accumulator is
// not safe for concurrent use; each subscriber owns its own instance.
type Accumulator struct {
	msgBuf    map[string]*strings.Builder
	reasonBuf map[string]*strings.Builder

	msgFinal    map[string]string
	reasonFinal map[string]string

	executing map[string]struct{}
	completed map[string]struct{}
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{
		msgBuf:      make(map[string]*strings.Builder),
		reasonBuf:   make(map[string]*strings.Builder),
		msgFinal:    make(map[string]string),
		reasonFinal: make(map[string]string),
		executing:   make(map[string]struct{}),
		completed:   make(map[string]struct{}),
	}
}

// Apply folds one event into the state. Events the accumulator does not care
// about are no-ops.
func (a *Accumulator) Apply(ev event.SessionEvent) {
	switch ev.Type {
	case event.TypeMessageDelta:
		a.appendDelta(a.msgBuf, a.msgFinal, ev)

	case event.TypeAssistantMessage:
		a.finalize(a.msgBuf, a.msgFinal, ev)

	case event.TypeReasoningDelta:
		a.appendDelta(a.reasonBuf, a.reasonFinal, ev)

	case event.TypeReasoning:
		a.finalize(a.reasonBuf, a.reasonFinal, ev)

	case event.TypeToolStart:
		if ev.ToolStart == nil {
			return
		}
		// A start arriving after its complete (replay, reordering) is ignored
		// so a finished call can never appear to be running again.
		if _, done := a.completed[ev.ToolStart.CallID]; done {
			return
		}
		a.executing[ev.ToolStart.CallID] = struct{}{}

	case event.TypeToolComplete:
		if ev.ToolComplete == nil {
			return
		}
		// Removing an absent id is a no-op: a complete without a preceding
		// start is tolerated, never an error.
		delete(a.executing, ev.ToolComplete.CallID)
		a.completed[ev.ToolComplete.CallID] = struct{}{}

	case event.TypeTurnEnd, event.TypeAbort:
		// Turn boundary: drop all partial buffers so a new turn never
		// inherits stale in-flight state. Finalized content survives.
		a.msgBuf = make(map[string]*strings.Builder)
		a.reasonBuf = make(map[string]*strings.Builder)
	}
}

// appendDelta grows the buffer for the event's id unless that id was already
// finalized. A delta for a never-seen id creates the buffer - tolerated rather
// than treated as an upstream ordering error.
func (a *Accumulator) appendDelta(bufs map[string]*strings.Builder, final map[string]string, ev event.SessionEvent) {
	if ev.Delta == nil {
		return
	}
	if _, done := final[ev.ID]; done {
		return
	}
	b, ok := bufs[ev.ID]
	if !ok {
		b = &strings.Builder{}
		bufs[ev.ID] = b
	}
	b.WriteString(ev.Delta.Fragment)
}

// finalize records the terminal payload as authoritative and discards the
// accumulated buffer - engine-side composition may differ from naive fragment
// concatenation, so the buffer is never merged in.
func (a *Accumulator) finalize(bufs map[string]*strings.Builder, final map[string]string, ev event.SessionEvent) {
	text := ""
	if ev.Message != nil {
		text = ev.Message.Text
	}
	final[ev.ID] = text
	delete(bufs, ev.ID)
}

// MessageText returns the current text for a message id: the authoritative
// terminal text once finalized, otherwise the concatenated delta buffer. The
// second return is false when the id is entirely unknown.
func (a *Accumulator) MessageText(id string) (string, bool) {
	return lookupText(a.msgBuf, a.msgFinal, id)
}

// ReasoningText is MessageText for reasoning ids.
func (a *Accumulator) ReasoningText(id string) (string, bool) {
	return lookupText(a.reasonBuf, a.reasonFinal, id)
}

func lookupText(bufs map[string]*strings.Builder, final map[string]string, id string) (string, bool) {
	if text, ok := final[id]; ok {
		return text, true
	}
	if b, ok := bufs[id]; ok {
		return b.String(), true
	}
	return "", false
}

// MessageFinalized reports whether a terminal assistant-message arrived for id.
func (a *Accumulator) MessageFinalized(id string) bool {
	_, ok := a.msgFinal[id]
	return ok
}

// InFlightMessages returns the ids with a partial message buffer, sorted for
// deterministic output.
func (a *Accumulator) InFlightMessages() []string {
	return sortedKeys(a.msgBuf)
}

// InFlightReasoning returns the ids with a partial reasoning buffer, sorted.
func (a *Accumulator) InFlightReasoning() []string {
	return sortedKeys(a.reasonBuf)
}

// ExecutingTools returns the tool call ids currently executing, sorted.
func (a *Accumulator) ExecutingTools() []string {
	ids := make([]string, 0, len(a.executing))
	for id := range a.executing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]*strings.Builder) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
