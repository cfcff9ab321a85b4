// ABOUTME: SessionEvent envelope and the closed set of event types produced by the engine.
// ABOUTME: Typed payload pointers follow the one-struct-many-variants pattern; unknown types still carry an envelope.

package event

import "time"

// Type tags a SessionEvent. The set below is closed from the relay's point of
// view, but values outside it are still forwarded as envelope-only events so an
// older relay keeps working against a newer engine.
type Type string

const (
	TypeUserMessage      Type = "user-message"
	TypeAssistantMessage Type = "assistant-message"
	TypeMessageDelta     Type = "assistant-message-delta"
	TypeReasoning        Type = "assistant-reasoning"
	TypeReasoningDelta   Type = "assistant-reasoning-delta"
	TypeTurnStart        Type = "assistant-turn-start"
	TypeTurnEnd          Type = "assistant-turn-end"
	TypeUsage            Type = "assistant-usage"
	TypeToolStart        Type = "tool-execution-start"
	TypeToolComplete     Type = "tool-execution-complete"
	TypeSessionStart     Type = "session-start"
	TypeSessionIdle      Type = "session-idle"
	TypeSessionError     Type = "session-error"
	TypeAbort            Type = "abort"
)

// SessionEvent is the canonical envelope for everything that crosses the
// engine boundary. Exactly one payload pointer is set for known types; all
// payload pointers are nil for unknown/future types.
type SessionEvent struct {
	ID        string
	Type      Type
	Timestamp time.Time

	// ParentID is a lookup hint for grouping related events (a tool result
	// pointing at its originating request). Never an ownership relation.
	ParentID string

	// Ephemeral events (deltas) are never written to the durable log.
	Ephemeral bool

	Message      *MessagePayload
	Delta        *DeltaPayload
	ToolStart    *ToolStartPayload
	ToolComplete *ToolCompletePayload
	Usage        *UsagePayload
	ErrorInfo    *ErrorPayload
}

// MessagePayload carries complete message or reasoning text. Used by
// user-message, assistant-message and assistant-reasoning events; for the
// assistant kinds the text is authoritative over any accumulated deltas.
type MessagePayload struct {
	Role        string
	Text        string
	Attachments []Attachment
}

// DeltaPayload carries one partial-content fragment for an in-progress
// message or reasoning block, keyed by the id the terminal event will use.
type DeltaPayload struct {
	Fragment string
	// RunningSize is a hint of the total accumulated size so far, when the
	// engine provides one. Zero means unknown.
	RunningSize int
}

// ToolStartPayload announces that a tool call began executing.
type ToolStartPayload struct {
	CallID string
	Name   string
	Input  string
}

// ToolCompletePayload carries the result of a finished tool call.
type ToolCompletePayload struct {
	CallID  string
	Output  string
	IsError bool
}

// UsagePayload reports token consumption for the turn so far.
type UsagePayload struct {
	InputTokens  int64
	OutputTokens int64
}

// ErrorPayload describes a session-error event.
type ErrorPayload struct {
	Message string
}

// Attachment is a file carried alongside a message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// IsDelta reports whether the event belongs on the low-latency streaming
// channel rather than the general notification channel.
func (t Type) IsDelta() bool {
	return t == TypeMessageDelta || t == TypeReasoningDelta
}

// IsSignificant reports whether the event is written to the durable log.
// Deltas, turn boundaries and idle markers are never persisted.
func (t Type) IsSignificant() bool {
	switch t {
	case TypeUserMessage, TypeAssistantMessage, TypeReasoning, TypeToolComplete, TypeSessionError:
		return true
	}
	return false
}
