// ABOUTME: Wire DTOs for the two real-time feeds and the SessionEvent-to-frame mapping.
// ABOUTME: MapFrame is exhaustive over known types; unknown types produce an envelope-only frame.

package event

import "time"

// Frame is the general-feed DTO: one per non-delta event, JSON-serializable.
// Payload fields are pointers so absent variants marshal as omitted keys.
type Frame struct {
	SessionID string    `json:"session_id"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parent_id,omitempty"`

	Message      *MessageFrame      `json:"message,omitempty"`
	ToolStart    *ToolStartFrame    `json:"tool_start,omitempty"`
	ToolComplete *ToolCompleteFrame `json:"tool_complete,omitempty"`
	Usage        *UsageFrame        `json:"usage,omitempty"`
	Error        *ErrorFrame        `json:"error,omitempty"`
}

// MessageFrame carries complete message or reasoning text on the wire.
type MessageFrame struct {
	Role string `json:"role,omitempty"`
	Text string `json:"text"`
}

// ToolStartFrame announces a tool call on the wire.
type ToolStartFrame struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
}

// ToolCompleteFrame carries a tool result on the wire.
type ToolCompleteFrame struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// UsageFrame reports token usage on the wire.
type UsageFrame struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ErrorFrame describes a session error on the wire.
type ErrorFrame struct {
	Message string `json:"message"`
}

// DeltaKind distinguishes the two delta streams sharing the delta feed.
type DeltaKind string

const (
	DeltaKindMessage   DeltaKind = "message"
	DeltaKindReasoning DeltaKind = "reasoning"
)

// DeltaFrame is the minimal streaming-feed DTO for one delta fragment.
type DeltaFrame struct {
	SessionID   string    `json:"session_id"`
	Kind        DeltaKind `json:"kind"`
	ID          string    `json:"id"`
	Fragment    string    `json:"fragment"`
	RunningSize int       `json:"running_size,omitempty"`
}

// MapFrame converts a SessionEvent into its general-feed DTO. The switch is
// exhaustive over known types; a type outside the known set still yields a
// frame with envelope fields populated and no payload, so newer engine event
// kinds keep flowing to subscribers.
func MapFrame(sessionID string, ev SessionEvent) *Frame {
	f := &Frame{
		SessionID: sessionID,
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		ParentID:  ev.ParentID,
	}

	switch ev.Type {
	case TypeUserMessage, TypeAssistantMessage, TypeReasoning:
		if ev.Message != nil {
			f.Message = &MessageFrame{Role: ev.Message.Role, Text: ev.Message.Text}
		}
	case TypeToolStart:
		if ev.ToolStart != nil {
			f.ToolStart = &ToolStartFrame{
				CallID: ev.ToolStart.CallID,
				Name:   ev.ToolStart.Name,
				Input:  ev.ToolStart.Input,
			}
		}
	case TypeToolComplete:
		if ev.ToolComplete != nil {
			f.ToolComplete = &ToolCompleteFrame{
				CallID:  ev.ToolComplete.CallID,
				Output:  ev.ToolComplete.Output,
				IsError: ev.ToolComplete.IsError,
			}
		}
	case TypeUsage:
		if ev.Usage != nil {
			f.Usage = &UsageFrame{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}
		}
	case TypeSessionError:
		if ev.ErrorInfo != nil {
			f.Error = &ErrorFrame{Message: ev.ErrorInfo.Message}
		}
	case TypeTurnStart, TypeTurnEnd, TypeSessionStart, TypeSessionIdle, TypeAbort:
		// Envelope only.
	default:
		// Unknown/future type: forward the envelope as-is.
	}

	return f
}

// MapDeltaFrame converts a delta event into its streaming-feed DTO. Returns
// nil for non-delta events or a delta event missing its payload.
func MapDeltaFrame(sessionID string, ev SessionEvent) *DeltaFrame {
	if ev.Delta == nil {
		return nil
	}

	var kind DeltaKind
	switch ev.Type {
	case TypeMessageDelta:
		kind = DeltaKindMessage
	case TypeReasoningDelta:
		kind = DeltaKindReasoning
	default:
		return nil
	}

	return &DeltaFrame{
		SessionID:   sessionID,
		Kind:        kind,
		ID:          ev.ID,
		Fragment:    ev.Delta.Fragment,
		RunningSize: ev.Delta.RunningSize,
	}
}
