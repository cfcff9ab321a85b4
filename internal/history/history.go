// ABOUTME: Data types and errors for the durable per-session event log.
// ABOUTME: Metadata plus an append-only ordered message list, keyed by session id.

package history

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a requested session record does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Role constants for persisted messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Metadata is the per-session header of a durable record.
type Metadata struct {
	SessionID      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	Summary        string
	IsRemote       bool

	// Config is the originating configuration as an opaque JSON blob,
	// round-tripped untouched.
	Config string

	// WorkspacePath is set at most once by the relay's path heuristic.
	WorkspacePath string
}

// Message is one entry in a session's append-only log. Entries are never
// rewritten or deleted except via whole-session deletion.
type Message struct {
	ID        string
	Timestamp time.Time
	Role      string
	Content   string

	// StreamID links the entry back to the live stream id it finalized
	// (message or reasoning id), when there was one.
	StreamID string

	ToolCallID  string
	ToolResult  string
	ToolError   bool
	Reasoning   string
	Attachments []string
}

// Record is a whole durable session record: metadata plus ordered messages.
type Record struct {
	Metadata Metadata
	Messages []*Message
}
