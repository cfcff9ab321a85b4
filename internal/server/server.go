// ABOUTME: Realtime HTTP surface: session listing, history reads, websocket feed delivery.
// ABOUTME: Subscribers join a session's general or delta feed over a websocket; leaving is idempotent.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/session-relay/internal/history"
	"github.com/2389/session-relay/internal/registry"
	"github.com/2389/session-relay/internal/relay"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Feeds carry no credentials; origin checks are a frontend concern.
	},
}

// HistoryReader is what the server needs from the durable event log.
type HistoryReader interface {
	Load(ctx context.Context, sessionID string) (*history.Record, error)
	LoadAll(ctx context.Context) ([]*history.Metadata, error)
}

// Server exposes the read-only API and the websocket feed endpoints.
type Server struct {
	store       HistoryReader
	registry    *registry.Registry
	broadcaster *relay.Broadcaster
	logger      *slog.Logger
}

// New creates a Server. Pass nil logger for default.
func New(store HistoryReader, reg *registry.Registry, b *relay.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       store,
		registry:    reg,
		broadcaster: b,
		logger:      logger.With("component", "server"),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleFeed)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionSummary is the list-endpoint view of one session.
type sessionSummary struct {
	SessionID      string    `json:"session_id"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
	Summary        string    `json:"summary,omitempty"`
	WorkspacePath  string    `json:"workspace_path,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.LoadAll(r.Context())
	if err != nil {
		s.logger.Error("listing sessions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	summaries := make([]sessionSummary, 0, len(metas))
	for _, m := range metas {
		summaries = append(summaries, sessionSummary{
			SessionID:      m.SessionID,
			Active:         s.registry.Exists(m.SessionID),
			CreatedAt:      m.CreatedAt,
			LastActivityAt: m.LastActivityAt,
			MessageCount:   m.MessageCount,
			Summary:        m.Summary,
			WorkspacePath:  m.WorkspacePath,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// historyMessage is the wire form of one persisted message.
type historyMessage struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Role        string    `json:"role"`
	Content     string    `json:"content,omitempty"`
	StreamID    string    `json:"stream_id,omitempty"`
	ToolCallID  string    `json:"tool_call_id,omitempty"`
	ToolResult  string    `json:"tool_result,omitempty"`
	ToolError   bool      `json:"tool_error,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	record, err := s.store.Load(r.Context(), sessionID)
	if errors.Is(err, history.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("loading history failed", "error", err, "session_id", sessionID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	messages := make([]historyMessage, 0, len(record.Messages))
	for _, m := range record.Messages {
		messages = append(messages, historyMessage{
			ID:          m.ID,
			Timestamp:   m.Timestamp,
			Role:        m.Role,
			Content:     m.Content,
			StreamID:    m.StreamID,
			ToolCallID:  m.ToolCallID,
			ToolResult:  m.ToolResult,
			ToolError:   m.ToolError,
			Reasoning:   m.Reasoning,
			Attachments: m.Attachments,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// handleFeed upgrades the connection and streams one of the session's two
// feeds until the client disconnects or the server shuts down. Closing the
// connection is the subscriber's "leave"; the broadcaster side is idempotent.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	feedName := r.URL.Query().Get("feed")
	if feedName == "" {
		feedName = "events"
	}
	if feedName != "events" && feedName != "deltas" {
		http.Error(w, "feed must be events or deltas", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: we expect no client messages, but reading is what
	// detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	switch feedName {
	case "events":
		ch, subID := s.broadcaster.SubscribeEvents(ctx, sessionID)
		defer s.broadcaster.UnsubscribeEvents(sessionID, subID)
		pumpFeed(ctx, conn, ch)
	case "deltas":
		ch, subID := s.broadcaster.SubscribeDeltas(ctx, sessionID)
		defer s.broadcaster.UnsubscribeDeltas(sessionID, subID)
		pumpFeed(ctx, conn, ch)
	}
}

// pumpFeed writes frames from ch to the websocket until ch closes or ctx is
// cancelled, pinging the peer on an interval to keep intermediaries honest.
func pumpFeed[T any](ctx context.Context, conn *websocket.Conn, ch <-chan T) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
