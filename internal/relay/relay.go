// ABOUTME: Event dispatch pipeline: classify, map, forward, persist - one pass per raw event.
// ABOUTME: Per-session FIFO queues drained by single workers keep the producer unblocked and ordering intact.

package relay

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/session-relay/internal/event"
	"github.com/2389/session-relay/internal/history"
)

// persistTimeout bounds each durable write so a stuck disk cannot pin a
// session worker forever.
const persistTimeout = 5 * time.Second

// defaultQueueSize is the per-session dispatch queue depth.
const defaultQueueSize = 256

// HistoryStore is what the relay needs from the durable event log.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, msgs ...*history.Message) error
	SetWorkspacePath(ctx context.Context, sessionID, path string) error
}

// Activity mirrors dispatch activity into the registry's in-memory metadata.
// Implemented by registry.Registry; optional.
type Activity interface {
	TouchActivity(sessionID string) error
	IncrementMessageCount(sessionID string) error
}

// Config carries the relay's collaborators and tuning knobs.
type Config struct {
	Store       HistoryStore
	Broadcaster *Broadcaster
	Activity    Activity // optional
	Logger      *slog.Logger

	// QueueSize is the per-session dispatch queue depth; 0 means default.
	QueueSize int

	// DetectWorkspacePaths enables the best-effort path heuristic on
	// tool-execution-complete events.
	DetectWorkspacePaths bool
}

// Relay consumes raw engine events, classifies them onto the delta or general
// channel, forwards wire frames to real-time subscribers, and writes
// significant events to the durable log. Every failure downstream of Dispatch
// is contained at the per-event boundary: logged, never propagated, never
// surfaced to the producer.
type Relay struct {
	store       HistoryStore
	broadcaster *Broadcaster
	activity    Activity
	logger      *slog.Logger
	queueSize   int
	detectPaths bool

	// statPath is swappable in tests; defaults to an os.Stat existence check.
	statPath func(path string) bool

	mu     sync.Mutex
	queues map[string]chan event.SessionEvent
	closed bool
	wg     sync.WaitGroup
}

// New creates a Relay from cfg. Store and Broadcaster are required.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Relay{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		activity:    cfg.Activity,
		logger:      logger.With("component", "relay"),
		queueSize:   queueSize,
		detectPaths: cfg.DetectWorkspacePaths,
		statPath: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		queues: make(map[string]chan event.SessionEvent),
	}
}

// CreateHandler returns the per-session handler installed as the engine
// subscription. Calling it is the only way raw events enter Dispatch.
func (r *Relay) CreateHandler(sessionID string) func(event.SessionEvent) {
	return func(ev event.SessionEvent) {
		r.Dispatch(sessionID, ev)
	}
}

// Dispatch hands one raw event to the session's worker and returns
// immediately. The producer is never blocked: when the session queue is full
// the event is dropped and logged rather than applying backpressure upstream.
func (r *Relay) Dispatch(sessionID string, ev event.SessionEvent) {
	q := r.queueFor(sessionID)
	if q == nil {
		return
	}

	select {
	case q <- ev:
	default:
		r.logger.Warn("session queue full, dropping event",
			"session_id", sessionID,
			"event_id", ev.ID,
			"type", ev.Type)
	}
}

// queueFor returns the session's dispatch queue, creating the queue and its
// single draining worker on first use. One worker per session gives
// per-session FIFO ordering across dispatches without serializing sessions
// against each other.
func (r *Relay) queueFor(sessionID string) chan event.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	q, ok := r.queues[sessionID]
	if ok {
		return q
	}

	q = make(chan event.SessionEvent, r.queueSize)
	r.queues[sessionID] = q
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range q {
			r.process(sessionID, ev)
		}
	}()
	return q
}

// Close drains and stops all session workers. Dispatch becomes a no-op.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, q := range r.queues {
		close(q)
		delete(r.queues, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// process runs the full pipeline for one event. A panic anywhere downstream
// is recovered here so one malformed event never halts the session's stream.
func (r *Relay) process(sessionID string, ev event.SessionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event processing panicked",
				"session_id", sessionID,
				"event_id", ev.ID,
				"type", ev.Type,
				"panic", rec)
		}
	}()

	if r.activity != nil {
		_ = r.activity.TouchActivity(sessionID)
	}

	// Deltas go to the low-latency streaming feed and nowhere else: they are
	// high-volume, never persisted, and buffering them defeats streaming.
	if ev.Type.IsDelta() {
		if frame := event.MapDeltaFrame(sessionID, ev); frame != nil {
			r.broadcaster.PublishDelta(sessionID, frame)
		}
		return
	}

	r.broadcaster.PublishEvent(sessionID, event.MapFrame(sessionID, ev))

	if ev.Type.IsSignificant() && !ev.Ephemeral {
		r.persist(sessionID, ev)
	}

	if ev.Type == event.TypeToolComplete && r.detectPaths {
		r.recordWorkspacePath(sessionID, ev)
	}
}

// persist appends the event's durable form to the log. Failures are logged
// and swallowed - persistence never suppresses the real-time forward that
// already happened, and never reaches the producer.
func (r *Relay) persist(sessionID string, ev event.SessionEvent) {
	msg := toMessage(ev)
	if msg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.Append(ctx, sessionID, msg); err != nil {
		r.logger.Error("failed to persist event",
			"error", err,
			"session_id", sessionID,
			"event_id", ev.ID,
			"type", ev.Type)
		return
	}

	if r.activity != nil {
		_ = r.activity.IncrementMessageCount(sessionID)
	}
}

// recordWorkspacePath opportunistically scans tool output for a workspace
// path and persists it as session metadata at most once. Best-effort by
// contract: every failure here is ignored and the primary dispatch path is
// already complete when this runs.
func (r *Relay) recordWorkspacePath(sessionID string, ev event.SessionEvent) {
	defer func() {
		recover()
	}()

	if ev.ToolComplete == nil {
		return
	}
	path, ok := extractCandidatePath(ev.ToolComplete.Output)
	if !ok {
		return
	}
	if !r.statPath(path) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.SetWorkspacePath(ctx, sessionID, path); err != nil {
		r.logger.Debug("workspace path not recorded",
			"error", err,
			"session_id", sessionID,
			"path", path)
		return
	}
	r.logger.Debug("workspace path detected", "session_id", sessionID, "path", path)
}

// toMessage converts a significant event into its persisted form. Returns nil
// for event kinds that carry nothing worth writing.
func toMessage(ev event.SessionEvent) *history.Message {
	msg := &history.Message{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch ev.Type {
	case event.TypeUserMessage:
		msg.Role = history.RoleUser
		if ev.Message != nil {
			msg.Content = ev.Message.Text
			for _, att := range ev.Message.Attachments {
				msg.Attachments = append(msg.Attachments, att.Filename)
			}
		}

	case event.TypeAssistantMessage:
		msg.Role = history.RoleAssistant
		msg.StreamID = ev.ID
		if ev.Message != nil {
			msg.Content = ev.Message.Text
		}

	case event.TypeReasoning:
		msg.Role = history.RoleAssistant
		msg.StreamID = ev.ID
		if ev.Message != nil {
			msg.Reasoning = ev.Message.Text
		}

	case event.TypeToolComplete:
		msg.Role = history.RoleTool
		if ev.ToolComplete != nil {
			msg.ToolCallID = ev.ToolComplete.CallID
			msg.ToolResult = ev.ToolComplete.Output
			msg.ToolError = ev.ToolComplete.IsError
		}
		if msg.ToolCallID == "" {
			msg.ToolCallID = ev.ParentID
		}

	case event.TypeSessionError:
		msg.Role = history.RoleSystem
		if ev.ErrorInfo != nil {
			msg.Content = ev.ErrorInfo.Message
		}

	default:
		return nil
	}

	return msg
}
