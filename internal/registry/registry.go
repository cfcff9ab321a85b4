// ABOUTME: Registry owns the live-session map and the subscription lifecycle.
// ABOUTME: Guarantees at most one live event subscription per session by disposing before replacing.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/session-relay/internal/event"
)

// ErrNilHandle is returned when registering a session without an engine handle.
var ErrNilHandle = errors.New("engine handle is required")

// ErrSessionNotFound is returned by metadata mutators for unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// Subscription is a disposable handle to a live event subscription.
// Dispose must be idempotent: disposing an already-disposed subscription is a
// no-op, never a panic.
type Subscription interface {
	Dispose()
}

// EngineSession is the contract of the external conversational engine for one
// session. The engine invokes the subscribed handler asynchronously, in order,
// once per event, on an engine-owned goroutine.
type EngineSession interface {
	Send(ctx context.Context, prompt string, attachments []event.Attachment, mode string) error
	Abort() error
	Subscribe(handler func(event.SessionEvent)) (Subscription, error)
}

// Dispatcher produces the per-session handler installed as the engine
// subscription. Implemented by relay.Relay.
type Dispatcher interface {
	CreateHandler(sessionID string) func(event.SessionEvent)
}

// HistoryDeleter removes a session's durable record when the session is
// removed from the registry. Implemented by history.Store.
type HistoryDeleter interface {
	Delete(ctx context.Context, sessionID string) error
}

// Info is a read-only snapshot of an active session's metadata.
type Info struct {
	SessionID      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	Summary        string
	Config         string
}

// active is one registry entry. Metadata mutation is guarded by the entry's
// own mutex so two sessions never contend with each other.
type active struct {
	mu sync.Mutex

	sessionID string
	handle    EngineSession
	sub       Subscription

	createdAt      time.Time
	lastActivityAt time.Time
	messageCount   int
	summary        string
	config         string
}

// Registry is the single source of truth for which sessions are live.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*active

	dispatcher Dispatcher
	history    HistoryDeleter
	logger     *slog.Logger
}

// New creates a Registry. Pass nil logger for default.
func New(dispatcher Dispatcher, history HistoryDeleter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*active),
		dispatcher: dispatcher,
		history:    history,
		logger:     logger.With("component", "registry"),
	}
}

// Register inserts or replaces the active entry for sessionID and installs
// exactly one event subscription on the handle. A prior subscription for the
// same id is disposed before the new one is installed - skipping that disposal
// would double-deliver every subsequent event, which is the bug class this
// method exists to prevent.
func (r *Registry) Register(sessionID string, handle EngineSession, config string) error {
	if handle == nil {
		return fmt.Errorf("registering %q: %w", sessionID, ErrNilHandle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.sessions[sessionID]; ok && prior.sub != nil {
		prior.sub.Dispose()
	}

	sub, err := handle.Subscribe(r.dispatcher.CreateHandler(sessionID))
	if err != nil {
		delete(r.sessions, sessionID)
		return fmt.Errorf("subscribing session %q: %w", sessionID, err)
	}

	now := time.Now()
	r.sessions[sessionID] = &active{
		sessionID:      sessionID,
		handle:         handle,
		sub:            sub,
		createdAt:      now,
		lastActivityAt: now,
		config:         config,
	}

	r.logger.Info("session registered", "session_id", sessionID)
	return nil
}

// ResumeExisting swaps the engine handle for a session while preserving its
// metadata (except last-activity). The same dispose-before-replace discipline
// as Register applies. Resuming an unknown session behaves like Register with
// empty config.
func (r *Registry) ResumeExisting(sessionID string, handle EngineSession) error {
	if handle == nil {
		return fmt.Errorf("resuming %q: %w", sessionID, ErrNilHandle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prior, ok := r.sessions[sessionID]
	if ok && prior.sub != nil {
		prior.sub.Dispose()
	}

	sub, err := handle.Subscribe(r.dispatcher.CreateHandler(sessionID))
	if err != nil {
		delete(r.sessions, sessionID)
		return fmt.Errorf("subscribing session %q: %w", sessionID, err)
	}

	now := time.Now()
	entry := &active{
		sessionID:      sessionID,
		handle:         handle,
		sub:            sub,
		createdAt:      now,
		lastActivityAt: now,
	}
	if ok {
		entry.createdAt = prior.createdAt
		entry.messageCount = prior.messageCount
		entry.summary = prior.summary
		entry.config = prior.config
	}
	r.sessions[sessionID] = entry

	r.logger.Info("session resumed", "session_id", sessionID)
	return nil
}

// Remove disposes the session's subscription, drops the in-memory entry, and
// deletes the durable record. Removing an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok && entry.sub != nil {
		entry.sub.Dispose()
	}

	if err := r.history.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting durable record for %q: %w", sessionID, err)
	}

	r.logger.Info("session removed", "session_id", sessionID)
	return nil
}

// Get returns a metadata snapshot and the engine handle for a live session.
func (r *Registry) Get(sessionID string) (Info, EngineSession, bool) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return Info{}, nil, false
	}
	return entry.snapshot(), entry.handle, true
}

// Exists reports whether the session is currently active.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// ListAll returns metadata snapshots for every active session.
func (r *Registry) ListAll() []Info {
	r.mu.RLock()
	entries := make([]*active, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entry.snapshot())
	}
	return infos
}

// TouchActivity advances the session's in-memory last-activity timestamp.
func (r *Registry) TouchActivity(sessionID string) error {
	return r.mutate(sessionID, func(entry *active) {
		entry.lastActivityAt = time.Now()
	})
}

// IncrementMessageCount bumps the in-memory message count. This counter is a
// cheap local mirror; the durable count in the event log is authoritative for
// callers that need one.
func (r *Registry) IncrementMessageCount(sessionID string) error {
	return r.mutate(sessionID, func(entry *active) {
		entry.messageCount++
	})
}

// SetSummary replaces the in-memory summary text.
func (r *Registry) SetSummary(sessionID, summary string) error {
	return r.mutate(sessionID, func(entry *active) {
		entry.summary = summary
	})
}

func (r *Registry) mutate(sessionID string, fn func(entry *active)) error {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	entry.mu.Lock()
	fn(entry)
	entry.mu.Unlock()
	return nil
}

func (a *active) snapshot() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{
		SessionID:      a.sessionID,
		CreatedAt:      a.createdAt,
		LastActivityAt: a.lastActivityAt,
		MessageCount:   a.messageCount,
		Summary:        a.summary,
		Config:         a.config,
	}
}
