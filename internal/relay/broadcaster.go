// ABOUTME: In-memory fan-out broadcaster for the two per-session real-time feeds.
// ABOUTME: General feed carries mapped event frames; delta feed carries minimal streaming fragments.

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/session-relay/internal/event"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// feed is one keyed pub/sub plane: sessionID -> subID -> channel.
// Publish is non-blocking; events are dropped for subscribers whose channels
// are full so one slow consumer never stalls the relay.
type feed[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T
	logger      *slog.Logger
}

func newFeed[T any](logger *slog.Logger) *feed[T] {
	return &feed[T]{
		subscribers: make(map[string]map[string]chan T),
		logger:      logger,
	}
}

func (f *feed[T]) subscribe(ctx context.Context, sessionID string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	f.mu.Lock()
	if _, ok := f.subscribers[sessionID]; !ok {
		f.subscribers[sessionID] = make(map[string]chan T)
	}
	f.subscribers[sessionID][subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		f.unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// publish holds the read lock across the sends. The sends are non-blocking,
// so this is cheap, and it excludes unsubscribe/closeAll (which close
// channels under the write lock) from closing a channel mid-send.
func (f *feed[T]) publish(sessionID string, v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subscribers[sessionID] {
		select {
		case ch <- v:
		default:
			f.logger.Debug("dropped event for slow subscriber", "session_id", sessionID)
		}
	}
}

// unsubscribe is idempotent: leaving twice, or leaving after the session's
// feeds were torn down, is a no-op.
func (f *feed[T]) unsubscribe(sessionID, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(f.subscribers, sessionID)
	}

	f.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

func (f *feed[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sessionID, subs := range f.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(f.subscribers, sessionID)
	}
}

// Broadcaster fans mapped events out to all current real-time subscribers of
// a session, over two logical feeds: a general feed of *event.Frame for every
// non-delta event, and a streaming feed of *event.DeltaFrame for deltas.
type Broadcaster struct {
	events *feed[*event.Frame]
	deltas *feed[*event.DeltaFrame]
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broadcaster")
	return &Broadcaster{
		events: newFeed[*event.Frame](logger),
		deltas: newFeed[*event.DeltaFrame](logger),
		logger: logger,
	}
}

// SubscribeEvents joins a session's general feed. The subscription is cleaned
// up when ctx is cancelled; the returned id allows earlier manual leave.
func (b *Broadcaster) SubscribeEvents(ctx context.Context, sessionID string) (<-chan *event.Frame, string) {
	return b.events.subscribe(ctx, sessionID)
}

// SubscribeDeltas joins a session's streaming feed.
func (b *Broadcaster) SubscribeDeltas(ctx context.Context, sessionID string) (<-chan *event.DeltaFrame, string) {
	return b.deltas.subscribe(ctx, sessionID)
}

// UnsubscribeEvents leaves the general feed. Idempotent.
func (b *Broadcaster) UnsubscribeEvents(sessionID, subID string) {
	b.events.unsubscribe(sessionID, subID)
}

// UnsubscribeDeltas leaves the streaming feed. Idempotent.
func (b *Broadcaster) UnsubscribeDeltas(sessionID, subID string) {
	b.deltas.unsubscribe(sessionID, subID)
}

// PublishEvent fans a frame out on the general feed.
func (b *Broadcaster) PublishEvent(sessionID string, f *event.Frame) {
	b.events.publish(sessionID, f)
}

// PublishDelta fans a fragment out on the streaming feed.
func (b *Broadcaster) PublishDelta(sessionID string, f *event.DeltaFrame) {
	b.deltas.publish(sessionID, f)
}

// Close shuts down both feeds and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.events.closeAll()
	b.deltas.closeAll()
	b.logger.Debug("broadcaster closed")
}
