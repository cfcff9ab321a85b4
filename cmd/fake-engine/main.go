// ABOUTME: Minimal scripted engine for manual end-to-end testing of the relay pipeline.
// ABOUTME: Registers one session, replays a canned event sequence, prints what subscribers receive.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/session-relay/internal/accum"
	"github.com/2389/session-relay/internal/event"
	"github.com/2389/session-relay/internal/history"
	"github.com/2389/session-relay/internal/registry"
	"github.com/2389/session-relay/internal/relay"
)

// scriptedEngine implements registry.EngineSession by pushing a canned event
// sequence to whatever handler is subscribed, in order, from its own goroutine.
type scriptedEngine struct {
	mu      sync.Mutex
	handler func(event.SessionEvent)
}

type scriptedSubscription struct {
	engine *scriptedEngine
	once   sync.Once
}

func (s *scriptedSubscription) Dispose() {
	s.once.Do(func() {
		s.engine.mu.Lock()
		s.engine.handler = nil
		s.engine.mu.Unlock()
	})
}

func (e *scriptedEngine) Subscribe(handler func(event.SessionEvent)) (registry.Subscription, error) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
	return &scriptedSubscription{engine: e}, nil
}

func (e *scriptedEngine) Send(_ context.Context, prompt string, _ []event.Attachment, _ string) error {
	go e.replay(prompt)
	return nil
}

func (e *scriptedEngine) Abort() error {
	e.emit(event.SessionEvent{ID: uuid.New().String(), Type: event.TypeAbort, Timestamp: time.Now()})
	return nil
}

func (e *scriptedEngine) emit(ev event.SessionEvent) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// replay streams a scripted turn answering the prompt: deltas, a tool call,
// the terminal message, then idle.
func (e *scriptedEngine) replay(prompt string) {
	now := time.Now
	msgID := uuid.New().String()
	callID := uuid.New().String()

	e.emit(event.SessionEvent{
		ID: uuid.New().String(), Type: event.TypeUserMessage, Timestamp: now(),
		Message: &event.MessagePayload{Role: "user", Text: prompt},
	})
	e.emit(event.SessionEvent{ID: uuid.New().String(), Type: event.TypeTurnStart, Timestamp: now()})
	e.emit(event.SessionEvent{
		ID: callID, Type: event.TypeToolStart, Timestamp: now(),
		ToolStart: &event.ToolStartPayload{CallID: callID, Name: "calculator", Input: prompt},
	})
	e.emit(event.SessionEvent{
		ID: uuid.New().String(), Type: event.TypeToolComplete, Timestamp: now(), ParentID: callID,
		ToolComplete: &event.ToolCompletePayload{CallID: callID, Output: "4"},
	})
	for _, fragment := range []string{"2 ", "+ 2 ", "= 4"} {
		e.emit(event.SessionEvent{
			ID: msgID, Type: event.TypeMessageDelta, Timestamp: now(), Ephemeral: true,
			Delta: &event.DeltaPayload{Fragment: fragment},
		})
		time.Sleep(50 * time.Millisecond)
	}
	e.emit(event.SessionEvent{
		ID: msgID, Type: event.TypeAssistantMessage, Timestamp: now(),
		Message: &event.MessagePayload{Role: "assistant", Text: "2 + 2 = 4."},
	})
	e.emit(event.SessionEvent{ID: uuid.New().String(), Type: event.TypeTurnEnd, Timestamp: now()})
	e.emit(event.SessionEvent{ID: uuid.New().String(), Type: event.TypeSessionIdle, Timestamp: now()})
}

func main() {
	prompt := flag.String("prompt", "2+2?", "prompt to replay a scripted answer for")
	dbPath := flag.String("db", "", "history database path (default: temp file)")
	flag.Parse()

	if err := run(*prompt, *dbPath); err != nil {
		log.Fatal(err)
	}
}

func run(prompt, dbPath string) error {
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "fake-engine")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dbPath = dir + "/sessions.db"
	}

	store, err := history.NewStore(dbPath, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	broadcaster := relay.NewBroadcaster(nil)
	defer broadcaster.Close()

	rly := relay.New(relay.Config{Store: store, Broadcaster: broadcaster})
	defer rly.Close()

	reg := registry.New(rly, store, nil)

	sessionID := uuid.New().String()
	engine := &scriptedEngine{}
	if err := reg.Register(sessionID, engine, `{"scripted":true}`); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, _ := broadcaster.SubscribeEvents(ctx, sessionID)
	deltas, _ := broadcaster.SubscribeDeltas(ctx, sessionID)

	if err := engine.Send(ctx, prompt, nil, "default"); err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}

	// Each subscriber runs its own accumulator over what it receives; this one
	// folds both feeds back together to show the reconstructed text.
	acc := accum.New()
	var lastMsgID string

	for {
		select {
		case frame := <-deltas:
			fmt.Printf("delta  %-9s %s\n", frame.Kind, frame.Fragment)
			acc.Apply(deltaToEvent(frame))
			if frame.Kind == event.DeltaKindMessage {
				lastMsgID = frame.ID
			}
		case frame := <-events:
			data, _ := json.Marshal(frame)
			fmt.Printf("event  %s\n", data)
			acc.Apply(frameToEvent(frame))
			if frame.Type == string(event.TypeAssistantMessage) {
				lastMsgID = frame.EventID
			}
			if frame.Type == string(event.TypeSessionIdle) {
				if text, ok := acc.MessageText(lastMsgID); ok {
					fmt.Printf("\nreconstructed: %s\n", text)
				}
				record, err := store.Load(context.Background(), sessionID)
				if err != nil {
					return fmt.Errorf("loading history: %w", err)
				}
				fmt.Printf("persisted messages: %d\n", len(record.Messages))
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for session idle")
		}
	}
}

// deltaToEvent reverses the delta frame mapping so the accumulator can fold
// fragments received off the wire.
func deltaToEvent(f *event.DeltaFrame) event.SessionEvent {
	typ := event.TypeMessageDelta
	if f.Kind == event.DeltaKindReasoning {
		typ = event.TypeReasoningDelta
	}
	return event.SessionEvent{
		ID:        f.ID,
		Type:      typ,
		Ephemeral: true,
		Delta:     &event.DeltaPayload{Fragment: f.Fragment, RunningSize: f.RunningSize},
	}
}

// frameToEvent reverses the general frame mapping for the payload variants the
// accumulator cares about.
func frameToEvent(f *event.Frame) event.SessionEvent {
	ev := event.SessionEvent{
		ID:        f.EventID,
		Type:      event.Type(f.Type),
		Timestamp: f.Timestamp,
		ParentID:  f.ParentID,
	}
	if f.Message != nil {
		ev.Message = &event.MessagePayload{Role: f.Message.Role, Text: f.Message.Text}
	}
	if f.ToolStart != nil {
		ev.ToolStart = &event.ToolStartPayload{
			CallID: f.ToolStart.CallID,
			Name:   f.ToolStart.Name,
			Input:  f.ToolStart.Input,
		}
	}
	if f.ToolComplete != nil {
		ev.ToolComplete = &event.ToolCompletePayload{
			CallID:  f.ToolComplete.CallID,
			Output:  f.ToolComplete.Output,
			IsError: f.ToolComplete.IsError,
		}
	}
	return ev
}
