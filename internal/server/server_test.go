// ABOUTME: Tests for the HTTP API and the websocket feed endpoints.
// ABOUTME: Drives a real httptest server with the gorilla dialer for the feed paths.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-relay/internal/event"
	"github.com/2389/session-relay/internal/history"
	"github.com/2389/session-relay/internal/registry"
	"github.com/2389/session-relay/internal/relay"
)

// fakeReader serves canned records.
type fakeReader struct {
	records map[string]*history.Record
}

func (f *fakeReader) Load(_ context.Context, sessionID string) (*history.Record, error) {
	record, ok := f.records[sessionID]
	if !ok {
		return nil, history.ErrSessionNotFound
	}
	return record, nil
}

func (f *fakeReader) LoadAll(context.Context) ([]*history.Metadata, error) {
	var all []*history.Metadata
	for _, record := range f.records {
		meta := record.Metadata
		all = append(all, &meta)
	}
	return all, nil
}

type noopDeleter struct{}

func (noopDeleter) Delete(context.Context, string) error { return nil }

type testHarness struct {
	ts          *httptest.Server
	broadcaster *relay.Broadcaster
	registry    *registry.Registry
}

func newHarness(t *testing.T, reader *fakeReader) *testHarness {
	t.Helper()

	b := relay.NewBroadcaster(nil)
	rly := relay.New(relay.Config{Store: noopStore{}, Broadcaster: b})
	reg := registry.New(rly, noopDeleter{}, nil)
	srv := New(reader, reg, b, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		rly.Close()
		b.Close()
	})
	return &testHarness{ts: ts, broadcaster: b, registry: reg}
}

type noopStore struct{}

func (noopStore) Append(context.Context, string, ...*history.Message) error { return nil }
func (noopStore) SetWorkspacePath(context.Context, string, string) error    { return nil }

func sampleRecord(sessionID string) *history.Record {
	now := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	return &history.Record{
		Metadata: history.Metadata{
			SessionID:      sessionID,
			CreatedAt:      now,
			LastActivityAt: now.Add(time.Minute),
			MessageCount:   2,
			Summary:        "adding numbers",
			WorkspacePath:  "/home/dev/ws",
		},
		Messages: []*history.Message{
			{ID: "u1", Timestamp: now, Role: history.RoleUser, Content: "2+2?"},
			{ID: "m1", Timestamp: now.Add(time.Second), Role: history.RoleAssistant, Content: "2 + 2 = 4.", StreamID: "m1"},
		},
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})

	var body map[string]string
	status := getJSON(t, h.ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ListSessionsMarksActive(t *testing.T) {
	reader := &fakeReader{records: map[string]*history.Record{
		"live": sampleRecord("live"),
		"done": sampleRecord("done"),
	}}
	h := newHarness(t, reader)
	require.NoError(t, h.registry.Register("live", stubEngine{}, ""))

	var body struct {
		Sessions []struct {
			SessionID     string `json:"session_id"`
			Active        bool   `json:"active"`
			MessageCount  int    `json:"message_count"`
			Summary       string `json:"summary"`
			WorkspacePath string `json:"workspace_path"`
		} `json:"sessions"`
	}
	status := getJSON(t, h.ts.URL+"/api/sessions", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Sessions, 2)

	byID := map[string]bool{}
	for _, s := range body.Sessions {
		byID[s.SessionID] = s.Active
		assert.Equal(t, 2, s.MessageCount)
		assert.Equal(t, "adding numbers", s.Summary)
	}
	assert.True(t, byID["live"])
	assert.False(t, byID["done"])
}

func TestServer_History(t *testing.T) {
	reader := &fakeReader{records: map[string]*history.Record{"s1": sampleRecord("s1")}}
	h := newHarness(t, reader)

	var body struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			ID       string `json:"id"`
			Role     string `json:"role"`
			Content  string `json:"content"`
			StreamID string `json:"stream_id"`
		} `json:"messages"`
	}
	status := getJSON(t, h.ts.URL+"/api/sessions/s1/history", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "s1", body.SessionID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "u1", body.Messages[0].ID)
	assert.Equal(t, history.RoleAssistant, body.Messages[1].Role)
	assert.Equal(t, "m1", body.Messages[1].StreamID)
}

func TestServer_HistoryUnknownSession(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})

	status := getJSON(t, h.ts.URL+"/api/sessions/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_FeedRejectsUnknownFeedName(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})

	status := getJSON(t, h.ts.URL+"/ws/sessions/s1?feed=telepathy", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func dialFeed(t *testing.T, h *testHarness, sessionID, feed string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/sessions/" + sessionID
	if feed != "" {
		url += "?feed=" + feed
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_EventFeedDeliversFrames(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})
	conn := dialFeed(t, h, "s1", "")

	// The subscription is installed during the upgrade handshake; give the
	// handler a beat before publishing.
	time.Sleep(50 * time.Millisecond)
	h.broadcaster.PublishEvent("s1", &event.Frame{
		SessionID: "s1",
		EventID:   "e1",
		Type:      string(event.TypeAssistantMessage),
		Timestamp: time.Now(),
		Message:   &event.MessageFrame{Role: "assistant", Text: "hello"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame event.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "e1", frame.EventID)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "hello", frame.Message.Text)
}

func TestServer_DeltaFeedDeliversFragmentsInOrder(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})
	conn := dialFeed(t, h, "s1", "deltas")

	time.Sleep(50 * time.Millisecond)
	for i, fragment := range []string{"2 ", "+ 2 ", "= 4"} {
		h.broadcaster.PublishDelta("s1", &event.DeltaFrame{
			SessionID:   "s1",
			Kind:        event.DeltaKindMessage,
			ID:          "m1",
			Fragment:    fragment,
			RunningSize: i + 1,
		})
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []string
	for range 3 {
		var frame event.DeltaFrame
		require.NoError(t, conn.ReadJSON(&frame))
		got = append(got, frame.Fragment)
	}
	assert.Equal(t, []string{"2 ", "+ 2 ", "= 4"}, got)
}

func TestServer_FeedIsolationBetweenSessions(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})
	conn := dialFeed(t, h, "s1", "")

	time.Sleep(50 * time.Millisecond)
	h.broadcaster.PublishEvent("s2", &event.Frame{SessionID: "s2", EventID: "other", Type: "user-message", Timestamp: time.Now()})
	h.broadcaster.PublishEvent("s1", &event.Frame{SessionID: "s1", EventID: "mine", Type: "user-message", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame event.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "mine", frame.EventID, "s2 traffic must never reach an s1 subscriber")
}

func TestServer_ManySubscribersOneSession(t *testing.T) {
	h := newHarness(t, &fakeReader{records: map[string]*history.Record{}})

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dialFeed(t, h, "s1", "events")
	}

	time.Sleep(50 * time.Millisecond)
	h.broadcaster.PublishEvent("s1", &event.Frame{SessionID: "s1", EventID: "fanout", Type: "user-message", Timestamp: time.Now()})

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame event.Frame
		require.NoError(t, conn.ReadJSON(&frame), "subscriber %d", i)
		assert.Equal(t, "fanout", frame.EventID, "subscriber %d", i)
	}
}

// stubEngine satisfies registry.EngineSession for activity marking.
type stubEngine struct{}

func (stubEngine) Send(context.Context, string, []event.Attachment, string) error { return nil }
func (stubEngine) Abort() error                                                   { return nil }
func (stubEngine) Subscribe(func(event.SessionEvent)) (registry.Subscription, error) {
	return stubSubscription{}, nil
}

type stubSubscription struct{}

func (stubSubscription) Dispose() {}
