// Package server exposes the read-only HTTP API and the websocket feed
// endpoints.
//
// # Routes
//
//	GET /health                        liveness probe
//	GET /api/sessions                  all persisted sessions, live ones marked
//	GET /api/sessions/{id}/history     full persisted record for one session
//	GET /ws/sessions/{id}?feed=...     websocket feed, "events" or "deltas"
//
// A websocket client joins one of the session's two feeds; closing the
// connection is how it leaves. The server pings on an interval and gives up
// on peers that stop accepting writes.
package server
