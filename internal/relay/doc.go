// Package relay implements the event dispatch pipeline between the
// conversational engine and everything that consumes its events.
//
// # Overview
//
// Raw engine events enter through Dispatch (fire-and-forget) and flow through
// one pass of classification:
//
//  1. Delta events go to the low-latency streaming feed, and nowhere else.
//  2. Everything else is mapped to a wire frame and forwarded on the general
//     feed, including event kinds this build does not recognize.
//  3. Significant, non-ephemeral events are additionally written to the
//     durable log.
//
// # Ordering and Isolation
//
// Each session gets its own FIFO queue drained by a single worker goroutine,
// so events for one session are processed in dispatch order while sessions
// never serialize against each other. When a queue is full the event is
// dropped and logged; the producer is never blocked.
//
// # Failure Containment
//
// Every failure downstream of Dispatch stays inside the pipeline: persistence
// errors are logged and swallowed, panics are recovered at the per-event
// boundary, and the best-effort workspace-path heuristic can never disturb
// the primary dispatch path.
//
// # Feeds
//
// The Broadcaster fans frames out to per-session subscribers on two
// independent feeds:
//
//	events, id := b.SubscribeEvents(ctx, sessionID)
//	deltas, id := b.SubscribeDeltas(ctx, sessionID)
//
// Publishing never blocks on a slow subscriber; a full subscriber buffer
// means that subscriber misses the frame.
package relay
