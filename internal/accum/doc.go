// Package accum folds an ordered event sequence into current stream state:
// partial message and reasoning text keyed by stream id, and the set of
// executing tool calls.
//
// The fold is deterministic, so replaying a persisted sequence reconstructs
// the same state every time. Terminal events are authoritative: once a
// stream's final text arrives, its delta buffer is discarded and stragglers
// are ignored.
package accum
