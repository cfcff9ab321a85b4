// Package registry tracks which sessions are live and owns their engine
// event subscriptions.
//
// The core invariant is at most one subscription per session: registering a
// handle for a session that already has one disposes the old subscription
// before installing the new, which is what prevents double delivery after a
// session is re-registered or resumed.
package registry
