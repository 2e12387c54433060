// Package session holds the in-memory state of supervised sessions.
//
// Invariants:
// - At most one live Session per name in a Registry.
// - A start is only admitted when the name is absent, UNINITIALIZED or CLOSED.
// - Releasing a Session moves it to CLOSED and hands its resources to the
//   caller exactly once.
// - Registry removal is compare-and-swap on the Session pointer, so a late
//   teardown cannot evict a newer Session with the same name.
package session
